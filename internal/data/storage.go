package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"
	"transcription-service/internal/constants"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kratos/kratos/v2/log"
)

// NewAudioStorage 按配置创建音频存储
func NewAudioStorage(c *conf.Bootstrap, logger log.Logger) (biz.AudioStorage, error) {
	if c.Storage == nil {
		return nil, fmt.Errorf("storage config is nil")
	}
	switch c.Storage.Driver {
	case "", constants.StorageDriverS3:
		return newS3AudioStorage(context.Background(), c.Storage.S3, logger)
	case constants.StorageDriverLocal:
		return newLocalAudioStorage(c.Storage.LocalRoot), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
}

// s3AudioStorage S3 兼容对象存储
type s3AudioStorage struct {
	client *s3.Client
	bucket string
	log    *log.Helper
}

func newS3AudioStorage(ctx context.Context, c *conf.Storage_S3, logger log.Logger) (*s3AudioStorage, error) {
	if c == nil || c.Bucket == "" {
		return nil, fmt.Errorf("s3 storage requires a bucket")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(c.Region)}
	if c.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKey,
			c.SecretKey,
			"",
		)))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.PathStyle
	})

	helper := log.NewHelper(logger)
	helper.Infof("[AudioStorage] using s3 bucket %s", c.Bucket)
	return &s3AudioStorage{client: client, bucket: c.Bucket, log: helper}, nil
}

// objectKey 接受 s3://bucket/key 或直接的 key
func (s *s3AudioStorage) objectKey(ref string) string {
	key := strings.TrimPrefix(ref, "s3://")
	if key != ref {
		key = strings.TrimPrefix(key, s.bucket+"/")
	}
	return strings.TrimPrefix(key, "/")
}

func (s *s3AudioStorage) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

func (s *s3AudioStorage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(ref)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, biz.ErrAudioNotFound
		}
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	return out.Body, nil
}

// localAudioStorage 本地目录存储，开发与测试使用
type localAudioStorage struct {
	root string
}

func newLocalAudioStorage(root string) *localAudioStorage {
	if root == "" {
		root = "."
	}
	return &localAudioStorage{root: root}
}

func (s *localAudioStorage) path(ref string) (string, error) {
	rel := filepath.Clean("/" + strings.TrimPrefix(ref, "file://"))
	p := filepath.Join(s.root, rel)
	if !strings.HasPrefix(p, filepath.Clean(s.root)) {
		return "", fmt.Errorf("audio ref escapes storage root: %s", ref)
	}
	return p, nil
}

func (s *localAudioStorage) Exists(ctx context.Context, ref string) (bool, error) {
	p, err := s.path(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *localAudioStorage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, biz.ErrAudioNotFound
		}
		return nil, err
	}
	return f, nil
}
