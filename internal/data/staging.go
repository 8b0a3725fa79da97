package data

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"transcription-service/internal/conf"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	defaultGCSInteropEndpoint = "https://storage.googleapis.com"
	gcsInteropRegion          = "auto"
)

// audioStager 长音频暂存，返回识别服务可读取的 URI
type audioStager interface {
	Stage(ctx context.Context, name string, audio []byte) (uri string, err error)
	Remove(ctx context.Context, uri string) error
}

// gcsStager 通过 GCS 的 S3 兼容接口写入暂存桶
type gcsStager struct {
	client *s3.Client
	bucket string
	prefix string
}

// newGCSStager 未配置暂存桶时返回 nil
func newGCSStager(c *conf.Providers_Primary_Staging) *gcsStager {
	if c == nil || c.Bucket == "" {
		return nil
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = defaultGCSInteropEndpoint
	}
	client := s3.New(s3.Options{
		Region:       gcsInteropRegion,
		BaseEndpoint: aws.String(endpoint),
		Credentials:  credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		UsePathStyle: true,
	})
	return &gcsStager{client: client, bucket: c.Bucket, prefix: strings.Trim(c.Prefix, "/")}
}

func (s *gcsStager) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *gcsStager) Stage(ctx context.Context, name string, audio []byte) (string, error) {
	key := s.key(name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(audio),
		ContentLength: aws.Int64(int64(len(audio))),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

func (s *gcsStager) Remove(ctx context.Context, uri string) error {
	key := strings.TrimPrefix(uri, "gs://"+s.bucket+"/")
	if key == uri {
		return fmt.Errorf("uri %s is outside staging bucket %s", uri, s.bucket)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}
