package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// maxErrorBody 错误响应体最多读取的字节数
const maxErrorBody = 4 << 10

// NewProviderRegistry 根据配置创建已启用的服务商适配器
func NewProviderRegistry(c *conf.Bootstrap, storage biz.AudioStorage, matrix *biz.CapabilityMatrix, logger log.Logger) *biz.ProviderRegistry {
	registry := &biz.ProviderRegistry{}
	helper := log.NewHelper(logger)
	if c.Providers == nil {
		helper.Warn("no transcription providers configured")
		return registry
	}
	if p := c.Providers.Primary; p != nil && p.Enabled {
		registry.Primary = newGoogleSTTProvider(p, storage, matrix, logger)
		helper.Infof("primary provider enabled: %s", biz.ProviderGoogleSTT)
	}
	if s := c.Providers.Secondary; s != nil && s.Enabled {
		registry.Secondary = newAssemblyAIProvider(s, storage, matrix, logger)
		helper.Infof("secondary provider enabled: %s", biz.ProviderAssemblyAI)
	}
	return registry
}

// classifyResponse 非 2xx 响应归类：408/429/5xx 可重试，其余 4xx 不可重试
func classifyResponse(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := fmt.Errorf("%s", strings.TrimSpace(string(body)))
	if isRetryableStatus(resp.StatusCode) {
		return &biz.ProviderTransientError{Provider: provider, StatusCode: resp.StatusCode, Err: err}
	}
	return &biz.ProviderPermanentError{Provider: provider, StatusCode: resp.StatusCode, Err: err}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// classifyTransportError 网络错误与超时可重试，调用方取消原样返回
func classifyTransportError(ctx context.Context, provider string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return &biz.ProviderTransientError{Provider: provider, Err: err}
}

// readAudio 从存储读取音频，不存在视为不可重试
func readAudio(ctx context.Context, storage biz.AudioStorage, provider, ref string) ([]byte, error) {
	rc, err := storage.Open(ctx, ref)
	if err != nil {
		if errors.Is(err, biz.ErrAudioNotFound) {
			return nil, &biz.ProviderPermanentError{Provider: provider, Err: fmt.Errorf("audio %s: %w", ref, err)}
		}
		return nil, &biz.ProviderTransientError{Provider: provider, Err: fmt.Errorf("open audio %s: %w", ref, err)}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &biz.ProviderTransientError{Provider: provider, Err: fmt.Errorf("read audio %s: %w", ref, err)}
	}
	if len(data) == 0 {
		return nil, &biz.ProviderPermanentError{Provider: provider, Err: fmt.Errorf("audio %s is empty", ref)}
	}
	return data, nil
}
