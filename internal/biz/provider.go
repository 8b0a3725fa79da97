package biz

import (
	"context"
	"io"
	"strings"
)

// TranscribeRequest 单次服务商调用参数
type TranscribeRequest struct {
	SessionID string
	AudioRef  string
	Language  string
	Region    string
	// Diarization 为 true 时调用带说话人分离的 API 变体
	Diarization bool
	// DurationSeconds 上传时登记的音频时长，0 表示未知
	DurationSeconds float64
}

// TranscriptSegment 统一的转写片段
type TranscriptSegment struct {
	Seq      int     `json:"seq"`
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
	Speaker  string  `json:"speaker,omitempty"`
}

// TranscriptResult 服务商返回结果，已归一化
type TranscriptResult struct {
	Segments        []TranscriptSegment
	DurationSeconds float64
	Language        string
}

// ProviderAdapter 语音识别服务商适配器
// 实现方负责把错误归类为 ProviderTransientError 或 ProviderPermanentError
type ProviderAdapter interface {
	Name() string
	Supports(language, region string) bool
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscriptResult, error)
}

// AudioStorage 音频存储协作方
type AudioStorage interface {
	Exists(ctx context.Context, ref string) (bool, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// ProviderRegistry 按角色注册的服务商，未启用的角色为 nil
type ProviderRegistry struct {
	Primary   ProviderAdapter
	Secondary ProviderAdapter
}

// ProviderChoice 调用方指定的服务商
type ProviderChoice string

const (
	ProviderChoiceDefault   ProviderChoice = ""
	ProviderChoiceAuto      ProviderChoice = "auto"
	ProviderChoicePrimary   ProviderChoice = "primary"
	ProviderChoiceSecondary ProviderChoice = "secondary"
)

// ParseProviderChoice 解析服务商选择，空串表示使用默认配置
func ParseProviderChoice(s string) (ProviderChoice, error) {
	switch c := ProviderChoice(strings.ToLower(strings.TrimSpace(s))); c {
	case ProviderChoiceDefault, ProviderChoiceAuto, ProviderChoicePrimary, ProviderChoiceSecondary:
		return c, nil
	}
	return "", &InvalidArgumentError{Field: "provider_choice", Reason: "must be one of auto, primary, secondary"}
}

// ProviderPlan 一次尝试的候选服务商，按顺序调用
type ProviderPlan struct {
	Choice     ProviderChoice
	Candidates []ProviderAdapter
	// Fallback 仅 AUTO 模式下遇到可重试错误时才尝试下一个
	Fallback bool
}

// ProviderStrategy 解析服务商选择
type ProviderStrategy interface {
	Resolve(choice ProviderChoice) (*ProviderPlan, error)
}

type defaultProviderStrategy struct {
	registry      *ProviderRegistry
	defaultChoice ProviderChoice
}

// NewProviderStrategy 默认服务商在构造时注入
func NewProviderStrategy(registry *ProviderRegistry, conf *BillingConfig) ProviderStrategy {
	return &defaultProviderStrategy{
		registry:      registry,
		defaultChoice: conf.DefaultProvider,
	}
}

func (s *defaultProviderStrategy) Resolve(choice ProviderChoice) (*ProviderPlan, error) {
	if choice == ProviderChoiceDefault {
		choice = s.defaultChoice
	}
	if choice == ProviderChoiceDefault {
		choice = ProviderChoiceAuto
	}

	plan := &ProviderPlan{Choice: choice}
	switch choice {
	case ProviderChoicePrimary:
		plan.Candidates = appendAdapter(nil, s.registry.Primary)
	case ProviderChoiceSecondary:
		plan.Candidates = appendAdapter(nil, s.registry.Secondary)
	case ProviderChoiceAuto:
		plan.Candidates = appendAdapter(appendAdapter(nil, s.registry.Primary), s.registry.Secondary)
		plan.Fallback = true
	default:
		return nil, &InvalidArgumentError{Field: "provider_choice", Reason: string(choice)}
	}
	if len(plan.Candidates) == 0 {
		return nil, ErrNoProvider
	}
	return plan, nil
}

func appendAdapter(list []ProviderAdapter, a ProviderAdapter) []ProviderAdapter {
	if a == nil {
		return list
	}
	return append(list, a)
}
