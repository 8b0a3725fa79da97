package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcription-service/internal/constants"
	"transcription-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	variantRich  = "rich"
	variantPlain = "plain"
)

// ProviderAttempt 一次服务商调用记录
type ProviderAttempt struct {
	Provider    string
	Diarization bool
	Duration    time.Duration
	Err         error
}

// SessionOutcome 编排结果，只有 COMPLETED / FAILED 两种
type SessionOutcome struct {
	Status             SessionStatus
	Provider           string
	Result             *TranscriptResult
	ManualRoleRequired bool
	Attempts           []ProviderAttempt
	Err                error
}

// FailureReason 失败原因，引用最后一个服务商的错误
func (o *SessionOutcome) FailureReason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// TranscriptionOrchestrator 选择服务商与 API 变体并顺序降级，不做任何持久化
type TranscriptionOrchestrator struct {
	strategy ProviderStrategy
	timeout  time.Duration
	log      *log.Helper
	metrics  *metrics.TranscriptionMetrics
}

// NewTranscriptionOrchestrator 创建编排器
func NewTranscriptionOrchestrator(strategy ProviderStrategy, conf *BillingConfig, logger log.Logger) *TranscriptionOrchestrator {
	return &TranscriptionOrchestrator{
		strategy: strategy,
		timeout:  conf.ProviderTimeout,
		log:      log.NewHelper(logger),
		metrics:  metrics.GetMetrics(),
	}
}

// Start 执行一次转写尝试
func (o *TranscriptionOrchestrator) Start(ctx context.Context, session *Session, choice ProviderChoice, diarizationRequested bool) *SessionOutcome {
	plan, err := o.strategy.Resolve(choice)
	if err != nil {
		return &SessionOutcome{Status: SessionStatusFailed, Err: err}
	}

	outcome := &SessionOutcome{Status: SessionStatusFailed}
	for i, adapter := range plan.Candidates {
		rich := diarizationRequested && adapter.Supports(session.Language, session.Region)
		req := &TranscribeRequest{
			SessionID:   session.ID,
			AudioRef:    session.AudioRef,
			Language:    session.Language,
			Region:      session.Region,
			Diarization: rich,
		}
		if session.DurationSeconds != nil {
			req.DurationSeconds = *session.DurationSeconds
		}

		result, attempt := o.call(ctx, adapter, req)
		outcome.Attempts = append(outcome.Attempts, attempt)
		if attempt.Err == nil {
			outcome.Status = SessionStatusCompleted
			outcome.Provider = adapter.Name()
			outcome.Result = result
			outcome.ManualRoleRequired = !rich
			outcome.Err = nil
			return outcome
		}

		outcome.Err = attempt.Err
		last := i == len(plan.Candidates)-1
		if !plan.Fallback || last || !IsTransient(attempt.Err) || ctx.Err() != nil {
			break
		}
		o.log.Warnf("provider %s failed for session %s, falling back to %s: %v",
			adapter.Name(), session.ID, plan.Candidates[i+1].Name(), attempt.Err)
		if o.metrics != nil {
			o.metrics.ProviderFallback.WithLabelValues(adapter.Name()).Inc()
		}
	}

	o.log.Errorf("transcription failed for session %s after %d attempt(s): %v", session.ID, len(outcome.Attempts), outcome.Err)
	return outcome
}

// call 单次调用，受 provider timeout 限制，超时归类为可重试错误
func (o *TranscriptionOrchestrator) call(ctx context.Context, adapter ProviderAdapter, req *TranscribeRequest) (*TranscriptResult, ProviderAttempt) {
	callCtx := ctx
	cancel := func() {}
	if o.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
	}
	defer cancel()

	start := time.Now()
	result, err := adapter.Transcribe(callCtx, req)
	if err == nil && result == nil {
		err = &ProviderPermanentError{Provider: adapter.Name(), Err: errors.New("empty result")}
	}
	if err != nil && !IsTransient(err) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = &ProviderTransientError{Provider: adapter.Name(), Err: fmt.Errorf("timed out after %s: %s", o.timeout, err.Error())}
	}
	attempt := ProviderAttempt{
		Provider:    adapter.Name(),
		Diarization: req.Diarization,
		Duration:    time.Since(start),
		Err:         err,
	}

	if o.metrics != nil {
		variant := variantPlain
		if req.Diarization {
			variant = variantRich
		}
		label := constants.ResultSuccess
		if err != nil {
			label = "permanent"
			if IsTransient(err) {
				label = "transient"
			}
		}
		o.metrics.ProviderCallTotal.WithLabelValues(adapter.Name(), variant, label).Inc()
		o.metrics.ProviderCallDuration.WithLabelValues(adapter.Name()).Observe(attempt.Duration.Seconds())
	}
	return result, attempt
}
