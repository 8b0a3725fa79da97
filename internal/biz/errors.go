package biz

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound 会话不存在或已删除
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionGone 转写完成时会话已被删除或不再处于处理中，结果被丢弃
	ErrSessionGone = errors.New("session no longer awaiting completion")
	// ErrOwnerNotFound 教练账户不存在
	ErrOwnerNotFound = errors.New("owner not found")
	// ErrClientNotFound 客户不存在
	ErrClientNotFound = errors.New("client not found")
	// ErrLeaseHeld 会话租约被其他 worker 持有
	ErrLeaseHeld = errors.New("session lease held by another worker")
	// ErrNoProvider 没有可用的服务商
	ErrNoProvider = errors.New("no transcription provider available")
	// ErrAudioNotFound 存储中不存在该音频
	ErrAudioNotFound = errors.New("audio not found in storage")
)

// ProviderTransientError 可重试的服务商错误（超时、网络、限流、5xx）
type ProviderTransientError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderTransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s transient failure (http %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s transient failure: %v", e.Provider, e.Err)
}

func (e *ProviderTransientError) Unwrap() error { return e.Err }

// ProviderPermanentError 不可重试的服务商错误（输入不支持、音频不可读、4xx）
type ProviderPermanentError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderPermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s permanent failure (http %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s permanent failure: %v", e.Provider, e.Err)
}

func (e *ProviderPermanentError) Unwrap() error { return e.Err }

// IsTransient 判断错误是否可降级重试，超时同样视为可重试
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var permanent *ProviderPermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var transient *ProviderTransientError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// SessionStateError 非法的状态流转请求
type SessionStateError struct {
	SessionID string
	Status    SessionStatus
	Action    string
	Reason    string
}

func (e *SessionStateError) Error() string {
	msg := fmt.Sprintf("session %s: %s not allowed in status %s", e.SessionID, e.Action, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// PlanLimitExceeded 套餐限制拒绝
type PlanLimitExceeded struct {
	Decision *Decision
}

func (e *PlanLimitExceeded) Error() string {
	d := e.Decision
	if d == nil {
		return "plan limit exceeded"
	}
	return fmt.Sprintf("plan limit exceeded: %s (current=%g, limit=%g, plan=%s)", d.Reason, d.Current, d.Limit, d.PlanTier)
}

// IntegrityError 账本写入被引用约束阻止，整个事务回滚
type IntegrityError struct {
	Entity string
	ID     string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation on %s %s: %s", e.Entity, e.ID, e.Reason)
}

// InvalidArgumentError 请求参数错误
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
