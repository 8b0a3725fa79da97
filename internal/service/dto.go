package service

import (
	"time"

	"transcription-service/internal/biz"
)

// 请求与响应结构，json tag 同时用于 body 与路径/查询参数绑定

// CreateSessionRequest 创建会话
type CreateSessionRequest struct {
	OwnerID              string   `json:"owner_id"`
	ClientID             string   `json:"client_id"`
	AudioRef             string   `json:"audio_ref"`
	FileSizeMb           float64  `json:"file_size_mb"`
	Language             string   `json:"language"`
	Region               string   `json:"region"`
	ProviderChoice       string   `json:"provider_choice"`
	DiarizationRequested bool     `json:"diarization_requested"`
	DurationSeconds      *float64 `json:"duration_seconds"`
}

// SessionIDRequest 只携带会话 ID 的请求
type SessionIDRequest struct {
	ID string `json:"id"`
}

// DeleteSessionRequest 删除会话，purge=true 时物理删除
type DeleteSessionRequest struct {
	ID    string `json:"id"`
	Purge bool   `json:"purge"`
}

// StartTranscriptionRequest 开始转写
type StartTranscriptionRequest struct {
	ID                   string `json:"id"`
	ProviderChoice       string `json:"provider_choice"`
	DiarizationRequested *bool  `json:"diarization_requested"`
}

// RetranscribeRequest 付费重新转写，confirm=false 只返回预估
type RetranscribeRequest struct {
	ID             string `json:"id"`
	Confirm        bool   `json:"confirm"`
	ProviderChoice string `json:"provider_choice"`
}

// SessionReply 会话
type SessionReply struct {
	ID                   string   `json:"id"`
	OwnerID              string   `json:"owner_id"`
	ClientID             *string  `json:"client_id,omitempty"`
	Status               string   `json:"status"`
	AudioRef             string   `json:"audio_ref"`
	FileSizeMb           float64  `json:"file_size_mb"`
	Language             string   `json:"language"`
	Region               string   `json:"region,omitempty"`
	ProviderChoice       string   `json:"provider_choice,omitempty"`
	DiarizationRequested bool     `json:"diarization_requested"`
	DurationSeconds      *float64 `json:"duration_seconds,omitempty"`
	ManualRoleRequired   bool     `json:"manual_role_required"`
	LastError            string   `json:"last_error,omitempty"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

// ClassificationReply 计费分类
type ClassificationReply struct {
	TranscriptionType    string  `json:"transcription_type"`
	IsBillable           bool    `json:"is_billable"`
	BillingReason        string  `json:"billing_reason"`
	CostEstimate         float64 `json:"cost_estimate"`
	EstimatedMinutes     float64 `json:"estimated_minutes"`
	LowConfidence        bool    `json:"low_confidence"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
	Provider             string  `json:"provider"`
}

// RetryReply 免费重试
type RetryReply struct {
	Session        *SessionReply        `json:"session"`
	Classification *ClassificationReply `json:"classification"`
}

// RetranscribeReply 付费重新转写
type RetranscribeReply struct {
	Accepted       bool                 `json:"accepted"`
	Session        *SessionReply        `json:"session"`
	Classification *ClassificationReply `json:"classification"`
}

// TranscriptReply 转写片段
type TranscriptReply struct {
	SessionID string                  `json:"session_id"`
	Segments  []biz.TranscriptSegment `json:"segments"`
}

// EmptyReply 空响应
type EmptyReply struct{}

// CreateOwnerRequest 创建教练账户
type CreateOwnerRequest struct {
	Name     string `json:"name"`
	PlanTier string `json:"plan_tier"`
}

// OwnerIDRequest 只携带教练 ID 的请求
type OwnerIDRequest struct {
	ID string `json:"id"`
}

// ChangePlanRequest 变更套餐
type ChangePlanRequest struct {
	ID       string `json:"id"`
	PlanTier string `json:"plan_tier"`
}

// OwnerReply 教练账户
type OwnerReply struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	PlanTier  string `json:"plan_tier"`
	CreatedAt string `json:"created_at"`
}

// CreateClientRequest 创建客户
type CreateClientRequest struct {
	OwnerID string `json:"id"`
	Name    string `json:"name"`
}

// ClientIDRequest 只携带客户 ID 的请求
type ClientIDRequest struct {
	ID string `json:"id"`
}

// ClientReply 客户
type ClientReply struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

// UsageSummaryReply 用量概览
type UsageSummaryReply struct {
	OwnerID       string                     `json:"owner_id"`
	PlanTier      string                     `json:"plan_tier"`
	Month         string                     `json:"month"`
	CurrentPeriod *biz.CurrentPeriodCounters `json:"current_period"`
	Limits        *biz.PlanLimits            `json:"limits"`
	Lifetime      *biz.UsageTotals           `json:"lifetime"`
}

// UsageHistoryRequest 月度汇总查询，月份格式 YYYY-MM
type UsageHistoryRequest struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// MonthlyUsage 月度汇总
type MonthlyUsage struct {
	Month                   string                        `json:"month"`
	SessionsCreated         int64                         `json:"sessions_created"`
	TranscriptionsCompleted int64                         `json:"transcriptions_completed"`
	TotalMinutes            float64                       `json:"total_minutes"`
	TotalCost               float64                       `json:"total_cost"`
	OriginalCount           int64                         `json:"original_count"`
	RetryFailedCount        int64                         `json:"retry_failed_count"`
	RetranscribePaidCount   int64                         `json:"retranscribe_paid_count"`
	FreeRetryMinutes        float64                       `json:"free_retry_minutes"`
	Providers               map[string]*biz.ProviderUsage `json:"providers"`
}

// UsageHistoryReply 月度汇总列表
type UsageHistoryReply struct {
	OwnerID string          `json:"owner_id"`
	Months  []*MonthlyUsage `json:"months"`
}

// ListUsageLogsRequest 账本分页查询
type ListUsageLogsRequest struct {
	ID       string `json:"id"`
	Page     int32  `json:"page"`
	PageSize int32  `json:"page_size"`
}

// UsageLog 账本记录
type UsageLog struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"session_id"`
	ClientID          *string          `json:"client_id,omitempty"`
	TranscriptionType string           `json:"transcription_type"`
	IsBillable        bool             `json:"is_billable"`
	BillingReason     string           `json:"billing_reason"`
	DurationMinutes   float64          `json:"duration_minutes"`
	Cost              float64          `json:"cost"`
	Provider          string           `json:"provider"`
	PlanSnapshot      biz.PlanSnapshot `json:"plan_snapshot"`
	ParentEntryID     *string          `json:"parent_entry_id,omitempty"`
	CreatedAt         string           `json:"created_at"`
}

// ListUsageLogsReply 账本分页结果
type ListUsageLogsReply struct {
	Logs     []*UsageLog `json:"logs"`
	Total    int64       `json:"total"`
	Page     int32       `json:"page"`
	PageSize int32       `json:"page_size"`
}

// ValidateActionRequest 套餐限制预检
type ValidateActionRequest struct {
	ID         string  `json:"id"`
	Action     string  `json:"action"`
	Minutes    float64 `json:"minutes"`
	FileSizeMb float64 `json:"file_size_mb"`
	Format     string  `json:"format"`
}

// ValidateActionReply 预检结果
type ValidateActionReply struct {
	Allowed       bool    `json:"allowed"`
	Action        string  `json:"action"`
	PlanTier      string  `json:"plan_tier"`
	Reason        string  `json:"reason,omitempty"`
	Current       float64 `json:"current"`
	Limit         float64 `json:"limit"`
	SuggestedPlan string  `json:"suggested_plan,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toSessionReply(s *biz.Session) *SessionReply {
	if s == nil {
		return nil
	}
	return &SessionReply{
		ID:                   s.ID,
		OwnerID:              s.OwnerID,
		ClientID:             s.ClientID,
		Status:               string(s.Status),
		AudioRef:             s.AudioRef,
		FileSizeMb:           s.FileSizeMb,
		Language:             s.Language,
		Region:               s.Region,
		ProviderChoice:       string(s.ProviderChoice),
		DiarizationRequested: s.DiarizationRequested,
		DurationSeconds:      s.DurationSeconds,
		ManualRoleRequired:   s.ManualRoleRequired,
		LastError:            s.LastError,
		CreatedAt:            formatTime(s.CreatedAt),
		UpdatedAt:            formatTime(s.UpdatedAt),
	}
}

func toClassificationReply(c *biz.Classification) *ClassificationReply {
	if c == nil {
		return nil
	}
	return &ClassificationReply{
		TranscriptionType:    string(c.Type),
		IsBillable:           c.IsBillable,
		BillingReason:        c.BillingReason,
		CostEstimate:         c.CostEstimate,
		EstimatedMinutes:     c.EstimatedMinutes,
		LowConfidence:        c.LowConfidence,
		RequiresConfirmation: c.RequiresConfirmation,
		Provider:             c.Provider,
	}
}
