package biz

import (
	"context"
	"time"

	"transcription-service/internal/constants"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Classification 重试 / 重新转写请求的计费分类
type Classification struct {
	Type                 TranscriptionType
	IsBillable           bool
	BillingReason        string
	CostEstimate         float64
	EstimatedMinutes     float64
	LowConfidence        bool // 无时长信息，按默认分钟数估算
	RequiresConfirmation bool
	Provider             string
}

// BillingClassifier 计费分类与费用预估
type BillingClassifier struct {
	usage    UsageRepo
	strategy ProviderStrategy
	conf     *BillingConfig
	log      *log.Helper
}

// NewBillingClassifier 创建 BillingClassifier
func NewBillingClassifier(usage UsageRepo, strategy ProviderStrategy, conf *BillingConfig, logger log.Logger) *BillingClassifier {
	return &BillingClassifier{
		usage:    usage,
		strategy: strategy,
		conf:     conf,
		log:      log.NewHelper(logger),
	}
}

// Classify FAILED -> 免费重试，COMPLETED -> 付费重新转写（需确认），其他状态拒绝
func (c *BillingClassifier) Classify(ctx context.Context, session *Session, choice ProviderChoice) (*Classification, error) {
	switch session.Status {
	case SessionStatusFailed:
		return &Classification{
			Type:          TranscriptionTypeRetryFailed,
			IsBillable:    false,
			BillingReason: constants.BillingReasonFreeRetry,
			Provider:      c.expectedProvider(session, choice),
		}, nil
	case SessionStatusCompleted:
		provider := c.expectedProvider(session, choice)
		minutes, lowConfidence, err := c.estimateMinutes(ctx, session)
		if err != nil {
			return nil, err
		}
		return &Classification{
			Type:                 TranscriptionTypeRetranscribePaid,
			IsBillable:           true,
			BillingReason:        constants.BillingReasonPaidRetranscription,
			CostEstimate:         round4(minutes * c.conf.Rate(provider) * c.conf.EstimateBuffer),
			EstimatedMinutes:     minutes,
			LowConfidence:        lowConfidence,
			RequiresConfirmation: true,
			Provider:             provider,
		}, nil
	default:
		return nil, &SessionStateError{SessionID: session.ID, Status: session.Status, Action: "classify"}
	}
}

// Finalize 根据实际结果构造账本记录，parent 指向会话的第一条记录
func (c *BillingClassifier) Finalize(ctx context.Context, session *Session, outcome *SessionOutcome, plan PlanSnapshot, now time.Time) (*UsageLogEntry, error) {
	first, err := c.usage.GetFirstEntry(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	entry := &UsageLogEntry{
		ID:           uuid.New().String(),
		SessionID:    session.ID,
		OwnerID:      session.OwnerID,
		ClientID:     session.ClientID,
		Provider:     outcome.Provider,
		PlanSnapshot: plan,
		CreatedAt:    now,
	}
	if first != nil {
		parent := first.ID
		entry.ParentEntryID = &parent
	}

	switch {
	case session.ActiveJob == JobKindRetry:
		entry.TranscriptionType = TranscriptionTypeRetryFailed
		entry.BillingReason = constants.BillingReasonFreeRetry
	case session.ActiveJob == JobKindRetranscribe || first != nil:
		entry.TranscriptionType = TranscriptionTypeRetranscribePaid
		entry.IsBillable = true
		entry.BillingReason = constants.BillingReasonPaidRetranscription
	default:
		entry.TranscriptionType = TranscriptionTypeOriginal
		entry.IsBillable = true
		entry.BillingReason = constants.BillingReasonOriginal
	}

	seconds := 0.0
	if outcome.Result != nil {
		seconds = outcome.Result.DurationSeconds
	}
	if seconds <= 0 && session.DurationSeconds != nil {
		seconds = *session.DurationSeconds
	}
	entry.DurationMinutes = round4(seconds / 60)
	if entry.IsBillable {
		entry.Cost = round4(entry.DurationMinutes * c.conf.Rate(outcome.Provider))
	}
	return entry, entry.Validate()
}

// estimateMinutes 会话时长 > 最近一条账本记录 > 默认值（低可信）
func (c *BillingClassifier) estimateMinutes(ctx context.Context, session *Session) (float64, bool, error) {
	if session.DurationSeconds != nil && *session.DurationSeconds > 0 {
		return round4(*session.DurationSeconds / 60), false, nil
	}
	latest, err := c.usage.GetLatestEntry(ctx, session.ID)
	if err != nil {
		return 0, false, err
	}
	if latest != nil && latest.DurationMinutes > 0 {
		return latest.DurationMinutes, false, nil
	}
	return c.conf.DefaultEstimateMinutes, true, nil
}

// expectedProvider 预估使用第一个候选服务商的费率
func (c *BillingClassifier) expectedProvider(session *Session, choice ProviderChoice) string {
	if choice == ProviderChoiceDefault {
		choice = session.ProviderChoice
	}
	plan, err := c.strategy.Resolve(choice)
	if err != nil || len(plan.Candidates) == 0 {
		return ""
	}
	return plan.Candidates[0].Name()
}
