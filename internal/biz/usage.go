package biz

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"transcription-service/internal/clock"
	"transcription-service/internal/constants"
	"transcription-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// TranscriptionType 账本记录类型
type TranscriptionType string

const (
	TranscriptionTypeOriginal         TranscriptionType = "ORIGINAL"
	TranscriptionTypeRetryFailed      TranscriptionType = "RETRY_FAILED"
	TranscriptionTypeRetranscribePaid TranscriptionType = "RETRANSCRIBE_PAID"
)

// UsageLogEntry 不可变的用量账本记录
type UsageLogEntry struct {
	ID                string
	SessionID         string
	OwnerID           string
	ClientID          *string
	TranscriptionType TranscriptionType
	IsBillable        bool
	BillingReason     string
	DurationMinutes   float64
	Cost              float64
	Provider          string
	PlanSnapshot      PlanSnapshot
	ParentEntryID     *string
	CreatedAt         time.Time
}

// Validate 写入前校验，免费重试必须不计费且费用为 0
func (e *UsageLogEntry) Validate() error {
	switch e.TranscriptionType {
	case TranscriptionTypeOriginal, TranscriptionTypeRetranscribePaid:
	case TranscriptionTypeRetryFailed:
		if e.IsBillable || e.Cost != 0 {
			return fmt.Errorf("usage entry %s: RETRY_FAILED must be non-billable with zero cost", e.ID)
		}
	default:
		return fmt.Errorf("usage entry %s: unknown transcription type %q", e.ID, e.TranscriptionType)
	}
	if e.DurationMinutes < 0 || e.Cost < 0 {
		return fmt.Errorf("usage entry %s: negative duration or cost", e.ID)
	}
	if e.SessionID == "" || e.OwnerID == "" {
		return fmt.Errorf("usage entry %s: session and owner are required", e.ID)
	}
	return nil
}

// CurrentPeriodCounters 教练当月计数，跨月后在下一次计费写入时惰性清零
type CurrentPeriodCounters struct {
	SessionCount       int64     `json:"session_count"`
	UsageMinutes       float64   `json:"usage_minutes"`
	TranscriptionCount int64     `json:"transcription_count"`
	PeriodStart        time.Time `json:"period_start"`
}

// PeriodStartOf 所在月份第一天 (UTC)
func PeriodStartOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthOf 月份桶 YYYY-MM (UTC)
func MonthOf(t time.Time) string {
	return t.UTC().Format(constants.TimeFormatMonth)
}

// IsStale 计数周期早于当前月
func (c CurrentPeriodCounters) IsStale(now time.Time) bool {
	return c.PeriodStart.Before(PeriodStartOf(now))
}

// Effective 读取视角：过期周期视为 0，不写回
func (c CurrentPeriodCounters) Effective(now time.Time) CurrentPeriodCounters {
	if c.IsStale(now) {
		return CurrentPeriodCounters{PeriodStart: PeriodStartOf(now)}
	}
	return c
}

// Apply 计费记录对计数的影响，返回是否发生了月度清零
func (c *CurrentPeriodCounters) Apply(e *UsageLogEntry, now time.Time) bool {
	if !e.IsBillable {
		return false
	}
	reset := false
	if c.IsStale(now) {
		*c = CurrentPeriodCounters{PeriodStart: PeriodStartOf(now)}
		reset = true
	}
	switch e.TranscriptionType {
	case TranscriptionTypeOriginal:
		c.SessionCount++
		c.TranscriptionCount++
		c.UsageMinutes = round4(c.UsageMinutes + e.DurationMinutes)
	case TranscriptionTypeRetranscribePaid:
		c.TranscriptionCount++
		c.UsageMinutes = round4(c.UsageMinutes + e.DurationMinutes)
	}
	return reset
}

// ProviderUsage 按服务商的月度用量
type ProviderUsage struct {
	Count   int64   `json:"count"`
	Minutes float64 `json:"minutes"`
	Cost    float64 `json:"cost"`
}

// MonthlyUsageAggregate (owner, month) 唯一的月度汇总
type MonthlyUsageAggregate struct {
	OwnerID                 string
	Month                   string
	SessionsCreated         int64
	TranscriptionsCompleted int64
	TotalMinutes            float64
	TotalCost               float64
	OriginalCount           int64
	RetryFailedCount        int64
	RetranscribePaidCount   int64
	FreeRetryMinutes        float64
	Providers               map[string]*ProviderUsage
	UpdatedAt               time.Time
}

// NewMonthlyUsageAggregate 空的月度汇总
func NewMonthlyUsageAggregate(ownerID, month string) *MonthlyUsageAggregate {
	return &MonthlyUsageAggregate{
		OwnerID:   ownerID,
		Month:     month,
		Providers: make(map[string]*ProviderUsage),
	}
}

// Apply 增量累加一条账本记录，只有计费记录影响 total_minutes / total_cost
func (a *MonthlyUsageAggregate) Apply(e *UsageLogEntry) {
	if a.Providers == nil {
		a.Providers = make(map[string]*ProviderUsage)
	}
	p, ok := a.Providers[e.Provider]
	if !ok {
		p = &ProviderUsage{}
		a.Providers[e.Provider] = p
	}
	a.TranscriptionsCompleted++
	p.Count++

	switch e.TranscriptionType {
	case TranscriptionTypeOriginal:
		a.OriginalCount++
		a.SessionsCreated++
	case TranscriptionTypeRetryFailed:
		a.RetryFailedCount++
		a.FreeRetryMinutes = round4(a.FreeRetryMinutes + e.DurationMinutes)
	case TranscriptionTypeRetranscribePaid:
		a.RetranscribePaidCount++
	}

	if e.IsBillable {
		a.TotalMinutes = round4(a.TotalMinutes + e.DurationMinutes)
		a.TotalCost = round4(a.TotalCost + e.Cost)
		p.Minutes = round4(p.Minutes + e.DurationMinutes)
		p.Cost = round4(p.Cost + e.Cost)
	}
}

// Revert 扣除一条已累加的账本记录，用于会话物理删除
func (a *MonthlyUsageAggregate) Revert(e *UsageLogEntry) {
	a.TranscriptionsCompleted = decr(a.TranscriptionsCompleted)
	p, ok := a.Providers[e.Provider]
	if ok {
		p.Count = decr(p.Count)
	}

	switch e.TranscriptionType {
	case TranscriptionTypeOriginal:
		a.OriginalCount = decr(a.OriginalCount)
		a.SessionsCreated = decr(a.SessionsCreated)
	case TranscriptionTypeRetryFailed:
		a.RetryFailedCount = decr(a.RetryFailedCount)
		a.FreeRetryMinutes = nonNegative(round4(a.FreeRetryMinutes - e.DurationMinutes))
	case TranscriptionTypeRetranscribePaid:
		a.RetranscribePaidCount = decr(a.RetranscribePaidCount)
	}

	if e.IsBillable {
		a.TotalMinutes = nonNegative(round4(a.TotalMinutes - e.DurationMinutes))
		a.TotalCost = nonNegative(round4(a.TotalCost - e.Cost))
		if ok {
			p.Minutes = nonNegative(round4(p.Minutes - e.DurationMinutes))
			p.Cost = nonNegative(round4(p.Cost - e.Cost))
		}
	}
	if ok && p.Count == 0 {
		delete(a.Providers, e.Provider)
	}
}

func decr(v int64) int64 {
	if v > 0 {
		return v - 1
	}
	return 0
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// Completion 一次成功转写的记账请求
type Completion struct {
	Entry              *UsageLogEntry
	DurationSeconds    float64
	ManualRoleRequired bool
	Language           string
	Segments           []TranscriptSegment
	Now                time.Time
}

// UsageTotals 累计用量
type UsageTotals struct {
	Transcriptions int64   `json:"transcriptions"`
	Minutes        float64 `json:"minutes"`
	Cost           float64 `json:"cost"`
	FreeRetries    int64   `json:"free_retries"`
}

// UsageRepo 用量账本数据层接口
type UsageRepo interface {
	// RecordCompletion 在同一事务中写账本、更新计数与月度汇总、完成会话
	RecordCompletion(ctx context.Context, c *Completion) (*UsageLogEntry, error)
	GetFirstEntry(ctx context.Context, sessionID string) (*UsageLogEntry, error)
	GetLatestEntry(ctx context.Context, sessionID string) (*UsageLogEntry, error)
	ListEntries(ctx context.Context, ownerID string, page, pageSize int) ([]*UsageLogEntry, int64, error)
	ListAggregates(ctx context.Context, ownerID, fromMonth, toMonth string) ([]*MonthlyUsageAggregate, error)
	GetAggregate(ctx context.Context, ownerID, month string) (*MonthlyUsageAggregate, error)
	GetLifetimeTotals(ctx context.Context, ownerID string) (*UsageTotals, error)
	SumBillableMinutes(ctx context.Context, ownerID, month string) (float64, error)
}

// UsageSummary 用量概览
type UsageSummary struct {
	OwnerID       string
	PlanTier      string
	Month         string
	CurrentPeriod CurrentPeriodCounters
	Limits        *PlanLimits
	Lifetime      *UsageTotals
}

// ReconcileMismatch 月度汇总与账本不一致
type ReconcileMismatch struct {
	OwnerID          string
	Month            string
	AggregateMinutes float64
	LedgerMinutes    float64
}

// UsageUseCase 用量账本与汇总
type UsageUseCase struct {
	repo    UsageRepo
	owners  OwnerRepo
	catalog *PlanCatalog
	clock   clock.Clock
	log     *log.Helper
	metrics *metrics.TranscriptionMetrics
}

// NewUsageUseCase 创建 UsageUseCase
func NewUsageUseCase(repo UsageRepo, owners OwnerRepo, catalog *PlanCatalog, clk clock.Clock, logger log.Logger) *UsageUseCase {
	return &UsageUseCase{
		repo:    repo,
		owners:  owners,
		catalog: catalog,
		clock:   clk,
		log:     log.NewHelper(logger),
		metrics: metrics.GetMetrics(),
	}
}

// Record 记账，只能由 COMPLETED 结果触发
func (uc *UsageUseCase) Record(ctx context.Context, c *Completion) (*UsageLogEntry, error) {
	if c.Now.IsZero() {
		c.Now = uc.clock.Now()
	}
	if c.Entry.CreatedAt.IsZero() {
		c.Entry.CreatedAt = c.Now
	}
	if err := c.Entry.Validate(); err != nil {
		return nil, err
	}

	entry, err := uc.repo.RecordCompletion(ctx, c)
	typ := string(c.Entry.TranscriptionType)
	if err != nil {
		if uc.metrics != nil {
			uc.metrics.LedgerWriteTotal.WithLabelValues(typ, constants.ResultFailed).Inc()
			if errors.Is(err, ErrSessionGone) {
				uc.metrics.DiscardedCompletions.Inc()
			}
		}
		return nil, err
	}
	if uc.metrics != nil {
		uc.metrics.LedgerWriteTotal.WithLabelValues(typ, constants.ResultSuccess).Inc()
		if entry.IsBillable {
			uc.metrics.BillableMinutesTotal.WithLabelValues(entry.Provider).Add(entry.DurationMinutes)
		}
	}
	uc.log.Infof("usage recorded: entry=%s session=%s owner=%s type=%s billable=%v minutes=%.4f cost=%.4f",
		entry.ID, entry.SessionID, entry.OwnerID, entry.TranscriptionType, entry.IsBillable, entry.DurationMinutes, entry.Cost)
	return entry, nil
}

// GetUsageSummary 当月计数（过期周期按 0 展示）与累计用量
func (uc *UsageUseCase) GetUsageSummary(ctx context.Context, ownerID string) (*UsageSummary, error) {
	owner, err := uc.owners.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	lifetime, err := uc.repo.GetLifetimeTotals(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := uc.clock.Now()
	tier := uc.catalog.NormalizeTier(owner.PlanTier)
	return &UsageSummary{
		OwnerID:       owner.ID,
		PlanTier:      tier,
		Month:         MonthOf(now),
		CurrentPeriod: owner.Counters.Effective(now),
		Limits:        uc.catalog.GetLimits(tier),
		Lifetime:      lifetime,
	}, nil
}

// GetUsageHistory 月度汇总，默认最近 12 个月
func (uc *UsageUseCase) GetUsageHistory(ctx context.Context, ownerID, fromMonth, toMonth string) ([]*MonthlyUsageAggregate, error) {
	if _, err := uc.owners.GetOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	now := uc.clock.Now()
	if toMonth == "" {
		toMonth = MonthOf(now)
	}
	if fromMonth == "" {
		fromMonth = MonthOf(PeriodStartOf(now).AddDate(0, -11, 0))
	}
	from, err := time.Parse(constants.TimeFormatMonth, fromMonth)
	if err != nil {
		return nil, &InvalidArgumentError{Field: "from", Reason: "expected YYYY-MM"}
	}
	to, err := time.Parse(constants.TimeFormatMonth, toMonth)
	if err != nil {
		return nil, &InvalidArgumentError{Field: "to", Reason: "expected YYYY-MM"}
	}
	if from.After(to) {
		return nil, &InvalidArgumentError{Field: "from", Reason: "must not be after to"}
	}
	return uc.repo.ListAggregates(ctx, ownerID, fromMonth, toMonth)
}

// ListUsageLogs 分页查询账本
func (uc *UsageUseCase) ListUsageLogs(ctx context.Context, ownerID string, page, pageSize int) ([]*UsageLogEntry, int64, error) {
	if page <= 0 {
		page = constants.DefaultPage
	}
	if pageSize <= 0 {
		pageSize = constants.DefaultPageSize
	}
	if pageSize > constants.MaxPageSize {
		pageSize = constants.MaxPageSize
	}
	return uc.repo.ListEntries(ctx, ownerID, page, pageSize)
}

// Reconcile 校验指定月份所有教练的 total_minutes 与账本计费分钟数之和是否一致
func (uc *UsageUseCase) Reconcile(ctx context.Context, month string) ([]*ReconcileMismatch, error) {
	ownerIDs, err := uc.owners.ListOwnerIDs(ctx)
	if err != nil {
		return nil, err
	}
	var mismatches []*ReconcileMismatch
	for _, ownerID := range ownerIDs {
		ledger, err := uc.repo.SumBillableMinutes(ctx, ownerID, month)
		if err != nil {
			return nil, err
		}
		var aggregateMinutes float64
		agg, err := uc.repo.GetAggregate(ctx, ownerID, month)
		if err != nil {
			return nil, err
		}
		if agg != nil {
			aggregateMinutes = agg.TotalMinutes
		}
		if math.Abs(aggregateMinutes-ledger) > 0.001 {
			uc.log.Warnf("usage aggregate mismatch: owner=%s month=%s aggregate=%.4f ledger=%.4f", ownerID, month, aggregateMinutes, ledger)
			if uc.metrics != nil {
				uc.metrics.ReconcileMismatchTotal.Inc()
			}
			mismatches = append(mismatches, &ReconcileMismatch{
				OwnerID:          ownerID,
				Month:            month,
				AggregateMinutes: aggregateMinutes,
				LedgerMinutes:    ledger,
			})
		}
	}
	return mismatches, nil
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
