package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TranscriptionMetrics 转写与计费指标
type TranscriptionMetrics struct {
	// 服务商调用相关指标
	ProviderCallTotal    *prometheus.CounterVec   // 服务商调用总数（按服务商、变体、结果）
	ProviderCallDuration *prometheus.HistogramVec // 服务商调用耗时
	ProviderFallback     *prometheus.CounterVec   // 降级次数（按来源服务商）

	// 会话状态流转
	SessionTransitionTotal *prometheus.CounterVec // 会话状态流转（按 from/to）

	// 用量账本
	LedgerWriteTotal       *prometheus.CounterVec // 账本写入（按类型、结果）
	BillableMinutesTotal   *prometheus.CounterVec // 计费分钟数（按服务商）
	DiscardedCompletions   prometheus.Counter     // 会话已删除而丢弃的转写结果
	ReconcileMismatchTotal prometheus.Counter     // 对账不一致次数

	// 套餐校验
	PlanCheckTotal *prometheus.CounterVec // 套餐校验（按动作、结果）

	// 任务与租约
	JobTotal           *prometheus.CounterVec // 任务处理（按类型、结果）
	LeaseConflictTotal prometheus.Counter     // 租约冲突（重复投递）
	StuckSessionsTotal prometheus.Counter     // 超时回收的会话

	// 分布式锁相关指标
	LockAcquireTotal    *prometheus.CounterVec // 锁获取总数（按结果）
	LockAcquireDuration prometheus.Histogram   // 锁获取耗时
}

// NewTranscriptionMetrics 创建指标
func NewTranscriptionMetrics() *TranscriptionMetrics {
	return &TranscriptionMetrics{
		ProviderCallTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_provider_call_total",
				Help: "Total number of speech-to-text provider calls",
			},
			[]string{"provider", "variant", "result"}, // variant: rich/plain, result: success/transient/permanent
		),
		ProviderCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transcription_provider_call_duration_seconds",
				Help:    "Duration of speech-to-text provider calls",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"provider"},
		),
		ProviderFallback: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_provider_fallback_total",
				Help: "Total number of fallbacks to the next provider",
			},
			[]string{"from"},
		),

		SessionTransitionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_session_transition_total",
				Help: "Total number of session status transitions",
			},
			[]string{"from", "to"},
		),

		LedgerWriteTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_ledger_write_total",
				Help: "Total number of usage ledger writes",
			},
			[]string{"type", "result"},
		),
		BillableMinutesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_billable_minutes_total",
				Help: "Total billable minutes recorded",
			},
			[]string{"provider"},
		),
		DiscardedCompletions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transcription_discarded_completions_total",
				Help: "Completions discarded because the session was deleted",
			},
		),
		ReconcileMismatchTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transcription_reconcile_mismatch_total",
				Help: "Monthly aggregates that disagree with the ledger",
			},
		),

		PlanCheckTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_plan_check_total",
				Help: "Total number of plan limit checks",
			},
			[]string{"action", "result"}, // result: allowed/denied
		),

		JobTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_job_total",
				Help: "Total number of transcription jobs handled",
			},
			[]string{"kind", "result"},
		),
		LeaseConflictTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transcription_lease_conflict_total",
				Help: "Jobs dropped because another worker holds the session lease",
			},
		),
		StuckSessionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "transcription_stuck_sessions_total",
				Help: "Processing sessions recovered by the sweeper",
			},
		),

		LockAcquireTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcription_lock_acquire_total",
				Help: "Total number of lock acquisition attempts",
			},
			[]string{"result"}, // result: success/failed
		),
		LockAcquireDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transcription_lock_acquire_duration_seconds",
				Help:    "Duration of lock acquisition",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}, // 毫秒级
			},
		),
	}
}

// 全局指标实例
var (
	defaultMetrics *TranscriptionMetrics
	once           sync.Once
)

// InitMetrics 初始化全局指标
func InitMetrics() {
	once.Do(func() {
		defaultMetrics = NewTranscriptionMetrics()
	})
}

// GetMetrics 获取全局指标实例
func GetMetrics() *TranscriptionMetrics {
	InitMetrics()
	return defaultMetrics
}
