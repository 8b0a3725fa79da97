package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transcription-service/internal/clock"
	"transcription-service/internal/constants"
	"transcription-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// TranscriptionJob 投递给 worker 的转写任务
// 服务商选择等参数以会话记录为准，任务只携带会话与周期类型
type TranscriptionJob struct {
	JobID      string    `json:"job_id"`
	SessionID  string    `json:"session_id"`
	Kind       JobKind   `json:"kind"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// JobQueue 任务投递
type JobQueue interface {
	Enqueue(ctx context.Context, job *TranscriptionJob) error
}

// JobSource 进程内队列的消费端
type JobSource interface {
	Jobs() <-chan *TranscriptionJob
}

// Lease 会话处理租约
type Lease interface {
	Release(ctx context.Context) error
}

// LeaseManager 每个会话同一时刻最多一个处理租约
type LeaseManager interface {
	// Acquire 已被持有时返回 ErrLeaseHeld
	Acquire(ctx context.Context, sessionID string) (Lease, error)
	Held(ctx context.Context, sessionID string) (bool, error)
}

// TranscriptionWorker 处理转写任务：租约 -> 编排 -> 记账 / 失败
type TranscriptionWorker struct {
	sessions     SessionRepo
	owners       OwnerRepo
	usage        *UsageUseCase
	orchestrator *TranscriptionOrchestrator
	classifier   *BillingClassifier
	catalog      *PlanCatalog
	leases       LeaseManager
	clock        clock.Clock
	log          *log.Helper
	metrics      *metrics.TranscriptionMetrics
}

// NewTranscriptionWorker 创建 TranscriptionWorker
func NewTranscriptionWorker(
	sessions SessionRepo,
	owners OwnerRepo,
	usage *UsageUseCase,
	orchestrator *TranscriptionOrchestrator,
	classifier *BillingClassifier,
	catalog *PlanCatalog,
	leases LeaseManager,
	clk clock.Clock,
	logger log.Logger,
) *TranscriptionWorker {
	return &TranscriptionWorker{
		sessions:     sessions,
		owners:       owners,
		usage:        usage,
		orchestrator: orchestrator,
		classifier:   classifier,
		catalog:      catalog,
		leases:       leases,
		clock:        clk,
		log:          log.NewHelper(logger),
		metrics:      metrics.GetMetrics(),
	}
}

// Handle 处理一个任务；返回错误表示可以重新投递
func (w *TranscriptionWorker) Handle(ctx context.Context, job *TranscriptionJob) error {
	lease, err := w.leases.Acquire(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			w.log.Warnf("session lease held, dropping job: session=%s job=%s", job.SessionID, job.JobID)
			if w.metrics != nil {
				w.metrics.LeaseConflictTotal.Inc()
			}
			w.observe(job, "dropped")
			return nil
		}
		return fmt.Errorf("acquire session lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			w.log.Warnf("release session lease failed: session=%s error=%v", job.SessionID, err)
		}
	}()

	session, err := w.sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			w.log.Infof("session gone before processing, dropping job: session=%s", job.SessionID)
			w.observe(job, "dropped")
			return nil
		}
		return err
	}
	if session.Status != SessionStatusProcessing || session.ActiveJob != job.Kind {
		w.log.Infof("stale job dropped: session=%s status=%s active=%s job_kind=%s", session.ID, session.Status, session.ActiveJob, job.Kind)
		w.observe(job, "dropped")
		return nil
	}

	outcome := w.orchestrator.Start(ctx, session, session.ProviderChoice, session.DiarizationRequested)
	if outcome.Status != SessionStatusCompleted {
		w.markFailed(ctx, session.ID, outcome.FailureReason())
		w.observe(job, constants.ResultFailed)
		return nil
	}

	if err := w.complete(ctx, session, outcome); err != nil {
		w.observe(job, constants.ResultFailed)
		return err
	}
	w.observe(job, constants.ResultSuccess)
	return nil
}

// complete 记账并完成会话；会话已删除时丢弃结果
func (w *TranscriptionWorker) complete(ctx context.Context, session *Session, outcome *SessionOutcome) error {
	tier := ""
	if owner, err := w.owners.GetOwner(ctx, session.OwnerID); err == nil {
		tier = owner.PlanTier
	} else if !errors.Is(err, ErrOwnerNotFound) {
		return err
	}

	now := w.clock.Now()
	entry, err := w.classifier.Finalize(ctx, session, outcome, w.catalog.Snapshot(tier), now)
	if err != nil {
		return err
	}

	_, err = w.usage.Record(ctx, &Completion{
		Entry:              entry,
		DurationSeconds:    outcome.Result.DurationSeconds,
		ManualRoleRequired: outcome.ManualRoleRequired,
		Language:           outcome.Result.Language,
		Segments:           outcome.Result.Segments,
		Now:                now,
	})
	if err == nil {
		if w.metrics != nil {
			w.metrics.SessionTransitionTotal.WithLabelValues(string(SessionStatusProcessing), string(SessionStatusCompleted)).Inc()
		}
		return nil
	}

	if errors.Is(err, ErrSessionGone) {
		w.log.Warnf("session deleted or changed during processing, discarding result: session=%s provider=%s", session.ID, outcome.Provider)
		return nil
	}
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		w.log.Errorf("usage record rejected: session=%s error=%v", session.ID, err)
		w.markFailed(ctx, session.ID, err.Error())
		return nil
	}
	return err
}

func (w *TranscriptionWorker) markFailed(ctx context.Context, sessionID, reason string) {
	none := JobKindNone
	ok, err := w.sessions.CompareAndSetStatus(ctx, sessionID, SessionStatusProcessing, SessionStatusFailed, SessionPatch{ActiveJob: &none, LastError: &reason})
	if err != nil {
		w.log.Errorf("mark session failed error: session=%s error=%v", sessionID, err)
		return
	}
	if !ok {
		w.log.Infof("session no longer processing, failure not recorded: session=%s", sessionID)
		return
	}
	if w.metrics != nil {
		w.metrics.SessionTransitionTotal.WithLabelValues(string(SessionStatusProcessing), string(SessionStatusFailed)).Inc()
	}
	w.log.Warnf("session failed: session=%s reason=%s", sessionID, reason)
}

func (w *TranscriptionWorker) observe(job *TranscriptionJob, result string) {
	if w.metrics != nil {
		w.metrics.JobTotal.WithLabelValues(string(job.Kind), result).Inc()
	}
}
