package biz

import (
	"context"
	"strings"
	"time"

	"transcription-service/internal/clock"
	"transcription-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// SessionStatus 会话处理状态
type SessionStatus string

const (
	SessionStatusUploading  SessionStatus = "UPLOADING"
	SessionStatusProcessing SessionStatus = "PROCESSING"
	SessionStatusCompleted  SessionStatus = "COMPLETED"
	SessionStatusFailed     SessionStatus = "FAILED"
)

// JobKind 当前处理周期的类型
type JobKind string

const (
	JobKindNone         JobKind = ""
	JobKindOriginal     JobKind = "original"
	JobKindRetry        JobKind = "retry"
	JobKindRetranscribe JobKind = "retranscribe"
)

// Session 转写会话
type Session struct {
	ID                   string
	OwnerID              string
	ClientID             *string
	Status               SessionStatus
	AudioRef             string
	FileSizeMb           float64
	Language             string
	Region               string
	ProviderChoice       ProviderChoice
	DiarizationRequested bool
	DurationSeconds      *float64
	ManualRoleRequired   bool
	LastError            string
	ActiveJob            JobKind
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SessionPatch 状态流转时一并更新的字段，nil 表示不修改
type SessionPatch struct {
	ProviderChoice       *ProviderChoice
	DiarizationRequested *bool
	ActiveJob            *JobKind
	LastError            *string
}

// SessionRepo 会话数据层接口
type SessionRepo interface {
	CreateSession(ctx context.Context, session *Session) error
	// GetSession 已软删除的会话返回 ErrSessionNotFound
	GetSession(ctx context.Context, id string) (*Session, error)
	// CompareAndSetStatus WHERE id = ? AND status = from，返回是否更新成功
	CompareAndSetStatus(ctx context.Context, id string, from, to SessionStatus, patch SessionPatch) (bool, error)
	SoftDeleteSession(ctx context.Context, id string) error
	// PurgeSession 物理删除会话，级联删除片段与账本记录，并从月度汇总中扣除被删记录
	PurgeSession(ctx context.Context, id string) error
	CountProcessing(ctx context.Context, ownerID string) (int64, error)
	ListStuckSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*Session, error)
	GetTranscript(ctx context.Context, sessionID string) ([]TranscriptSegment, error)
}

// CreateSessionRequest 创建会话参数
type CreateSessionRequest struct {
	OwnerID              string
	ClientID             *string
	AudioRef             string
	FileSizeMb           float64
	Language             string
	Region               string
	ProviderChoice       ProviderChoice
	DiarizationRequested bool
	DurationSeconds      *float64
}

// RetranscriptionResult 重新转写两阶段结果
type RetranscriptionResult struct {
	Classification *Classification
	Accepted       bool
	Session        *Session
}

// SessionUseCase 会话生命周期状态机
type SessionUseCase struct {
	repo       SessionRepo
	owners     OwnerRepo
	classifier *BillingClassifier
	guard      *PlanLimitGuard
	queue      JobQueue
	leases     LeaseManager
	storage    AudioStorage
	conf       *BillingConfig
	clock      clock.Clock
	log        *log.Helper
	metrics    *metrics.TranscriptionMetrics
}

// NewSessionUseCase 创建 SessionUseCase
func NewSessionUseCase(
	repo SessionRepo,
	owners OwnerRepo,
	classifier *BillingClassifier,
	guard *PlanLimitGuard,
	queue JobQueue,
	leases LeaseManager,
	storage AudioStorage,
	conf *BillingConfig,
	clk clock.Clock,
	logger log.Logger,
) *SessionUseCase {
	return &SessionUseCase{
		repo:       repo,
		owners:     owners,
		classifier: classifier,
		guard:      guard,
		queue:      queue,
		leases:     leases,
		storage:    storage,
		conf:       conf,
		clock:      clk,
		log:        log.NewHelper(logger),
		metrics:    metrics.GetMetrics(),
	}
}

// CreateSession 上传完成后创建会话（UPLOADING）
func (uc *SessionUseCase) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	if strings.TrimSpace(req.AudioRef) == "" {
		return nil, &InvalidArgumentError{Field: "audio_ref", Reason: "required"}
	}
	if strings.TrimSpace(req.Language) == "" {
		return nil, &InvalidArgumentError{Field: "language", Reason: "required"}
	}
	if req.FileSizeMb < 0 {
		return nil, &InvalidArgumentError{Field: "file_size_mb", Reason: "must not be negative"}
	}
	if req.ClientID != nil {
		client, err := uc.owners.GetClient(ctx, *req.ClientID)
		if err != nil {
			return nil, err
		}
		if client.OwnerID != req.OwnerID {
			return nil, &InvalidArgumentError{Field: "client_id", Reason: "client belongs to another owner"}
		}
	}
	if err := uc.guard.Authorize(ctx, req.OwnerID, ActionCreateSession, ActionParams{}); err != nil {
		return nil, err
	}
	if err := uc.guard.Authorize(ctx, req.OwnerID, ActionUpload, ActionParams{FileSizeMb: req.FileSizeMb}); err != nil {
		return nil, err
	}

	now := uc.clock.Now()
	session := &Session{
		ID:                   uuid.New().String(),
		OwnerID:              req.OwnerID,
		ClientID:             req.ClientID,
		Status:               SessionStatusUploading,
		AudioRef:             req.AudioRef,
		FileSizeMb:           req.FileSizeMb,
		Language:             req.Language,
		Region:               req.Region,
		ProviderChoice:       req.ProviderChoice,
		DiarizationRequested: req.DiarizationRequested,
		DurationSeconds:      req.DurationSeconds,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := uc.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	uc.log.Infof("session created: session=%s owner=%s language=%s region=%s", session.ID, session.OwnerID, session.Language, session.Region)
	return session, nil
}

// GetSession 获取会话
func (uc *SessionUseCase) GetSession(ctx context.Context, id string) (*Session, error) {
	return uc.repo.GetSession(ctx, id)
}

// GetTranscript 获取会话转写片段
func (uc *SessionUseCase) GetTranscript(ctx context.Context, id string) ([]TranscriptSegment, error) {
	if _, err := uc.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return uc.repo.GetTranscript(ctx, id)
}

// StartTranscription UPLOADING -> PROCESSING，先做套餐校验再流转
func (uc *SessionUseCase) StartTranscription(ctx context.Context, id string, choice ProviderChoice, diarization bool) (*Session, error) {
	session, err := uc.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionStatusUploading {
		return nil, &SessionStateError{SessionID: id, Status: session.Status, Action: "start_transcription"}
	}

	var minutes float64
	if session.DurationSeconds != nil {
		minutes = round4(*session.DurationSeconds / 60)
	}
	if err := uc.guard.Authorize(ctx, session.OwnerID, ActionTranscribe, ActionParams{Minutes: minutes}); err != nil {
		return nil, err
	}

	if choice == ProviderChoiceDefault {
		choice = session.ProviderChoice
	}
	return uc.begin(ctx, session, SessionStatusUploading, JobKindOriginal, choice, diarization, "start_transcription")
}

// Retry FAILED -> PROCESSING，免费，不做套餐校验
func (uc *SessionUseCase) Retry(ctx context.Context, id string) (*Classification, *Session, error) {
	session, err := uc.repo.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != SessionStatusFailed {
		return nil, nil, &SessionStateError{SessionID: id, Status: session.Status, Action: "retry"}
	}
	classification, err := uc.classifier.Classify(ctx, session, ProviderChoiceDefault)
	if err != nil {
		return nil, nil, err
	}
	updated, err := uc.begin(ctx, session, SessionStatusFailed, JobKindRetry, session.ProviderChoice, session.DiarizationRequested, "retry")
	if err != nil {
		return nil, nil, err
	}
	return classification, updated, nil
}

// RequestReupload FAILED -> UPLOADING，仅当存储中音频已不存在
func (uc *SessionUseCase) RequestReupload(ctx context.Context, id string) (*Session, error) {
	session, err := uc.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionStatusFailed {
		return nil, &SessionStateError{SessionID: id, Status: session.Status, Action: "request_reupload"}
	}
	exists, err := uc.storage.Exists(ctx, session.AudioRef)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &SessionStateError{SessionID: id, Status: session.Status, Action: "request_reupload", Reason: "audio still available, use retry"}
	}

	none, empty := JobKindNone, ""
	ok, err := uc.repo.CompareAndSetStatus(ctx, id, SessionStatusFailed, SessionStatusUploading, SessionPatch{ActiveJob: &none, LastError: &empty})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, uc.lostRace(ctx, id, "request_reupload")
	}
	uc.recordTransition(SessionStatusFailed, SessionStatusUploading)
	return uc.repo.GetSession(ctx, id)
}

// RequestRetranscription COMPLETED -> PROCESSING，两阶段：未确认只返回预估
func (uc *SessionUseCase) RequestRetranscription(ctx context.Context, id string, confirm bool, choice ProviderChoice) (*RetranscriptionResult, error) {
	session, err := uc.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionStatusCompleted {
		return nil, &SessionStateError{SessionID: id, Status: session.Status, Action: "request_retranscription"}
	}
	classification, err := uc.classifier.Classify(ctx, session, choice)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return &RetranscriptionResult{Classification: classification, Session: session}, nil
	}

	if err := uc.guard.Authorize(ctx, session.OwnerID, ActionTranscribe, ActionParams{Minutes: classification.EstimatedMinutes}); err != nil {
		return nil, err
	}
	if choice == ProviderChoiceDefault {
		choice = session.ProviderChoice
	}
	updated, err := uc.begin(ctx, session, SessionStatusCompleted, JobKindRetranscribe, choice, session.DiarizationRequested, "request_retranscription")
	if err != nil {
		return nil, err
	}
	return &RetranscriptionResult{Classification: classification, Accepted: true, Session: updated}, nil
}

// DeleteSession 软删除，账本记录保留；处理中的转写结果会在记账时被丢弃
func (uc *SessionUseCase) DeleteSession(ctx context.Context, id string) error {
	if _, err := uc.repo.GetSession(ctx, id); err != nil {
		return err
	}
	if err := uc.repo.SoftDeleteSession(ctx, id); err != nil {
		return err
	}
	uc.log.Infof("session deleted: session=%s", id)
	return nil
}

// PurgeSession 物理删除会话及其账本记录
func (uc *SessionUseCase) PurgeSession(ctx context.Context, id string) error {
	if err := uc.repo.PurgeSession(ctx, id); err != nil {
		return err
	}
	uc.log.Infof("session purged: session=%s", id)
	return nil
}

// SweepStuckSessions 租约已失效且长时间未更新的 PROCESSING 会话标记为 FAILED
func (uc *SessionUseCase) SweepStuckSessions(ctx context.Context) (int, error) {
	before := uc.clock.Now().Add(-uc.conf.StuckAfter)
	sessions, err := uc.repo.ListStuckSessions(ctx, before, 100)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, s := range sessions {
		held, err := uc.leases.Held(ctx, s.ID)
		if err != nil {
			uc.log.Warnf("check lease failed: session=%s error=%v", s.ID, err)
			continue
		}
		if held {
			continue
		}
		none, reason := JobKindNone, "processing timed out"
		ok, err := uc.repo.CompareAndSetStatus(ctx, s.ID, SessionStatusProcessing, SessionStatusFailed, SessionPatch{ActiveJob: &none, LastError: &reason})
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
			uc.recordTransition(SessionStatusProcessing, SessionStatusFailed)
			if uc.metrics != nil {
				uc.metrics.StuckSessionsTotal.Inc()
			}
			uc.log.Warnf("stuck session marked failed: session=%s updated_at=%s", s.ID, s.UpdatedAt.Format(time.RFC3339))
		}
	}
	return swept, nil
}

// begin CAS 流转到 PROCESSING 并投递任务，投递失败回滚状态
func (uc *SessionUseCase) begin(ctx context.Context, session *Session, from SessionStatus, kind JobKind, choice ProviderChoice, diarization bool, action string) (*Session, error) {
	empty := ""
	ok, err := uc.repo.CompareAndSetStatus(ctx, session.ID, from, SessionStatusProcessing, SessionPatch{
		ProviderChoice:       &choice,
		DiarizationRequested: &diarization,
		ActiveJob:            &kind,
		LastError:            &empty,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, uc.lostRace(ctx, session.ID, action)
	}

	job := &TranscriptionJob{
		JobID:      uuid.New().String(),
		SessionID:  session.ID,
		Kind:       kind,
		EnqueuedAt: uc.clock.Now(),
	}
	if err := uc.queue.Enqueue(ctx, job); err != nil {
		uc.log.Errorf("enqueue transcription job failed: session=%s kind=%s error=%v", session.ID, kind, err)
		prevJob, prevErr := session.ActiveJob, session.LastError
		prevChoice, prevDiarization := session.ProviderChoice, session.DiarizationRequested
		if _, rerr := uc.repo.CompareAndSetStatus(ctx, session.ID, SessionStatusProcessing, from, SessionPatch{
			ProviderChoice:       &prevChoice,
			DiarizationRequested: &prevDiarization,
			ActiveJob:            &prevJob,
			LastError:            &prevErr,
		}); rerr != nil {
			uc.log.Errorf("revert session status failed: session=%s error=%v", session.ID, rerr)
		}
		return nil, err
	}

	uc.recordTransition(from, SessionStatusProcessing)
	uc.log.Infof("transcription job enqueued: session=%s job=%s kind=%s provider=%s", session.ID, job.JobID, kind, choice)
	return uc.repo.GetSession(ctx, session.ID)
}

// lostRace CAS 失败时返回当前状态的 SessionStateError
func (uc *SessionUseCase) lostRace(ctx context.Context, id, action string) error {
	current, err := uc.repo.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return &SessionStateError{SessionID: id, Status: current.Status, Action: action}
}

func (uc *SessionUseCase) recordTransition(from, to SessionStatus) {
	if uc.metrics != nil {
		uc.metrics.SessionTransitionTotal.WithLabelValues(string(from), string(to)).Inc()
	}
}
