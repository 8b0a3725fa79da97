package service

import (
	"context"

	"transcription-service/internal/biz"
	transcriptionErrors "transcription-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// TranscriptionService 会话生命周期接口
type TranscriptionService struct {
	uc  *biz.SessionUseCase
	log *log.Helper
}

// NewTranscriptionService 创建 TranscriptionService
func NewTranscriptionService(uc *biz.SessionUseCase, logger log.Logger) *TranscriptionService {
	return &TranscriptionService{
		uc:  uc,
		log: log.NewHelper(logger),
	}
}

// CreateSession 创建会话
func (s *TranscriptionService) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionReply, error) {
	choice, err := biz.ParseProviderChoice(req.ProviderChoice)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeInvalidArgument)
	}
	if req.OwnerID == "" {
		return nil, toServiceError(ctx, &biz.InvalidArgumentError{Field: "owner_id", Reason: "required"}, transcriptionErrors.ErrCodeInvalidArgument)
	}
	var clientID *string
	if req.ClientID != "" {
		clientID = &req.ClientID
	}

	session, err := s.uc.CreateSession(ctx, &biz.CreateSessionRequest{
		OwnerID:              req.OwnerID,
		ClientID:             clientID,
		AudioRef:             req.AudioRef,
		FileSizeMb:           req.FileSizeMb,
		Language:             req.Language,
		Region:               req.Region,
		ProviderChoice:       choice,
		DiarizationRequested: req.DiarizationRequested,
		DurationSeconds:      req.DurationSeconds,
	})
	if err != nil {
		s.log.Errorf("CreateSession failed: owner_id=%s, error=%v", req.OwnerID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeSessionCreateFailed)
	}
	return toSessionReply(session), nil
}

// GetSession 获取会话
func (s *TranscriptionService) GetSession(ctx context.Context, req *SessionIDRequest) (*SessionReply, error) {
	session, err := s.uc.GetSession(ctx, req.ID)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeSessionNotFound)
	}
	return toSessionReply(session), nil
}

// GetTranscript 获取转写片段
func (s *TranscriptionService) GetTranscript(ctx context.Context, req *SessionIDRequest) (*TranscriptReply, error) {
	segments, err := s.uc.GetTranscript(ctx, req.ID)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeSessionNotFound)
	}
	if segments == nil {
		segments = []biz.TranscriptSegment{}
	}
	return &TranscriptReply{SessionID: req.ID, Segments: segments}, nil
}

// DeleteSession 删除会话
func (s *TranscriptionService) DeleteSession(ctx context.Context, req *DeleteSessionRequest) (*EmptyReply, error) {
	var err error
	if req.Purge {
		err = s.uc.PurgeSession(ctx, req.ID)
	} else {
		err = s.uc.DeleteSession(ctx, req.ID)
	}
	if err != nil {
		s.log.Errorf("DeleteSession failed: session_id=%s, purge=%v, error=%v", req.ID, req.Purge, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeSessionNotFound)
	}
	return &EmptyReply{}, nil
}

// StartTranscription 开始转写
func (s *TranscriptionService) StartTranscription(ctx context.Context, req *StartTranscriptionRequest) (*SessionReply, error) {
	choice, err := biz.ParseProviderChoice(req.ProviderChoice)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeInvalidArgument)
	}
	diarization := false
	if req.DiarizationRequested != nil {
		diarization = *req.DiarizationRequested
	} else if current, err := s.uc.GetSession(ctx, req.ID); err == nil {
		diarization = current.DiarizationRequested
	}

	session, err := s.uc.StartTranscription(ctx, req.ID, choice, diarization)
	if err != nil {
		s.log.Warnf("StartTranscription failed: session_id=%s, error=%v", req.ID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeEnqueueFailed)
	}
	return toSessionReply(session), nil
}

// Retry 失败后免费重试
func (s *TranscriptionService) Retry(ctx context.Context, req *SessionIDRequest) (*RetryReply, error) {
	classification, session, err := s.uc.Retry(ctx, req.ID)
	if err != nil {
		s.log.Warnf("Retry failed: session_id=%s, error=%v", req.ID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeEnqueueFailed)
	}
	return &RetryReply{
		Session:        toSessionReply(session),
		Classification: toClassificationReply(classification),
	}, nil
}

// RequestReupload 音频丢失时回到上传状态
func (s *TranscriptionService) RequestReupload(ctx context.Context, req *SessionIDRequest) (*SessionReply, error) {
	session, err := s.uc.RequestReupload(ctx, req.ID)
	if err != nil {
		s.log.Warnf("RequestReupload failed: session_id=%s, error=%v", req.ID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeAudioCheckFailed)
	}
	return toSessionReply(session), nil
}

// RequestRetranscription 付费重新转写
func (s *TranscriptionService) RequestRetranscription(ctx context.Context, req *RetranscribeRequest) (*RetranscribeReply, error) {
	choice, err := biz.ParseProviderChoice(req.ProviderChoice)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeInvalidArgument)
	}
	result, err := s.uc.RequestRetranscription(ctx, req.ID, req.Confirm, choice)
	if err != nil {
		s.log.Warnf("RequestRetranscription failed: session_id=%s, confirm=%v, error=%v", req.ID, req.Confirm, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeEnqueueFailed)
	}
	return &RetranscribeReply{
		Accepted:       result.Accepted,
		Session:        toSessionReply(result.Session),
		Classification: toClassificationReply(result.Classification),
	}, nil
}
