package data

import (
	"context"
	"errors"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/clock"
	"transcription-service/internal/data/model"
	transcriptionErrors "transcription-service/internal/errors"

	pkgErrors "github.com/gaoyong06/go-pkg/errors"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sessionRepo 会话数据访问
type sessionRepo struct {
	data   *Data
	locker OwnerLocker
	clock  clock.Clock
	log    *log.Helper
}

// NewSessionRepo 创建会话 repo
func NewSessionRepo(data *Data, locker OwnerLocker, clk clock.Clock, logger log.Logger) biz.SessionRepo {
	return &sessionRepo{
		data:   data,
		locker: locker,
		clock:  clk,
		log:    log.NewHelper(logger),
	}
}

// CreateSession 创建会话
func (r *sessionRepo) CreateSession(ctx context.Context, s *biz.Session) error {
	m := model.Session{
		SessionID:            s.ID,
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
		ActiveJob:            string(s.ActiveJob),
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if err := r.data.db.WithContext(ctx).Create(&m).Error; err != nil {
		r.log.Errorf("create session failed: session_id=%s, error=%v", s.ID, err)
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionCreateFailed)
	}
	return nil
}

// GetSession 获取会话，软删除视为不存在
func (r *sessionRepo) GetSession(ctx context.Context, id string) (*biz.Session, error) {
	var m model.Session
	if err := r.data.db.WithContext(ctx).Where("session_id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrSessionNotFound
		}
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionGetFailed)
	}
	return toBizSession(&m), nil
}

// CompareAndSetStatus 条件更新状态，两个并发流转只有一个能成功
func (r *sessionRepo) CompareAndSetStatus(ctx context.Context, id string, from, to biz.SessionStatus, patch biz.SessionPatch) (bool, error) {
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": r.clock.Now(),
	}
	if patch.ProviderChoice != nil {
		updates["provider_choice"] = string(*patch.ProviderChoice)
	}
	if patch.DiarizationRequested != nil {
		updates["diarization_requested"] = *patch.DiarizationRequested
	}
	if patch.ActiveJob != nil {
		updates["active_job"] = string(*patch.ActiveJob)
	}
	if patch.LastError != nil {
		updates["last_error"] = *patch.LastError
	}

	res := r.data.db.WithContext(ctx).Model(&model.Session{}).
		Where("session_id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return false, pkgErrors.WrapErrorWithLang(ctx, res.Error, transcriptionErrors.ErrCodeSessionUpdateFailed)
	}
	return res.RowsAffected == 1, nil
}

// SoftDeleteSession 软删除会话
func (r *sessionRepo) SoftDeleteSession(ctx context.Context, id string) error {
	res := r.data.db.WithContext(ctx).Where("session_id = ?", id).Delete(&model.Session{})
	if res.Error != nil {
		return pkgErrors.WrapErrorWithLang(ctx, res.Error, transcriptionErrors.ErrCodeSessionDeleteFailed)
	}
	if res.RowsAffected == 0 {
		return biz.ErrSessionNotFound
	}
	return nil
}

// PurgeSession 物理删除会话，级联删除片段和账本记录
// 删除的账本记录从所属月度汇总中扣除，当月计数不回滚
func (r *sessionRepo) PurgeSession(ctx context.Context, id string) error {
	var session model.Session
	if err := r.data.db.WithContext(ctx).Unscoped().Where("session_id = ?", id).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return biz.ErrSessionNotFound
		}
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionGetFailed)
	}

	unlock, err := r.locker.Lock(ctx, session.OwnerID)
	if err != nil {
		r.log.Errorf("acquire owner lock failed: owner_id=%s, error=%v", session.OwnerID, err)
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageLockFailed)
	}
	defer unlock()

	return r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner model.Owner
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ?", session.OwnerID).
			First(&owner).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerGetFailed)
		}

		var logs []model.UsageLog
		if err := tx.Where("session_id = ?", id).Order("created_at ASC").Find(&logs).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
		}

		res := tx.Unscoped().Where("session_id = ?", id).Delete(&model.Session{})
		if res.Error != nil {
			return pkgErrors.WrapErrorWithLang(ctx, res.Error, transcriptionErrors.ErrCodeSessionDeleteFailed)
		}
		if res.RowsAffected == 0 {
			return biz.ErrSessionNotFound
		}
		if err := tx.Where("session_id = ?", id).Delete(&model.TranscriptSegment{}).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionDeleteFailed)
		}
		if err := tx.Where("session_id = ?", id).Delete(&model.UsageLog{}).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionDeleteFailed)
		}

		now := r.clock.Now()
		for i := range logs {
			entry, err := toBizEntry(&logs[i])
			if err != nil {
				return err
			}
			m, agg, found, err := loadAggregate(tx, entry.OwnerID, biz.MonthOf(entry.CreatedAt))
			if err != nil {
				return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeAggregateUpdateFailed)
			}
			if !found {
				r.log.Warnf("aggregate missing for purged entry: owner=%s month=%s entry=%s", entry.OwnerID, agg.Month, entry.ID)
				continue
			}
			agg.Revert(entry)
			if err := storeAggregate(tx, m, agg, true, now); err != nil {
				return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeAggregateUpdateFailed)
			}
		}
		r.log.Infof("session purged: session=%s owner=%s reverted_entries=%d", id, session.OwnerID, len(logs))
		return nil
	})
}

// CountProcessing 教练处理中的会话数
func (r *sessionRepo) CountProcessing(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := r.data.db.WithContext(ctx).Model(&model.Session{}).
		Where("owner_id = ? AND status = ?", ownerID, string(biz.SessionStatusProcessing)).
		Count(&count).Error
	if err != nil {
		return 0, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionGetFailed)
	}
	return count, nil
}

// ListStuckSessions 长时间未更新的处理中会话
func (r *sessionRepo) ListStuckSessions(ctx context.Context, updatedBefore time.Time, limit int) ([]*biz.Session, error) {
	var models []model.Session
	if err := r.data.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(biz.SessionStatusProcessing), updatedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionGetFailed)
	}
	sessions := make([]*biz.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, toBizSession(&models[i]))
	}
	return sessions, nil
}

// GetTranscript 获取转写片段
func (r *sessionRepo) GetTranscript(ctx context.Context, sessionID string) ([]biz.TranscriptSegment, error) {
	var models []model.TranscriptSegment
	if err := r.data.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq ASC").Find(&models).Error; err != nil {
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionGetFailed)
	}
	segments := make([]biz.TranscriptSegment, 0, len(models))
	for _, m := range models {
		segments = append(segments, biz.TranscriptSegment{
			Seq:      m.Seq,
			StartSec: m.StartSec,
			EndSec:   m.EndSec,
			Text:     m.Text,
			Speaker:  m.Speaker,
		})
	}
	return segments, nil
}

func toBizSession(m *model.Session) *biz.Session {
	return &biz.Session{
		ID:                   m.SessionID,
		OwnerID:              m.OwnerID,
		ClientID:             m.ClientID,
		Status:               biz.SessionStatus(m.Status),
		AudioRef:             m.AudioRef,
		FileSizeMb:           m.FileSizeMb,
		Language:             m.Language,
		Region:               m.Region,
		ProviderChoice:       biz.ProviderChoice(m.ProviderChoice),
		DiarizationRequested: m.DiarizationRequested,
		DurationSeconds:      m.DurationSeconds,
		ManualRoleRequired:   m.ManualRoleRequired,
		LastError:            m.LastError,
		ActiveJob:            biz.JobKind(m.ActiveJob),
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}
