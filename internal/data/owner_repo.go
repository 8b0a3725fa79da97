package data

import (
	"context"
	"errors"

	"transcription-service/internal/biz"
	"transcription-service/internal/clock"
	"transcription-service/internal/data/model"
	transcriptionErrors "transcription-service/internal/errors"

	pkgErrors "github.com/gaoyong06/go-pkg/errors"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ownerRepo 教练与客户数据访问
type ownerRepo struct {
	data   *Data
	locker OwnerLocker
	clock  clock.Clock
	log    *log.Helper
}

// NewOwnerRepo 创建教练 repo
func NewOwnerRepo(data *Data, locker OwnerLocker, clk clock.Clock, logger log.Logger) biz.OwnerRepo {
	return &ownerRepo{
		data:   data,
		locker: locker,
		clock:  clk,
		log:    log.NewHelper(logger),
	}
}

// CreateOwner 创建教练
func (r *ownerRepo) CreateOwner(ctx context.Context, o *biz.Owner) error {
	now := r.clock.Now()
	periodStart := o.Counters.PeriodStart
	if periodStart.IsZero() {
		periodStart = biz.PeriodStartOf(now)
	}
	m := model.Owner{
		OwnerID:            o.ID,
		Name:               o.Name,
		PlanTier:           o.PlanTier,
		SessionCount:       o.Counters.SessionCount,
		UsageMinutes:       o.Counters.UsageMinutes,
		TranscriptionCount: o.Counters.TranscriptionCount,
		PeriodStart:        periodStart,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.data.db.WithContext(ctx).Create(&m).Error; err != nil {
		r.log.Errorf("create owner failed: owner_id=%s, error=%v", o.ID, err)
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerCreateFailed)
	}
	o.Counters.PeriodStart = periodStart
	o.CreatedAt = now
	o.UpdatedAt = now
	return nil
}

// GetOwner 获取教练（不加锁读取）
func (r *ownerRepo) GetOwner(ctx context.Context, id string) (*biz.Owner, error) {
	var m model.Owner
	if err := r.data.db.WithContext(ctx).Where("owner_id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrOwnerNotFound
		}
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerGetFailed)
	}
	return toBizOwner(&m), nil
}

// UpdatePlanTier 变更套餐
func (r *ownerRepo) UpdatePlanTier(ctx context.Context, id, tier string) error {
	res := r.data.db.WithContext(ctx).Model(&model.Owner{}).
		Where("owner_id = ?", id).
		Updates(map[string]interface{}{"plan_tier": tier, "updated_at": r.clock.Now()})
	if res.Error != nil {
		return pkgErrors.WrapErrorWithLang(ctx, res.Error, transcriptionErrors.ErrCodeOwnerUpdateFailed)
	}
	if res.RowsAffected == 0 {
		return biz.ErrOwnerNotFound
	}
	return nil
}

// ListOwnerIDs 所有教练 ID
func (r *ownerRepo) ListOwnerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := r.data.db.WithContext(ctx).Model(&model.Owner{}).Order("owner_id").Pluck("owner_id", &ids).Error; err != nil {
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerGetFailed)
	}
	return ids, nil
}

// DeleteOwner 存在账本记录时拒绝（RESTRICT），否则连同会话、客户、汇总一起删除
// 与记账使用同一把教练锁并锁定教练行，计数与删除之间不会插入新的账本记录
func (r *ownerRepo) DeleteOwner(ctx context.Context, id string) error {
	unlock, err := r.locker.Lock(ctx, id)
	if err != nil {
		r.log.Errorf("acquire owner lock failed: owner_id=%s, error=%v", id, err)
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageLockFailed)
	}
	defer unlock()

	return r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner model.Owner
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ?", id).
			First(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return biz.ErrOwnerNotFound
			}
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerGetFailed)
		}

		var entries int64
		if err := tx.Model(&model.UsageLog{}).Where("owner_id = ?", id).Count(&entries).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerDeleteFailed)
		}
		if entries > 0 {
			return &biz.IntegrityError{Entity: "owner", ID: id, Reason: "usage log entries exist"}
		}

		sessionIDs := tx.Unscoped().Model(&model.Session{}).Select("session_id").Where("owner_id = ?", id)
		if err := tx.Where("session_id IN (?)", sessionIDs).Delete(&model.TranscriptSegment{}).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerDeleteFailed)
		}
		if err := tx.Unscoped().Where("owner_id = ?", id).Delete(&model.Session{}).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerDeleteFailed)
		}
		if err := tx.Where("owner_id = ?", id).Delete(&model.Client{}).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerDeleteFailed)
		}
		if err := tx.Where("owner_id = ?", id).Delete(&model.MonthlyUsage{}).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerDeleteFailed)
		}
		if err := tx.Delete(&owner).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerDeleteFailed)
		}
		return nil
	})
}

// CreateClient 创建客户
func (r *ownerRepo) CreateClient(ctx context.Context, c *biz.Client) error {
	now := r.clock.Now()
	m := model.Client{
		ClientID:  c.ID,
		OwnerID:   c.OwnerID,
		Name:      c.Name,
		CreatedAt: now,
	}
	if err := r.data.db.WithContext(ctx).Create(&m).Error; err != nil {
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerUpdateFailed)
	}
	c.CreatedAt = now
	return nil
}

// GetClient 获取客户
func (r *ownerRepo) GetClient(ctx context.Context, id string) (*biz.Client, error) {
	var m model.Client
	if err := r.data.db.WithContext(ctx).Where("client_id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrClientNotFound
		}
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerGetFailed)
	}
	return &biz.Client{ID: m.ClientID, OwnerID: m.OwnerID, Name: m.Name, CreatedAt: m.CreatedAt}, nil
}

// DeleteClient 删除客户，会话与账本记录的 client_id 置空（SET NULL）
func (r *ownerRepo) DeleteClient(ctx context.Context, id string) error {
	return r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("client_id = ?", id).Delete(&model.Client{})
		if res.Error != nil {
			return pkgErrors.WrapErrorWithLang(ctx, res.Error, transcriptionErrors.ErrCodeClientDeleteFailed)
		}
		if res.RowsAffected == 0 {
			return biz.ErrClientNotFound
		}
		if err := tx.Model(&model.UsageLog{}).Where("client_id = ?", id).
			Update("client_id", gorm.Expr("NULL")).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeClientDeleteFailed)
		}
		if err := tx.Unscoped().Model(&model.Session{}).Where("client_id = ?", id).
			UpdateColumn("client_id", gorm.Expr("NULL")).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeClientDeleteFailed)
		}
		return nil
	})
}

func toBizOwner(m *model.Owner) *biz.Owner {
	return &biz.Owner{
		ID:       m.OwnerID,
		Name:     m.Name,
		PlanTier: m.PlanTier,
		Counters: biz.CurrentPeriodCounters{
			SessionCount:       m.SessionCount,
			UsageMinutes:       m.UsageMinutes,
			TranscriptionCount: m.TranscriptionCount,
			PeriodStart:        m.PeriodStart,
		},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
