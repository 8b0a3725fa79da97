package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/constants"
	"transcription-service/internal/data/model"
	transcriptionErrors "transcription-service/internal/errors"

	pkgErrors "github.com/gaoyong06/go-pkg/errors"
	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// usageRepo 用量账本与月度汇总数据访问
type usageRepo struct {
	data   *Data
	locker OwnerLocker
	log    *log.Helper
}

// NewUsageRepo 创建用量 repo
func NewUsageRepo(data *Data, locker OwnerLocker, logger log.Logger) biz.UsageRepo {
	return &usageRepo{
		data:   data,
		locker: locker,
		log:    log.NewHelper(logger),
	}
}

// RecordCompletion 记账核心逻辑（事务）
// 按教练加分布式锁，事务内 SELECT ... FOR UPDATE 锁定教练行，
// 账本、计数、月度汇总与会话完成要么全部写入要么全部回滚
func (r *usageRepo) RecordCompletion(ctx context.Context, c *biz.Completion) (*biz.UsageLogEntry, error) {
	entry := c.Entry
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	unlock, err := r.locker.Lock(ctx, entry.OwnerID)
	if err != nil {
		r.log.Errorf("acquire usage lock failed: owner_id=%s, error=%v", entry.OwnerID, err)
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageLockFailed)
	}
	defer unlock()

	snapshot, err := json.Marshal(entry.PlanSnapshot)
	if err != nil {
		return nil, err
	}

	err = r.data.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 0. 会话仍存在且处于处理中
		var session model.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", entry.SessionID).
			First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return biz.ErrSessionGone
			}
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionGetFailed)
		}
		if session.Status != string(biz.SessionStatusProcessing) {
			return biz.ErrSessionGone
		}

		// 1. 锁定教练行
		var owner model.Owner
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ?", entry.OwnerID).
			First(&owner).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &biz.IntegrityError{Entity: "owner", ID: entry.OwnerID, Reason: "owner not found"}
			}
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerGetFailed)
		}

		// 2. 追加账本
		if err := tx.Create(&model.UsageLog{
			UsageLogID:        entry.ID,
			SessionID:         entry.SessionID,
			OwnerID:           entry.OwnerID,
			ClientID:          entry.ClientID,
			TranscriptionType: string(entry.TranscriptionType),
			IsBillable:        entry.IsBillable,
			BillingReason:     entry.BillingReason,
			DurationMinutes:   entry.DurationMinutes,
			Cost:              entry.Cost,
			Provider:          entry.Provider,
			PlanSnapshot:      datatypes.JSON(snapshot),
			ParentEntryID:     entry.ParentEntryID,
			CreatedAt:         entry.CreatedAt,
		}).Error; err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageRecordFailed)
		}

		// 3. 计费记录更新当月计数（跨月先清零）
		if entry.IsBillable {
			counters := biz.CurrentPeriodCounters{
				SessionCount:       owner.SessionCount,
				UsageMinutes:       owner.UsageMinutes,
				TranscriptionCount: owner.TranscriptionCount,
				PeriodStart:        owner.PeriodStart,
			}
			if counters.Apply(entry, c.Now) {
				r.log.Infof("current period counters reset: owner=%s period_start=%s", owner.OwnerID, counters.PeriodStart.Format(constants.TimeFormatMonth))
			}
			if err := tx.Model(&model.Owner{}).Where("owner_id = ?", owner.OwnerID).Updates(map[string]interface{}{
				"session_count":       counters.SessionCount,
				"usage_minutes":       counters.UsageMinutes,
				"transcription_count": counters.TranscriptionCount,
				"period_start":        counters.PeriodStart,
				"updated_at":          c.Now,
			}).Error; err != nil {
				return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeOwnerUpdateFailed)
			}
		}

		// 4. 月度汇总
		if err := r.upsertAggregate(tx, entry); err != nil {
			return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeAggregateUpdateFailed)
		}

		// 5. 完成会话并替换转写片段
		return r.finalizeSession(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// upsertAggregate 在教练行锁内读取并增量更新 (owner, month) 汇总
func (r *usageRepo) upsertAggregate(tx *gorm.DB, entry *biz.UsageLogEntry) error {
	m, agg, found, err := loadAggregate(tx, entry.OwnerID, biz.MonthOf(entry.CreatedAt))
	if err != nil {
		return err
	}
	agg.Apply(entry)
	return storeAggregate(tx, m, agg, found, entry.CreatedAt)
}

// loadAggregate 加锁读取汇总行，不存在时返回空汇总
func loadAggregate(tx *gorm.DB, ownerID, month string) (*model.MonthlyUsage, *biz.MonthlyUsageAggregate, bool, error) {
	var m model.MonthlyUsage
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND month = ?", ownerID, month).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &m, biz.NewMonthlyUsageAggregate(ownerID, month), false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	agg, err := toBizAggregate(&m)
	if err != nil {
		return nil, nil, false, err
	}
	return &m, agg, true, nil
}

func storeAggregate(tx *gorm.DB, m *model.MonthlyUsage, agg *biz.MonthlyUsageAggregate, found bool, at time.Time) error {
	providers, err := json.Marshal(agg.Providers)
	if err != nil {
		return err
	}
	m.OwnerID = agg.OwnerID
	m.Month = agg.Month
	m.SessionsCreated = agg.SessionsCreated
	m.TranscriptionsCompleted = agg.TranscriptionsCompleted
	m.TotalMinutes = agg.TotalMinutes
	m.TotalCost = agg.TotalCost
	m.OriginalCount = agg.OriginalCount
	m.RetryFailedCount = agg.RetryFailedCount
	m.RetranscribePaidCount = agg.RetranscribePaidCount
	m.FreeRetryMinutes = agg.FreeRetryMinutes
	m.Providers = datatypes.JSON(providers)
	m.UpdatedAt = at
	if !found {
		m.CreatedAt = at
		return tx.Create(m).Error
	}
	return tx.Save(m).Error
}

// finalizeSession PROCESSING -> COMPLETED，片段整体替换
func (r *usageRepo) finalizeSession(ctx context.Context, tx *gorm.DB, c *biz.Completion) error {
	entry := c.Entry
	none := string(biz.JobKindNone)
	updates := map[string]interface{}{
		"status":               string(biz.SessionStatusCompleted),
		"manual_role_required": c.ManualRoleRequired,
		"active_job":           none,
		"last_error":           "",
		"updated_at":           c.Now,
	}
	if c.DurationSeconds > 0 {
		updates["duration_seconds"] = c.DurationSeconds
	}
	res := tx.Model(&model.Session{}).
		Where("session_id = ? AND status = ?", entry.SessionID, string(biz.SessionStatusProcessing)).
		Updates(updates)
	if res.Error != nil {
		return pkgErrors.WrapErrorWithLang(ctx, res.Error, transcriptionErrors.ErrCodeSessionUpdateFailed)
	}
	if res.RowsAffected != 1 {
		return biz.ErrSessionGone
	}

	if err := tx.Where("session_id = ?", entry.SessionID).Delete(&model.TranscriptSegment{}).Error; err != nil {
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionUpdateFailed)
	}
	if len(c.Segments) == 0 {
		return nil
	}
	segments := make([]model.TranscriptSegment, 0, len(c.Segments))
	for i, s := range c.Segments {
		segments = append(segments, model.TranscriptSegment{
			SessionID: entry.SessionID,
			Seq:       i,
			StartSec:  s.StartSec,
			EndSec:    s.EndSec,
			Text:      s.Text,
			Speaker:   s.Speaker,
		})
	}
	if err := tx.CreateInBatches(segments, 200).Error; err != nil {
		return pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeSessionUpdateFailed)
	}
	return nil
}

// GetFirstEntry 会话的第一条账本记录，不存在返回 nil
func (r *usageRepo) GetFirstEntry(ctx context.Context, sessionID string) (*biz.UsageLogEntry, error) {
	return r.findEntry(ctx, sessionID, "created_at ASC")
}

// GetLatestEntry 会话的最近一条账本记录，不存在返回 nil
func (r *usageRepo) GetLatestEntry(ctx context.Context, sessionID string) (*biz.UsageLogEntry, error) {
	return r.findEntry(ctx, sessionID, "created_at DESC")
}

func (r *usageRepo) findEntry(ctx context.Context, sessionID, order string) (*biz.UsageLogEntry, error) {
	var models []model.UsageLog
	if err := r.data.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order(order).
		Limit(1).
		Find(&models).Error; err != nil {
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	if len(models) == 0 {
		return nil, nil
	}
	return toBizEntry(&models[0])
}

// ListEntries 分页获取账本
func (r *usageRepo) ListEntries(ctx context.Context, ownerID string, page, pageSize int) ([]*biz.UsageLogEntry, int64, error) {
	var models []model.UsageLog
	var total int64

	offset := (page - 1) * pageSize
	db := r.data.db.WithContext(ctx).Model(&model.UsageLog{}).Where("owner_id = ?", ownerID)

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}

	if err := db.Offset(offset).Limit(pageSize).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, 0, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}

	entries := make([]*biz.UsageLogEntry, 0, len(models))
	for i := range models {
		e, err := toBizEntry(&models[i])
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, nil
}

// ListAggregates 按月份升序返回区间内的汇总
func (r *usageRepo) ListAggregates(ctx context.Context, ownerID, fromMonth, toMonth string) ([]*biz.MonthlyUsageAggregate, error) {
	var models []model.MonthlyUsage
	if err := r.data.db.WithContext(ctx).
		Where("owner_id = ? AND month >= ? AND month <= ?", ownerID, fromMonth, toMonth).
		Order("month ASC").
		Find(&models).Error; err != nil {
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	aggregates := make([]*biz.MonthlyUsageAggregate, 0, len(models))
	for i := range models {
		a, err := toBizAggregate(&models[i])
		if err != nil {
			return nil, err
		}
		aggregates = append(aggregates, a)
	}
	return aggregates, nil
}

// GetAggregate 获取单月汇总，不存在返回 nil
func (r *usageRepo) GetAggregate(ctx context.Context, ownerID, month string) (*biz.MonthlyUsageAggregate, error) {
	var m model.MonthlyUsage
	if err := r.data.db.WithContext(ctx).Where("owner_id = ? AND month = ?", ownerID, month).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	return toBizAggregate(&m)
}

// GetLifetimeTotals 由月度汇总累加
func (r *usageRepo) GetLifetimeTotals(ctx context.Context, ownerID string) (*biz.UsageTotals, error) {
	var row struct {
		Transcriptions int64
		Minutes        float64
		Cost           float64
		FreeRetries    int64
	}
	if err := r.data.db.WithContext(ctx).Model(&model.MonthlyUsage{}).
		Select("COALESCE(SUM(transcriptions_completed), 0) AS transcriptions, "+
			"COALESCE(SUM(total_minutes), 0) AS minutes, "+
			"COALESCE(SUM(total_cost), 0) AS cost, "+
			"COALESCE(SUM(retry_failed_count), 0) AS free_retries").
		Where("owner_id = ?", ownerID).
		Scan(&row).Error; err != nil {
		return nil, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	return &biz.UsageTotals{
		Transcriptions: row.Transcriptions,
		Minutes:        row.Minutes,
		Cost:           row.Cost,
		FreeRetries:    row.FreeRetries,
	}, nil
}

// SumBillableMinutes 指定月份账本中计费分钟数之和（对账用）
func (r *usageRepo) SumBillableMinutes(ctx context.Context, ownerID, month string) (float64, error) {
	start, err := time.ParseInLocation(constants.TimeFormatMonth, month, time.UTC)
	if err != nil {
		return 0, &biz.InvalidArgumentError{Field: "month", Reason: "must be YYYY-MM"}
	}
	var sum float64
	if err := r.data.db.WithContext(ctx).Model(&model.UsageLog{}).
		Select("COALESCE(SUM(duration_minutes), 0)").
		Where("owner_id = ? AND is_billable = ? AND created_at >= ? AND created_at < ?",
			ownerID, true, start, start.AddDate(0, 1, 0)).
		Scan(&sum).Error; err != nil {
		return 0, pkgErrors.WrapErrorWithLang(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	return sum, nil
}

func toBizEntry(m *model.UsageLog) (*biz.UsageLogEntry, error) {
	var snapshot biz.PlanSnapshot
	if len(m.PlanSnapshot) > 0 {
		if err := json.Unmarshal(m.PlanSnapshot, &snapshot); err != nil {
			return nil, fmt.Errorf("decode plan snapshot of %s: %w", m.UsageLogID, err)
		}
	}
	return &biz.UsageLogEntry{
		ID:                m.UsageLogID,
		SessionID:         m.SessionID,
		OwnerID:           m.OwnerID,
		ClientID:          m.ClientID,
		TranscriptionType: biz.TranscriptionType(m.TranscriptionType),
		IsBillable:        m.IsBillable,
		BillingReason:     m.BillingReason,
		DurationMinutes:   m.DurationMinutes,
		Cost:              m.Cost,
		Provider:          m.Provider,
		PlanSnapshot:      snapshot,
		ParentEntryID:     m.ParentEntryID,
		CreatedAt:         m.CreatedAt,
	}, nil
}

func toBizAggregate(m *model.MonthlyUsage) (*biz.MonthlyUsageAggregate, error) {
	providers := make(map[string]*biz.ProviderUsage)
	if len(m.Providers) > 0 {
		if err := json.Unmarshal(m.Providers, &providers); err != nil {
			return nil, fmt.Errorf("decode provider breakdown of %s/%s: %w", m.OwnerID, m.Month, err)
		}
	}
	return &biz.MonthlyUsageAggregate{
		OwnerID:                 m.OwnerID,
		Month:                   m.Month,
		SessionsCreated:         m.SessionsCreated,
		TranscriptionsCompleted: m.TranscriptionsCompleted,
		TotalMinutes:            m.TotalMinutes,
		TotalCost:               m.TotalCost,
		OriginalCount:           m.OriginalCount,
		RetryFailedCount:        m.RetryFailedCount,
		RetranscribePaidCount:   m.RetranscribePaidCount,
		FreeRetryMinutes:        m.FreeRetryMinutes,
		Providers:               providers,
		UpdatedAt:               m.UpdatedAt,
	}, nil
}
