package biz

import (
	"context"

	"transcription-service/internal/clock"
	"transcription-service/internal/constants"
	"transcription-service/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// Action 需要套餐校验的动作
type Action string

const (
	ActionCreateSession Action = "create_session"
	ActionTranscribe    Action = "transcribe"
	ActionUpload        Action = "upload"
	ActionExport        Action = "export"
)

// ActionParams 动作参数
type ActionParams struct {
	Minutes    float64 // transcribe: 预计消耗分钟数
	FileSizeMb float64 // upload
	Format     string  // export
}

// Decision 校验结果
type Decision struct {
	Allowed       bool
	Action        Action
	PlanTier      string
	Reason        string
	Current       float64
	Limit         float64
	SuggestedPlan string
}

// PlanLimitGuard 套餐限制校验，只读不加锁
type PlanLimitGuard struct {
	owners   OwnerRepo
	sessions SessionRepo
	catalog  *PlanCatalog
	clock    clock.Clock
	log      *log.Helper
	metrics  *metrics.TranscriptionMetrics
}

// NewPlanLimitGuard 创建 PlanLimitGuard
func NewPlanLimitGuard(owners OwnerRepo, sessions SessionRepo, catalog *PlanCatalog, clk clock.Clock, logger log.Logger) *PlanLimitGuard {
	return &PlanLimitGuard{
		owners:   owners,
		sessions: sessions,
		catalog:  catalog,
		clock:    clk,
		log:      log.NewHelper(logger),
		metrics:  metrics.GetMetrics(),
	}
}

// Validate 比较当月计数（或请求参数）与套餐限制
func (g *PlanLimitGuard) Validate(ctx context.Context, ownerID string, action Action, params ActionParams) (*Decision, error) {
	owner, err := g.owners.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	tier := g.catalog.NormalizeTier(owner.PlanTier)
	limits := g.catalog.GetLimits(tier)
	counters := owner.Counters.Effective(g.clock.Now())

	d := &Decision{Allowed: true, Action: action, PlanTier: tier}
	switch action {
	case ActionCreateSession:
		g.checkCount(d, constants.DenyReasonSessionLimit, counters.SessionCount, limits.MaxSessions)
	case ActionTranscribe:
		g.checkCount(d, constants.DenyReasonTranscriptionLimit, counters.TranscriptionCount, limits.MaxTranscriptions)
		if d.Allowed {
			g.checkMinutes(d, counters.UsageMinutes, params.Minutes, limits.MaxMinutes)
		}
		if d.Allowed && limits.Concurrency != Unlimited {
			processing, err := g.sessions.CountProcessing(ctx, ownerID)
			if err != nil {
				return nil, err
			}
			g.checkCount(d, constants.DenyReasonConcurrencyLimit, processing, limits.Concurrency)
		}
	case ActionUpload:
		if limits.MaxFileSizeMb != Unlimited && params.FileSizeMb > limits.MaxFileSizeMb {
			g.deny(d, constants.DenyReasonFileSize, params.FileSizeMb, limits.MaxFileSizeMb)
		}
	case ActionExport:
		if !limits.AllowsExport(params.Format) {
			g.deny(d, constants.DenyReasonExportFormat, 0, 0)
		}
	default:
		d.Allowed = false
		d.Reason = constants.DenyReasonUnknownAction
	}

	if !d.Allowed && d.Reason != constants.DenyReasonUnknownAction {
		d.SuggestedPlan = g.catalog.NextTier(tier)
	}
	if g.metrics != nil {
		result := constants.ResultAllowed
		if !d.Allowed {
			result = constants.ResultDenied
		}
		g.metrics.PlanCheckTotal.WithLabelValues(string(action), result).Inc()
	}
	if !d.Allowed {
		g.log.Infof("plan check denied: owner=%s action=%s plan=%s reason=%s current=%g limit=%g",
			ownerID, action, tier, d.Reason, d.Current, d.Limit)
	}
	return d, nil
}

// Authorize 校验并把拒绝转换为 PlanLimitExceeded
func (g *PlanLimitGuard) Authorize(ctx context.Context, ownerID string, action Action, params ActionParams) error {
	d, err := g.Validate(ctx, ownerID, action, params)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &PlanLimitExceeded{Decision: d}
	}
	return nil
}

// checkCount 达到上限即拒绝（下一次会超出）
func (g *PlanLimitGuard) checkCount(d *Decision, reason string, current, limit int64) {
	if limit == Unlimited {
		return
	}
	if current >= limit {
		g.deny(d, reason, float64(current), float64(limit))
	}
}

func (g *PlanLimitGuard) checkMinutes(d *Decision, current, extra, limit float64) {
	if limit == Unlimited {
		return
	}
	if current >= limit || current+extra > limit {
		g.deny(d, constants.DenyReasonMinutesLimit, current, limit)
	}
}

func (g *PlanLimitGuard) deny(d *Decision, reason string, current, limit float64) {
	d.Allowed = false
	d.Reason = reason
	d.Current = current
	d.Limit = limit
}
