package service

import (
	"context"

	"transcription-service/internal/biz"
	transcriptionErrors "transcription-service/internal/errors"

	"github.com/go-kratos/kratos/v2/log"
)

// AccountService 教练账户、客户与用量接口
type AccountService struct {
	owners *biz.OwnerUseCase
	usage  *biz.UsageUseCase
	guard  *biz.PlanLimitGuard
	log    *log.Helper
}

// NewAccountService 创建 AccountService
func NewAccountService(owners *biz.OwnerUseCase, usage *biz.UsageUseCase, guard *biz.PlanLimitGuard, logger log.Logger) *AccountService {
	return &AccountService{
		owners: owners,
		usage:  usage,
		guard:  guard,
		log:    log.NewHelper(logger),
	}
}

// CreateOwner 创建教练账户
func (s *AccountService) CreateOwner(ctx context.Context, req *CreateOwnerRequest) (*OwnerReply, error) {
	owner, err := s.owners.CreateOwner(ctx, req.Name, req.PlanTier)
	if err != nil {
		s.log.Errorf("CreateOwner failed: %v", err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeOwnerCreateFailed)
	}
	return toOwnerReply(owner), nil
}

// GetOwner 获取教练账户
func (s *AccountService) GetOwner(ctx context.Context, req *OwnerIDRequest) (*OwnerReply, error) {
	owner, err := s.owners.GetOwner(ctx, req.ID)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeOwnerNotFound)
	}
	return toOwnerReply(owner), nil
}

// ChangePlan 变更套餐
func (s *AccountService) ChangePlan(ctx context.Context, req *ChangePlanRequest) (*OwnerReply, error) {
	owner, err := s.owners.ChangePlan(ctx, req.ID, req.PlanTier)
	if err != nil {
		s.log.Errorf("ChangePlan failed: owner_id=%s, error=%v", req.ID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeOwnerNotFound)
	}
	return toOwnerReply(owner), nil
}

// DeleteOwner 删除教练账户
func (s *AccountService) DeleteOwner(ctx context.Context, req *OwnerIDRequest) (*EmptyReply, error) {
	if err := s.owners.DeleteOwner(ctx, req.ID); err != nil {
		s.log.Warnf("DeleteOwner failed: owner_id=%s, error=%v", req.ID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeOwnerNotFound)
	}
	return &EmptyReply{}, nil
}

// CreateClient 创建客户
func (s *AccountService) CreateClient(ctx context.Context, req *CreateClientRequest) (*ClientReply, error) {
	client, err := s.owners.CreateClient(ctx, req.OwnerID, req.Name)
	if err != nil {
		s.log.Errorf("CreateClient failed: owner_id=%s, error=%v", req.OwnerID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeOwnerNotFound)
	}
	return &ClientReply{
		ID:        client.ID,
		OwnerID:   client.OwnerID,
		Name:      client.Name,
		CreatedAt: formatTime(client.CreatedAt),
	}, nil
}

// DeleteClient 删除客户
func (s *AccountService) DeleteClient(ctx context.Context, req *ClientIDRequest) (*EmptyReply, error) {
	if err := s.owners.DeleteClient(ctx, req.ID); err != nil {
		s.log.Warnf("DeleteClient failed: client_id=%s, error=%v", req.ID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeClientNotFound)
	}
	return &EmptyReply{}, nil
}

// GetUsageSummary 当月计数与累计用量
func (s *AccountService) GetUsageSummary(ctx context.Context, req *OwnerIDRequest) (*UsageSummaryReply, error) {
	summary, err := s.usage.GetUsageSummary(ctx, req.ID)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	current := summary.CurrentPeriod
	return &UsageSummaryReply{
		OwnerID:       summary.OwnerID,
		PlanTier:      summary.PlanTier,
		Month:         summary.Month,
		CurrentPeriod: &current,
		Limits:        summary.Limits,
		Lifetime:      summary.Lifetime,
	}, nil
}

// GetUsageHistory 月度汇总
func (s *AccountService) GetUsageHistory(ctx context.Context, req *UsageHistoryRequest) (*UsageHistoryReply, error) {
	aggregates, err := s.usage.GetUsageHistory(ctx, req.ID, req.From, req.To)
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	reply := &UsageHistoryReply{
		OwnerID: req.ID,
		Months:  make([]*MonthlyUsage, 0, len(aggregates)),
	}
	for _, a := range aggregates {
		reply.Months = append(reply.Months, &MonthlyUsage{
			Month:                   a.Month,
			SessionsCreated:         a.SessionsCreated,
			TranscriptionsCompleted: a.TranscriptionsCompleted,
			TotalMinutes:            a.TotalMinutes,
			TotalCost:               a.TotalCost,
			OriginalCount:           a.OriginalCount,
			RetryFailedCount:        a.RetryFailedCount,
			RetranscribePaidCount:   a.RetranscribePaidCount,
			FreeRetryMinutes:        a.FreeRetryMinutes,
			Providers:               a.Providers,
		})
	}
	return reply, nil
}

// ListUsageLogs 获取用量账本
func (s *AccountService) ListUsageLogs(ctx context.Context, req *ListUsageLogsRequest) (*ListUsageLogsReply, error) {
	entries, total, err := s.usage.ListUsageLogs(ctx, req.ID, int(req.Page), int(req.PageSize))
	if err != nil {
		s.log.Errorf("ListUsageLogs failed: owner_id=%s, error=%v", req.ID, err)
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}

	reply := &ListUsageLogsReply{
		Logs:     make([]*UsageLog, 0, len(entries)),
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
	}
	for _, e := range entries {
		reply.Logs = append(reply.Logs, &UsageLog{
			ID:                e.ID,
			SessionID:         e.SessionID,
			ClientID:          e.ClientID,
			TranscriptionType: string(e.TranscriptionType),
			IsBillable:        e.IsBillable,
			BillingReason:     e.BillingReason,
			DurationMinutes:   e.DurationMinutes,
			Cost:              e.Cost,
			Provider:          e.Provider,
			PlanSnapshot:      e.PlanSnapshot,
			ParentEntryID:     e.ParentEntryID,
			CreatedAt:         formatTime(e.CreatedAt),
		})
	}
	return reply, nil
}

// ValidateAction 套餐限制预检，拒绝时同样返回 200 与原因
func (s *AccountService) ValidateAction(ctx context.Context, req *ValidateActionRequest) (*ValidateActionReply, error) {
	d, err := s.guard.Validate(ctx, req.ID, biz.Action(req.Action), biz.ActionParams{
		Minutes:    req.Minutes,
		FileSizeMb: req.FileSizeMb,
		Format:     req.Format,
	})
	if err != nil {
		return nil, toServiceError(ctx, err, transcriptionErrors.ErrCodeUsageQueryFailed)
	}
	return &ValidateActionReply{
		Allowed:       d.Allowed,
		Action:        string(d.Action),
		PlanTier:      d.PlanTier,
		Reason:        d.Reason,
		Current:       d.Current,
		Limit:         d.Limit,
		SuggestedPlan: d.SuggestedPlan,
	}, nil
}

func toOwnerReply(o *biz.Owner) *OwnerReply {
	return &OwnerReply{
		ID:        o.ID,
		Name:      o.Name,
		PlanTier:  o.PlanTier,
		CreatedAt: formatTime(o.CreatedAt),
	}
}
