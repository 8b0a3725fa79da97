package biz

import (
	"context"
	"strings"
	"time"

	"transcription-service/internal/clock"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// Owner 教练账户，内嵌当月计数
type Owner struct {
	ID        string
	Name      string
	PlanTier  string
	Counters  CurrentPeriodCounters
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Client 教练的客户，会话与账本对其为弱引用
type Client struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

// OwnerRepo 教练与客户数据层接口
type OwnerRepo interface {
	CreateOwner(ctx context.Context, owner *Owner) error
	GetOwner(ctx context.Context, id string) (*Owner, error)
	UpdatePlanTier(ctx context.Context, id, tier string) error
	ListOwnerIDs(ctx context.Context) ([]string, error)
	// DeleteOwner 存在账本记录时返回 IntegrityError
	DeleteOwner(ctx context.Context, id string) error

	CreateClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, id string) (*Client, error)
	// DeleteClient 会话与账本的 client 引用置空
	DeleteClient(ctx context.Context, id string) error
}

// OwnerUseCase 教练与客户管理
type OwnerUseCase struct {
	repo    OwnerRepo
	catalog *PlanCatalog
	clock   clock.Clock
	log     *log.Helper
}

// NewOwnerUseCase 创建 OwnerUseCase
func NewOwnerUseCase(repo OwnerRepo, catalog *PlanCatalog, clk clock.Clock, logger log.Logger) *OwnerUseCase {
	return &OwnerUseCase{
		repo:    repo,
		catalog: catalog,
		clock:   clk,
		log:     log.NewHelper(logger),
	}
}

// CreateOwner 创建教练账户
func (uc *OwnerUseCase) CreateOwner(ctx context.Context, name, planTier string) (*Owner, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &InvalidArgumentError{Field: "name", Reason: "required"}
	}
	now := uc.clock.Now()
	owner := &Owner{
		ID:       uuid.New().String(),
		Name:     name,
		PlanTier: uc.catalog.NormalizeTier(planTier),
		Counters: CurrentPeriodCounters{PeriodStart: PeriodStartOf(now)},
	}
	if err := uc.repo.CreateOwner(ctx, owner); err != nil {
		return nil, err
	}
	return owner, nil
}

// GetOwner 获取教练账户
func (uc *OwnerUseCase) GetOwner(ctx context.Context, id string) (*Owner, error) {
	return uc.repo.GetOwner(ctx, id)
}

// ChangePlan 变更套餐，当月计数保持不变
func (uc *OwnerUseCase) ChangePlan(ctx context.Context, id, tier string) (*Owner, error) {
	if _, err := uc.repo.GetOwner(ctx, id); err != nil {
		return nil, err
	}
	if err := uc.repo.UpdatePlanTier(ctx, id, uc.catalog.NormalizeTier(tier)); err != nil {
		return nil, err
	}
	return uc.repo.GetOwner(ctx, id)
}

// DeleteOwner 删除教练，有账本记录时拒绝
func (uc *OwnerUseCase) DeleteOwner(ctx context.Context, id string) error {
	if err := uc.repo.DeleteOwner(ctx, id); err != nil {
		return err
	}
	uc.log.Infof("owner deleted: owner=%s", id)
	return nil
}

// CreateClient 创建客户
func (uc *OwnerUseCase) CreateClient(ctx context.Context, ownerID, name string) (*Client, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &InvalidArgumentError{Field: "name", Reason: "required"}
	}
	if _, err := uc.repo.GetOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	client := &Client{
		ID:      uuid.New().String(),
		OwnerID: ownerID,
		Name:    name,
	}
	if err := uc.repo.CreateClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// DeleteClient 删除客户，账本记录保留但 client 引用置空
func (uc *OwnerUseCase) DeleteClient(ctx context.Context, id string) error {
	if err := uc.repo.DeleteClient(ctx, id); err != nil {
		return err
	}
	uc.log.Infof("client deleted: client=%s", id)
	return nil
}
