package biz

import (
	"sort"
	"strings"
	"time"

	"transcription-service/internal/conf"
	"transcription-service/internal/constants"
)

// Unlimited 套餐限制中的不限值
const Unlimited = -1

// BillingConfig 计费配置
type BillingConfig struct {
	Rates                  map[string]float64 // 服务商每分钟费率
	EstimateBuffer         float64            // 预估缓冲系数
	DefaultEstimateMinutes float64            // 无时长信息时的保守预估
	DefaultProvider        ProviderChoice
	ProviderTimeout        time.Duration
	LeaseTTL               time.Duration
	StuckAfter             time.Duration
}

// NewBillingConfig 从配置创建 BillingConfig
func NewBillingConfig(c *conf.Bootstrap) *BillingConfig {
	config := &BillingConfig{
		Rates:                  make(map[string]float64),
		EstimateBuffer:         1.10, // 默认值
		DefaultEstimateMinutes: 30,
		DefaultProvider:        ProviderChoiceAuto,
		ProviderTimeout:        90 * time.Minute,
		LeaseTTL:               2 * time.Minute,
		StuckAfter:             30 * time.Minute,
	}
	if c.Billing != nil {
		if c.Billing.EstimateBuffer > 0 {
			config.EstimateBuffer = c.Billing.EstimateBuffer
		}
		if c.Billing.DefaultEstimateMinutes > 0 {
			config.DefaultEstimateMinutes = c.Billing.DefaultEstimateMinutes
		}
	}
	if p := c.Providers; p != nil {
		if choice, err := ParseProviderChoice(p.Default); err == nil && choice != ProviderChoiceDefault {
			config.DefaultProvider = choice
		}
		if d := p.Timeout.AsDuration(); d > 0 {
			config.ProviderTimeout = d
		}
		if p.Primary != nil {
			config.Rates[ProviderGoogleSTT] = p.Primary.RatePerMinute
		}
		if p.Secondary != nil {
			config.Rates[ProviderAssemblyAI] = p.Secondary.RatePerMinute
		}
	}
	if w := c.Worker; w != nil {
		if d := w.LeaseTtl.AsDuration(); d > 0 {
			config.LeaseTTL = d
		}
		if d := w.StuckAfter.AsDuration(); d > 0 {
			config.StuckAfter = d
		}
	}
	return config
}

// Rate 服务商费率，未配置为 0
func (c *BillingConfig) Rate(provider string) float64 {
	return c.Rates[provider]
}

// PlanLimits 套餐限制
type PlanLimits struct {
	Tier                 string   `json:"tier"`
	Rank                 int      `json:"rank"`
	MaxSessions          int64    `json:"max_sessions"`
	MaxMinutes           float64  `json:"max_minutes"`
	MaxTranscriptions    int64    `json:"max_transcriptions"`
	MaxFileSizeMb        float64  `json:"max_file_size_mb"`
	AllowedExportFormats []string `json:"allowed_export_formats"`
	Concurrency          int64    `json:"concurrency"`
}

// AllowsExport 格式是否允许导出
func (l *PlanLimits) AllowsExport(format string) bool {
	format = strings.ToLower(strings.TrimSpace(format))
	for _, f := range l.AllowedExportFormats {
		if f == "*" || strings.ToLower(f) == format {
			return true
		}
	}
	return false
}

// PlanCatalog 套餐目录
type PlanCatalog struct {
	plans map[string]*PlanLimits
	order []string // 按 rank 升序
}

// NewPlanCatalog 从配置创建套餐目录，未配置时使用内置默认值
func NewPlanCatalog(c *conf.Bootstrap) *PlanCatalog {
	plans := make(map[string]*PlanLimits)
	for tier, l := range c.Plans {
		if l == nil {
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(tier))
		plans[name] = &PlanLimits{
			Tier:                 name,
			Rank:                 int(l.Rank),
			MaxSessions:          l.MaxSessions,
			MaxMinutes:           l.MaxMinutes,
			MaxTranscriptions:    l.MaxTranscriptions,
			MaxFileSizeMb:        l.MaxFileSizeMb,
			AllowedExportFormats: append([]string(nil), l.AllowedExportFormats...),
			Concurrency:          l.Concurrency,
		}
	}
	if len(plans) == 0 {
		plans = defaultPlans()
	}
	if _, ok := plans[constants.PlanTierFree]; !ok {
		plans[constants.PlanTierFree] = defaultPlans()[constants.PlanTierFree]
	}
	return newPlanCatalog(plans)
}

func newPlanCatalog(plans map[string]*PlanLimits) *PlanCatalog {
	order := make([]string, 0, len(plans))
	for tier := range plans {
		order = append(order, tier)
	}
	sort.Slice(order, func(i, j int) bool {
		ri, rj := plans[order[i]].Rank, plans[order[j]].Rank
		if ri != rj {
			return ri < rj
		}
		return order[i] < order[j]
	})
	return &PlanCatalog{plans: plans, order: order}
}

func defaultPlans() map[string]*PlanLimits {
	return map[string]*PlanLimits{
		constants.PlanTierFree: {
			Tier: constants.PlanTierFree, Rank: 0,
			MaxSessions: 10, MaxMinutes: 120, MaxTranscriptions: 15, MaxFileSizeMb: 100,
			AllowedExportFormats: []string{"txt"}, Concurrency: 1,
		},
		constants.PlanTierPro: {
			Tier: constants.PlanTierPro, Rank: 1,
			MaxSessions: 100, MaxMinutes: 1200, MaxTranscriptions: 200, MaxFileSizeMb: 500,
			AllowedExportFormats: []string{"txt", "docx", "srt", "vtt"}, Concurrency: 3,
		},
		constants.PlanTierEnterprise: {
			Tier: constants.PlanTierEnterprise, Rank: 2,
			MaxSessions: Unlimited, MaxMinutes: Unlimited, MaxTranscriptions: Unlimited, MaxFileSizeMb: Unlimited,
			AllowedExportFormats: []string{"txt", "docx", "srt", "vtt", "pdf", "json"}, Concurrency: Unlimited,
		},
	}
}

// NormalizeTier 未知套餐按免费版处理
func (p *PlanCatalog) NormalizeTier(tier string) string {
	name := strings.ToUpper(strings.TrimSpace(tier))
	if _, ok := p.plans[name]; ok {
		return name
	}
	return constants.PlanTierFree
}

// GetLimits 获取套餐限制
func (p *PlanCatalog) GetLimits(tier string) *PlanLimits {
	return p.plans[p.NormalizeTier(tier)]
}

// NextTier 下一个更高的套餐，已是最高返回空串
func (p *PlanCatalog) NextTier(tier string) string {
	current := p.NormalizeTier(tier)
	for i, name := range p.order {
		if name == current && i+1 < len(p.order) {
			return p.order[i+1]
		}
	}
	return ""
}

// Snapshot 账本中记录的套餐快照
func (p *PlanCatalog) Snapshot(tier string) PlanSnapshot {
	limits := *p.GetLimits(tier)
	return PlanSnapshot{Tier: limits.Tier, Limits: limits}
}

// PlanSnapshot 写账本时的套餐信息
type PlanSnapshot struct {
	Tier   string     `json:"tier"`
	Limits PlanLimits `json:"limits"`
}
