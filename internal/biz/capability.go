package biz

import "strings"

// 服务商标识，同时用于账本 provider 字段和计费费率
const (
	ProviderGoogleSTT  = "google_stt"
	ProviderAssemblyAI = "assemblyai"
)

// AnyRegion 通配区域
const AnyRegion = "*"

type capabilityKey struct {
	language string
	region   string
}

// CapabilityMatrix 各服务商 (语言, 区域) 是否支持内联说话人分离
type CapabilityMatrix struct {
	rows map[string]map[capabilityKey]bool
}

// NewCapabilityMatrix 创建默认能力表
func NewCapabilityMatrix() *CapabilityMatrix {
	m := &CapabilityMatrix{rows: make(map[string]map[capabilityKey]bool)}

	for _, lang := range []string{"en", "es", "fr", "de", "it", "pt", "nl", "ja", "ko", "zh", "hi"} {
		m.Register(ProviderGoogleSTT, lang, AnyRegion, true)
	}
	// 亚太东南区域的 chirp 模型不支持日语分离
	m.Register(ProviderGoogleSTT, "ja", "asia-southeast1", false)
	m.Register(ProviderGoogleSTT, "ko", "asia-southeast1", false)
	m.Register(ProviderGoogleSTT, "ar", AnyRegion, false)

	for _, lang := range []string{"en", "es", "fr", "de", "it", "pt", "nl", "ja", "hi", "zh", "fi", "pl", "ru", "tr", "uk", "vi"} {
		m.Register(ProviderAssemblyAI, lang, AnyRegion, true)
	}
	m.Register(ProviderAssemblyAI, "ko", AnyRegion, false)
	m.Register(ProviderAssemblyAI, "ar", AnyRegion, false)

	return m
}

// Register 注册或覆盖一行能力
func (m *CapabilityMatrix) Register(provider, language, region string, diarization bool) {
	rows, ok := m.rows[provider]
	if !ok {
		rows = make(map[capabilityKey]bool)
		m.rows[provider] = rows
	}
	rows[capabilityKey{language: baseLanguage(language), region: normalizeRegion(region)}] = diarization
}

// SupportsDiarization 精确区域优先，其次通配区域，未登记的组合视为不支持
func (m *CapabilityMatrix) SupportsDiarization(provider, language, region string) bool {
	rows, ok := m.rows[provider]
	if !ok {
		return false
	}
	lang := baseLanguage(language)
	if v, ok := rows[capabilityKey{language: lang, region: normalizeRegion(region)}]; ok {
		return v
	}
	return rows[capabilityKey{language: lang, region: AnyRegion}]
}

// baseLanguage ja-JP / ja_JP -> ja
func baseLanguage(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func normalizeRegion(region string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	if region == "" {
		return AnyRegion
	}
	return region
}
