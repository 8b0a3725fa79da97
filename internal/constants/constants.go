package constants

// 时间格式常量
const (
	// TimeFormatMonth 月份格式 (YYYY-MM)
	TimeFormatMonth = "2006-01"
)

// Redis Key 前缀常量
const (
	// RedisKeySessionLease 会话处理租约 key 前缀
	RedisKeySessionLease = "transcription:lease:"
	// RedisKeyOwnerLock 用量记账锁 key 前缀
	RedisKeyOwnerLock = "usage:lock:"
)

// 套餐等级常量
const (
	// PlanTierFree 免费版
	PlanTierFree = "FREE"
	// PlanTierPro 专业版
	PlanTierPro = "PRO"
	// PlanTierEnterprise 企业版
	PlanTierEnterprise = "ENTERPRISE"
)

// 计费原因常量
const (
	// BillingReasonOriginal 首次转写
	BillingReasonOriginal = "original_transcription"
	// BillingReasonFreeRetry 失败后免费重试
	BillingReasonFreeRetry = "free_retry_after_failure"
	// BillingReasonPaidRetranscription 付费重新转写
	BillingReasonPaidRetranscription = "paid_retranscription"
)

// 套餐校验拒绝原因
const (
	DenyReasonSessionLimit       = "session_limit_exceeded"
	DenyReasonTranscriptionLimit = "transcription_limit_exceeded"
	DenyReasonMinutesLimit       = "minutes_limit_exceeded"
	DenyReasonConcurrencyLimit   = "concurrency_limit_exceeded"
	DenyReasonFileSize           = "file_size_exceeded"
	DenyReasonExportFormat       = "export_format_not_allowed"
	DenyReasonUnknownAction      = "unknown_action"
)

// 指标结果标签
const (
	// ResultSuccess 成功
	ResultSuccess = "success"
	// ResultFailed 失败
	ResultFailed = "failed"
	// ResultAllowed 允许
	ResultAllowed = "allowed"
	// ResultDenied 拒绝
	ResultDenied = "denied"
)

// 存储驱动
const (
	StorageDriverS3    = "s3"
	StorageDriverLocal = "local"
)

// 数据库驱动
const (
	DBDriverMySQL  = "mysql"
	DBDriverSQLite = "sqlite"
)

// 默认分页
const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)
