package errors

import (
	pkgErrors "github.com/gaoyong06/go-pkg/errors"
	i18nPkg "github.com/gaoyong06/go-pkg/middleware/i18n"
)

func init() {
	// 初始化全局错误管理器（使用项目特定的配置）
	pkgErrors.InitGlobalErrorManager("i18n", i18nPkg.Language)
}

// Transcription Service 错误码定义
// 错误码格式：SSMMEE (6位数字)
//   SS: 服务标识，Transcription 固定为 20
//   MM: 模块标识，按业务划分
//   EE: 模块内错误序号
//
// 模块划分：
//   00: 通用模块（复用 go-pkg 通用错误码）
//   01: 会话模块
//   02: 套餐限制模块
//   03: 服务商模块
//   04: 用量账本模块
//   05: 账户模块
//   06-99: 预留扩展

// 会话模块错误码 (200100-200199)
const (
	// ErrCodeSessionNotFound 会话不存在
	ErrCodeSessionNotFound = 200101
	// ErrCodeSessionStateConflict 会话状态不允许该操作
	ErrCodeSessionStateConflict = 200102
	// ErrCodeSessionCreateFailed 会话创建失败
	ErrCodeSessionCreateFailed = 200103
	// ErrCodeEnqueueFailed 任务投递失败
	ErrCodeEnqueueFailed = 200104
	// ErrCodeAudioCheckFailed 音频存储检查失败
	ErrCodeAudioCheckFailed = 200105
	// ErrCodeInvalidArgument 参数错误
	ErrCodeInvalidArgument = 200106
	// ErrCodeSessionGetFailed 查询会话失败
	ErrCodeSessionGetFailed = 200107
	// ErrCodeSessionUpdateFailed 更新会话失败
	ErrCodeSessionUpdateFailed = 200108
	// ErrCodeSessionDeleteFailed 删除会话失败
	ErrCodeSessionDeleteFailed = 200109
)

// 套餐限制模块错误码 (200200-200299)
const (
	// ErrCodePlanLimitExceeded 超出套餐限制
	ErrCodePlanLimitExceeded = 200201
	// ErrCodeRetranscriptionConfirmRequired 付费重新转写需要确认
	ErrCodeRetranscriptionConfirmRequired = 200202
)

// 服务商模块错误码 (200300-200399)
const (
	// ErrCodeNoProvider 没有可用的服务商
	ErrCodeNoProvider = 200301
)

// 用量账本模块错误码 (200400-200499)
const (
	// ErrCodeUsageQueryFailed 查询用量失败
	ErrCodeUsageQueryFailed = 200401
	// ErrCodeUsageLockFailed 获取记账锁失败
	ErrCodeUsageLockFailed = 200402
	// ErrCodeUsageRecordFailed 写入账本失败
	ErrCodeUsageRecordFailed = 200403
	// ErrCodeAggregateUpdateFailed 更新月度汇总失败
	ErrCodeAggregateUpdateFailed = 200404
)

// 账户模块错误码 (200500-200599)
const (
	// ErrCodeOwnerNotFound 教练账户不存在
	ErrCodeOwnerNotFound = 200501
	// ErrCodeClientNotFound 客户不存在
	ErrCodeClientNotFound = 200502
	// ErrCodeOwnerHasUsage 存在账本记录，禁止删除
	ErrCodeOwnerHasUsage = 200503
	// ErrCodeOwnerCreateFailed 创建账户失败
	ErrCodeOwnerCreateFailed = 200504
	// ErrCodeOwnerGetFailed 查询账户失败
	ErrCodeOwnerGetFailed = 200505
	// ErrCodeOwnerUpdateFailed 更新账户失败
	ErrCodeOwnerUpdateFailed = 200506
	// ErrCodeOwnerDeleteFailed 删除账户失败
	ErrCodeOwnerDeleteFailed = 200507
	// ErrCodeClientDeleteFailed 删除客户失败
	ErrCodeClientDeleteFailed = 200508
)
