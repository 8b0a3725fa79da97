package conf

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bootstrap 服务配置根节点，由 kratos config 从 configs/config.yaml 扫描得到
type Bootstrap struct {
	Server    *Server                `json:"server"`
	Data      *Data                  `json:"data"`
	Storage   *Storage               `json:"storage"`
	Providers *Providers             `json:"providers"`
	Billing   *Billing               `json:"billing"`
	Plans     map[string]*PlanLimits `json:"plans"`
	Worker    *Worker                `json:"worker"`
}

// Server 服务端配置
type Server struct {
	Http *Server_HTTP `json:"http"`
}

// Server_HTTP HTTP 服务配置
type Server_HTTP struct {
	Network string    `json:"network"`
	Addr    string    `json:"addr"`
	Timeout *Duration `json:"timeout"`
}

// Data 数据层配置
type Data struct {
	Database *Data_Database `json:"database"`
	Redis    *Data_Redis    `json:"redis"`
	Rocketmq *Data_Rocketmq `json:"rocketmq"`
}

// Data_Database 数据库配置，driver 取值 mysql / sqlite
type Data_Database struct {
	Driver      string `json:"driver"`
	Source      string `json:"source"`
	AutoMigrate bool   `json:"auto_migrate"`
}

// Data_Redis Redis 配置，addr 为空时使用进程内锁
type Data_Redis struct {
	Addr         string    `json:"addr"`
	Password     string    `json:"password"`
	Db           int32     `json:"db"`
	ReadTimeout  *Duration `json:"read_timeout"`
	WriteTimeout *Duration `json:"write_timeout"`
}

// Data_Rocketmq RocketMQ 配置
type Data_Rocketmq struct {
	Enabled     bool     `json:"enabled"`
	NameServers []string `json:"name_servers"`
	GroupName   string   `json:"group_name"`
	Topic       string   `json:"topic"`
	RetryTimes  int32    `json:"retry_times"`
}

// Storage 音频存储配置，driver 取值 s3 / local
type Storage struct {
	Driver    string      `json:"driver"`
	LocalRoot string      `json:"local_root"`
	S3        *Storage_S3 `json:"s3"`
}

// Storage_S3 S3 兼容存储配置
type Storage_S3 struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	PathStyle bool   `json:"path_style"`
}

// Providers 语音识别服务商配置
type Providers struct {
	// Default 默认服务商：auto / primary / secondary
	Default   string               `json:"default"`
	Timeout   *Duration            `json:"timeout"`
	Primary   *Providers_Primary   `json:"primary"`
	Secondary *Providers_Secondary `json:"secondary"`
}

// Providers_Primary Google Speech-to-Text v2
type Providers_Primary struct {
	Enabled bool `json:"enabled"`
	// Endpoint 为空时 global 使用 speech.googleapis.com，其余使用 {location}-speech.googleapis.com
	Endpoint      string  `json:"endpoint"`
	ApiKey        string  `json:"api_key"`
	ProjectId     string  `json:"project_id"`
	Location      string  `json:"location"`
	Model         string  `json:"model"`
	RatePerMinute float64 `json:"rate_per_minute"`
	// SyncMaxBytes 时长未知时同步识别允许的最大字节数
	SyncMaxBytes      int64                      `json:"sync_max_bytes"`
	BatchPollInterval *Duration                  `json:"batch_poll_interval"`
	Staging           *Providers_Primary_Staging `json:"staging"`
}

// Providers_Primary_Staging 批量识别的 GCS 暂存桶，通过 S3 兼容接口和 HMAC 密钥写入
type Providers_Primary_Staging struct {
	Endpoint  string `json:"endpoint"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Providers_Secondary AssemblyAI
type Providers_Secondary struct {
	Enabled       bool      `json:"enabled"`
	Endpoint      string    `json:"endpoint"`
	ApiKey        string    `json:"api_key"`
	Model         string    `json:"model"`
	RatePerMinute float64   `json:"rate_per_minute"`
	PollInterval  *Duration `json:"poll_interval"`
}

// Billing 计费配置
type Billing struct {
	EstimateBuffer         float64 `json:"estimate_buffer"`
	DefaultEstimateMinutes float64 `json:"default_estimate_minutes"`
}

// PlanLimits 套餐限制，-1 表示不限
type PlanLimits struct {
	Rank                 int32    `json:"rank"`
	MaxSessions          int64    `json:"max_sessions"`
	MaxMinutes           float64  `json:"max_minutes"`
	MaxTranscriptions    int64    `json:"max_transcriptions"`
	MaxFileSizeMb        float64  `json:"max_file_size_mb"`
	AllowedExportFormats []string `json:"allowed_export_formats"`
	Concurrency          int64    `json:"concurrency"`
}

// Worker 转写任务工作池配置
type Worker struct {
	Workers    int32     `json:"workers"`
	QueueSize  int32     `json:"queue_size"`
	LeaseTtl   *Duration `json:"lease_ttl"`
	StuckAfter *Duration `json:"stuck_after"`
}

// Duration 支持 "5s" 形式或纳秒整数的时长
type Duration struct {
	time.Duration
}

// NewDuration 构造 Duration
func NewDuration(d time.Duration) *Duration {
	return &Duration{Duration: d}
}

// AsDuration 返回 time.Duration，nil 返回 0
func (d *Duration) AsDuration() time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}

// UnmarshalJSON 解析时长
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}

// MarshalJSON 输出 "5s" 形式
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
