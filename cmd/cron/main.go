package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"transcription-service/internal/biz"
	"transcription-service/internal/conf"
	"transcription-service/internal/metrics"

	"github.com/gaoyong06/go-pkg/logger"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"
)

var (
	flagconf string
)

// CronApp Cron 应用结构
type CronApp struct {
	sessionUsecase *biz.SessionUseCase
	usageUsecase   *biz.UsageUseCase
}

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()

	// 初始化配置
	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}

	// 初始化日志 (使用 go-pkg/logger)
	logConfig := &logger.Config{
		Level:         "info",
		Format:        "json",
		Output:        "stdout",
		FilePath:      "logs/transcription-cron.log",
		MaxSize:       100,
		MaxAge:        30,
		MaxBackups:    10,
		Compress:      true,
		EnableConsole: true,
	}

	loggerInstance := logger.NewLogger(logConfig)

	// 添加基本字段
	loggerInstance = log.With(loggerInstance,
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.name", "transcription-cron",
	)

	logHelper := log.NewHelper(loggerInstance)
	metrics.InitMetrics()

	// 未配置 Redis 时无法看到服务进程持有的租约，卡住判定只依赖 stuck_after
	if bc.Data == nil || bc.Data.Redis == nil || bc.Data.Redis.Addr == "" {
		logHelper.Warn("[CRON] redis not configured, stuck session sweep relies on stuck_after only; configure data.redis shared with the server")
	}

	// 初始化应用
	app, cleanup, err := wireApp(&bc, loggerInstance)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// 创建定时任务调度器（支持秒级调度）
	cronScheduler := cron.New(cron.WithSeconds())

	// 卡住的会话回收 - 每分钟执行
	_, err = cronScheduler.AddFunc("0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
		defer cancel()

		count, err := app.sessionUsecase.SweepStuckSessions(ctx)
		if err != nil {
			logHelper.Errorf("[CRON] Error sweeping stuck sessions: %v", err)
			return
		}
		if count > 0 {
			logHelper.Infof("[CRON] Stuck sessions marked failed: count=%d", count)
		}
	})
	if err != nil {
		logHelper.Errorf("Failed to add stuck session sweep job: %v", err)
	}

	// 月度用量对账 - 每月1日 00:05 执行，核对上个月
	_, err = cronScheduler.AddFunc("0 5 0 1 * *", func() {
		logHelper.Info("[CRON] Starting monthly usage reconciliation...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		month := biz.MonthOf(biz.PeriodStartOf(time.Now()).AddDate(0, -1, 0))
		mismatches, err := app.usageUsecase.Reconcile(ctx, month)
		if err != nil {
			logHelper.Errorf("[CRON] Error reconciling usage: month=%s, error=%v", month, err)
			return
		}
		logHelper.Infof("[CRON] Reconciliation completed: month=%s, mismatches=%d", month, len(mismatches))
		for i, m := range mismatches {
			if i >= 10 {
				logHelper.Infof("[CRON] ... %d more mismatches", len(mismatches)-10)
				break
			}
			logHelper.Warnf("[CRON] Mismatch: owner=%s aggregate=%.4f ledger=%.4f", m.OwnerID, m.AggregateMinutes, m.LedgerMinutes)
		}
		logHelper.Info("[CRON] Finished monthly usage reconciliation")
	})
	if err != nil {
		logHelper.Errorf("Failed to add usage reconciliation job: %v", err)
	}

	// 启动定时任务
	cronScheduler.Start()
	logHelper.Info("========================================")
	logHelper.Info("Cron jobs started successfully")
	logHelper.Info("Scheduled jobs:")
	logHelper.Info("  - Stuck session sweep: Every minute")
	logHelper.Info("  - Usage reconciliation: Every month on the 1st at 00:05")
	logHelper.Info("========================================")

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logHelper.Info("Shutting down gracefully...")

	// 停止定时任务
	ctx := cronScheduler.Stop()
	select {
	case <-ctx.Done():
		logHelper.Info("Cron jobs stopped gracefully")
	case <-time.After(5 * time.Second):
		logHelper.Info("Cron jobs forced to stop after timeout")
	}
}
