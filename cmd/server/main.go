package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/handler"
	"github.com/weibaohui/bizplan/internal/pkg/database"
	"github.com/weibaohui/bizplan/internal/pkg/llm"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/router"
	"github.com/weibaohui/bizplan/internal/service"
	"github.com/weibaohui/bizplan/internal/service/orchestrator"
	"github.com/weibaohui/bizplan/internal/service/pipeline"
	"github.com/weibaohui/bizplan/internal/service/progress"
	"github.com/weibaohui/bizplan/internal/service/retry"
)

func main() {
	// 初始化 klog
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	klog.V(6).Info("服务启动中...")

	cfg := config.GetConfig()

	if cfg.Database.Type == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0755); err != nil {
			klog.Fatalf("Failed to create data directory: %v", err)
		}
	}

	// 初始化数据库
	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		klog.Fatalf("Failed to initialize database: %v", err)
	}

	// 初始化 Repository，写入成功后通过 bus 通知进度订阅方
	bus := eventbus.NewPlanEventBus()
	planRepo := repository.NewPlanRepository(db, bus)
	sectionRepo := repository.NewSectionRepository(db, bus)
	logRepo := repository.NewLogRepository(db, bus)

	// 初始化生成链路
	completer := llm.NewEinoCompleter(cfg.LLM)
	retrier := retry.NewOrchestrator(logRepo)
	runner := pipeline.New(planRepo, sectionRepo, logRepo, completer, retrier, cfg.Pipeline, cfg.LLM.Model)
	tracker := progress.NewTracker(planRepo, sectionRepo, logRepo, bus, cfg.Pipeline)

	// 作业编排器，workers 控制同时生成的计划数，避免打爆 LLM 配额
	jobs, err := orchestrator.NewOrchestrator(cfg.Pipeline.Workers, cfg.Pipeline.QueueSize, service.NewPlanJobExecutor(runner))
	if err != nil {
		klog.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	jobs.Start()
	defer jobs.Stop()

	planService := service.NewPlanService(cfg, planRepo, sectionRepo, tracker, jobs)

	// 启动时清理上次进程遗留的 processing 计划
	cleanupStuckPlans(planService)

	planHandler := handler.NewPlanHandler(planService, jobs)
	r := router.Setup(cfg, planHandler)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		klog.Infof("Server starting on port %s...", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	klog.Infof("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Warningf("Server shutdown error: %v", err)
	}
}

// cleanupStuckPlans 清理启动前卡住的计划
func cleanupStuckPlans(planService *service.PlanService) {
	affected, err := planService.CleanupStuckPlans(context.Background(), 0)
	if err != nil {
		klog.Warningf("清理卡住计划失败: %v", err)
		return
	}

	if affected > 0 {
		klog.V(6).Infof("启动时清理了 %d 个卡住的计划", affected)
	}
}
