package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/pkg/database"
	"github.com/weibaohui/bizplan/internal/pkg/llm"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service"
	"github.com/weibaohui/bizplan/internal/service/orchestrator"
	"github.com/weibaohui/bizplan/internal/service/pipeline"
	"github.com/weibaohui/bizplan/internal/service/progress"
	"github.com/weibaohui/bizplan/internal/service/retry"
	"gopkg.in/yaml.v3"
)

// inlineQueue 收下服务层提交的作业，由命令在当前进程内同步执行
type inlineQueue struct {
	mu   sync.Mutex
	jobs []*orchestrator.Job
}

func (q *inlineQueue) EnqueueJob(job *orchestrator.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *inlineQueue) take() []*orchestrator.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

// app 进程内的完整生成链路
type app struct {
	cfg      *config.Config
	service  *service.PlanService
	tracker  *progress.Tracker
	executor *service.PlanJobExecutor
	queue    *inlineQueue
}

func newApp(cfg *config.Config, completer llm.Completer, opts ...pipeline.Option) (*app, error) {
	if cfg.Database.Type == "sqlite" && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	bus := eventbus.NewPlanEventBus()
	plans := repository.NewPlanRepository(db, bus)
	sections := repository.NewSectionRepository(db, bus)
	logs := repository.NewLogRepository(db, bus)

	if completer == nil {
		completer = llm.NewEinoCompleter(cfg.LLM)
	}
	runner := pipeline.New(plans, sections, logs, completer, retry.NewOrchestrator(logs), cfg.Pipeline, cfg.LLM.Model, opts...)
	tracker := progress.NewTracker(plans, sections, logs, bus, cfg.Pipeline)
	queue := &inlineQueue{}

	return &app{
		cfg:      cfg,
		service:  service.NewPlanService(cfg, plans, sections, tracker, queue),
		tracker:  tracker,
		executor: service.NewPlanJobExecutor(runner),
		queue:    queue,
	}, nil
}

// runQueued 执行服务层刚提交的作业；render 在执行期间消费进度快照
func (a *app) runQueued(ctx context.Context, planID string, render func(<-chan *progress.Snapshot)) error {
	subCtx, cancel := context.WithCancel(ctx)
	updates, err := a.tracker.Subscribe(subCtx, planID)
	if err != nil {
		cancel()
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		render(updates)
	}()

	var runErr error
	for _, job := range a.queue.take() {
		if err := a.executor.ExecuteJob(ctx, job); err != nil {
			runErr = err
			break
		}
	}
	cancel()
	<-done
	return runErr
}

// loadRequest 从 yaml 文件读取生成请求
func loadRequest(path string) (service.SubmitRequest, error) {
	var req service.SubmitRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("读取问答文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("解析问答文件失败: %s: %w", path, err)
	}
	return req, nil
}
