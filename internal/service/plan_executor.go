package service

import (
	"context"
	"fmt"

	"github.com/weibaohui/bizplan/internal/service/orchestrator"
	"k8s.io/klog/v2"
)

// PlanRunner 流水线提供的执行入口
type PlanRunner interface {
	ExecuteGeneration(ctx context.Context, planID string) error
	Recover(ctx context.Context, planID string, force bool) error
	RegenerateSection(ctx context.Context, planID string, sectionID uint) error
	Abandon(ctx context.Context, planID string, cause error) error
}

// PlanJobExecutor 将编排器的作业分发到流水线
// 实现 orchestrator.JobExecutor 接口
type PlanJobExecutor struct {
	runner PlanRunner
}

func NewPlanJobExecutor(runner PlanRunner) *PlanJobExecutor {
	return &PlanJobExecutor{runner: runner}
}

func (e *PlanJobExecutor) ExecuteJob(ctx context.Context, job *orchestrator.Job) error {
	switch job.Kind {
	case orchestrator.JobGenerate:
		return e.runner.ExecuteGeneration(ctx, job.PlanID)
	case orchestrator.JobRecover:
		return e.runner.Recover(ctx, job.PlanID, job.Force)
	case orchestrator.JobRegenerate:
		return e.runner.RegenerateSection(ctx, job.PlanID, job.SectionID)
	default:
		return fmt.Errorf("unknown job kind: %s", job.Kind)
	}
}

// AbandonJob 作业无法分发时的收尾
// 恢复作业对应的计划仍是 failed/cancelled，章节仍是 regenerating，都可以再次提交，无需处理
func (e *PlanJobExecutor) AbandonJob(ctx context.Context, job *orchestrator.Job, reason error) {
	if job.Kind != orchestrator.JobGenerate {
		return
	}
	if err := e.runner.Abandon(ctx, job.PlanID, reason); err != nil {
		klog.Errorf("放弃作业收尾失败: job=%s, err=%v", job, err)
	}
}
