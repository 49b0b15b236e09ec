package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/model"
	"github.com/weibaohui/bizplan/internal/pkg/llm"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service/retry"
	"github.com/weibaohui/bizplan/internal/service/statemachine"
	"k8s.io/klog/v2"
)

var (
	// ErrPlanCancelled 计划已被取消，流水线停止进入新阶段
	ErrPlanCancelled = errors.New("plan generation cancelled")
	// ErrPlanNotProcessing 计划在执行期间被其他写入方改为非 processing 状态
	ErrPlanNotProcessing = errors.New("plan is no longer processing")
	// ErrPlanBusy 计划正在整体生成，不能单独重写章节
	ErrPlanBusy = errors.New("plan is being generated")
)

// Pipeline 驱动一个计划依次经过各生成阶段
type Pipeline struct {
	plans     repository.PlanRepository
	sections  repository.SectionRepository
	logs      repository.LogRepository
	completer llm.Completer
	retrier   *retry.Orchestrator

	planSM    *statemachine.PlanStateMachine
	sectionSM *statemachine.SectionStateMachine

	model           string
	batchSize       int
	interBatchDelay time.Duration
	sleep           retry.Sleeper
}

type Option func(*Pipeline)

// WithSleeper 替换批次间等待，测试中使用
func WithSleeper(s retry.Sleeper) Option {
	return func(p *Pipeline) {
		p.sleep = s
	}
}

func New(
	plans repository.PlanRepository,
	sections repository.SectionRepository,
	logs repository.LogRepository,
	completer llm.Completer,
	retrier *retry.Orchestrator,
	cfg config.PipelineConfig,
	modelName string,
	opts ...Option,
) *Pipeline {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 3
	}
	p := &Pipeline{
		plans:           plans,
		sections:        sections,
		logs:            logs,
		completer:       completer,
		retrier:         retrier,
		planSM:          statemachine.NewPlanStateMachine(),
		sectionSM:       statemachine.NewSectionStateMachine(),
		model:           modelName,
		batchSize:       batchSize,
		interBatchDelay: cfg.InterBatchDelay(),
		sleep:           sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run 一次执行的中间状态
type run struct {
	plan       *model.Plan
	tpl        domain.Template
	summary    string
	sections   []model.Section
	refined    string
	categories []string
	sources    []string
	score      int
}

type stage struct {
	step domain.StepName
	fn   func(ctx context.Context, r *run) error
}

// ExecuteGeneration 从头执行一次新提交的计划
func (p *Pipeline) ExecuteGeneration(ctx context.Context, planID string) error {
	return p.execute(ctx, planID, []statemachine.PlanStatus{statemachine.PlanStatusPending})
}

// Recover 重新执行失败或已取消的计划；force 时允许重新生成已完成的计划
// 总是从头开始，不从失败阶段续跑
func (p *Pipeline) Recover(ctx context.Context, planID string, force bool) error {
	from := []statemachine.PlanStatus{statemachine.PlanStatusFailed, statemachine.PlanStatusCancelled}
	if force {
		from = append(from, statemachine.PlanStatusCompleted)
	}
	return p.execute(ctx, planID, from)
}

// Abandon 作业始终未能开始执行时，把仍处于 pending 的计划标记为失败，使其可以恢复
func (p *Pipeline) Abandon(ctx context.Context, planID string, cause error) error {
	if err := p.planSM.ValidateTransition(statemachine.PlanStatusPending, statemachine.PlanStatusFailed); err != nil {
		return err
	}
	ok, err := p.plans.TransitionStatus(ctx, planID,
		[]string{string(statemachine.PlanStatusPending)},
		string(statemachine.PlanStatusFailed),
		map[string]interface{}{"error_msg": truncateRunes("generation was never scheduled: "+cause.Error(), 2000)},
	)
	if err != nil {
		return fmt.Errorf("标记计划失败出错: %w", err)
	}
	if ok {
		p.appendFailureLog(ctx, planID, domain.StepInitialize, cause)
		klog.Warningf("[Pipeline] 计划未能调度，已标记为失败: planID=%s, err=%v", planID, cause)
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, planID string, from []statemachine.PlanStatus) error {
	startTime := time.Now()
	// 失败上下文只在本次执行内有意义
	defer p.retrier.ClearHistory(planID)

	r, err := p.initialize(ctx, planID, from)
	if err != nil {
		return err
	}

	stages := []stage{
		{domain.StepOutline, p.outline},
		{domain.StepSectionDraft, p.draftSections},
		{domain.StepRefinement, p.refine},
		{domain.StepCitationExtraction, p.extractCitations},
		{domain.StepWebSearch, p.enrichSources},
	}
	if r.tpl.DeepVerification {
		stages = append(stages, stage{domain.StepDeepVerification, p.verify})
	}
	stages = append(stages, stage{domain.StepQualityAssessment, p.assessQuality})

	for _, st := range stages {
		if err := p.ensureActive(ctx, planID); err != nil {
			return p.fail(ctx, planID, st.step, err)
		}
		klog.V(6).Infof("[Pipeline] 进入阶段: planID=%s, step=%s", planID, st.step)
		p.appendStageLog(ctx, planID, st.step, model.LogStatusRunning, 0)

		stageStart := time.Now()
		if err := st.fn(ctx, r); err != nil {
			return p.fail(ctx, planID, st.step, err)
		}
		klog.V(6).Infof("[Pipeline] 阶段完成: planID=%s, step=%s, cost=%v", planID, st.step, time.Since(stageStart))
	}

	if err := p.finalize(ctx, r); err != nil {
		return p.fail(ctx, planID, domain.StepFinalize, err)
	}
	klog.Infof("[Pipeline] 计划生成完成: planID=%s, template=%s, cost=%v", planID, r.tpl.Key, time.Since(startTime))
	return nil
}

// initialize 将计划置为 processing 并清零调用计数
func (p *Pipeline) initialize(ctx context.Context, planID string, from []statemachine.PlanStatus) (*run, error) {
	plan, err := p.plans.Get(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("获取计划失败: %w", err)
	}
	tpl, err := domain.GetTemplate(domain.TemplateKey(plan.TemplateKey))
	if err != nil {
		return nil, err
	}

	current := statemachine.PlanStatus(plan.Status)
	if !containsStatus(from, current) {
		if current == statemachine.PlanStatusCancelled {
			return nil, ErrPlanCancelled
		}
		return nil, &statemachine.InvalidStateTransitionError{Kind: "plan", From: plan.Status, To: string(statemachine.PlanStatusProcessing)}
	}
	if err := p.planSM.Transition(current, statemachine.PlanStatusProcessing, planID); err != nil {
		return nil, err
	}

	summary := buildInputSummary(plan)
	now := time.Now()
	ok, err := p.plans.TransitionStatus(ctx, planID, toStrings(from), string(statemachine.PlanStatusProcessing), map[string]interface{}{
		"total_api_calls": 0,
		"input_summary":   summary,
		"refined_content": "",
		"sources":         "",
		"quality_score":   nil,
		"error_msg":       "",
		"started_at":      &now,
		"completed_at":    nil,
	})
	if err != nil {
		return nil, fmt.Errorf("更新计划状态失败: %w", err)
	}
	if !ok {
		// 读取之后被并发修改，通常是提交后立即取消
		latest, gerr := p.plans.Get(ctx, planID)
		if gerr == nil && latest.Status == string(statemachine.PlanStatusCancelled) {
			return nil, ErrPlanCancelled
		}
		return nil, ErrPlanNotProcessing
	}

	p.appendStageLog(ctx, planID, domain.StepInitialize, model.LogStatusCompleted, 0)
	plan.Status = string(statemachine.PlanStatusProcessing)
	plan.InputSummary = summary
	return &run{plan: plan, tpl: tpl, summary: summary}, nil
}

// ensureActive 每个阶段开始前以及批次之间检查持久化状态
func (p *Pipeline) ensureActive(ctx context.Context, planID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plan, err := p.plans.Get(ctx, planID)
	if err != nil {
		return fmt.Errorf("获取计划失败: %w", err)
	}
	switch statemachine.PlanStatus(plan.Status) {
	case statemachine.PlanStatusProcessing:
		return nil
	case statemachine.PlanStatusCancelled:
		klog.Infof("[Pipeline] 计划已取消，停止生成: planID=%s", planID)
		return ErrPlanCancelled
	default:
		klog.Warningf("[Pipeline] 计划状态已变更，停止生成: planID=%s, status=%s", planID, plan.Status)
		return ErrPlanNotProcessing
	}
}

// fail 将计划标记为失败并返回原错误；计划已被取消时保持 cancelled
func (p *Pipeline) fail(ctx context.Context, planID string, step domain.StepName, cause error) error {
	if errors.Is(cause, ErrPlanCancelled) || errors.Is(cause, ErrPlanNotProcessing) {
		return cause
	}
	klog.Errorf("[Pipeline] 阶段失败: planID=%s, step=%s, err=%v", planID, step, cause)

	writeCtx := context.WithoutCancel(ctx)
	p.appendFailureLog(writeCtx, planID, step, cause)
	ok, err := p.plans.TransitionStatus(writeCtx, planID,
		[]string{string(statemachine.PlanStatusProcessing)},
		string(statemachine.PlanStatusFailed),
		map[string]interface{}{"error_msg": truncateRunes(cause.Error(), 2000)},
	)
	if err != nil {
		klog.Errorf("[Pipeline] 标记计划失败出错: planID=%s, err=%v", planID, err)
	} else if !ok {
		klog.V(6).Infof("[Pipeline] 计划已不在 processing 状态，跳过失败标记: planID=%s", planID)
	}
	return fmt.Errorf("阶段 %s 失败: %w", step, cause)
}

// invoke 返回一次模型调用；每次到达模型的调用都计入 total_api_calls
func (p *Pipeline) invoke(planID, prompt string) func(ctx context.Context, modelName string) (string, error) {
	return func(ctx context.Context, modelName string) (string, error) {
		if err := p.plans.IncrementAPICalls(ctx, planID, 1); err != nil {
			klog.Warningf("[Pipeline] 累加调用计数失败: planID=%s, err=%v", planID, err)
		}
		return p.completer.Complete(ctx, prompt, modelName)
	}
}

// call 在指定阶段下通过重试编排执行一次调用
func (p *Pipeline) call(ctx context.Context, planID string, step domain.StepName, order int, prompt string) (string, error) {
	rc := retry.Context{
		PlanID:    planID,
		StepName:  step,
		StepOrder: order,
		Model:     p.model,
	}
	return retry.Execute(ctx, p.retrier, rc, p.invoke(planID, prompt))
}

func (p *Pipeline) appendStageLog(ctx context.Context, planID string, step domain.StepName, status string, order int) {
	entry := &model.GenerationLog{
		PlanID:    planID,
		StepName:  string(step),
		StepOrder: order,
		Model:     p.model,
		Status:    status,
	}
	if err := p.logs.Append(ctx, entry); err != nil {
		klog.Errorf("[Pipeline] 写入阶段日志失败: planID=%s, step=%s, err=%v", planID, step, err)
	}
}

func (p *Pipeline) appendFailureLog(ctx context.Context, planID string, step domain.StepName, cause error) {
	entry := &model.GenerationLog{
		PlanID:       planID,
		StepName:     string(step),
		Model:        p.model,
		Status:       model.LogStatusFailed,
		ErrorKind:    string(retry.Classify(cause)),
		ErrorMessage: truncateRunes(cause.Error(), 2000),
	}
	var re *retry.RetryExhaustedError
	if errors.As(cause, &re) {
		entry.StepOrder = re.Context.StepOrder
		entry.Model = re.Context.Model
		entry.RetryCount = re.Context.Attempt - 1
	}
	if err := p.logs.Append(ctx, entry); err != nil {
		klog.Errorf("[Pipeline] 写入失败日志出错: planID=%s, step=%s, err=%v", planID, step, err)
	}
}

func containsStatus(list []statemachine.PlanStatus, s statemachine.PlanStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func toStrings(list []statemachine.PlanStatus) []string {
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = string(v)
	}
	return out
}
