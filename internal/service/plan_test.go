package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/model"
	"github.com/weibaohui/bizplan/internal/pkg/database"
	"github.com/weibaohui/bizplan/internal/pkg/llm"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service/orchestrator"
	"github.com/weibaohui/bizplan/internal/service/pipeline"
	"github.com/weibaohui/bizplan/internal/service/progress"
	"github.com/weibaohui/bizplan/internal/service/retry"
	"github.com/weibaohui/bizplan/internal/service/statemachine"
)

type mockEnqueuer struct {
	EnqueueFunc func(job *orchestrator.Job) error
	jobs        []*orchestrator.Job
}

func (m *mockEnqueuer) EnqueueJob(job *orchestrator.Job) error {
	if m.EnqueueFunc != nil {
		if err := m.EnqueueFunc(job); err != nil {
			return err
		}
	}
	m.jobs = append(m.jobs, job)
	return nil
}

type mockRunner struct {
	calls []string
}

func (m *mockRunner) ExecuteGeneration(ctx context.Context, planID string) error {
	m.calls = append(m.calls, "generate:"+planID)
	return nil
}

func (m *mockRunner) Recover(ctx context.Context, planID string, force bool) error {
	if force {
		m.calls = append(m.calls, "recover-force:"+planID)
	} else {
		m.calls = append(m.calls, "recover:"+planID)
	}
	return nil
}

func (m *mockRunner) RegenerateSection(ctx context.Context, planID string, sectionID uint) error {
	m.calls = append(m.calls, "regenerate:"+planID)
	return nil
}

func (m *mockRunner) Abandon(ctx context.Context, planID string, cause error) error {
	m.calls = append(m.calls, "abandon:"+planID)
	return nil
}

type serviceEnv struct {
	plans    repository.PlanRepository
	sections repository.SectionRepository
	jobs     *mockEnqueuer
	pipeline *pipeline.Pipeline
	service  *PlanService
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	db, err := database.InitDB("sqlite", ":memory:")
	require.NoError(t, err)
	bus := eventbus.NewPlanEventBus()
	cfg := config.Default()
	cfg.Pipeline.InterBatchDelayMs = 0

	plans := repository.NewPlanRepository(db, bus)
	sections := repository.NewSectionRepository(db, bus)
	logs := repository.NewLogRepository(db, bus)
	tracker := progress.NewTracker(plans, sections, logs, bus, cfg.Pipeline)

	completer := llm.CompleterFunc(func(ctx context.Context, prompt, model string) (string, error) {
		if strings.HasPrefix(prompt, "Assess the quality") {
			return "91", nil
		}
		return "generated text", nil
	})
	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	retrier := retry.NewOrchestrator(logs, retry.WithSleeper(noSleep))

	env := &serviceEnv{
		plans:    plans,
		sections: sections,
		jobs:     &mockEnqueuer{},
		pipeline: pipeline.New(plans, sections, logs, completer, retrier, cfg.Pipeline, cfg.LLM.Model, pipeline.WithSleeper(noSleep)),
	}
	env.service = NewPlanService(cfg, plans, sections, tracker, env.jobs)
	return env
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		TemplateKey: domain.TemplateLoan,
		Owner:       "user-1",
		Answers: domain.Answers{
			CompanyName: "Nordic Saunas", Industry: "wellness", Problem: "p", Solution: "s",
			TargetMarket: "m", BusinessModel: "b", Team: "t", FundingNeeds: "f",
		},
	}
}

func TestSubmitEnqueuesGenerateJob(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	id, err := env.service.Submit(ctx, validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Len(t, env.jobs.jobs, 1)
	assert.Equal(t, orchestrator.JobGenerate, env.jobs.jobs[0].Kind)
	assert.Equal(t, id, env.jobs.jobs[0].PlanID)

	plan, err := env.service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pending", plan.Status)
	assert.Equal(t, "user-1", plan.Owner)
	assert.Equal(t, "Nordic Saunas", plan.Answers.Data().CompanyName)

	snap, err := env.service.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, progress.LabelPending, snap.CurrentStepLabel)
	assert.Equal(t, 10, snap.EstimatedMinutesRemaining)
}

func TestSubmitValidation(t *testing.T) {
	env := newServiceEnv(t)

	req := validRequest()
	req.TemplateKey = "franchise"
	_, err := env.service.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidTemplate)

	req = validRequest()
	req.Answers.Team = ""
	_, err = env.service.Submit(context.Background(), req)
	var missing *domain.MissingAnswersError
	assert.True(t, errors.As(err, &missing))
	assert.Empty(t, env.jobs.jobs)
}

func TestSubmitQueueFullRemovesPlan(t *testing.T) {
	env := newServiceEnv(t)
	env.jobs.EnqueueFunc = func(job *orchestrator.Job) error { return orchestrator.ErrQueueFull }

	_, err := env.service.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, orchestrator.ErrQueueFull)

	plans, err := env.service.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestSubmitThroughExecutorCompletesPlan(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	id, err := env.service.Submit(ctx, validRequest())
	require.NoError(t, err)

	executor := NewPlanJobExecutor(env.pipeline)
	require.NoError(t, executor.ExecuteJob(ctx, env.jobs.jobs[0]))

	snap, err := env.service.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", snap.Status)
	assert.Equal(t, 100, snap.ProgressPercentage)
	assert.Equal(t, 3+12+1+2+10+3, snap.CompletedSteps)
	require.NotNil(t, snap.QualityScore)
	assert.Equal(t, 91, *snap.QualityScore)

	// 已完成的计划需要 force 才能重新生成
	err = env.service.Recover(ctx, id, false)
	assert.ErrorIs(t, err, ErrPlanNotRecoverable)
	require.NoError(t, env.service.Recover(ctx, id, true))
	assert.Equal(t, orchestrator.JobRecover, env.jobs.jobs[1].Kind)
	assert.True(t, env.jobs.jobs[1].Force)

	// 章节重新生成
	plan, err := env.service.Get(ctx, id)
	require.NoError(t, err)
	sectionID := plan.Sections[2].ID
	require.NoError(t, env.service.RegenerateSection(ctx, id, sectionID))
	job := env.jobs.jobs[2]
	assert.Equal(t, orchestrator.JobRegenerate, job.Kind)
	assert.Equal(t, sectionID, job.SectionID)

	require.NoError(t, executor.ExecuteJob(ctx, job))
	sec, err := env.sections.Get(ctx, sectionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", sec.Status)
}

func TestRecoverRejectsRunningPlan(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	plan, err := env.service.Create(ctx, validRequest())
	require.NoError(t, err)

	err = env.service.Recover(ctx, plan.ID, false)
	assert.ErrorIs(t, err, ErrPlanNotRecoverable)

	ok, err := env.service.Cancel(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, env.service.Recover(ctx, plan.ID, false))

	assert.ErrorIs(t, env.service.Recover(ctx, "missing", false), repository.ErrNotFound)
}

func TestRegenerateSectionRequeuesWhenAlreadyRegenerating(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	plan, err := env.service.Create(ctx, validRequest())
	require.NoError(t, err)
	require.NoError(t, env.sections.CreateBatch(ctx, []model.Section{
		{PlanID: plan.ID, Code: "a", Title: "A", SortOrder: 1, Status: "pending"},
	}))
	sections, err := env.sections.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)

	// pending 章节不能重新生成
	assert.ErrorIs(t, env.service.RegenerateSection(ctx, plan.ID, sections[0].ID), ErrSectionNotRegenerable)

	sec := sections[0]
	require.NoError(t, env.sections.Transition(ctx, &sec, "generating", nil))
	require.NoError(t, env.sections.Transition(ctx, &sec, "failed", nil))

	env.jobs.EnqueueFunc = func(job *orchestrator.Job) error { return orchestrator.ErrQueueFull }
	assert.ErrorIs(t, env.service.RegenerateSection(ctx, plan.ID, sec.ID), orchestrator.ErrQueueFull)

	env.jobs.EnqueueFunc = nil
	require.NoError(t, env.service.RegenerateSection(ctx, plan.ID, sec.ID))
	require.Len(t, env.jobs.jobs, 1)
}

func TestCleanupStuckPlans(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	plan, err := env.service.Create(ctx, validRequest())
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	_, err = env.plans.TransitionStatus(ctx, plan.ID, []string{"pending"}, "processing", map[string]interface{}{"started_at": &old})
	require.NoError(t, err)

	affected, err := env.service.CleanupStuckPlans(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	got, err := env.plans.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, string(statemachine.PlanStatusFailed), got.Status)
}

func TestPlanJobExecutorDispatch(t *testing.T) {
	runner := &mockRunner{}
	executor := NewPlanJobExecutor(runner)
	ctx := context.Background()

	require.NoError(t, executor.ExecuteJob(ctx, orchestrator.NewGenerateJob("a")))
	require.NoError(t, executor.ExecuteJob(ctx, orchestrator.NewRecoverJob("b", false)))
	require.NoError(t, executor.ExecuteJob(ctx, orchestrator.NewRecoverJob("c", true)))
	require.NoError(t, executor.ExecuteJob(ctx, orchestrator.NewRegenerateJob("d", 1)))
	assert.Equal(t, []string{"generate:a", "recover:b", "recover-force:c", "regenerate:d"}, runner.calls)

	assert.Error(t, executor.ExecuteJob(ctx, &orchestrator.Job{Kind: "unknown"}))
}

func TestAbandonedGenerateJobLeavesPlanRecoverable(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()
	executor := NewPlanJobExecutor(env.pipeline)

	id, err := env.service.Submit(ctx, validRequest())
	require.NoError(t, err)
	executor.AbandonJob(ctx, env.jobs.jobs[0], orchestrator.ErrPlanLocked)

	plan, err := env.plans.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", plan.Status)
	assert.Contains(t, plan.ErrorMsg, "never scheduled")

	require.NoError(t, env.service.Recover(ctx, id, false))
	// 恢复作业被放弃时计划保持 failed，可以再次提交
	executor.AbandonJob(ctx, env.jobs.jobs[1], orchestrator.ErrPlanLocked)
	plan, err = env.plans.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failed", plan.Status)

	require.NoError(t, executor.ExecuteJob(ctx, env.jobs.jobs[1]))
	plan, err = env.plans.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", plan.Status)
}
