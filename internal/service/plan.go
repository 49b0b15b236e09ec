package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/model"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service/orchestrator"
	"github.com/weibaohui/bizplan/internal/service/progress"
	"github.com/weibaohui/bizplan/internal/service/statemachine"
	"gorm.io/datatypes"
	"k8s.io/klog/v2"
)

var (
	// ErrPlanNotRecoverable 计划当前状态不能恢复
	ErrPlanNotRecoverable = errors.New("plan is not recoverable in its current status")
	// ErrSectionNotRegenerable 章节当前状态不能重新生成
	ErrSectionNotRegenerable = errors.New("section cannot be regenerated in its current status")
	// ErrInvalidTemplate 模板不存在
	ErrInvalidTemplate = errors.New("invalid template key")
)

// JobEnqueuer 作业入队能力，由 orchestrator 实现
type JobEnqueuer interface {
	EnqueueJob(job *orchestrator.Job) error
}

// SubmitRequest 生成请求
type SubmitRequest struct {
	TemplateKey domain.TemplateKey  `json:"template_key" yaml:"template_key"`
	Answers     domain.Answers      `json:"answers" yaml:"answers"`
	Attachments []domain.Attachment `json:"attachments,omitempty" yaml:"attachments"`
	ExtraNotes  string              `json:"extra_notes,omitempty" yaml:"extra_notes"`
	Owner       string              `json:"-" yaml:"-"`
}

// PlanService 计划生成的对外入口：提交、查询、取消、恢复与章节重新生成
type PlanService struct {
	cfg      *config.Config
	plans    repository.PlanRepository
	sections repository.SectionRepository
	tracker  *progress.Tracker
	jobs     JobEnqueuer
	planSM   *statemachine.PlanStateMachine
}

func NewPlanService(
	cfg *config.Config,
	plans repository.PlanRepository,
	sections repository.SectionRepository,
	tracker *progress.Tracker,
	jobs JobEnqueuer,
) *PlanService {
	return &PlanService{
		cfg:      cfg,
		plans:    plans,
		sections: sections,
		tracker:  tracker,
		jobs:     jobs,
		planSM:   statemachine.NewPlanStateMachine(),
	}
}

// Templates 模板目录
func (s *PlanService) Templates() []domain.Template {
	return domain.Templates()
}

// Create 校验请求并创建 pending 计划，不触发生成
func (s *PlanService) Create(ctx context.Context, req SubmitRequest) (*model.Plan, error) {
	if !domain.IsValidTemplate(req.TemplateKey) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTemplate, req.TemplateKey)
	}
	if err := req.Answers.Validate(); err != nil {
		return nil, err
	}

	attachments := req.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	plan := &model.Plan{
		ID:          uuid.NewString(),
		Owner:       req.Owner,
		TemplateKey: string(req.TemplateKey),
		Status:      string(statemachine.PlanStatusPending),
		Answers:     datatypes.NewJSONType(req.Answers),
		Attachments: datatypes.NewJSONType(attachments),
		ExtraNotes:  req.ExtraNotes,
	}
	if err := s.plans.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("创建计划失败: %w", err)
	}
	return plan, nil
}

// Submit 创建计划并异步启动生成，立即返回计划ID
func (s *PlanService) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	plan, err := s.Create(ctx, req)
	if err != nil {
		return "", err
	}

	if err := s.jobs.EnqueueJob(orchestrator.NewGenerateJob(plan.ID)); err != nil {
		// 未能入队的计划不会被执行，直接删除避免残留 pending 记录
		if derr := s.plans.Delete(context.WithoutCancel(ctx), plan.ID); derr != nil {
			klog.Errorf("删除未入队计划失败: planID=%s, err=%v", plan.ID, derr)
		}
		return "", fmt.Errorf("提交生成作业失败: %w", err)
	}
	klog.V(6).Infof("计划已提交: planID=%s, template=%s, owner=%s", plan.ID, plan.TemplateKey, plan.Owner)
	return plan.ID, nil
}

func (s *PlanService) Get(ctx context.Context, id string) (*model.Plan, error) {
	return s.plans.GetWithSections(ctx, id)
}

func (s *PlanService) List(ctx context.Context, owner string, limit int) ([]model.Plan, error) {
	return s.plans.List(ctx, owner, limit)
}

// GetProgress 轮询进度
func (s *PlanService) GetProgress(ctx context.Context, id string) (*progress.Snapshot, error) {
	return s.tracker.GetSnapshot(ctx, id)
}

// SubscribeProgress 推送进度
func (s *PlanService) SubscribeProgress(ctx context.Context, id string) (<-chan *progress.Snapshot, error) {
	return s.tracker.Subscribe(ctx, id)
}

// Cancel 取消未结束的计划，执行中的批次会跑完，之后不再进入新阶段
func (s *PlanService) Cancel(ctx context.Context, id string) (bool, error) {
	return s.tracker.Cancel(ctx, id)
}

// Recover 将失败或已取消的计划从头重新生成；force 时也允许已完成的计划
func (s *PlanService) Recover(ctx context.Context, id string, force bool) error {
	plan, err := s.plans.Get(ctx, id)
	if err != nil {
		return err
	}

	status := statemachine.PlanStatus(plan.Status)
	allowed := status == statemachine.PlanStatusFailed || status == statemachine.PlanStatusCancelled ||
		(force && status == statemachine.PlanStatusCompleted)
	if !allowed {
		return fmt.Errorf("%w: %s", ErrPlanNotRecoverable, plan.Status)
	}
	if err := s.planSM.ValidateTransition(status, statemachine.PlanStatusProcessing); err != nil {
		return err
	}

	if err := s.jobs.EnqueueJob(orchestrator.NewRecoverJob(id, force)); err != nil {
		return fmt.Errorf("提交恢复作业失败: %w", err)
	}
	klog.V(6).Infof("计划恢复已提交: planID=%s, from=%s, force=%v", id, plan.Status, force)
	return nil
}

// RegenerateSection 标记章节为 regenerating 并提交重新生成作业
func (s *PlanService) RegenerateSection(ctx context.Context, planID string, sectionID uint) error {
	ok, err := s.tracker.RegenerateSection(ctx, planID, sectionID)
	if err != nil {
		return err
	}
	if !ok {
		// 已处于 regenerating（例如上次入队失败）时允许重新提交作业
		sec, gerr := s.sections.Get(ctx, sectionID)
		if gerr != nil || sec.Status != string(statemachine.SectionStatusRegenerating) {
			return ErrSectionNotRegenerable
		}
	}

	if err := s.jobs.EnqueueJob(orchestrator.NewRegenerateJob(planID, sectionID)); err != nil {
		return fmt.Errorf("提交章节重新生成作业失败: %w", err)
	}
	return nil
}

// CleanupStuckPlans 将处理时间超过 timeout 的计划标记为失败，timeout<=0 时使用配置值
func (s *PlanService) CleanupStuckPlans(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = s.cfg.Pipeline.StuckTimeout()
	}
	affected, err := s.plans.MarkStuckFailed(ctx, timeout)
	if err != nil {
		return affected, fmt.Errorf("清理卡住的计划失败: %w", err)
	}
	if affected > 0 {
		klog.Infof("已将 %d 个卡住的计划标记为失败: timeout=%v", affected, timeout)
	}
	return affected, nil
}
