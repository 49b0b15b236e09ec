package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/weibaohui/bizplan/config"
	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service/pipeline"
	"github.com/weibaohui/bizplan/internal/service/statemachine"
	"k8s.io/klog/v2"
)

// recentLogLimit 快照中携带的最近日志条数
const recentLogLimit = 20

// Tracker 从存储状态推导计划进度，并在存储变更时推送新快照
type Tracker struct {
	plans    repository.PlanRepository
	sections repository.SectionRepository
	logs     repository.LogRepository
	bus      *eventbus.PlanEventBus

	planSM    *statemachine.PlanStateMachine
	sectionSM *statemachine.SectionStateMachine

	totalSteps     int
	nominalMinutes int
}

func NewTracker(
	plans repository.PlanRepository,
	sections repository.SectionRepository,
	logs repository.LogRepository,
	bus *eventbus.PlanEventBus,
	cfg config.PipelineConfig,
) *Tracker {
	totalSteps := cfg.TotalSteps
	if totalSteps <= 0 {
		totalSteps = 40
	}
	nominal := cfg.NominalMinutes
	if nominal <= 0 {
		nominal = 10
	}
	return &Tracker{
		plans:          plans,
		sections:       sections,
		logs:           logs,
		bus:            bus,
		planSM:         statemachine.NewPlanStateMachine(),
		sectionSM:      statemachine.NewSectionStateMachine(),
		totalSteps:     totalSteps,
		nominalMinutes: nominal,
	}
}

// GetSnapshot 读取计划当前进度
func (t *Tracker) GetSnapshot(ctx context.Context, planID string) (*Snapshot, error) {
	plan, err := t.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	sections, err := t.sections.ListByPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("读取章节失败: %w", err)
	}
	logs, err := t.logs.ListRecent(ctx, planID, recentLogLimit)
	if err != nil {
		return nil, fmt.Errorf("读取生成日志失败: %w", err)
	}
	return build(plan, sections, logs, t.totalSteps, t.nominalMinutes), nil
}

// Subscribe 返回快照流：先推送当前快照，之后每次计划、章节或日志变更都重新计算一次
// 连续的多次变更会合并为一次推送；ctx 结束时关闭通道
func (t *Tracker) Subscribe(ctx context.Context, planID string) (<-chan *Snapshot, error) {
	// 容量为 1：未消费的变更信号只保留一个
	dirty := make(chan struct{}, 1)
	// 先注册再读取首个快照，读取期间发生的变更会留下信号触发重新计算
	unsubscribe := eventbus.SubscribeAll(t.bus, func(_ context.Context, event eventbus.PlanEvent) error {
		if event.PlanID != planID {
			return nil
		}
		select {
		case dirty <- struct{}{}:
		default:
		}
		return nil
	})

	first, err := t.GetSnapshot(ctx, planID)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan *Snapshot)
	go func() {
		defer close(out)
		defer unsubscribe()

		if !send(ctx, out, first) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
			}
			snap, err := t.GetSnapshot(ctx, planID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, repository.ErrNotFound) {
					klog.V(6).Infof("[Progress] 计划已删除，结束订阅: planID=%s", planID)
					return
				}
				klog.Warningf("[Progress] 重新计算进度失败: planID=%s, err=%v", planID, err)
				continue
			}
			if !send(ctx, out, snap) {
				return
			}
		}
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- *Snapshot, snap *Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// Cancel 将未结束的计划置为 cancelled；已结束时返回 false
// 只修改状态，正在执行的调用不会被打断
func (t *Tracker) Cancel(ctx context.Context, planID string) (bool, error) {
	plan, err := t.plans.Get(ctx, planID)
	if err != nil {
		return false, err
	}
	if err := t.planSM.Transition(statemachine.PlanStatus(plan.Status), statemachine.PlanStatusCancelled, planID); err != nil {
		return false, nil
	}
	ok, err := t.plans.TransitionStatus(ctx, planID,
		t.planSM.SourcesOf(statemachine.PlanStatusCancelled),
		string(statemachine.PlanStatusCancelled),
		nil,
	)
	if err != nil {
		return false, fmt.Errorf("取消计划失败: %w", err)
	}
	if ok {
		klog.Infof("[Progress] 计划已取消: planID=%s", planID)
	}
	return ok, nil
}

// RegenerateSection 将章节标记为 regenerating 并清空内容，实际生成由调用方另行触发
// 章节当前状态不允许重新生成时返回 false
func (t *Tracker) RegenerateSection(ctx context.Context, planID string, sectionID uint) (bool, error) {
	plan, err := t.plans.Get(ctx, planID)
	if err != nil {
		return false, err
	}
	if plan.Status == string(statemachine.PlanStatusProcessing) {
		return false, pipeline.ErrPlanBusy
	}

	sec, err := t.sections.Get(ctx, sectionID)
	if err != nil {
		return false, err
	}
	if sec.PlanID != planID {
		return false, repository.ErrNotFound
	}
	if err := t.sectionSM.Transition(statemachine.SectionStatus(sec.Status), statemachine.SectionStatusRegenerating, sec.ID); err != nil {
		return false, nil
	}
	if err := t.sections.Transition(ctx, sec, string(statemachine.SectionStatusRegenerating), nil); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return false, nil
		}
		return false, fmt.Errorf("标记章节重新生成失败: %w", err)
	}
	return true, nil
}
