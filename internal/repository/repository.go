package repository

import (
	"context"
	"errors"
	"time"

	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/model"
	"k8s.io/klog/v2"
)

// ErrNotFound 记录不存在错误
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict 章节已被其他写入方修改
var ErrVersionConflict = errors.New("section was modified concurrently")

type PlanRepository interface {
	Create(ctx context.Context, plan *model.Plan) error
	Get(ctx context.Context, id string) (*model.Plan, error)
	GetWithSections(ctx context.Context, id string) (*model.Plan, error)
	List(ctx context.Context, owner string, limit int) ([]model.Plan, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	Delete(ctx context.Context, id string) error
	// TransitionStatus 仅当当前状态属于 from 时才更新为 to，返回是否发生了更新
	TransitionStatus(ctx context.Context, id string, from []string, to string, fields map[string]interface{}) (bool, error)
	IncrementAPICalls(ctx context.Context, id string, delta int) error
	GetStuck(ctx context.Context, timeout time.Duration) ([]model.Plan, error)
	MarkStuckFailed(ctx context.Context, timeout time.Duration) (int64, error)
}

type SectionRepository interface {
	CreateBatch(ctx context.Context, sections []model.Section) error
	ListByPlan(ctx context.Context, planID string) ([]model.Section, error)
	Get(ctx context.Context, id uint) (*model.Section, error)
	// Transition 以 status+version 作为乐观锁写入新状态与内容，成功后原地更新 section
	Transition(ctx context.Context, section *model.Section, to string, content *string) error
	DeleteByPlan(ctx context.Context, planID string) error
	CountByStatus(ctx context.Context, planID string) (map[string]int64, error)
}

type LogRepository interface {
	Append(ctx context.Context, entry *model.GenerationLog) error
	ListRecent(ctx context.Context, planID string, limit int) ([]model.GenerationLog, error)
	Latest(ctx context.Context, planID string) (*model.GenerationLog, error)
}

// notifier 在写入成功后发布变更通知；bus 为空时不发布
type notifier struct {
	bus *eventbus.PlanEventBus
}

func (n notifier) publish(ctx context.Context, event eventbus.PlanEvent) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Publish(ctx, event); err != nil {
		klog.Warningf("变更通知处理失败: type=%s, planID=%s, err=%v", event.Type, event.PlanID, err)
	}
}
