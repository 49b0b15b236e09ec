package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/model"
	"gorm.io/gorm"
)

type planRepository struct {
	db *gorm.DB
	notifier
}

func NewPlanRepository(db *gorm.DB, bus *eventbus.PlanEventBus) PlanRepository {
	return &planRepository{db: db, notifier: notifier{bus: bus}}
}

func (r *planRepository) Create(ctx context.Context, plan *model.Plan) error {
	if err := r.db.WithContext(ctx).Create(plan).Error; err != nil {
		return err
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventPlanUpdated, PlanID: plan.ID, Status: plan.Status})
	return nil
}

func (r *planRepository) Get(ctx context.Context, id string) (*model.Plan, error) {
	var plan model.Plan
	err := r.db.WithContext(ctx).First(&plan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &plan, nil
}

func (r *planRepository) GetWithSections(ctx context.Context, id string) (*model.Plan, error) {
	var plan model.Plan
	err := r.db.WithContext(ctx).
		Preload("Sections", func(db *gorm.DB) *gorm.DB {
			return db.Order("sort_order")
		}).
		First(&plan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &plan, nil
}

// List 按创建时间倒序列出计划，owner 为空时不过滤
func (r *planRepository) List(ctx context.Context, owner string, limit int) ([]model.Plan, error) {
	var plans []model.Plan
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&plans).Error
	return plans, err
}

func (r *planRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&model.Plan{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventPlanUpdated, PlanID: id})
	return nil
}

// Delete 删除计划及其章节与日志
func (r *planRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("plan_id = ?", id).Delete(&model.GenerationLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("plan_id = ?", id).Delete(&model.Section{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&model.Plan{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventPlanUpdated, PlanID: id})
	return nil
}

func (r *planRepository) TransitionStatus(ctx context.Context, id string, from []string, to string, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	result := r.db.WithContext(ctx).Model(&model.Plan{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventPlanUpdated, PlanID: id, Status: to})
	return true, nil
}

// IncrementAPICalls 原子累加调用计数，重试的每次调用都单独计数
func (r *planRepository) IncrementAPICalls(ctx context.Context, id string, delta int) error {
	result := r.db.WithContext(ctx).Model(&model.Plan{}).
		Where("id = ?", id).
		UpdateColumn("total_api_calls", gorm.Expr("total_api_calls + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventPlanUpdated, PlanID: id})
	return nil
}

func (r *planRepository) GetStuck(ctx context.Context, timeout time.Duration) ([]model.Plan, error) {
	cutoff := time.Now().Add(-timeout)
	var plans []model.Plan
	err := r.db.WithContext(ctx).Where("status = ? AND started_at < ?", "processing", cutoff).Find(&plans).Error
	return plans, err
}

// MarkStuckFailed 将处理超时的计划标记为失败，便于后续恢复
func (r *planRepository) MarkStuckFailed(ctx context.Context, timeout time.Duration) (int64, error) {
	stuck, err := r.GetStuck(ctx, timeout)
	if err != nil {
		return 0, err
	}
	var affected int64
	for _, p := range stuck {
		ok, err := r.TransitionStatus(ctx, p.ID, []string{"processing"}, "failed", map[string]interface{}{
			"error_msg": fmt.Sprintf("生成超时（超过 %v），已自动标记为失败", timeout),
		})
		if err != nil {
			return affected, err
		}
		if ok {
			affected++
		}
	}
	return affected, nil
}
