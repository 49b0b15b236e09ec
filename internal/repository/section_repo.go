package repository

import (
	"context"
	"errors"

	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/model"
	"gorm.io/gorm"
)

type sectionRepository struct {
	db *gorm.DB
	notifier
}

func NewSectionRepository(db *gorm.DB, bus *eventbus.PlanEventBus) SectionRepository {
	return &sectionRepository{db: db, notifier: notifier{bus: bus}}
}

func (r *sectionRepository) CreateBatch(ctx context.Context, sections []model.Section) error {
	if len(sections) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&sections).Error; err != nil {
		return err
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventSectionUpdated, PlanID: sections[0].PlanID, Status: sections[0].Status})
	return nil
}

func (r *sectionRepository) ListByPlan(ctx context.Context, planID string) ([]model.Section, error) {
	var sections []model.Section
	err := r.db.WithContext(ctx).Where("plan_id = ?", planID).Order("sort_order").Find(&sections).Error
	return sections, err
}

func (r *sectionRepository) Get(ctx context.Context, id uint) (*model.Section, error) {
	var section model.Section
	err := r.db.WithContext(ctx).First(&section, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &section, nil
}

func (r *sectionRepository) Transition(ctx context.Context, section *model.Section, to string, content *string) error {
	result := r.db.WithContext(ctx).Model(&model.Section{}).
		Where("id = ? AND status = ? AND version = ?", section.ID, section.Status, section.Version).
		Updates(map[string]interface{}{
			"status":  to,
			"content": content,
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	section.Status = to
	section.Content = content
	section.Version++
	r.publish(ctx, eventbus.PlanEvent{
		Type:      eventbus.PlanEventSectionUpdated,
		PlanID:    section.PlanID,
		SectionID: section.ID,
		Status:    to,
	})
	return nil
}

func (r *sectionRepository) DeleteByPlan(ctx context.Context, planID string) error {
	if err := r.db.WithContext(ctx).Where("plan_id = ?", planID).Delete(&model.Section{}).Error; err != nil {
		return err
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventSectionUpdated, PlanID: planID})
	return nil
}

func (r *sectionRepository) CountByStatus(ctx context.Context, planID string) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.Section{}).
		Select("status, COUNT(*) as count").
		Where("plan_id = ?", planID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := make(map[string]int64, len(rows))
	for _, row := range rows {
		stats[row.Status] = row.Count
	}
	return stats, nil
}
