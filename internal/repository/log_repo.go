package repository

import (
	"context"
	"errors"

	"github.com/weibaohui/bizplan/internal/eventbus"
	"github.com/weibaohui/bizplan/internal/model"
	"gorm.io/gorm"
)

type logRepository struct {
	db *gorm.DB
	notifier
}

// NewLogRepository 创建生成日志仓储，日志只追加
func NewLogRepository(db *gorm.DB, bus *eventbus.PlanEventBus) LogRepository {
	return &logRepository{db: db, notifier: notifier{bus: bus}}
}

func (r *logRepository) Append(ctx context.Context, entry *model.GenerationLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}
	r.publish(ctx, eventbus.PlanEvent{Type: eventbus.PlanEventLogAppended, PlanID: entry.PlanID, Status: entry.Status})
	return nil
}

// ListRecent 返回最近的日志，按插入顺序倒序
func (r *logRepository) ListRecent(ctx context.Context, planID string, limit int) ([]model.GenerationLog, error) {
	var logs []model.GenerationLog
	q := r.db.WithContext(ctx).Where("plan_id = ?", planID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&logs).Error
	return logs, err
}

// Latest 返回最新一条日志，没有记录时返回 nil
func (r *logRepository) Latest(ctx context.Context, planID string) (*model.GenerationLog, error) {
	var entry model.GenerationLog
	err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
