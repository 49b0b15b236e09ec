package model

import (
	"time"

	"github.com/weibaohui/bizplan/internal/domain"
	"gorm.io/datatypes"
)

// Plan 一次商业计划书生成任务
type Plan struct {
	ID                 string                                 `json:"id" gorm:"primaryKey;size:36"`
	Owner              string                                 `json:"owner" gorm:"size:255;index"`
	TemplateKey        string                                 `json:"template_key" gorm:"size:50;not null"`
	Status             string                                 `json:"status" gorm:"size:20;default:pending;index"` // pending, processing, completed, failed, cancelled
	Answers            datatypes.JSONType[domain.Answers]     `json:"answers"`
	Attachments        datatypes.JSONType[[]domain.Attachment] `json:"attachments"`
	ExtraNotes         string                                 `json:"extra_notes" gorm:"type:text"`
	InputSummary       string                                 `json:"input_summary" gorm:"type:text"`
	RefinedContent     string                                 `json:"refined_content" gorm:"type:text"`
	CitationCategories string                                 `json:"citation_categories" gorm:"type:text"`
	Sources            string                                 `json:"sources" gorm:"type:text"`
	ChartData          datatypes.JSON                         `json:"chart_data"`
	TotalAPICalls      int                                    `json:"total_api_calls" gorm:"default:0"`
	QualityScore       *int                                   `json:"quality_score"`
	ErrorMsg           string                                 `json:"error_msg" gorm:"size:2000"`
	StartedAt          *time.Time                             `json:"started_at"`
	CompletedAt        *time.Time                             `json:"completed_at"`
	CreatedAt          time.Time                              `json:"created_at"`
	UpdatedAt          time.Time                              `json:"updated_at"`
	Sections           []Section                              `json:"sections,omitempty" gorm:"foreignKey:PlanID"`
}

// Section 文档中的一个章节
type Section struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	PlanID    string    `json:"plan_id" gorm:"size:36;index;not null"`
	Code      string    `json:"code" gorm:"size:100;not null"`
	Title     string    `json:"title" gorm:"size:255;not null"`
	SortOrder int       `json:"order" gorm:"not null"`
	MinChars  int       `json:"min_chars"`
	MaxChars  int       `json:"max_chars"`
	Status    string    `json:"status" gorm:"size:20;default:pending"` // pending, generating, completed, failed, regenerating
	Content   *string   `json:"content" gorm:"type:text"`
	Version   int       `json:"version" gorm:"default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenerationLog 流水线一次操作尝试的审计记录，只追加不修改
type GenerationLog struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	PlanID       string    `json:"plan_id" gorm:"size:36;index:idx_generation_logs_plan_step;not null"`
	StepName     string    `json:"step_name" gorm:"size:50;index:idx_generation_logs_plan_step;not null"`
	StepOrder    int       `json:"step_order"`
	Model        string    `json:"model" gorm:"size:100"`
	Status       string    `json:"status" gorm:"size:20;not null"` // pending, running, completed, failed, retrying
	DurationMs   int64     `json:"duration_ms"`
	ErrorKind    string    `json:"error_kind,omitempty" gorm:"size:30"`
	ErrorMessage string    `json:"error_message,omitempty" gorm:"size:2000"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}

// TableName 指定表名
func (GenerationLog) TableName() string {
	return "generation_logs"
}

const (
	LogStatusPending   = "pending"
	LogStatusRunning   = "running"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
	LogStatusRetrying  = "retrying"
)
