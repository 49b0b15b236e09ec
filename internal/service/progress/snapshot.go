package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/model"
	"github.com/weibaohui/bizplan/internal/service/statemachine"
)

// 终止态与等待态的固定标签
const (
	LabelPending   = "Waiting to start"
	LabelCompleted = "Generation completed"
	LabelFailed    = "Generation failed"
	LabelCancelled = "Generation cancelled"
	LabelPreparing = "Preparing"
)

// SectionSummary 章节进度摘要
type SectionSummary struct {
	ID     uint   `json:"id"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Order  int    `json:"order"`
	Status string `json:"status"`
	Chars  int    `json:"chars"`
}

// LogSummary 对外展示的日志条目，不包含堆栈
type LogSummary struct {
	StepName     string    `json:"step_name"`
	StepOrder    int       `json:"step_order"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot 某一时刻的计划进度
// CompletedSteps 按调用次数计，ProgressPercentage 按章节数计，两者刻度不同
type Snapshot struct {
	PlanID                    string           `json:"plan_id"`
	TemplateKey               string           `json:"template_key"`
	Status                    string           `json:"status"`
	CurrentStepLabel          string           `json:"current_step_label"`
	TotalSteps                int              `json:"total_steps"`
	CompletedSteps            int              `json:"completed_steps"`
	ProgressPercentage        int              `json:"progress_percentage"`
	EstimatedMinutesRemaining int              `json:"estimated_minutes_remaining"`
	CompletedSections         int              `json:"completed_sections"`
	TotalSections             int              `json:"total_sections"`
	QualityScore              *int             `json:"quality_score,omitempty"`
	ErrorKind                 string           `json:"error_kind,omitempty"`
	ErrorMessage              string           `json:"error_message,omitempty"`
	Sections                  []SectionSummary `json:"sections"`
	RecentLogs                []LogSummary     `json:"recent_logs"`
	UpdatedAt                 time.Time        `json:"updated_at"`
}

// IsTerminal 快照对应的计划是否已结束
func (s *Snapshot) IsTerminal() bool {
	return statemachine.IsTerminal(statemachine.PlanStatus(s.Status))
}

// build 由存储状态计算快照，logs 为按插入顺序倒序的最近日志
func build(plan *model.Plan, sections []model.Section, logs []model.GenerationLog, totalSteps, nominalMinutes int) *Snapshot {
	snap := &Snapshot{
		PlanID:         plan.ID,
		TemplateKey:    plan.TemplateKey,
		Status:         plan.Status,
		TotalSteps:     totalSteps,
		CompletedSteps: plan.TotalAPICalls,
		QualityScore:   plan.QualityScore,
		Sections:       make([]SectionSummary, 0, len(sections)),
		RecentLogs:     make([]LogSummary, 0, len(logs)),
		UpdatedAt:      plan.UpdatedAt,
	}

	for _, s := range sections {
		chars := 0
		if s.Content != nil {
			chars = len([]rune(*s.Content))
		}
		if s.Status == string(statemachine.SectionStatusCompleted) {
			snap.CompletedSections++
		}
		snap.Sections = append(snap.Sections, SectionSummary{
			ID:     s.ID,
			Code:   s.Code,
			Title:  s.Title,
			Order:  s.SortOrder,
			Status: s.Status,
			Chars:  chars,
		})
	}
	snap.TotalSections = len(sections)
	snap.ProgressPercentage = percentage(snap.CompletedSections, snap.TotalSections)

	for _, l := range logs {
		snap.RecentLogs = append(snap.RecentLogs, LogSummary{
			StepName:     l.StepName,
			StepOrder:    l.StepOrder,
			Model:        l.Model,
			Status:       l.Status,
			DurationMs:   l.DurationMs,
			ErrorKind:    l.ErrorKind,
			ErrorMessage: l.ErrorMessage,
			RetryCount:   l.RetryCount,
			CreatedAt:    l.CreatedAt,
		})
	}

	var latest *model.GenerationLog
	if len(logs) > 0 {
		latest = &logs[0]
	}
	snap.CurrentStepLabel = currentStepLabel(statemachine.PlanStatus(plan.Status), latest, sections, snap.CompletedSections)
	snap.EstimatedMinutesRemaining = estimateMinutes(statemachine.PlanStatus(plan.Status), nominalMinutes, snap.CompletedSections, snap.TotalSections)

	if plan.Status == string(statemachine.PlanStatusFailed) {
		snap.ErrorKind, snap.ErrorMessage = lastError(logs)
		if snap.ErrorMessage == "" {
			snap.ErrorMessage = plan.ErrorMsg
		}
	}
	return snap
}

func percentage(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}

// currentStepLabel 优先级：固定状态标签 > 最新日志的阶段名 > 生成中的章节 > 章节完成数
func currentStepLabel(status statemachine.PlanStatus, latest *model.GenerationLog, sections []model.Section, completed int) string {
	switch status {
	case statemachine.PlanStatusPending:
		return LabelPending
	case statemachine.PlanStatusFailed:
		return LabelFailed
	case statemachine.PlanStatusCompleted:
		return LabelCompleted
	case statemachine.PlanStatusCancelled:
		return LabelCancelled
	}

	if latest != nil {
		if name, ok := domain.StepDisplayNames[domain.StepName(latest.StepName)]; ok {
			return name
		}
	}
	for _, s := range sections {
		if s.Status == string(statemachine.SectionStatusGenerating) {
			return s.Title
		}
	}
	if len(sections) > 0 {
		return fmt.Sprintf("%d/%d sections done", completed, len(sections))
	}
	return LabelPreparing
}

// estimateMinutes 名义总时长按剩余章节比例缩放，已有章节完成后至少 1 分钟
func estimateMinutes(status statemachine.PlanStatus, nominal, completed, total int) int {
	if statemachine.IsTerminal(status) {
		return 0
	}
	if completed == 0 || total == 0 {
		return nominal
	}
	remaining := int(math.Round(float64(nominal) * float64(total-completed) / float64(total)))
	if remaining < 1 {
		return 1
	}
	return remaining
}

// lastError 取最近一条失败日志的分类与信息
func lastError(logs []model.GenerationLog) (string, string) {
	for _, l := range logs {
		if l.Status == model.LogStatusFailed && l.ErrorMessage != "" {
			return l.ErrorKind, l.ErrorMessage
		}
	}
	return "", ""
}
