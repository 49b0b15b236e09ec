package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/service/progress"
)

// renderBar 以章节完成百分比驱动进度条，描述显示当前阶段
func renderBar(updates <-chan *progress.Snapshot) {
	bar := progressbar.Default(100, progress.LabelPending)
	for snap := range updates {
		bar.Describe(snap.CurrentStepLabel)
		_ = bar.Set(snap.ProgressPercentage)
		if snap.IsTerminal() {
			break
		}
	}
	_ = bar.Finish()
	// 取消订阅前排空通道，避免推送协程阻塞
	for range updates {
	}
}

func printSnapshot(w io.Writer, snap *progress.Snapshot) {
	fmt.Fprintf(w, "Plan:      %s (%s)\n", snap.PlanID, snap.TemplateKey)
	fmt.Fprintf(w, "Status:    %s\n", snap.Status)
	fmt.Fprintf(w, "Step:      %s\n", snap.CurrentStepLabel)
	fmt.Fprintf(w, "Progress:  %d%% (%d/%d sections, %d/%d calls)\n",
		snap.ProgressPercentage, snap.CompletedSections, snap.TotalSections, snap.CompletedSteps, snap.TotalSteps)
	if !snap.IsTerminal() {
		fmt.Fprintf(w, "ETA:       ~%d min\n", snap.EstimatedMinutesRemaining)
	}
	if snap.QualityScore != nil {
		fmt.Fprintf(w, "Quality:   %d\n", *snap.QualityScore)
	}
	if snap.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:     [%s] %s\n", snap.ErrorKind, snap.ErrorMessage)
	}
	for _, s := range snap.Sections {
		fmt.Fprintf(w, "  %-3d %-40s %s\n", s.Order, s.Title, s.Status)
	}
}

func printTemplates(w io.Writer, templates []domain.Template) {
	for _, t := range templates {
		extra := ""
		if t.DeepVerification {
			extra = ", policy verification"
		}
		fmt.Fprintf(w, "%-12s %s (%d sections, ~%d calls%s)\n", t.Key, t.Name, len(t.Sections), domain.ExpectedCalls(t), extra)
		fmt.Fprintf(w, "%-12s %s\n", "", strings.TrimSpace(t.Description))
	}
}
