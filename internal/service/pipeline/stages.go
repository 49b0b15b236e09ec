package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/model"
	"github.com/weibaohui/bizplan/internal/repository"
	"github.com/weibaohui/bizplan/internal/service/statemachine"
	"github.com/weibaohui/bizplan/internal/utils"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"k8s.io/klog/v2"
)

// outline 先执行大纲校验调用，再按模板固定章节表创建章节
func (p *Pipeline) outline(ctx context.Context, r *run) error {
	planID := r.plan.ID
	for i := 1; i <= domain.OutlineCalls; i++ {
		if _, err := p.call(ctx, planID, domain.StepOutline, i, outlinePrompt(r.tpl, r.summary, i)); err != nil {
			return err
		}
	}

	// 恢复执行时需要清掉上一次的章节
	if err := p.sections.DeleteByPlan(ctx, planID); err != nil {
		return fmt.Errorf("清理旧章节失败: %w", err)
	}
	sections := make([]model.Section, 0, len(r.tpl.Sections))
	for _, spec := range r.tpl.Sections {
		sections = append(sections, model.Section{
			PlanID:    planID,
			Code:      spec.Code,
			Title:     spec.Title,
			SortOrder: spec.Order,
			MinChars:  spec.MinChars,
			MaxChars:  spec.MaxChars,
			Status:    string(statemachine.SectionStatusPending),
		})
	}
	if err := p.sections.CreateBatch(ctx, sections); err != nil {
		return fmt.Errorf("创建章节失败: %w", err)
	}

	created, err := p.sections.ListByPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("读取章节失败: %w", err)
	}
	r.sections = created
	klog.V(6).Infof("[Pipeline] 章节已创建: planID=%s, count=%d", planID, len(created))
	return nil
}

// draftSections 按批次并发生成章节；批次内任一章节失败则整体失败
func (p *Pipeline) draftSections(ctx context.Context, r *run) error {
	planID := r.plan.ID
	for start := 0; start < len(r.sections); start += p.batchSize {
		if start > 0 {
			if err := p.sleep(ctx, p.interBatchDelay); err != nil {
				return err
			}
			if err := p.ensureActive(ctx, planID); err != nil {
				return err
			}
		}

		end := start + p.batchSize
		if end > len(r.sections) {
			end = len(r.sections)
		}
		batch := r.sections[start:end]
		klog.V(6).Infof("[Pipeline] 生成章节批次: planID=%s, range=%d-%d", planID, start+1, end)

		// 不使用 WithContext：一个章节失败时同批其他调用继续跑完
		var g errgroup.Group
		for i := range batch {
			sec := &batch[i]
			g.Go(func() error {
				return p.draftSection(ctx, r.tpl, r.summary, sec)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// draftSection 生成单个章节，pending 章节先进入 generating，regenerating 章节直接写结果
func (p *Pipeline) draftSection(ctx context.Context, tpl domain.Template, summary string, sec *model.Section) error {
	if statemachine.SectionStatus(sec.Status) == statemachine.SectionStatusPending {
		if err := p.moveSection(ctx, sec, statemachine.SectionStatusGenerating, nil); err != nil {
			return err
		}
	}

	content, err := p.call(ctx, sec.PlanID, domain.StepSectionDraft, sec.SortOrder, draftPrompt(tpl, sec, summary))
	if err != nil {
		if ferr := p.moveSection(context.WithoutCancel(ctx), sec, statemachine.SectionStatusFailed, nil); ferr != nil {
			klog.Errorf("[Pipeline] 标记章节失败出错: planID=%s, section=%s, err=%v", sec.PlanID, sec.Code, ferr)
		}
		return fmt.Errorf("章节 %s 生成失败: %w", sec.Code, err)
	}
	content = utils.ExtractMarkdown(content)
	return p.moveSection(ctx, sec, statemachine.SectionStatusCompleted, &content)
}

func (p *Pipeline) moveSection(ctx context.Context, sec *model.Section, to statemachine.SectionStatus, content *string) error {
	if err := p.sectionSM.Transition(statemachine.SectionStatus(sec.Status), to, sec.ID); err != nil {
		return err
	}
	if err := p.sections.Transition(ctx, sec, string(to), content); err != nil {
		return fmt.Errorf("更新章节 %s 状态失败: %w", sec.Code, err)
	}
	return nil
}

// refine 合并全部章节生成一份精修文本，保存在计划上
func (p *Pipeline) refine(ctx context.Context, r *run) error {
	refined, err := p.call(ctx, r.plan.ID, domain.StepRefinement, 1, refinementPrompt(r.tpl, r.sections))
	if err != nil {
		return err
	}
	refined = utils.ExtractMarkdown(refined)
	if err := p.plans.Update(ctx, r.plan.ID, map[string]interface{}{"refined_content": refined}); err != nil {
		return fmt.Errorf("保存精修内容失败: %w", err)
	}
	r.refined = refined
	return nil
}

func (p *Pipeline) extractCitations(ctx context.Context, r *run) error {
	responses := make([]string, 0, domain.CitationCalls)
	for i := 1; i <= domain.CitationCalls; i++ {
		resp, err := p.call(ctx, r.plan.ID, domain.StepCitationExtraction, i, citationPrompt(r.refined, i))
		if err != nil {
			return err
		}
		responses = append(responses, resp)
	}

	categories := parseCategories(responses)
	if len(categories) == 0 {
		categories = defaultCitationCategories
	}
	if err := p.plans.Update(ctx, r.plan.ID, map[string]interface{}{"citation_categories": strings.Join(categories, "\n")}); err != nil {
		return fmt.Errorf("保存引用类别失败: %w", err)
	}
	r.categories = categories
	return nil
}

// enrichSources 每次调用追加一条来源
func (p *Pipeline) enrichSources(ctx context.Context, r *run) error {
	categories := r.categories
	if len(categories) == 0 {
		categories = defaultCitationCategories
	}
	industry := r.plan.Answers.Data().Industry

	sources := make([]string, 0, domain.WebSearchCalls)
	for i := 1; i <= domain.WebSearchCalls; i++ {
		category := categories[(i-1)%len(categories)]
		resp, err := p.call(ctx, r.plan.ID, domain.StepWebSearch, i, webSearchPrompt(category, industry, i))
		if err != nil {
			return err
		}
		sources = append(sources, fmt.Sprintf("[%d] %s: %s", i, category, firstLine(resp)))
	}
	if err := p.plans.Update(ctx, r.plan.ID, map[string]interface{}{"sources": strings.Join(sources, "\n")}); err != nil {
		return fmt.Errorf("保存来源失败: %w", err)
	}
	r.sources = sources
	return nil
}

// verify 政府项目模板额外的政策核查
func (p *Pipeline) verify(ctx context.Context, r *run) error {
	for i := 1; i <= domain.DeepVerificationCalls; i++ {
		resp, err := p.call(ctx, r.plan.ID, domain.StepDeepVerification, i, verificationPrompt(r.refined, i))
		if err != nil {
			return err
		}
		klog.V(6).Infof("[Pipeline] 政策核查 %d: planID=%s, result=%s", i, r.plan.ID, firstLine(resp))
	}
	return nil
}

// assessQuality 最后一次调用的回复给出质量分，解析不到时使用确定性占位分
func (p *Pipeline) assessQuality(ctx context.Context, r *run) error {
	var last string
	for i := 1; i <= domain.QualityAssessmentCalls; i++ {
		resp, err := p.call(ctx, r.plan.ID, domain.StepQualityAssessment, i, qualityPrompt(r.refined, i))
		if err != nil {
			return err
		}
		last = resp
	}

	score, ok := parseScore(last)
	if !ok {
		score = placeholderScore(r.sections)
		klog.V(6).Infof("[Pipeline] 未解析到质量分，使用占位分: planID=%s, score=%d", r.plan.ID, score)
	}
	if err := p.plans.Update(ctx, r.plan.ID, map[string]interface{}{"quality_score": score}); err != nil {
		return fmt.Errorf("保存质量分失败: %w", err)
	}
	r.score = score
	return nil
}

// finalize 生成图表数据（失败不影响结果）并将计划置为 completed
func (p *Pipeline) finalize(ctx context.Context, r *run) error {
	planID := r.plan.ID
	p.appendStageLog(ctx, planID, domain.StepFinalize, model.LogStatusRunning, 0)

	// 所有章节都已完成才能把计划标记为 completed
	stats, err := p.sections.CountByStatus(ctx, planID)
	if err != nil {
		return fmt.Errorf("统计章节状态失败: %w", err)
	}
	if done := stats[string(statemachine.SectionStatusCompleted)]; done != int64(len(r.tpl.Sections)) {
		return fmt.Errorf("章节未全部完成: completed=%d, total=%d", done, len(r.tpl.Sections))
	}

	now := time.Now()
	fields := map[string]interface{}{"completed_at": &now}
	if data, err := buildChartData(r.sections, r.score); err != nil {
		klog.Warningf("[Pipeline] 生成图表数据失败，忽略: planID=%s, err=%v", planID, err)
	} else {
		fields["chart_data"] = data
	}

	ok, err := p.plans.TransitionStatus(ctx, planID,
		[]string{string(statemachine.PlanStatusProcessing)},
		string(statemachine.PlanStatusCompleted),
		fields,
	)
	if err != nil {
		return fmt.Errorf("更新计划状态失败: %w", err)
	}
	if !ok {
		if err := p.ensureActive(ctx, planID); err != nil {
			return err
		}
		return ErrPlanNotProcessing
	}
	p.appendStageLog(ctx, planID, domain.StepFinalize, model.LogStatusCompleted, 0)
	return nil
}

// RegenerateSection 重新生成一个已标记为 regenerating 的章节，不改变计划状态
func (p *Pipeline) RegenerateSection(ctx context.Context, planID string, sectionID uint) error {
	defer p.retrier.ClearHistory(planID)
	plan, err := p.plans.Get(ctx, planID)
	if err != nil {
		return fmt.Errorf("获取计划失败: %w", err)
	}
	if plan.Status == string(statemachine.PlanStatusProcessing) {
		return ErrPlanBusy
	}
	tpl, err := domain.GetTemplate(domain.TemplateKey(plan.TemplateKey))
	if err != nil {
		return err
	}

	sec, err := p.sections.Get(ctx, sectionID)
	if err != nil {
		return fmt.Errorf("获取章节失败: %w", err)
	}
	if sec.PlanID != planID {
		return repository.ErrNotFound
	}
	if sec.Status != string(statemachine.SectionStatusRegenerating) {
		return &statemachine.InvalidStateTransitionError{Kind: "section", From: sec.Status, To: string(statemachine.SectionStatusCompleted)}
	}

	summary := plan.InputSummary
	if summary == "" {
		summary = buildInputSummary(plan)
	}
	p.appendStageLog(ctx, planID, domain.StepSectionDraft, model.LogStatusRunning, sec.SortOrder)
	if err := p.draftSection(ctx, tpl, summary, sec); err != nil {
		return err
	}
	klog.V(6).Infof("[Pipeline] 章节重新生成完成: planID=%s, section=%s", planID, sec.Code)
	return nil
}

var scorePattern = regexp.MustCompile(`\d+`)

// parseScore 取回复中第一个 0..100 的整数
func parseScore(s string) (int, bool) {
	for _, m := range scorePattern.FindAllString(s, -1) {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		if n >= 0 && n <= 100 {
			return n, true
		}
	}
	return 0, false
}

func placeholderScore(sections []model.Section) int {
	completed := 0
	for _, s := range sections {
		if s.Status == string(statemachine.SectionStatusCompleted) {
			completed++
		}
	}
	return 70 + completed%30
}

type sectionChart struct {
	Code        string  `json:"code"`
	Title       string  `json:"title"`
	Chars       int     `json:"chars"`
	MinChars    int     `json:"min_chars"`
	MaxChars    int     `json:"max_chars"`
	TargetRatio float64 `json:"target_ratio"`
}

type chartData struct {
	Sections     []sectionChart `json:"sections"`
	TotalChars   int            `json:"total_chars"`
	QualityScore int            `json:"quality_score"`
}

// buildChartData 每个章节的字数与目标字数比
func buildChartData(sections []model.Section, score int) (datatypes.JSON, error) {
	data := chartData{Sections: make([]sectionChart, 0, len(sections)), QualityScore: score}
	for _, s := range sections {
		chars := 0
		if s.Content != nil {
			chars = len([]rune(*s.Content))
		}
		ratio := 0.0
		if s.MaxChars > 0 {
			ratio = float64(chars) / float64(s.MaxChars)
		}
		data.Sections = append(data.Sections, sectionChart{
			Code:        s.Code,
			Title:       s.Title,
			Chars:       chars,
			MinChars:    s.MinChars,
			MaxChars:    s.MaxChars,
			TargetRatio: ratio,
		})
		data.TotalChars += chars
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
