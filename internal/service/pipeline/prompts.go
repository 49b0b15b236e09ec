package pipeline

import (
	"fmt"
	"strings"

	"github.com/weibaohui/bizplan/internal/domain"
	"github.com/weibaohui/bizplan/internal/model"
)

// attachmentLimit 每个附件写入输入摘要的最大字符数
const attachmentLimit = 2000

// defaultCitationCategories 引用提取无法解析出类别时使用
var defaultCitationCategories = []string{
	"market size and growth",
	"industry statistics",
	"competitor information",
	"regulatory and policy references",
	"financial benchmarks",
}

var outlineFocus = []string{
	"Check that the section list covers everything an evaluator expects for this plan type.",
	"Point out which sections need the most evidence from the applicant's answers.",
	"Describe the narrative flow that links the sections together.",
}

var verificationFocus = []string{
	"eligibility criteria of typical government support programs",
	"regulatory constraints relevant to the industry",
	"alignment with current public policy priorities",
}

var qualityFocus = []string{
	"completeness and internal consistency",
	"clarity and persuasiveness for the intended reader",
	"overall quality; answer with a single score from 0 to 100 on the first line",
}

// buildInputSummary 生成后续阶段使用的输入摘要
func buildInputSummary(plan *model.Plan) string {
	var b strings.Builder
	answers := plan.Answers.Data()
	for _, f := range answers.Fields() {
		if strings.TrimSpace(f.Value) == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", f.Label, strings.TrimSpace(f.Value))
	}
	for _, a := range plan.Attachments.Data() {
		fmt.Fprintf(&b, "\nAttachment %s:\n%s\n", a.Name, truncateRunes(strings.TrimSpace(a.Text), attachmentLimit))
	}
	if notes := strings.TrimSpace(plan.ExtraNotes); notes != "" {
		fmt.Fprintf(&b, "\nAdditional notes:\n%s\n", notes)
	}
	return b.String()
}

func outlinePrompt(tpl domain.Template, summary string, call int) string {
	var titles strings.Builder
	for _, s := range tpl.Sections {
		fmt.Fprintf(&titles, "%d. %s\n", s.Order, s.Title)
	}
	return fmt.Sprintf("Review the outline of a %s.\n%s\n\nSections:\n%s\nApplicant information:\n%s",
		tpl.Name, outlineFocus[(call-1)%len(outlineFocus)], titles.String(), summary)
}

func draftPrompt(tpl domain.Template, section *model.Section, summary string) string {
	return fmt.Sprintf("Write the %q section of a %s.\nLength: between %d and %d characters.\nUse only facts from the applicant information below and mark assumptions explicitly.\n\nApplicant information:\n%s",
		section.Title, tpl.Name, section.MinChars, section.MaxChars, summary)
}

func refinementPrompt(tpl domain.Template, sections []model.Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Refine the following %s into one coherent document. Remove repetition and keep the section headings.\n\n", tpl.Name)
	for _, s := range sections {
		if s.Content == nil {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", s.Title, *s.Content)
	}
	return b.String()
}

func citationPrompt(refined string, call int) string {
	return fmt.Sprintf("Identify claims in this business plan that need an external source (pass %d). List one category per line starting with \"- \".\n\n%s", call, refined)
}

func webSearchPrompt(category, industry string, call int) string {
	return fmt.Sprintf("Find supporting sources for %s in the %s industry (query %d). Reply with one citation line: title, publisher, year.", category, industry, call)
}

func verificationPrompt(refined string, call int) string {
	return fmt.Sprintf("Verify policy fit of this plan regarding %s. List any gaps.\n\n%s", verificationFocus[(call-1)%len(verificationFocus)], refined)
}

func qualityPrompt(refined string, call int) string {
	return fmt.Sprintf("Assess the quality of this business plan regarding %s.\n\n%s", qualityFocus[(call-1)%len(qualityFocus)], refined)
}

// parseCategories 提取以 "- " 或 "* " 开头的行
func parseCategories(responses []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range responses {
		for _, line := range strings.Split(r, "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") {
				continue
			}
			c := strings.TrimSpace(line[2:])
			key := strings.ToLower(c)
			if c == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
			if len(out) == 10 {
				return out
			}
		}
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncateRunes(strings.TrimSpace(s), 300)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
