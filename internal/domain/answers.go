package domain

import (
	"fmt"
	"strings"
)

// Answers 问答向导收集的固定字段，生成开始后不可修改
type Answers struct {
	CompanyName   string `json:"company_name" yaml:"company_name"`
	Industry      string `json:"industry" yaml:"industry"`
	Problem       string `json:"problem" yaml:"problem"`
	Solution      string `json:"solution" yaml:"solution"`
	TargetMarket  string `json:"target_market" yaml:"target_market"`
	BusinessModel string `json:"business_model" yaml:"business_model"`
	Team          string `json:"team" yaml:"team"`
	FundingNeeds  string `json:"funding_needs" yaml:"funding_needs"`
	Competition   string `json:"competition,omitempty" yaml:"competition"`
	Milestones    string `json:"milestones,omitempty" yaml:"milestones"`
}

// Attachment 附件（文本已由上游提取）
type Attachment struct {
	Name string `json:"name" yaml:"name"`
	Text string `json:"text" yaml:"text"`
}

// Field 问答字段的展示名与值
type Field struct {
	Key   string
	Label string
	Value string
}

// Fields 按固定顺序返回所有字段
func (a Answers) Fields() []Field {
	return []Field{
		{"company_name", "Company name", a.CompanyName},
		{"industry", "Industry", a.Industry},
		{"problem", "Problem", a.Problem},
		{"solution", "Solution", a.Solution},
		{"target_market", "Target market", a.TargetMarket},
		{"business_model", "Business model", a.BusinessModel},
		{"team", "Team", a.Team},
		{"funding_needs", "Funding needs", a.FundingNeeds},
		{"competition", "Competition", a.Competition},
		{"milestones", "Milestones", a.Milestones},
	}
}

var requiredAnswerFields = map[string]bool{
	"company_name":   true,
	"industry":       true,
	"problem":        true,
	"solution":       true,
	"target_market":  true,
	"business_model": true,
	"team":           true,
	"funding_needs":  true,
}

// MissingAnswersError 必填字段缺失
type MissingAnswersError struct {
	Fields []string
}

func (e *MissingAnswersError) Error() string {
	return fmt.Sprintf("missing required answers: %s", strings.Join(e.Fields, ", "))
}

// Validate 检查必填字段
func (a Answers) Validate() error {
	var missing []string
	for _, f := range a.Fields() {
		if requiredAnswerFields[f.Key] && strings.TrimSpace(f.Value) == "" {
			missing = append(missing, f.Key)
		}
	}
	if len(missing) > 0 {
		return &MissingAnswersError{Fields: missing}
	}
	return nil
}
