package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownTemplate 模板 key 不存在
var ErrUnknownTemplate = errors.New("unknown template")

type TemplateKey string

const (
	TemplateGovernment TemplateKey = "government" // 政府支持项目申报
	TemplateInvestment TemplateKey = "investment" // 投资融资
	TemplateLoan       TemplateKey = "loan"       // 贷款申请
)

// SectionSpec 模板中一个章节的固定定义
type SectionSpec struct {
	Code     string `json:"code"`
	Title    string `json:"title"`
	Order    int    `json:"order"`
	MinChars int    `json:"min_chars"`
	MaxChars int    `json:"max_chars"`
}

// Template 一种商业计划书模板
type Template struct {
	Key              TemplateKey   `json:"key"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	DeepVerification bool          `json:"deep_verification"`
	Sections         []SectionSpec `json:"sections"`
}

// 章节表为静态配置，顺序即文档顺序
var templates = []Template{
	{
		Key:              TemplateGovernment,
		Name:             "Government Support Program",
		Description:      "Application plan for public funding and startup support programs",
		DeepVerification: true,
		Sections: []SectionSpec{
			{"executive_summary", "Executive Summary", 1, 800, 1500},
			{"company_overview", "Company Overview", 2, 600, 1200},
			{"problem_statement", "Problem Statement", 3, 700, 1400},
			{"solution", "Solution and Product", 4, 900, 1800},
			{"technology", "Technology and Differentiation", 5, 900, 1800},
			{"market_analysis", "Market Analysis", 6, 900, 1800},
			{"target_customers", "Target Customers", 7, 600, 1200},
			{"competition", "Competitive Landscape", 8, 700, 1400},
			{"business_model", "Business Model", 9, 700, 1400},
			{"go_to_market", "Go-to-Market Strategy", 10, 700, 1400},
			{"team", "Team and Organization", 11, 600, 1200},
			{"implementation_plan", "Implementation Plan", 12, 800, 1600},
			{"budget_plan", "Budget and Use of Funds", 13, 700, 1400},
			{"expected_outcomes", "Expected Outcomes", 14, 600, 1200},
			{"job_creation", "Job Creation and Social Impact", 15, 500, 1000},
			{"policy_alignment", "Policy Alignment", 16, 600, 1200},
			{"risk_management", "Risk Management", 17, 600, 1200},
			{"growth_roadmap", "Growth Roadmap", 18, 600, 1200},
		},
	},
	{
		Key:         TemplateInvestment,
		Name:        "Investment Pitch Plan",
		Description: "Business plan for seed to series funding rounds",
		Sections: []SectionSpec{
			{"executive_summary", "Executive Summary", 1, 800, 1500},
			{"problem", "Problem", 2, 600, 1200},
			{"solution", "Solution", 3, 700, 1400},
			{"product", "Product", 4, 800, 1600},
			{"market_size", "Market Size (TAM/SAM/SOM)", 5, 800, 1600},
			{"market_trends", "Market Trends", 6, 600, 1200},
			{"target_customers", "Target Customers", 7, 600, 1200},
			{"competition", "Competition", 8, 700, 1400},
			{"competitive_advantage", "Competitive Advantage", 9, 700, 1400},
			{"business_model", "Business Model", 10, 700, 1400},
			{"traction", "Traction and Milestones", 11, 600, 1200},
			{"go_to_market", "Go-to-Market Strategy", 12, 700, 1400},
			{"team", "Team", 13, 600, 1200},
			{"financial_projections", "Financial Projections", 14, 900, 1800},
			{"funding_ask", "Funding Ask and Use of Proceeds", 15, 600, 1200},
			{"valuation", "Valuation Rationale", 16, 500, 1000},
			{"exit_strategy", "Exit Strategy", 17, 500, 1000},
			{"risks", "Key Risks and Mitigation", 18, 600, 1200},
		},
	},
	{
		Key:         TemplateLoan,
		Name:        "Loan Application Plan",
		Description: "Business plan supporting a bank or policy loan application",
		Sections: []SectionSpec{
			{"executive_summary", "Executive Summary", 1, 700, 1400},
			{"company_overview", "Company Overview", 2, 600, 1200},
			{"products_services", "Products and Services", 3, 700, 1400},
			{"market_analysis", "Market Analysis", 4, 700, 1400},
			{"operations", "Operations Plan", 5, 600, 1200},
			{"management", "Management Team", 6, 500, 1000},
			{"sales_history", "Sales History and Forecast", 7, 700, 1400},
			{"loan_purpose", "Loan Purpose and Amount", 8, 600, 1200},
			{"repayment_plan", "Repayment Plan", 9, 700, 1400},
			{"collateral", "Collateral and Guarantees", 10, 500, 1000},
			{"financial_statements", "Financial Statements Summary", 11, 800, 1600},
			{"risk_factors", "Risk Factors", 12, 500, 1000},
		},
	},
}

// Templates 返回全部模板（副本）
func Templates() []Template {
	out := make([]Template, len(templates))
	for i, t := range templates {
		out[i] = t
		out[i].Sections = append([]SectionSpec(nil), t.Sections...)
	}
	return out
}

// GetTemplate 根据 key 获取模板
func GetTemplate(key TemplateKey) (Template, error) {
	for _, t := range templates {
		if t.Key == key {
			t.Sections = append([]SectionSpec(nil), t.Sections...)
			return t, nil
		}
	}
	return Template{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
}

// IsValidTemplate 判断模板 key 是否合法
func IsValidTemplate(key TemplateKey) bool {
	_, err := GetTemplate(key)
	return err == nil
}
