package domain

// StepName 流水线阶段标识，同时作为重试策略与日志的 key
type StepName string

const (
	StepInitialize         StepName = "initialize"
	StepOutline            StepName = "outline"
	StepSectionDraft       StepName = "section_draft"
	StepRefinement         StepName = "refinement"
	StepCitationExtraction StepName = "citation_extraction"
	StepWebSearch          StepName = "web_search"
	StepDeepVerification   StepName = "deep_verification"
	StepQualityAssessment  StepName = "quality_assessment"
	StepFinalize           StepName = "finalize"
)

// 各阶段固定的调用次数（章节草稿按章节数计）
const (
	OutlineCalls           = 3
	RefinementCalls        = 1
	CitationCalls          = 2
	WebSearchCalls         = 10
	DeepVerificationCalls  = 3
	QualityAssessmentCalls = 3
)

// StepDisplayNames 阶段展示名
var StepDisplayNames = map[StepName]string{
	StepInitialize:         "Preparing inputs",
	StepOutline:            "Designing document outline",
	StepSectionDraft:       "Drafting sections",
	StepRefinement:         "Refining the full document",
	StepCitationExtraction: "Identifying claims that need sources",
	StepWebSearch:          "Collecting supporting sources",
	StepDeepVerification:   "Verifying policy and regulatory fit",
	StepQualityAssessment:  "Assessing document quality",
	StepFinalize:           "Finalizing document",
}

// ExpectedCalls 计算一次完整运行的名义调用次数（不含重试与兜底）
func ExpectedCalls(t Template) int {
	n := OutlineCalls + len(t.Sections) + RefinementCalls + CitationCalls + WebSearchCalls + QualityAssessmentCalls
	if t.DeepVerification {
		n += DeepVerificationCalls
	}
	return n
}
