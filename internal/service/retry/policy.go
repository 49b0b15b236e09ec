package retry

import (
	"time"

	"github.com/weibaohui/bizplan/internal/domain"
)

// Policy 单个阶段的重试策略
type Policy struct {
	MaxRetries         int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	ExponentialBackoff bool
	FallbackModel      string // 为空表示不做模型兜底
}

// DefaultPolicy 未登记阶段使用的策略
var DefaultPolicy = Policy{
	MaxRetries:         3,
	BaseDelay:          2000 * time.Millisecond,
	MaxDelay:           20000 * time.Millisecond,
	ExponentialBackoff: true,
}

const defaultFallbackModel = "gpt-4o-mini"

// DefaultPolicies 各阶段的静态策略表
func DefaultPolicies() map[domain.StepName]Policy {
	return map[domain.StepName]Policy{
		domain.StepOutline: {
			MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 20 * time.Second,
			ExponentialBackoff: true, FallbackModel: defaultFallbackModel,
		},
		domain.StepSectionDraft: {
			MaxRetries: 3, BaseDelay: 3 * time.Second, MaxDelay: 30 * time.Second,
			ExponentialBackoff: true, FallbackModel: defaultFallbackModel,
		},
		domain.StepRefinement: {
			MaxRetries: 2, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second,
			ExponentialBackoff: true, FallbackModel: defaultFallbackModel,
		},
		domain.StepCitationExtraction: {
			MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second,
			ExponentialBackoff: true,
		},
		domain.StepWebSearch: {
			MaxRetries: 2, BaseDelay: 1 * time.Second, MaxDelay: 10 * time.Second,
			ExponentialBackoff: false,
		},
		domain.StepDeepVerification: {
			MaxRetries: 2, BaseDelay: 3 * time.Second, MaxDelay: 20 * time.Second,
			ExponentialBackoff: true, FallbackModel: defaultFallbackModel,
		},
		domain.StepQualityAssessment: {
			MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second,
			ExponentialBackoff: true,
		},
	}
}
