package statemachine

import (
	"fmt"

	"k8s.io/klog/v2"
)

// PlanStatus 定义计划的所有可能状态
type PlanStatus string

const (
	PlanStatusPending    PlanStatus = "pending"    // 已提交，尚未开始
	PlanStatusProcessing PlanStatus = "processing" // 流水线执行中
	PlanStatusCompleted  PlanStatus = "completed"  // 全部阶段完成
	PlanStatusFailed     PlanStatus = "failed"     // 任一阶段最终失败
	PlanStatusCancelled  PlanStatus = "cancelled"  // 用户取消
)

// PlanTransition 定义计划状态迁移
type PlanTransition struct {
	From PlanStatus
	To   PlanStatus
}

// PlanStateMachine 计划状态机
type PlanStateMachine struct {
	allowedTransitions map[PlanTransition]bool
}

// NewPlanStateMachine 创建新的计划状态机
func NewPlanStateMachine() *PlanStateMachine {
	sm := &PlanStateMachine{
		allowedTransitions: make(map[PlanTransition]bool),
	}

	// pending -> processing -> completed/failed/cancelled
	// pending -> cancelled（开始前取消）
	// pending -> failed（作业始终无法调度）
	// failed/cancelled -> processing（显式恢复）
	// completed -> processing（显式整体重新生成）
	transitions := []PlanTransition{
		{PlanStatusPending, PlanStatusProcessing},
		{PlanStatusProcessing, PlanStatusCompleted},
		{PlanStatusProcessing, PlanStatusFailed},
		{PlanStatusProcessing, PlanStatusCancelled},
		{PlanStatusPending, PlanStatusCancelled},
		{PlanStatusPending, PlanStatusFailed},

		{PlanStatusFailed, PlanStatusProcessing},
		{PlanStatusCancelled, PlanStatusProcessing},
		{PlanStatusCompleted, PlanStatusProcessing},
	}

	for _, t := range transitions {
		sm.allowedTransitions[t] = true
	}

	return sm
}

// CanTransition 检查状态迁移是否合法
func (sm *PlanStateMachine) CanTransition(from, to PlanStatus) bool {
	if from == to {
		return false // 不允许状态不变
	}
	return sm.allowedTransitions[PlanTransition{From: from, To: to}]
}

// ValidateTransition 验证状态迁移并返回错误
func (sm *PlanStateMachine) ValidateTransition(from, to PlanStatus) error {
	if !sm.CanTransition(from, to) {
		return &InvalidStateTransitionError{
			Kind: "plan",
			From: string(from),
			To:   string(to),
		}
	}
	return nil
}

// Transition 执行状态迁移校验（带日志）
func (sm *PlanStateMachine) Transition(from, to PlanStatus, planID string) error {
	if err := sm.ValidateTransition(from, to); err != nil {
		klog.V(6).Infof("计划状态迁移被拒绝: planID=%s, %s -> %s, error=%v", planID, from, to, err)
		return err
	}

	klog.V(6).Infof("计划状态迁移成功: planID=%s, %s -> %s", planID, from, to)
	return nil
}

// SourcesOf 返回可以迁移到 to 的所有源状态，用于条件更新
func (sm *PlanStateMachine) SourcesOf(to PlanStatus) []string {
	var from []string
	for t := range sm.allowedTransitions {
		if t.To == to {
			from = append(from, string(t.From))
		}
	}
	return from
}

// InvalidStateTransitionError 无效的状态迁移错误
type InvalidStateTransitionError struct {
	Kind string
	From string
	To   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s -> %s", e.Kind, e.From, e.To)
}

// IsTerminal 判断计划状态是否为终止态
func IsTerminal(status PlanStatus) bool {
	return status == PlanStatusCompleted || status == PlanStatusFailed || status == PlanStatusCancelled
}
