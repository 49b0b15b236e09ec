package statemachine

import "k8s.io/klog/v2"

// SectionStatus 章节状态
type SectionStatus string

const (
	SectionStatusPending      SectionStatus = "pending"
	SectionStatusGenerating   SectionStatus = "generating"
	SectionStatusCompleted    SectionStatus = "completed"
	SectionStatusFailed       SectionStatus = "failed"
	SectionStatusRegenerating SectionStatus = "regenerating"
)

// sectionTransitions 不存在 pending -> completed 的直接迁移
var sectionTransitions = map[SectionStatus][]SectionStatus{
	SectionStatusPending:      {SectionStatusGenerating},
	SectionStatusGenerating:   {SectionStatusCompleted, SectionStatusFailed},
	SectionStatusCompleted:    {SectionStatusRegenerating},
	SectionStatusFailed:       {SectionStatusRegenerating},
	SectionStatusRegenerating: {SectionStatusCompleted, SectionStatusFailed},
}

// SectionStateMachine 章节状态机
type SectionStateMachine struct{}

func NewSectionStateMachine() *SectionStateMachine {
	return &SectionStateMachine{}
}

func (sm *SectionStateMachine) CanTransition(from, to SectionStatus) bool {
	for _, next := range sectionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 校验章节状态迁移
func (sm *SectionStateMachine) Transition(from, to SectionStatus, sectionID uint) error {
	if !sm.CanTransition(from, to) {
		klog.V(6).Infof("章节状态迁移被拒绝: sectionID=%d, %s -> %s", sectionID, from, to)
		return &InvalidStateTransitionError{Kind: "section", From: string(from), To: string(to)}
	}
	klog.V(6).Infof("章节状态迁移成功: sectionID=%d, %s -> %s", sectionID, from, to)
	return nil
}
