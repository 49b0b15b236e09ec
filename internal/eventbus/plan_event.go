package eventbus

type PlanEventType string

const (
	PlanEventPlanUpdated    PlanEventType = "PlanUpdated"    // plans 行变更
	PlanEventSectionUpdated PlanEventType = "SectionUpdated" // sections 行变更
	PlanEventLogAppended    PlanEventType = "LogAppended"    // 新增 generation_logs 记录
)

// PlanEventTypes 所有计划相关事件类型
var PlanEventTypes = []PlanEventType{
	PlanEventPlanUpdated,
	PlanEventSectionUpdated,
	PlanEventLogAppended,
}

// PlanEvent 存储层变更通知，订阅方按 PlanID 过滤后自行重新读取状态
type PlanEvent struct {
	Type      PlanEventType
	PlanID    string
	SectionID uint
	Status    string
}

func (e PlanEvent) EventType() PlanEventType {
	return e.Type
}

type PlanEventHandler = Handler[PlanEvent]
type PlanEventBus = Bus[PlanEventType, PlanEvent]

func NewPlanEventBus() *PlanEventBus {
	return NewBus[PlanEventType, PlanEvent]()
}

// SubscribeAll 订阅所有计划事件
func SubscribeAll(bus *PlanEventBus, handler PlanEventHandler) func() {
	if bus == nil {
		return func() {}
	}
	unsubs := make([]func(), 0, len(PlanEventTypes))
	for _, t := range PlanEventTypes {
		unsubs = append(unsubs, bus.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
