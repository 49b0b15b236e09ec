package eventbus

import (
	"context"
	"errors"
	"testing"
)

func TestBusPublishBroadcast(t *testing.T) {
	bus := NewPlanEventBus()
	calledA := false
	calledB := false

	bus.Subscribe(PlanEventPlanUpdated, func(ctx context.Context, event PlanEvent) error {
		calledA = true
		return nil
	})
	bus.Subscribe(PlanEventPlanUpdated, func(ctx context.Context, event PlanEvent) error {
		calledB = true
		return nil
	})

	if err := bus.Publish(context.Background(), PlanEvent{Type: PlanEventPlanUpdated, PlanID: "p1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !calledA || !calledB {
		t.Fatalf("expected handlers to be called")
	}
}

func TestBusPublishOnlyMatchingType(t *testing.T) {
	bus := NewPlanEventBus()
	called := false
	bus.Subscribe(PlanEventLogAppended, func(ctx context.Context, event PlanEvent) error {
		called = true
		return nil
	})

	if err := bus.Publish(context.Background(), PlanEvent{Type: PlanEventSectionUpdated}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("handler of another type should not be called")
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewPlanEventBus()
	called := false
	unsubscribe := bus.Subscribe(PlanEventPlanUpdated, func(ctx context.Context, event PlanEvent) error {
		called = true
		return nil
	})
	unsubscribe()

	if err := bus.Publish(context.Background(), PlanEvent{Type: PlanEventPlanUpdated}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("expected handler to be unsubscribed")
	}
}

func TestBusPublishJoinErrors(t *testing.T) {
	bus := NewPlanEventBus()
	bus.Subscribe(PlanEventPlanUpdated, func(ctx context.Context, event PlanEvent) error {
		return errors.New("err-a")
	})
	bus.Subscribe(PlanEventPlanUpdated, func(ctx context.Context, event PlanEvent) error {
		return errors.New("err-b")
	})

	if err := bus.Publish(context.Background(), PlanEvent{Type: PlanEventPlanUpdated}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewPlanEventBus()
	var got []PlanEventType
	unsubscribe := SubscribeAll(bus, func(ctx context.Context, event PlanEvent) error {
		got = append(got, event.Type)
		return nil
	})

	for _, typ := range PlanEventTypes {
		_ = bus.Publish(context.Background(), PlanEvent{Type: typ, PlanID: "p1"})
	}
	if len(got) != len(PlanEventTypes) {
		t.Fatalf("expected %d events, got %d", len(PlanEventTypes), len(got))
	}

	unsubscribe()
	_ = bus.Publish(context.Background(), PlanEvent{Type: PlanEventPlanUpdated})
	if len(got) != len(PlanEventTypes) {
		t.Fatalf("expected no events after unsubscribe")
	}
}
