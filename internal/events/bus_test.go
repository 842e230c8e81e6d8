package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{
		Type:          EventRouteSuccess,
		Model:         "llama-3.1-8b-instant",
		Provider:      "Groq",
		Domain:        "coding",
		SelectionMode: "exploit",
		LatencyMs:     150,
	})

	select {
	case e := <-sub.C:
		if e.Type != EventRouteSuccess {
			t.Errorf("expected route_success, got %s", e.Type)
		}
		if e.Model != "llama-3.1-8b-instant" || e.Domain != "coding" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe(10)
	sub2 := bus.Subscribe(10)
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	bus.Publish(Event{Type: EventRewardApplied, Model: "m1", Reward: -1, Reason: "requery"})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case e := <-sub.C:
			if e.Type != EventRewardApplied || e.Reward != -1 {
				t.Errorf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Type: EventRouteSuccess, Model: "first"})
	bus.Publish(Event{Type: EventRouteSuccess, Model: "second"})

	e := <-sub.C
	if e.Model != "first" {
		t.Errorf("expected first event, got %s", e.Model)
	}
	select {
	case <-sub.C:
		t.Error("expected no more events")
	default:
	}
}

func TestUnsubscribeAndNilBus(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(0)
	if cap(sub.C) != 64 {
		t.Errorf("expected default buffer 64, got %d", cap(sub.C))
	}
	bus.Unsubscribe(sub)
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
	bus.Publish(Event{Type: EventRouteError})

	var nilBus *Bus
	nilBus.Publish(Event{Type: EventRouteError})
}

func TestStepJSONShapes(t *testing.T) {
	final := Step{FinalResponse: "4", ModelUsed: "gpt-4o-mini", Domain: "math"}
	var m map[string]any
	if err := json.Unmarshal(final.JSON(), &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["step"]; ok {
		t.Error("final response must not carry a step name")
	}
	if m["final_response"] != "4" || m["model_used"] != "gpt-4o-mini" || m["domain"] != "math" {
		t.Errorf("unexpected final step %v", m)
	}

	end := string(Step{Step: StepEnd}.JSON())
	if end != `{"step":"end"}` {
		t.Errorf("unexpected end step %s", end)
	}

	top := string(Step{Step: StepTopCandidates, Models: []StepModel{{Name: "a", License: "OpenAI", FinalScore: 0.5}}}.JSON())
	if !strings.Contains(top, `"models":[{"model_name":"a"`) {
		t.Errorf("unexpected top-candidates step %s", top)
	}
}
