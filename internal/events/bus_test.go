package events

import "testing"

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()

	var got []Event
	unsubscribe := bus.Subscribe(func(ev Event) {
		got = append(got, ev)
	}, TypeUpdateAvailable, TypeUpdateError)

	bus.Publish(TypeUpdateAvailable, UpdateAvailable{CurrentBuild: "1", LatestBuild: "2"})
	bus.Publish(TypeSlot, "ignored")
	bus.Publish(TypeUpdateError, UpdateError{Message: "boom"})

	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].Type != TypeUpdateAvailable {
		t.Errorf("Expected %s, got %s", TypeUpdateAvailable, got[0].Type)
	}
	if p, ok := got[0].Payload.(UpdateAvailable); !ok || p.LatestBuild != "2" {
		t.Errorf("Unexpected payload: %#v", got[0].Payload)
	}

	unsubscribe()
	unsubscribe()

	bus.Publish(TypeUpdateAvailable, UpdateAvailable{})
	if len(got) != 2 {
		t.Error("Handler called after unsubscribe")
	}
	if n := bus.Subscribers(TypeUpdateAvailable); n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}
}

func TestBus_IndependentSubscribers(t *testing.T) {
	bus := NewBus()

	a, b := 0, 0
	unsubA := bus.Subscribe(func(Event) { a++ }, TypeStatus)
	bus.Subscribe(func(Event) { b++ }, TypeStatus)

	bus.Publish(TypeStatus, nil)
	unsubA()
	bus.Publish(TypeStatus, nil)

	if a != 1 || b != 2 {
		t.Errorf("Expected a=1 b=2, got a=%d b=%d", a, b)
	}
}
