package broadcast

import "testing"

func TestBroadcaster_OrderAndRelease(t *testing.T) {
	b := New[int]()
	var got []string

	s1 := b.Subscribe(func(v int) { got = append(got, "a") })
	b.Subscribe(func(v int) { got = append(got, "b") })

	b.Publish(1)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Expected [a b], got %v", got)
	}

	s1.Release()
	s1.Release()
	got = nil
	b.Publish(2)
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("Expected [b] after release, got %v", got)
	}
	if b.Len() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", b.Len())
	}
}

func TestBroadcaster_SubscribeFromCallback(t *testing.T) {
	b := New[string]()
	calls := 0
	b.Subscribe(func(string) {
		calls++
		if calls == 1 {
			b.Subscribe(func(string) {})
		}
	})
	b.Publish("x")
	if b.Len() != 2 {
		t.Errorf("Expected nested subscribe to succeed, got %d subscribers", b.Len())
	}
}
