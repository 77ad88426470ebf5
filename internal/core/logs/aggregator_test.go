package logs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"corenexus/internal/shared/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func msg(level, payload string) types.LogMessage {
	return types.LogMessage{Level: level, Type: level, Payload: payload}
}

func TestShouldFlush(t *testing.T) {
	cases := []struct {
		pending int
		since   time.Duration
		want    bool
	}{
		{0, time.Second, false},
		{1, 0, true},
		{5, 10 * time.Millisecond, true},
		{0, 0, false},
	}
	for _, c := range cases {
		if got := shouldFlush(c.pending, c.since); got != c.want {
			t.Errorf("shouldFlush(%d, %s) = %v, want %v", c.pending, c.since, got, c.want)
		}
	}
}

func TestTick_NotifiesOncePerBatch(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a := newAggregator(clock.Now)

	var updates []Update
	a.Subscribe(func(u Update) { updates = append(updates, u) })

	a.Add(msg("info", "one"))
	a.Add(msg("info", "two"))
	a.Add(msg("error", "three"))
	if a.Len() != 0 {
		t.Fatal("Expected nothing committed before a tick")
	}

	a.Tick()
	if len(updates) != 1 || len(updates[0].Appended) != 3 {
		t.Fatalf("Expected one update with 3 entries, got %+v", updates)
	}
	a.Tick()
	if len(updates) != 1 {
		t.Errorf("Expected no update for an empty inbox, got %d", len(updates))
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	a := newAggregator(time.Now)
	for i := 0; i < Capacity+1; i++ {
		a.Add(msg("info", fmt.Sprintf("m%d", i)))
	}
	a.Tick()

	if a.Len() != Capacity {
		t.Fatalf("Expected %d committed entries, got %d", Capacity, a.Len())
	}
	view := a.FilteredView("", "")
	if view[0].Payload != "m1" || view[len(view)-1].Payload != fmt.Sprintf("m%d", Capacity) {
		t.Errorf("Expected oldest entry to be evicted, first=%s last=%s", view[0].Payload, view[len(view)-1].Payload)
	}

	a.Add(msg("info", "next"))
	a.Tick()
	view = a.FilteredView("", "")
	if a.Len() != Capacity || view[0].Payload != "m2" {
		t.Errorf("Expected ring to stay bounded, len=%d first=%s", a.Len(), view[0].Payload)
	}
}

func TestFilteredView_ConjunctionAndCache(t *testing.T) {
	a := newAggregator(time.Now)
	a.Add(msg("info", "dial tcp example.com"))
	a.Add(msg("error", "dial tcp EXAMPLE.org failed"))
	a.Add(msg("error", "dns timeout"))
	a.Tick()

	got := a.FilteredView("error", "example")
	if len(got) != 1 || got[0].Payload != "dial tcp EXAMPLE.org failed" {
		t.Errorf("Unexpected filtered view %+v", got)
	}
	if len(a.FilteredView("all", "")) != 3 {
		t.Error("Expected unfiltered view to contain everything")
	}
	if len(a.FilteredView("", "ERROR")) != 2 {
		t.Error("Expected keyword to match the type tag case-insensitively")
	}

	first := a.FilteredView("error", "")
	second := a.FilteredView("error", "")
	if &first[0] != &second[0] {
		t.Error("Expected cached view to be reused on a cache hit")
	}
	a.Add(msg("error", "new"))
	a.Tick()
	if len(a.FilteredView("error", "")) != 3 {
		t.Error("Expected cache to be invalidated by flush")
	}
}

func TestPause_GatesAdmissionOnly(t *testing.T) {
	a := newAggregator(time.Now)
	a.Pause()
	a.Add(msg("info", "dropped"))
	a.Tick()
	if a.Len() != 0 {
		t.Error("Expected paused aggregator to drop messages")
	}
	a.Resume()
	a.Add(msg("info", "kept"))
	a.Tick()
	if a.Len() != 1 {
		t.Errorf("Expected 1 entry after resume, got %d", a.Len())
	}
}

func TestSetSearchKeyword_Debounced(t *testing.T) {
	a := newAggregator(time.Now)
	defer a.Close()

	changed := make(chan struct{}, 4)
	a.Subscribe(func(u Update) {
		if u.FilterChanged {
			changed <- struct{}{}
		}
	})

	a.SetSearchKeyword("e")
	a.SetSearchKeyword("ex")
	a.SetSearchKeyword("exa")
	if _, kw := a.Filter(); kw != "" {
		t.Fatalf("Expected keyword to be debounced, got %q", kw)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced keyword was never applied")
	}
	if _, kw := a.Filter(); kw != "exa" {
		t.Errorf("Expected last keyword 'exa', got %q", kw)
	}
	select {
	case <-changed:
		t.Error("Expected superseded keywords to be dropped")
	case <-time.After(400 * time.Millisecond):
	}
}

func TestNewAndClose(t *testing.T) {
	a := New()
	a.Add(msg("info", "x"))
	deadline := time.Now().Add(2 * time.Second)
	for a.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if a.Len() != 1 {
		t.Error("Expected the ticker to flush pending entries")
	}
	a.Close()
	a.Close()
	a.Add(msg("info", "after close"))
	a.Tick()
	if a.Len() != 1 {
		t.Error("Expected no admission after Close")
	}
}

type fakeSource struct {
	calls int
}

func (f *fakeSource) StreamLogs(ctx context.Context, level string, fn func(types.LogMessage)) error {
	f.calls++
	fn(msg(level, "streamed"))
	<-ctx.Done()
	return errors.New("closed")
}

func TestAttach(t *testing.T) {
	a := newAggregator(time.Now)
	src := &fakeSource{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Attach(ctx, src, "info")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	a.Tick()
	if a.Len() != 1 || src.calls != 1 {
		t.Errorf("Expected one streamed entry, len=%d calls=%d", a.Len(), src.calls)
	}
}
