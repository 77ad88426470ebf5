package statehub

import (
	"context"
	"errors"
	"testing"

	"corenexus/internal/shared/settings"
	"corenexus/internal/shared/types"
)

type mockCoreAPI struct {
	modeErr error
	tunErr  error
	modes   []types.OutboundMode
}

func (m *mockCoreAPI) SetMode(_ context.Context, mode types.OutboundMode) error {
	m.modes = append(m.modes, mode)
	return m.modeErr
}

func (m *mockCoreAPI) SetTunEnabled(context.Context, bool) error { return m.tunErr }

type mockSystemProxy struct {
	err   error
	calls []string
}

func (m *mockSystemProxy) Enable(context.Context) error {
	m.calls = append(m.calls, "enable")
	return m.err
}

func (m *mockSystemProxy) Disable(context.Context) error {
	m.calls = append(m.calls, "disable")
	return m.err
}

type mockConfigSource struct {
	path string
	err  error
}

func (m *mockConfigSource) ActiveConfigPath() (string, error) { return m.path, m.err }
func (m *mockConfigSource) HasActive() bool                   { return m.err == nil && m.path != "" }

func setupTestHub(t *testing.T) (*Hub, *mockCoreAPI, *mockSystemProxy, *int) {
	t.Helper()
	prefs, err := settings.NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	api := &mockCoreAPI{}
	sp := &mockSystemProxy{}
	h := New(Options{API: api, SystemProxy: sp, Configs: &mockConfigSource{}, Prefs: prefs})
	count := 0
	h.Subscribe(func(TrackedState) { count++ })
	return h, api, sp, &count
}

func TestSetters_Idempotent(t *testing.T) {
	h, _, _, count := setupTestHub(t)
	ctx := context.Background()

	h.SetCoreRunning(true)
	if *count != 1 {
		t.Fatalf("Expected 1 notification after first change, got %d", *count)
	}
	h.SetCoreRunning(true)
	if !h.SetSystemProxy(ctx, false) || !h.SetTunEnabled(ctx, false) {
		t.Fatal("Expected setters to succeed")
	}
	if err := h.SetMode(ctx, types.ModeRule); err != nil {
		t.Fatal(err)
	}
	h.SetHasActiveSubscription(false)

	if *count != 1 {
		t.Errorf("Expected no notifications for unchanged values, got %d total", *count)
	}

	h.SetSystemProxy(ctx, true)
	h.SetSystemProxy(ctx, true)
	if *count != 2 {
		t.Errorf("Expected exactly one notification for the real change, got %d total", *count)
	}
}

func TestSetMode_RequiresRunningCore(t *testing.T) {
	h, api, _, count := setupTestHub(t)

	err := h.SetMode(context.Background(), types.ModeGlobal)
	if !errors.Is(err, ErrCoreNotRunning) {
		t.Fatalf("Expected ErrCoreNotRunning, got %v", err)
	}
	if len(api.modes) != 0 {
		t.Error("Expected no RPC call while core is stopped")
	}
	if *count != 0 || h.Snapshot().OutboundMode != types.ModeRule {
		t.Error("Expected state to remain untouched")
	}
}

func TestSetMode_RPCFailureDoesNotMutate(t *testing.T) {
	h, api, _, count := setupTestHub(t)
	h.SetCoreRunning(true)
	*count = 0
	api.modeErr = errors.New("boom")

	err := h.SetMode(context.Background(), types.ModeDirect)
	if !errors.Is(err, ErrModeRejected) {
		t.Fatalf("Expected ErrModeRejected, got %v", err)
	}
	if h.Snapshot().OutboundMode != types.ModeRule || *count != 0 {
		t.Errorf("Expected no phantom change, got mode=%s notifications=%d", h.Snapshot().OutboundMode, *count)
	}
}

func TestSetSystemProxy_FailureReturnsFalse(t *testing.T) {
	h, _, sp, count := setupTestHub(t)
	sp.err = errors.New("gsettings missing")

	if h.SetSystemProxy(context.Background(), true) {
		t.Fatal("Expected SetSystemProxy to report failure")
	}
	if h.SystemProxyEnabled() || *count != 0 {
		t.Error("Expected field to remain false with no notification")
	}
}

func TestSetTunEnabled_RPCFailure(t *testing.T) {
	h, api, _, _ := setupTestHub(t)
	h.SetCoreRunning(true)
	api.tunErr = errors.New("permission denied")

	if h.SetTunEnabled(context.Background(), true) {
		t.Fatal("Expected SetTunEnabled to fail")
	}
	if h.Snapshot().TunEnabled {
		t.Error("Expected TUN to remain disabled")
	}
}

func TestSetModeOffline(t *testing.T) {
	prefs, _ := settings.NewStore("")
	var writtenPath string
	var writtenMode types.OutboundMode
	h := New(Options{
		API:         &mockCoreAPI{},
		SystemProxy: &mockSystemProxy{},
		Configs:     &mockConfigSource{path: "/data/subscriptions/a.yaml"},
		Prefs:       prefs,
		WriteMode: func(path string, mode types.OutboundMode) error {
			writtenPath, writtenMode = path, mode
			return nil
		},
	})

	if err := h.SetModeOffline(types.ModeGlobal); err != nil {
		t.Fatalf("SetModeOffline() returned an error: %v", err)
	}
	if writtenPath != "/data/subscriptions/a.yaml" || writtenMode != types.ModeGlobal {
		t.Errorf("Unexpected offline write: %s %s", writtenPath, writtenMode)
	}
	if prefs.GetString(settings.KeyOutboundMode, "") != "global" {
		t.Error("Expected mode to be persisted in clash preferences")
	}
	if h.Snapshot().OutboundMode != types.ModeGlobal {
		t.Error("Expected snapshot to reflect the offline mode")
	}
	if err := h.SetModeOffline("bogus"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("Expected ErrInvalidMode, got %v", err)
	}
}

func TestReload_PicksUpPersistedValues(t *testing.T) {
	h, _, _, count := setupTestHub(t)
	_ = h.prefs.Replace(map[string]interface{}{
		settings.KeyOutboundMode: "direct",
		settings.KeyTunEnabled:   true,
	})
	if err := h.Reload(); err != nil {
		t.Fatal(err)
	}
	s := h.Snapshot()
	if s.OutboundMode != types.ModeDirect || !s.TunEnabled {
		t.Errorf("Unexpected state after reload: %+v", s)
	}
	if *count != 1 {
		t.Errorf("Expected one notification for reload, got %d", *count)
	}
}
