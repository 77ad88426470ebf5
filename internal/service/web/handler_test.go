package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"corenexus/internal/core/backup"
	"corenexus/internal/core/statehub"
	"corenexus/internal/shared/subscription"
	"corenexus/internal/shared/types"
)

// mockController is a hand-written Controller for handler tests.
type mockController struct {
	started     bool
	proxy       *bool
	mode        types.OutboundMode
	modeErr     error
	restoreErr  error
	restoredRaw string
	closedID    string
	groups      map[string]map[string]int

	connQuery   types.ViewFilter
	connFilter  types.ViewFilter
	connsPaused bool
	logQuery    types.ViewFilter
	logFilter   types.ViewFilter
	download    DownloadRequest
	downloadErr error
}

func (m *mockController) Status() interface{} {
	return map[string]interface{}{"running": m.started}
}
func (m *mockController) StartCore(context.Context) error   { m.started = true; return nil }
func (m *mockController) StopCore(context.Context) error    { m.started = false; return nil }
func (m *mockController) RestartCore(context.Context) error { return nil }
func (m *mockController) SetSystemProxy(_ context.Context, enabled bool) bool {
	m.proxy = &enabled
	return true
}
func (m *mockController) SetTunEnabled(context.Context, bool) bool { return false }
func (m *mockController) ChangeMode(_ context.Context, mode types.OutboundMode) error {
	if m.modeErr != nil {
		return m.modeErr
	}
	m.mode = mode
	return nil
}
func (m *mockController) Proxies(context.Context) ([]types.ProxyNode, []types.ProxyGroup, error) {
	return []types.ProxyNode{{Name: "HK-01", Delay: 42}}, nil, nil
}
func (m *mockController) SelectProxy(context.Context, string, string) error { return nil }
func (m *mockController) TestProxy(_ context.Context, name string) (string, int, error) {
	return name, 42, nil
}
func (m *mockController) TestGroup(_ context.Context, group string) (map[string]int, error) {
	res, ok := m.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return res, nil
}
func (m *mockController) Connections(f types.ViewFilter) []types.ConnectionInfo {
	m.connQuery = f
	return nil
}
func (m *mockController) SetConnectionFilter(f types.ViewFilter) { m.connFilter = f }
func (m *mockController) PauseConnections(paused bool)           { m.connsPaused = paused }
func (m *mockController) CloseConnection(_ context.Context, id string) bool {
	m.closedID = id
	return true
}
func (m *mockController) CloseAllConnections(context.Context) bool { return false }
func (m *mockController) Logs(f types.ViewFilter) []types.LogMessage {
	m.logQuery = f
	return []types.LogMessage{{Level: "info", Payload: "hello"}}
}
func (m *mockController) SetLogFilter(f types.ViewFilter) { m.logFilter = f }
func (m *mockController) PauseLogs(bool)                  {}
func (m *mockController) ClearLogs()                      {}
func (m *mockController) Subscriptions() ([]subscription.Subscription, string, error) {
	return []subscription.Subscription{{ID: "work", Name: "Work"}}, "work", nil
}
func (m *mockController) SelectSubscription(string) error { return nil }
func (m *mockController) DownloadSubscription(_ context.Context, req DownloadRequest) (subscription.Subscription, error) {
	m.download = req
	if m.downloadErr != nil {
		return subscription.Subscription{}, m.downloadErr
	}
	return subscription.Subscription{ID: "new", Name: req.Name, URL: req.URL}, nil
}
func (m *mockController) CreateBackup(string) (string, error) { return "", backup.ErrBusy }
func (m *mockController) RestoreBackup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m.restoredRaw = string(data)
	return m.restoreErr
}

func newTestRouter(user, pass string) (http.Handler, *mockController) {
	cfg := &types.Config{}
	cfg.LocalConf.WebUser = user
	cfg.LocalConf.WebPassword = pass
	mc := &mockController{groups: map[string]map[string]int{"Auto": {"HK-01": 42, "JP-01": -1}}}
	return NewRouter(cfg, mc, NewHub(nil)), mc
}

func do(t *testing.T, h http.Handler, method, path, body string, setup func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if setup != nil {
		setup(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_BasicAuth(t *testing.T) {
	h, _ := newTestRouter("admin", "pw")

	if rr := do(t, h, http.MethodGet, "/api/status", "", nil); rr.Code != http.StatusOK {
		t.Errorf("Expected public status endpoint, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/logs", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", rr.Code)
	}
	rr := do(t, h, http.MethodGet, "/api/logs", "", func(r *http.Request) { r.SetBasicAuth("admin", "pw") })
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200 with credentials, got %d", rr.Code)
	}
	var msgs []types.LogMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &msgs); err != nil || len(msgs) != 1 || msgs[0].Payload != "hello" {
		t.Errorf("Unexpected logs body %q (%v)", rr.Body.String(), err)
	}
}

func TestRouter_CoreAndToggles(t *testing.T) {
	h, mc := newTestRouter("", "")

	if rr := do(t, h, http.MethodPost, "/api/core/start", "", nil); rr.Code != http.StatusOK || !mc.started {
		t.Errorf("start: code=%d started=%v", rr.Code, mc.started)
	}
	if rr := do(t, h, http.MethodPost, "/api/system-proxy", `{"enabled":true}`, nil); rr.Code != http.StatusOK || mc.proxy == nil || !*mc.proxy {
		t.Errorf("system-proxy: code=%d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/system-proxy", `{}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing enabled, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/tun", `{"enabled":true}`, nil); rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 when TUN change fails, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/mode", `{"mode":"global"}`, nil); rr.Code != http.StatusOK || mc.mode != types.ModeGlobal {
		t.Errorf("mode: code=%d mode=%q", rr.Code, mc.mode)
	}
	mc.modeErr = fmt.Errorf("%w: boom", statehub.ErrModeRejected)
	if rr := do(t, h, http.MethodPost, "/api/mode", `{"mode":"rule"}`, nil); rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for rejected mode, got %d", rr.Code)
	}
}

func TestRouter_DelayAndConnections(t *testing.T) {
	h, mc := newTestRouter("", "")

	rr := do(t, h, http.MethodPost, "/api/groups/Auto/delay", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("group delay: code=%d", rr.Code)
	}
	var body struct {
		Group   string         `json:"group"`
		Results map[string]int `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Group != "Auto" || body.Results["HK-01"] != 42 || body.Results["JP-01"] != -1 {
		t.Errorf("Unexpected group delay body %+v", body)
	}
	if rr := do(t, h, http.MethodPost, "/api/groups/Missing/delay", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown group, got %d", rr.Code)
	}

	if rr := do(t, h, http.MethodGet, "/api/connections", "", nil); rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("Expected empty JSON array, got %d %q", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodDelete, "/api/connections/abc", "", nil); rr.Code != http.StatusNoContent || mc.closedID != "abc" {
		t.Errorf("close one: code=%d id=%q", rr.Code, mc.closedID)
	}
	if rr := do(t, h, http.MethodDelete, "/api/connections", "", nil); rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 when close-all fails, got %d", rr.Code)
	}
}

func TestRouter_BackupErrors(t *testing.T) {
	h, mc := newTestRouter("", "")

	if rr := do(t, h, http.MethodPost, "/api/backup", "", nil); rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 for busy coordinator, got %d", rr.Code)
	}

	mc.restoreErr = backup.ErrUnsupportedBackupVersion
	rr := do(t, h, http.MethodPost, "/api/restore", `{"version":"2.0.0"}`, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/octet-stream")
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unsupported version, got %d", rr.Code)
	}
	if mc.restoredRaw != `{"version":"2.0.0"}` {
		t.Errorf("Expected uploaded body to be handed to restore, got %q", mc.restoredRaw)
	}

	if rr := do(t, h, http.MethodPost, "/api/restore", `{}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing path, got %d", rr.Code)
	}
}

func TestRouter_FiltersAndPause(t *testing.T) {
	h, mc := newTestRouter("", "")

	do(t, h, http.MethodGet, "/api/connections", "", nil)
	if !mc.connQuery.Empty() {
		t.Errorf("Expected no filter fields without query params, got %+v", mc.connQuery)
	}
	do(t, h, http.MethodGet, "/api/connections?keyword=&level=proxy", "", nil)
	if mc.connQuery.Keyword == nil || *mc.connQuery.Keyword != "" || mc.connQuery.Level == nil || *mc.connQuery.Level != "proxy" {
		t.Errorf("Expected present-but-empty keyword to be passed through, got %+v", mc.connQuery)
	}

	if rr := do(t, h, http.MethodPut, "/api/connections/filter", `{"keyword":""}`, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("connection filter: code=%d", rr.Code)
	}
	if mc.connFilter.Keyword == nil || *mc.connFilter.Keyword != "" || mc.connFilter.Level != nil {
		t.Errorf("Expected keyword reset only, got %+v", mc.connFilter)
	}
	if rr := do(t, h, http.MethodPut, "/api/connections/filter", `{}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty filter body, got %d", rr.Code)
	}

	if rr := do(t, h, http.MethodPost, "/api/connections/pause", "", nil); rr.Code != http.StatusNoContent || !mc.connsPaused {
		t.Errorf("pause: code=%d paused=%v", rr.Code, mc.connsPaused)
	}
	if rr := do(t, h, http.MethodPost, "/api/connections/resume", "", nil); rr.Code != http.StatusNoContent || mc.connsPaused {
		t.Errorf("resume: code=%d paused=%v", rr.Code, mc.connsPaused)
	}

	if rr := do(t, h, http.MethodPut, "/api/logs/filter", `{"level":"warning","keyword":"dns"}`, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("log filter: code=%d", rr.Code)
	}
	if *mc.logFilter.Level != "warning" || *mc.logFilter.Keyword != "dns" {
		t.Errorf("Unexpected log filter %+v", mc.logFilter)
	}
	do(t, h, http.MethodGet, "/api/logs?level=error", "", nil)
	if mc.logQuery.Level == nil || *mc.logQuery.Level != "error" || mc.logQuery.Keyword != nil {
		t.Errorf("Unexpected log query %+v", mc.logQuery)
	}
}

func TestRouter_DownloadSubscription(t *testing.T) {
	h, mc := newTestRouter("", "")

	rr := do(t, h, http.MethodPost, "/api/subscriptions", `{"url":"https://example.com/sub","name":"Ex","mode":"core","select":true}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("download: code=%d body=%s", rr.Code, rr.Body.String())
	}
	if mc.download.Mode != "core" || !mc.download.Select {
		t.Errorf("Unexpected request passed to controller: %+v", mc.download)
	}
	var sub subscription.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil || sub.ID != "new" {
		t.Errorf("Unexpected body %q (%v)", rr.Body.String(), err)
	}

	if rr := do(t, h, http.MethodPost, "/api/subscriptions", `{"name":"no url"}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without url, got %d", rr.Code)
	}
	mc.downloadErr = fmt.Errorf("%w: HTTP 403 Forbidden", subscription.ErrDownloadFailed)
	if rr := do(t, h, http.MethodPost, "/api/subscriptions", `{"url":"https://example.com/sub"}`, nil); rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for a failed download, got %d", rr.Code)
	}
	mc.downloadErr = subscription.ErrInvalidProxyMode
	if rr := do(t, h, http.MethodPost, "/api/subscriptions", `{"url":"https://example.com/sub","mode":"x"}`, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an invalid mode, got %d", rr.Code)
	}
}
