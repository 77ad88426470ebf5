package coreapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"corenexus/internal/shared/types"
)

const proxiesDoc = `{"proxies":{
 "DIRECT":{"name":"DIRECT","type":"Direct","history":[]},
 "HK-01":{"name":"HK-01","type":"Shadowsocks","history":[{"delay":120},{"delay":88}]},
 "JP-01":{"name":"JP-01","type":"Vmess","history":[{"delay":0}]},
 "Proxy":{"name":"Proxy","type":"Selector","all":["Auto","HK-01","DIRECT"],"now":"Auto"},
 "Auto":{"name":"Auto","type":"URLTest","all":["HK-01","JP-01"],"now":"HK-01"}
}}`

func TestParseProxies(t *testing.T) {
	nodes, groups := ParseProxies([]byte(proxiesDoc))

	if len(nodes) != 3 {
		t.Fatalf("Expected 3 nodes, got %d: %+v", len(nodes), nodes)
	}
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d: %+v", len(groups), groups)
	}
	byName := map[string]types.ProxyNode{}
	for _, n := range nodes {
		byName[n.Name] = n
	}
	if byName["HK-01"].Delay != 88 {
		t.Errorf("Expected HK-01 delay from last history entry (88), got %d", byName["HK-01"].Delay)
	}
	if byName["JP-01"].Delay != types.DelayUnknown {
		t.Errorf("Expected zero delay to map to unknown, got %d", byName["JP-01"].Delay)
	}
	if groups[1].Name != "Proxy" || groups[1].Now != "Auto" || len(groups[1].All) != 3 {
		t.Errorf("Unexpected Proxy group: %+v", groups[1])
	}
}

func TestClient_AuthAndDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Unauthorized"}`))
			return
		}
		switch {
		case r.URL.Path == "/version":
			w.Write([]byte(`{"version":"v1.18.0"}`))
		case r.URL.Path == "/proxies/HK 01/delay":
			if r.URL.Query().Get("timeout") != "5000" {
				t.Errorf("Expected timeout=5000, got %q", r.URL.Query().Get("timeout"))
			}
			w.Write([]byte(`{"delay":42}`))
		case r.URL.Path == "/proxies/bad/delay":
			w.WriteHeader(http.StatusGatewayTimeout)
			w.Write([]byte(`{"message":"Timeout"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	v, err := c.Version(ctx)
	if err != nil || v != "v1.18.0" {
		t.Fatalf("Version() = %q, %v", v, err)
	}
	d, err := c.ProxyDelay(ctx, "HK 01", "http://example.com", 5*time.Second)
	if err != nil || d != 42 {
		t.Errorf("ProxyDelay() = %d, %v", d, err)
	}
	if _, err := c.ProxyDelay(ctx, "bad", "http://example.com", time.Second); err == nil {
		t.Error("Expected error for timed out delay probe")
	}

	bad, _ := NewClient(srv.URL, "wrong")
	if _, err := bad.Version(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestClient_PatchAndConnections(t *testing.T) {
	var patched string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/configs":
			buf := make([]byte, 256)
			n, _ := r.Body.Read(buf)
			patched = string(buf[:n])
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/connections":
			w.Write([]byte(`{"downloadTotal":1,"uploadTotal":2,"connections":[
			 {"id":"c1","upload":10,"download":20,"start":"2024-01-02T03:04:05Z","chains":["HK-01","Proxy"],"rule":"Match",
			  "metadata":{"network":"tcp","host":"example.com","destinationPort":"443","process":"curl"}}]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/connections/c1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, _ := NewClient(strings.TrimPrefix(srv.URL, "http://"), "")
	ctx := context.Background()

	if err := c.SetMode(ctx, types.ModeGlobal); err != nil {
		t.Fatalf("SetMode() returned an error: %v", err)
	}
	if patched != `{"mode":"global"}` {
		t.Errorf("Unexpected patch body %q", patched)
	}

	conns, err := c.GetConnections(ctx)
	if err != nil {
		t.Fatalf("GetConnections() returned an error: %v", err)
	}
	if len(conns) != 1 || conns[0].Description() != "example.com:443" || conns[0].TerminalNode() != "Proxy" {
		t.Errorf("Unexpected connections %+v", conns)
	}
	if err := c.CloseConnection(ctx, "c1"); err != nil {
		t.Errorf("CloseConnection() returned an error: %v", err)
	}
	if err := c.CloseConnection(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClient_UnixSocketAndLogStream(t *testing.T) {
	dir, err := os.MkdirTemp("", "nx")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "core.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/version":
			w.Write([]byte(`{"version":"unix"}`))
		case "/logs":
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"info","payload":"hello"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":"boom"}`))
			time.Sleep(50 * time.Millisecond)
		}
	}))
	srv.Listener = ln
	srv.Start()
	defer srv.Close()

	c, err := NewClient("unix://"+sock, "")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if v, err := c.Version(ctx); err != nil || v != "unix" {
		t.Fatalf("Version() over unix socket = %q, %v", v, err)
	}

	var got []types.LogMessage
	_ = c.StreamLogs(ctx, "info", func(m types.LogMessage) { got = append(got, m) })
	if len(got) != 2 || got[0].Payload != "hello" || got[1].Level != "error" {
		t.Errorf("Unexpected log frames %+v", got)
	}
}

func TestWriteMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	orig := "mixed-port: 7890\nmode: rule\nproxies:\n  - name: a\n    type: ss\n"
	if err := os.WriteFile(path, []byte(orig), 0600); err != nil {
		t.Fatal(err)
	}
	if err := WriteMode(path, types.ModeDirect); err != nil {
		t.Fatalf("WriteMode() returned an error: %v", err)
	}
	p, err := ReadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Mode != "direct" || p.MixedPort != 7890 {
		t.Errorf("Unexpected profile after WriteMode: %+v", p)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "name: a") {
		t.Errorf("Expected unrelated keys to be preserved, got:\n%s", data)
	}
}
