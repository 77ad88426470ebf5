package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"corenexus/internal/core/backup"
	"corenexus/internal/core/lifecycle"
	"corenexus/internal/core/statehub"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/subscription"
	"corenexus/internal/shared/types"
)

// Controller defines what the web handler needs from the application.
// This decouples the web package from the app package.
type Controller interface {
	Status() interface{}

	StartCore(ctx context.Context) error
	StopCore(ctx context.Context) error
	RestartCore(ctx context.Context) error

	SetSystemProxy(ctx context.Context, enabled bool) bool
	SetTunEnabled(ctx context.Context, enabled bool) bool
	ChangeMode(ctx context.Context, mode types.OutboundMode) error

	Proxies(ctx context.Context) ([]types.ProxyNode, []types.ProxyGroup, error)
	SelectProxy(ctx context.Context, group, member string) error
	TestProxy(ctx context.Context, name string) (node string, delay int, err error)
	TestGroup(ctx context.Context, group string) (map[string]int, error)

	Connections(filter types.ViewFilter) []types.ConnectionInfo
	SetConnectionFilter(filter types.ViewFilter)
	PauseConnections(paused bool)
	CloseConnection(ctx context.Context, id string) bool
	CloseAllConnections(ctx context.Context) bool

	Logs(filter types.ViewFilter) []types.LogMessage
	SetLogFilter(filter types.ViewFilter)
	PauseLogs(paused bool)
	ClearLogs()

	Subscriptions() ([]subscription.Subscription, string, error)
	SelectSubscription(id string) error
	DownloadSubscription(ctx context.Context, req DownloadRequest) (subscription.Subscription, error)

	CreateBackup(target string) (string, error)
	RestoreBackup(path string) error
}

// ErrGroupNotFound is returned by TestGroup for an unknown group.
var ErrGroupNotFound = errors.New("proxy group not found")

// DownloadRequest 是 POST /api/subscriptions 的请求体。
// ID 非空时刷新已有订阅；Timeout 单位为秒。
type DownloadRequest struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url"`
	Mode      string `json:"mode,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
	Select    bool   `json:"select,omitempty"`
}

type Handler struct {
	controller Controller
}

func NewHandler(controller Controller) *Handler {
	return &Handler{controller: controller}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("[Handler] Failed to encode response")
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, backup.ErrBusy),
		errors.Is(err, lifecycle.ErrTransitioning),
		errors.Is(err, lifecycle.ErrAlreadyRunning),
		errors.Is(err, statehub.ErrCoreNotRunning):
		return http.StatusConflict
	case errors.Is(err, backup.ErrUnsupportedBackupVersion),
		errors.Is(err, backup.ErrIncompleteBackup),
		errors.Is(err, backup.ErrInvalidBackup),
		errors.Is(err, statehub.ErrInvalidMode),
		errors.Is(err, lifecycle.ErrConfigMissing),
		errors.Is(err, subscription.ErrNoActiveSubscription),
		errors.Is(err, subscription.ErrInvalidProxyMode):
		return http.StatusBadRequest
	case errors.Is(err, ErrGroupNotFound):
		return http.StatusNotFound
	case errors.Is(err, statehub.ErrModeRejected),
		errors.Is(err, lifecycle.ErrStartFailed),
		errors.Is(err, subscription.ErrDownloadFailed),
		errors.Is(err, subscription.ErrEmptySubscription):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeMessage(w, statusFor(err), err.Error())
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Status())
}

func (h *Handler) HandleCoreStart(w http.ResponseWriter, r *http.Request) {
	logger.Info().Msg("[Handler] Received request to start the core.")
	if err := h.controller.StartCore(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

func (h *Handler) HandleCoreStop(w http.ResponseWriter, r *http.Request) {
	logger.Info().Msg("[Handler] Received request to stop the core.")
	if err := h.controller.StopCore(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

func (h *Handler) HandleCoreRestart(w http.ResponseWriter, r *http.Request) {
	logger.Info().Msg("[Handler] Received request to restart the core.")
	if err := h.controller.RestartCore(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) decodeToggle(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req toggleRequest
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		writeMessage(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return false, false
	}
	return *req.Enabled, true
}

// HandleSystemProxy 处理 POST /api/system-proxy
func (h *Handler) HandleSystemProxy(w http.ResponseWriter, r *http.Request) {
	enabled, ok := h.decodeToggle(w, r)
	if !ok {
		return
	}
	if !h.controller.SetSystemProxy(r.Context(), enabled) {
		writeMessage(w, http.StatusBadGateway, "failed to change system proxy")
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleTun 处理 POST /api/tun
func (h *Handler) HandleTun(w http.ResponseWriter, r *http.Request) {
	enabled, ok := h.decodeToggle(w, r)
	if !ok {
		return
	}
	if !h.controller.SetTunEnabled(r.Context(), enabled) {
		writeMessage(w, http.StatusBadGateway, "failed to change TUN mode")
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

// HandleMode 处理 POST /api/mode
func (h *Handler) HandleMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.controller.ChangeMode(r.Context(), types.OutboundMode(req.Mode)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.controller.Status())
}

func (h *Handler) HandleGetProxies(w http.ResponseWriter, r *http.Request) {
	nodes, groups, err := h.controller.Proxies(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes":  nodes,
		"groups": groups,
	})
}

// HandleSelectProxy 处理 PUT /api/proxies/{name}
func (h *Handler) HandleSelectProxy(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "name")
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeMessage(w, http.StatusBadRequest, `body must be {"name": "<member>"}`)
		return
	}
	if err := h.controller.SelectProxy(r.Context(), group, req.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleProxyDelay 处理 POST /api/proxies/{name}/delay
func (h *Handler) HandleProxyDelay(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	node, delay, err := h.controller.TestProxy(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":  name,
		"node":  node,
		"delay": delay,
	})
}

// HandleGroupDelay 处理 POST /api/groups/{name}/delay。部分结果通过 /ws 推送。
func (h *Handler) HandleGroupDelay(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "name")
	results, err := h.controller.TestGroup(r.Context(), group)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group":   group,
		"results": results,
	})
}

// queryFilter 只取请求中出现的参数；?keyword= 表示本次查询不按关键字过滤。
func queryFilter(r *http.Request) types.ViewFilter {
	q := r.URL.Query()
	var f types.ViewFilter
	if q.Has("level") {
		v := q.Get("level")
		f.Level = &v
	}
	if q.Has("keyword") {
		v := q.Get("keyword")
		f.Keyword = &v
	}
	return f
}

func decodeFilter(w http.ResponseWriter, r *http.Request) (types.ViewFilter, bool) {
	var f types.ViewFilter
	if err := decodeBody(r, &f); err != nil || f.Empty() {
		writeMessage(w, http.StatusBadRequest, `body must be {"level": "...", "keyword": "..."}`)
		return f, false
	}
	return f, true
}

func (h *Handler) HandleGetConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.controller.Connections(queryFilter(r))
	if conns == nil {
		conns = []types.ConnectionInfo{}
	}
	writeJSON(w, http.StatusOK, conns)
}

// HandleConnectionFilter 处理 PUT /api/connections/filter，修改所有观察者共享的过滤条件。
func (h *Handler) HandleConnectionFilter(w http.ResponseWriter, r *http.Request) {
	f, ok := decodeFilter(w, r)
	if !ok {
		return
	}
	h.controller.SetConnectionFilter(f)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandlePauseConnections(w http.ResponseWriter, r *http.Request) {
	h.controller.PauseConnections(true)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleResumeConnections(w http.ResponseWriter, r *http.Request) {
	h.controller.PauseConnections(false)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCloseConnection(w http.ResponseWriter, r *http.Request) {
	if !h.controller.CloseConnection(r.Context(), chi.URLParam(r, "id")) {
		writeMessage(w, http.StatusConflict, "failed to close connection")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCloseAllConnections(w http.ResponseWriter, r *http.Request) {
	if !h.controller.CloseAllConnections(r.Context()) {
		writeMessage(w, http.StatusConflict, "failed to close connections")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	msgs := h.controller.Logs(queryFilter(r))
	if msgs == nil {
		msgs = []types.LogMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// HandleLogFilter 处理 PUT /api/logs/filter。关键字变更有 300ms 防抖。
func (h *Handler) HandleLogFilter(w http.ResponseWriter, r *http.Request) {
	f, ok := decodeFilter(w, r)
	if !ok {
		return
	}
	h.controller.SetLogFilter(f)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) HandlePauseLogs(w http.ResponseWriter, r *http.Request) {
	h.controller.PauseLogs(true)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleResumeLogs(w http.ResponseWriter, r *http.Request) {
	h.controller.PauseLogs(false)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleClearLogs(w http.ResponseWriter, r *http.Request) {
	h.controller.ClearLogs()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	list, current, err := h.controller.Subscriptions()
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []subscription.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current":       current,
		"subscriptions": list,
	})
}

func (h *Handler) HandleSelectSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil || req.ID == "" {
		writeMessage(w, http.StatusBadRequest, `body must be {"id": "<subscription id>"}`)
		return
	}
	if err := h.controller.SelectSubscription(req.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDownloadSubscription 处理 POST /api/subscriptions：下载并保存订阅配置。
func (h *Handler) HandleDownloadSubscription(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := decodeBody(r, &req); err != nil || req.URL == "" {
		writeMessage(w, http.StatusBadRequest, `body must be {"url": "<subscription url>"}`)
		return
	}
	logger.Info().Str("url", req.URL).Msg("[Handler] Received request to download a subscription.")
	sub, err := h.controller.DownloadSubscription(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// HandleCreateBackup 处理 POST /api/backup。可选 body: {"path": "..."}
func (h *Handler) HandleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
			writeMessage(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	path, err := h.controller.CreateBackup(req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// HandleRestoreBackup 处理 POST /api/restore。
// JSON body {"path": "..."} 还原服务器上的文件；其他内容类型视为上传的备份文件本身。
func (h *Handler) HandleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Path string `json:"path"`
		}
		if err := decodeBody(r, &req); err != nil || req.Path == "" {
			writeMessage(w, http.StatusBadRequest, `body must be {"path": "<backup file>"}`)
			return
		}
		if err := h.controller.RestoreBackup(req.Path); err != nil {
			writeError(w, err)
			return
		}
		writeMessage(w, http.StatusOK, "Backup restored successfully")
		return
	}

	tmp, err := os.CreateTemp("", "nexus-restore-*"+backup.FileExtension)
	if err != nil {
		writeError(w, err)
		return
	}
	defer os.Remove(tmp.Name())
	_, err = io.Copy(tmp, io.LimitReader(r.Body, 256<<20))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "failed to read uploaded backup: "+err.Error())
		return
	}
	if err := h.controller.RestoreBackup(tmp.Name()); err != nil {
		writeError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Backup restored successfully")
}
