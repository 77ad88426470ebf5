package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

// loggingListener logs accepted connections at debug level.
type loggingListener struct {
	net.Listener
}

func (l loggingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err == nil {
		logger.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("[WebServer] Connection accepted.")
	}
	return conn, err
}

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(user, pass string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
		if user == "" || pass == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || u != user || p != pass {
				w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte("Unauthorized.\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter builds the HTTP API. /ws and /api/status stay public.
func NewRouter(cfg *types.Config, controller Controller, hub *Hub) http.Handler {
	handler := NewHandler(controller)
	r := chi.NewRouter()

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	r.Get("/api/status", handler.HandleStatus)

	r.Group(func(r chi.Router) {
		r.Use(basicAuthMiddleware(cfg.LocalConf.WebUser, cfg.LocalConf.WebPassword))

		r.Route("/api/core", func(r chi.Router) {
			r.Post("/start", handler.HandleCoreStart)
			r.Post("/stop", handler.HandleCoreStop)
			r.Post("/restart", handler.HandleCoreRestart)
		})
		r.Post("/api/system-proxy", handler.HandleSystemProxy)
		r.Post("/api/tun", handler.HandleTun)
		r.Post("/api/mode", handler.HandleMode)

		r.Get("/api/proxies", handler.HandleGetProxies)
		r.Put("/api/proxies/{name}", handler.HandleSelectProxy)
		r.Post("/api/proxies/{name}/delay", handler.HandleProxyDelay)
		r.Post("/api/groups/{name}/delay", handler.HandleGroupDelay)

		r.Get("/api/connections", handler.HandleGetConnections)
		r.Put("/api/connections/filter", handler.HandleConnectionFilter)
		r.Post("/api/connections/pause", handler.HandlePauseConnections)
		r.Post("/api/connections/resume", handler.HandleResumeConnections)
		r.Delete("/api/connections", handler.HandleCloseAllConnections)
		r.Delete("/api/connections/{id}", handler.HandleCloseConnection)

		r.Get("/api/logs", handler.HandleGetLogs)
		r.Put("/api/logs/filter", handler.HandleLogFilter)
		r.Delete("/api/logs", handler.HandleClearLogs)
		r.Post("/api/logs/pause", handler.HandlePauseLogs)
		r.Post("/api/logs/resume", handler.HandleResumeLogs)

		r.Get("/api/subscriptions", handler.HandleGetSubscriptions)
		r.Post("/api/subscriptions", handler.HandleDownloadSubscription)
		r.Put("/api/subscriptions/current", handler.HandleSelectSubscription)

		r.Post("/api/backup", handler.HandleCreateBackup)
		r.Post("/api/restore", handler.HandleRestoreBackup)
	})
	return r
}

// StartServer 启动 Web API，在 stop 关闭时优雅退出。web_port <= 0 时不启动。
func StartServer(wg *sync.WaitGroup, cfg *types.Config, controller Controller, hub *Hub, stop <-chan struct{}) error {
	if cfg.LocalConf.WebPort <= 0 {
		logger.Warn().Msg("[WebServer] Web API is disabled (web_port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.LocalConf.WebPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}
	logger.Info().Msgf("Web API is listening on http://%s", addr)

	srv := &http.Server{
		Handler:           NewRouter(cfg, controller, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Serve(loggingListener{Listener: listener}); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server error")
		}
		logger.Info().Msg("Web server stopped.")
	}()
	go func() {
		defer wg.Done()
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	return nil
}
