package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"corenexus/internal/core/backup"
	"corenexus/internal/core/connections"
	"corenexus/internal/core/latency"
	"corenexus/internal/core/lifecycle"
	"corenexus/internal/core/logs"
	"corenexus/internal/core/statehub"
	"corenexus/internal/coreapi"
	"corenexus/internal/service/web"
	"corenexus/internal/shared/config"
	"corenexus/internal/shared/globalstate"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/settings"
	"corenexus/internal/shared/subscription"
	"corenexus/internal/shared/types"
	"corenexus/internal/sys/sysproxy"
)

const streamReconnectDelay = 2 * time.Second

// AppServer is the application's main struct. It owns every component and
// the wiring between them.
type AppServer struct {
	cfg     *types.Config
	iniPath string
	layout  config.Layout

	appPrefs   *settings.Store
	clashPrefs *settings.Store
	subs       *subscription.Store

	client    *coreapi.Client
	sysProxy  *sysproxy.Manager
	state     *statehub.Hub
	lifecycle *lifecycle.Controller
	probe     *latency.Engine
	logs      *logs.Aggregator
	conns     *connections.Monitor
	backup    *backup.Coordinator
	sync      *Synchronizer
	hub       *web.Hub

	streamMu     sync.Mutex
	streamCancel context.CancelFunc

	stop      chan struct{}
	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// web 层通过 Controller 接口访问 AppServer
var _ web.Controller = (*AppServer)(nil)
var _ settings.ConfigurableModule = (*AppServer)(nil)

// New creates an AppServer from a loaded behaviour config.
func New(cfg *types.Config, iniPath string) (*AppServer, error) {
	s := &AppServer{
		cfg:     cfg,
		iniPath: iniPath,
		layout:  config.Layout{Root: cfg.LocalConf.DataDir},
		stop:    make(chan struct{}),
	}
	for _, dir := range []string{s.layout.Root, s.layout.SubscriptionsDir(), s.layout.OverridesDir(), cfg.CoreConf.HomeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	var err error
	if s.appPrefs, err = settings.NewStore(s.layout.AppPreferences()); err != nil {
		return nil, fmt.Errorf("failed to initialize app preferences: %w", err)
	}
	if s.clashPrefs, err = settings.NewStore(s.layout.ClashPreferences()); err != nil {
		return nil, fmt.Errorf("failed to initialize clash preferences: %w", err)
	}
	s.subs = subscription.NewStore(s.layout, s.clashPrefs)

	if s.client, err = coreapi.NewClient(cfg.CoreConf.Controller, cfg.CoreConf.Secret); err != nil {
		return nil, err
	}
	s.sysProxy = sysproxy.NewManager()
	if cfg.CoreConf.MixedPort > 0 {
		s.sysProxy.SetEndpoint("127.0.0.1", cfg.CoreConf.MixedPort)
	}

	s.state = statehub.New(statehub.Options{
		API:         s.client,
		SystemProxy: s.sysProxy,
		Configs:     s.subs,
		WriteMode:   coreapi.WriteMode,
		Prefs:       s.clashPrefs,
	})

	var socksCheckURL string
	if cfg.CoreConf.SocksCheck {
		socksCheckURL = cfg.ProbeConf.TestURL
	}
	s.lifecycle = lifecycle.New(lifecycle.Options{
		Process:       lifecycle.NewSupervisor(cfg.CoreConf.Binary, cfg.CoreConf.HomeDir, coreArgs(cfg.CoreConf)...),
		Prober:        s.client,
		Resolver:      s.subs,
		SystemProxy:   s.state,
		Sink:          s.state,
		ReadyTimeout:  time.Duration(cfg.CoreConf.ReadyTimeout) * time.Second,
		SocksCheckURL: socksCheckURL,
		OnProfile:     s.onProfile,
	})

	s.probe = latency.New(s.client, cfg.ProbeConf)
	s.logs = logs.New()
	s.conns = connections.New(s.client, s.lifecycle)
	s.backup = backup.New(s.layout, s.appPrefs, s.clashPrefs, cfg.LocalConf.AppVersion, s.state)

	s.sync = NewSynchronizer(s.state, s.lifecycle, s.logs, s.conns)
	s.hub = web.NewHub(func() *web.WebSocketMessage {
		return &web.WebSocketMessage{Type: FrameStatus, Data: s.sync.Status()}
	})
	s.sync.Subscribe(func(f Frame) { s.hub.Broadcast(f.Type, f.Data) })

	s.lifecycle.Subscribe(s.onCoreStatus)
	s.state.Subscribe(s.onStateChange())
	s.clashPrefs.Register(settings.KeyCurrentSubscription, s)
	s.clashPrefs.Register(settings.ReloadAll, s)

	return s, nil
}

// coreArgs 把控制面的 external-controller 设置传给核心，覆盖配置文件中的值。
func coreArgs(c types.CoreConf) []string {
	var args []string
	if strings.HasPrefix(c.Controller, "unix://") {
		args = append(args, "-ext-ctl-unix", strings.TrimPrefix(c.Controller, "unix://"))
	} else {
		addr := c.Controller
		if i := strings.Index(addr, "://"); i >= 0 {
			addr = addr[i+3:]
		}
		args = append(args, "-ext-ctl", strings.TrimRight(addr, "/"))
	}
	if c.Secret != "" {
		args = append(args, "-secret", c.Secret)
	}
	return args
}

// onProfile points the system proxy at the core's mixed/socks port.
func (s *AppServer) onProfile(p *coreapi.Profile) {
	if s.cfg.CoreConf.MixedPort > 0 {
		return
	}
	if port := p.ProxyPort(); port > 0 {
		s.sysProxy.SetEndpoint("127.0.0.1", port)
	}
}

// onCoreStatus 在核心进入 Running 时启动轮询和日志/流量订阅，离开 Running 时停止。
func (s *AppServer) onCoreStatus(st lifecycle.Status) {
	active := st.Running && !st.Loading
	s.conns.OnCoreRunning(active)
	if st.Loading && !st.Running {
		// 新启动的核心可能加载了不同的配置，旧的延迟不再有效
		s.probe.ResetCache()
	}
	if active {
		s.startStreams()
	} else {
		s.stopStreams()
	}
}

// onStateChange re-applies persisted TUN and system-proxy state once the
// core reports running. Hub callbacks must not call hub setters, so the work
// runs on its own goroutine.
func (s *AppServer) onStateChange() func(statehub.TrackedState) {
	var mu sync.Mutex
	wasRunning := false
	return func(st statehub.TrackedState) {
		mu.Lock()
		started := st.CoreRunning && !wasRunning
		wasRunning = st.CoreRunning
		mu.Unlock()
		if !started {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if st.TunEnabled && !s.state.SetTunEnabled(ctx, true) {
				logger.Warn().Msg("[AppServer] Failed to re-apply TUN mode after core start.")
			}
			if st.SystemProxyEnabled && !s.state.SetSystemProxy(ctx, true) {
				logger.Warn().Msg("[AppServer] Failed to re-apply system proxy after core start.")
			}
		}()
	}
}

// OnSettingsUpdate keeps hasActiveSubscription in sync with the clash preferences.
func (s *AppServer) OnSettingsUpdate(key string, _ interface{}) error {
	if key == settings.KeyCurrentSubscription || key == settings.ReloadAll {
		s.probe.ResetCache()
		s.state.SetHasActiveSubscription(s.subs.HasActive())
	}
	return nil
}

func (s *AppServer) startStreams() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.streamCancel = cancel

	s.waitGroup.Add(2)
	go func() {
		defer s.waitGroup.Done()
		s.logs.Attach(ctx, s.client, s.cfg.CoreConf.LogLevel)
	}()
	go func() {
		defer s.waitGroup.Done()
		s.trafficLoop(ctx)
	}()
}

func (s *AppServer) stopStreams() {
	s.streamMu.Lock()
	cancel := s.streamCancel
	s.streamCancel = nil
	s.streamMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// trafficLoop 订阅核心的 /traffic 流，断开后重连。
func (s *AppServer) trafficLoop(ctx context.Context) {
	for {
		err := s.client.StreamTraffic(ctx, s.sync.PublishTraffic)
		if ctx.Err() != nil {
			return
		}
		logger.Debug().Err(err).Msg("[AppServer] Traffic stream disconnected, reconnecting.")
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectDelay):
		}
	}
}

// Run is the server's entry point. It blocks until Stop is called.
func (s *AppServer) Run() error {
	logger.Info().Str("config", s.iniPath).Str("data_dir", s.layout.Root).Str("controller", s.client.Endpoint()).Msg("Starting corenexus...")
	globalstate.GlobalStatus.Set("Core Stopped")

	go s.hub.Run(s.stop)
	if err := web.StartServer(&s.waitGroup, s.cfg, s, s.hub, s.stop); err != nil {
		return err
	}

	if s.appPrefs.GetBool(settings.KeyAutoStartCore, false) {
		s.waitGroup.Add(1)
		go func() {
			defer s.waitGroup.Done()
			if err := s.StartCore(context.Background()); err != nil {
				logger.Error().Err(err).Msg("[AppServer] Auto-start of the core failed.")
			}
		}()
	}

	<-s.stop
	s.Wait()
	return nil
}

// Stop gracefully shuts down the server: the core is stopped (system proxy
// first), then background loops exit.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msg("Stopping corenexus...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.lifecycle.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Error while shutting down the core.")
		}
		s.stopStreams()
		s.conns.Stop()
		s.logs.Close()
		s.sync.Close()
		close(s.stop)
	})
}

func (s *AppServer) Wait() {
	s.waitGroup.Wait()
}
