// Package lifecycle supervises the proxy-core process and exposes its
// running/loading state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"corenexus/internal/coreapi"
	"corenexus/internal/shared/broadcast"
	"corenexus/internal/shared/globalstate"
	"corenexus/internal/shared/logger"
)

var (
	ErrConfigMissing  = errors.New("no resolvable core configuration")
	ErrStartFailed    = errors.New("core failed to start")
	ErrTransitioning  = errors.New("core is starting or stopping")
	ErrAlreadyRunning = errors.New("core is already running")
	ErrClosed         = errors.New("lifecycle controller is shut down")
)

// State 是生命周期状态机的内部状态，外部只能观察 running/loading。
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Status is what observers see.
type Status struct {
	Running bool `json:"running"`
	Loading bool `json:"loading"`
}

func statusOf(s State) Status {
	switch s {
	case Starting:
		return Status{Running: false, Loading: true}
	case Running:
		return Status{Running: true}
	case Stopping:
		return Status{Running: true, Loading: true}
	default:
		return Status{}
	}
}

// ConfigResolver returns the current subscription's config path.
type ConfigResolver interface {
	ActiveConfigPath() (string, error)
}

// SystemProxyGuard is consulted before the core is torn down.
type SystemProxyGuard interface {
	SystemProxyEnabled() bool
	SetSystemProxy(ctx context.Context, enabled bool) bool
}

// RunningSink receives the core's running flag (the state hub).
type RunningSink interface {
	SetCoreRunning(running bool)
}

type Options struct {
	Process      Process
	Prober       VersionProber
	Resolver     ConfigResolver
	SystemProxy  SystemProxyGuard
	Sink         RunningSink
	ReadyTimeout time.Duration
	// SocksCheckURL enables a SOCKS5 handshake through the mixed port once the
	// controller answers; the URL's host:port is used as the dial target.
	SocksCheckURL string
	// OnProfile is called with the parsed core config before the process starts.
	OnProfile func(*coreapi.Profile)
}

// Controller drives Stopped → Starting → Running → Stopping → Stopped.
type Controller struct {
	opMu sync.Mutex // 串行化 Start/Stop/Restart
	mu   sync.RWMutex
	// 以下字段受 mu 保护
	state      State
	configPath string
	version    string
	closed     bool

	opts        Options
	broadcaster *broadcast.Broadcaster[Status]
	log         zerolog.Logger
}

func New(opts Options) *Controller {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Second
	}
	return &Controller{
		opts:        opts,
		broadcaster: broadcast.New[Status](),
		log:         logger.WithComponent("lifecycle"),
	}
}

func (c *Controller) Subscribe(fn func(Status)) *broadcast.Subscription {
	return c.broadcaster.Subscribe(fn)
}

func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return statusOf(c.state).Running
}

func (c *Controller) IsLoading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return statusOf(c.state).Loading
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return statusOf(c.state)
}

// Version is the core version reported when it became ready.
func (c *Controller) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// ConfigPath is the config the running core was started with.
func (c *Controller) ConfigPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configPath
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if from == to {
		return
	}
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Lifecycle transition.")
	globalstate.GlobalStatus.Set("Core " + to.String())
	if statusOf(from) != statusOf(to) {
		c.broadcaster.Publish(statusOf(to))
	}
}

func (c *Controller) resolveConfig(configPath string) (string, error) {
	if configPath == "" {
		if c.opts.Resolver == nil {
			return "", ErrConfigMissing
		}
		p, err := c.opts.Resolver.ActiveConfigPath()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrConfigMissing, err)
		}
		configPath = p
	}
	if _, err := os.Stat(configPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}
	return configPath, nil
}

// Start 启动核心。configPath 为空时使用当前订阅的配置。
// 失败时状态保持 Stopped，不会自动重试。
func (c *Controller) Start(ctx context.Context, configPath string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(ctx, configPath)
}

func (c *Controller) startLocked(ctx context.Context, configPath string) error {
	c.mu.RLock()
	state, closed := c.state, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	switch state {
	case Running:
		return ErrAlreadyRunning
	case Starting, Stopping:
		return ErrTransitioning
	}

	path, err := c.resolveConfig(configPath)
	if err != nil {
		c.log.Error().Err(err).Msg("Cannot start core.")
		return err
	}

	var profile *coreapi.Profile
	if p, err := coreapi.ReadProfile(path); err != nil {
		c.log.Warn().Err(err).Str("config", path).Msg("Failed to read core config, continuing.")
	} else {
		profile = p
		if c.opts.OnProfile != nil {
			c.opts.OnProfile(p)
		}
	}

	c.transition(Starting)
	if err := c.opts.Process.Start(ctx, path); err != nil {
		c.log.Error().Err(err).Str("config", path).Msg("Failed to spawn core.")
		c.transition(Stopped)
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	version, err := waitReady(ctx, c.opts.Prober, c.opts.ReadyTimeout, c.opts.Process.Done())
	if err != nil {
		c.log.Error().Err(err).Msg("Core did not become ready, stopping it.")
		if stopErr := c.opts.Process.Stop(context.Background()); stopErr != nil {
			c.log.Warn().Err(stopErr).Msg("Failed to stop core after startup failure.")
		}
		c.transition(Stopped)
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	if c.opts.SocksCheckURL != "" && profile != nil && profile.ProxyPort() > 0 {
		if target := hostPort(c.opts.SocksCheckURL); target != "" {
			if err := checkSocks(ctx, profile.ProxyPort(), target); err != nil {
				c.log.Warn().Err(err).Msg("SOCKS5 check through the core failed.")
			} else {
				c.log.Debug().Int("port", profile.ProxyPort()).Msg("SOCKS5 check passed.")
			}
		}
	}

	c.mu.Lock()
	c.configPath = path
	c.version = version
	c.mu.Unlock()

	c.transition(Running)
	if c.opts.Sink != nil {
		c.opts.Sink.SetCoreRunning(true)
	}
	c.log.Info().Str("version", version).Str("config", path).Msg("Core is running.")

	go c.watchExit(c.opts.Process.Done())
	return nil
}

// watchExit 处理核心进程意外退出。
func (c *Controller) watchExit(done <-chan struct{}) {
	if done == nil {
		return
	}
	<-done

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != Running {
		return
	}
	c.log.Error().Msg("Core process exited unexpectedly.")
	c.transition(Stopped)
	if c.opts.Sink != nil {
		c.opts.Sink.SetCoreRunning(false)
	}
}

// Stop 停止核心。系统代理总是在进程被终止之前关闭。
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stopLocked(ctx)
}

func (c *Controller) stopLocked(ctx context.Context) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state != Running {
		return nil
	}

	c.transition(Stopping)

	if c.opts.SystemProxy != nil && c.opts.SystemProxy.SystemProxyEnabled() {
		if !c.opts.SystemProxy.SetSystemProxy(ctx, false) {
			c.log.Warn().Msg("Failed to disable system proxy before stopping core.")
		}
	}

	err := c.opts.Process.Stop(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Error while stopping core.")
	}

	c.transition(Stopped)
	if c.opts.Sink != nil {
		c.opts.Sink.SetCoreRunning(false)
	}
	c.log.Info().Msg("Core stopped.")
	return err
}

// Restart stops the core and starts it again with the same config.
func (c *Controller) Restart(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	path := c.ConfigPath()
	if err := c.stopLocked(ctx); err != nil {
		return err
	}
	return c.startLocked(ctx, path)
}

// Shutdown is the exit path: stop the core and refuse further starts.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.stopLocked(ctx)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func hostPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
