package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

var ErrNotReady = errors.New("core controller did not become ready")

const readyPollInterval = 200 * time.Millisecond

// VersionProber is satisfied by the core API client.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// waitReady 轮询 /version 直到核心控制器可用、超时或核心进程退出。
func waitReady(ctx context.Context, prober VersionProber, timeout time.Duration, exited <-chan struct{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, time.Second)
		version, err := prober.Version(probeCtx)
		probeCancel()
		if err == nil {
			return version, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w after %s: %v", ErrNotReady, timeout, lastErr)
		case <-exited:
			return "", fmt.Errorf("%w: core process exited during startup", ErrNotReady)
		case <-ticker.C:
		}
	}
}

// checkSocks 通过核心的 mixed-port 完成一次 SOCKS5 握手并连接 target。
func checkSocks(ctx context.Context, port int, target string) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	dialer, err := proxy.SOCKS5("tcp", addr, nil, &net.Dialer{Timeout: 3 * time.Second})
	if err != nil {
		return err
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return fmt.Errorf("socks5 dialer does not support context")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := ctxDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("socks5 check via %s: %w", addr, err)
	}
	return conn.Close()
}
