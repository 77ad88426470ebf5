package app

import (
	"context"
	"errors"

	"corenexus/internal/core/statehub"
	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

// Status implements web.Controller.
func (s *AppServer) Status() interface{} {
	return s.sync.Status()
}

// StartCore starts the core with the current subscription's config.
func (s *AppServer) StartCore(ctx context.Context) error {
	return s.lifecycle.Start(ctx, "")
}

// StopCore stops the core; the lifecycle controller turns the system proxy off first.
func (s *AppServer) StopCore(ctx context.Context) error {
	return s.lifecycle.Stop(ctx)
}

func (s *AppServer) RestartCore(ctx context.Context) error {
	return s.lifecycle.Restart(ctx)
}

func (s *AppServer) SetSystemProxy(ctx context.Context, enabled bool) bool {
	return s.state.SetSystemProxy(ctx, enabled)
}

func (s *AppServer) SetTunEnabled(ctx context.Context, enabled bool) bool {
	return s.state.SetTunEnabled(ctx, enabled)
}

// ChangeMode 核心运行时走 RPC，否则写入尚未加载的配置文件。
func (s *AppServer) ChangeMode(ctx context.Context, mode types.OutboundMode) error {
	parsed, ok := types.ParseOutboundMode(string(mode))
	if !ok {
		return statehub.ErrInvalidMode
	}
	err := s.state.SetMode(ctx, parsed)
	if errors.Is(err, statehub.ErrCoreNotRunning) {
		logger.Debug().Str("mode", string(parsed)).Msg("[AppServer] Core stopped, writing mode offline.")
		return s.state.SetModeOffline(parsed)
	}
	return err
}
