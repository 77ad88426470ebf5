package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"corenexus/internal/shared/logger"
	"corenexus/internal/shared/types"
)

const stopGracePeriod = 5 * time.Second

var ErrProcessRunning = errors.New("core process already running")

// Process is the supervised proxy-core process.
type Process interface {
	Start(ctx context.Context, configPath string) error
	Stop(ctx context.Context) error
	Status() types.CoreStatus
	// Done is closed when the current process exits; nil when nothing was started.
	Done() <-chan struct{}
}

// Supervisor 启动并管理核心二进制进程。
type Supervisor struct {
	binary  string
	homeDir string
	args    []string
	log     zerolog.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	done       chan struct{}
	startedAt  time.Time
	configPath string
}

// NewSupervisor 创建进程管理器。extraArgs 追加在 -d/-f 之后。
func NewSupervisor(binary, homeDir string, extraArgs ...string) *Supervisor {
	return &Supervisor{
		binary:  binary,
		homeDir: homeDir,
		args:    extraArgs,
		log:     logger.WithComponent("core-process"),
	}
}

func (s *Supervisor) Start(ctx context.Context, configPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil && !isClosed(s.done) {
		return ErrProcessRunning
	}

	args := []string{"-d", s.homeDir, "-f", configPath}
	args = append(args, s.args...)
	cmd := exec.Command(s.binary, args...)
	setProcessGroup(cmd)
	cmd.Stdout = s.log.With().Str("stream", "stdout").Logger()
	cmd.Stderr = s.log.With().Str("stream", "stderr").Logger()

	s.log.Info().Str("binary", s.binary).Strs("args", args).Msg("Starting core process.")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.binary, err)
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.startedAt = time.Now()
	s.configPath = configPath

	go func() {
		err := cmd.Wait()
		if err != nil {
			s.log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("Core process exited.")
		} else {
			s.log.Info().Int("pid", cmd.Process.Pid).Msg("Core process exited.")
		}
		close(done)
	}()
	return nil
}

// Stop 先发送 SIGTERM 给整个进程组，等待宽限期后再 SIGKILL。
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()

	if cmd == nil || isClosed(done) {
		return nil
	}

	pid := cmd.Process.Pid
	if err := terminate(cmd); err != nil {
		s.log.Warn().Err(err).Int("pid", pid).Msg("Graceful terminate failed, killing.")
	}

	timer := time.NewTimer(stopGracePeriod)
	defer timer.Stop()
	select {
	case <-done:
		s.log.Info().Int("pid", pid).Msg("Core process stopped.")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.log.Warn().Int("pid", pid).Msg("Core process did not exit in time, sending SIGKILL.")
	if err := kill(cmd); err != nil {
		return fmt.Errorf("kill core process %d: %w", pid, err)
	}
	<-done
	return nil
}

func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status 通过 gopsutil 读取核心进程的资源占用。
func (s *Supervisor) Status() types.CoreStatus {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	startedAt, configPath := s.startedAt, s.configPath
	s.mu.Unlock()

	if cmd == nil || isClosed(done) {
		return types.CoreStatus{}
	}
	st := types.CoreStatus{
		Running:    true,
		PID:        int32(cmd.Process.Pid),
		StartedAt:  startedAt,
		ConfigPath: configPath,
	}
	proc, err := process.NewProcess(st.PID)
	if err != nil {
		return st
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if created, err := proc.CreateTime(); err == nil {
		st.StartedAt = time.UnixMilli(created)
	}
	return st
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
