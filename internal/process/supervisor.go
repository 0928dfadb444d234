package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/keyrelay/internal/infrastructure/logging"
)

// Status represents the current state of a supervised process.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusBackoff Status = "backoff"
	StatusFailed  Status = "failed"
)

// maxLineLength bounds a single captured output line.
const maxLineLength = 64 * 1024

var (
	// ErrRestartsExhausted is returned by Run when MaxRestartAttempts
	// consecutive restarts have failed.
	ErrRestartsExhausted = errors.New("process: restart attempts exhausted")

	// ErrUnexpectedExit reports a child that exited with status 0. A
	// supervised process is expected to run until told to stop.
	ErrUnexpectedExit = errors.New("process: exited without being asked to")
)

// Config holds configuration for a supervised process.
type Config struct {
	Name    string
	Binary  string
	Args    []string
	Env     []string // appended to the parent environment
	WorkDir string

	RestartOnFailure bool

	// RestartDelay is the first backoff; it doubles after every failed
	// restart up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the backoff and
	// attempt count to reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// StopTimeout is how long the process group gets between SIGTERM and
	// SIGKILL.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.MaxRestartDelay <= 0 {
		c.MaxRestartDelay = 5 * time.Minute
	}
	if c.MaxRestartDelay < c.RestartDelay {
		c.MaxRestartDelay = c.RestartDelay
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = 2 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	return c
}

// Supervisor runs one child process at a time and restarts it on failure.
type Supervisor struct {
	cfg    Config
	logger *logging.Logger

	mu        sync.RWMutex
	status    Status
	pid       int
	restarts  int
	lastError error
	startedAt time.Time
}

// NewSupervisor creates a supervisor. A nil logger discards output.
func NewSupervisor(cfg Config, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		logger: logger.With("process", cfg.Name),
		status: StatusStopped,
	}
}

// Run starts the child and keeps it running until ctx is cancelled, in
// which case it returns nil once the child has exited. It returns an error
// if the child fails and may not be restarted.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Binary == "" {
		return fmt.Errorf("process %s: binary is required", s.cfg.Name)
	}

	delay := s.cfg.RestartDelay
	for {
		started := time.Now()
		err := s.runOnce(ctx)

		if ctx.Err() != nil {
			s.setStatus(StatusStopped)
			s.logger.Info("process stopped")
			return nil
		}

		if err == nil {
			err = ErrUnexpectedExit
		}
		s.mu.Lock()
		s.lastError = err
		s.status = StatusFailed
		s.mu.Unlock()

		uptime := time.Since(started)
		s.logger.Warn("process exited", "error", err, "uptime", uptime.Round(time.Millisecond))

		if !s.cfg.RestartOnFailure {
			return fmt.Errorf("process %s: %w", s.cfg.Name, err)
		}

		if uptime >= s.cfg.StableThreshold {
			delay = s.cfg.RestartDelay
			s.mu.Lock()
			s.restarts = 0
			s.mu.Unlock()
		}

		s.mu.Lock()
		attempt := s.restarts + 1
		s.mu.Unlock()
		if s.cfg.MaxRestartAttempts > 0 && attempt > s.cfg.MaxRestartAttempts {
			s.logger.Error("giving up on process", "attempts", attempt-1)
			return fmt.Errorf("%w: %s: %w", ErrRestartsExhausted, s.cfg.Name, err)
		}

		s.setStatus(StatusBackoff)
		s.logger.Info("restarting process", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setStatus(StatusStopped)
			return nil
		case <-timer.C:
		}

		s.mu.Lock()
		s.restarts = attempt
		s.mu.Unlock()
		delay = nextDelay(delay, s.cfg.MaxRestartDelay)
	}
}

// runOnce starts the child and waits for it to exit.
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.cfg.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cfg.StopTimeout

	if s.cfg.Env != nil {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}

	stdout := &lineWriter{logger: s.logger, stream: "stdout"}
	stderr := &lineWriter{logger: s.logger, stream: "stderr"}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.cfg.Binary, err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.pid = pid
	s.status = StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("process started", "pid", pid, "args", s.cfg.Args)

	err := cmd.Wait()

	// Anything left in the group after the leader is gone is orphaned.
	if ctx.Err() != nil {
		//nolint:errcheck // group is usually already empty
		signalGroup(pid, syscall.SIGKILL)
	}

	stdout.flush()
	stderr.flush()

	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()

	return err
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signalling process group %d: %w", pid, err)
	}
	return nil
}

func nextDelay(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit {
		return limit
	}
	return next
}

func (s *Supervisor) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Stats describes a supervised process.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns a snapshot of the supervisor's state.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:     s.cfg.Name,
		Status:   s.status,
		PID:      s.pid,
		Restarts: s.restarts,
	}
	if s.status == StatusRunning {
		stats.Uptime = time.Since(s.startedAt)
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}

// lineWriter logs child output one line at a time. exec drives each
// writer from a single goroutine.
type lineWriter struct {
	logger *logging.Logger
	stream string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = append(w.buf[:0], w.buf[i+1:]...)
	}
	if len(w.buf) > maxLineLength {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.logger.Info("process output", "stream", w.stream, "line", string(line))
}
