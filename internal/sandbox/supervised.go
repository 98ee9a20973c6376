package sandbox

import (
	"context"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// SupervisedOptions configures respawn behavior for a long-running child.
type SupervisedOptions struct {
	// Name labels the child in log output (e.g. "sshtun", "vpn-client").
	Name string
	// OnRespawn, if set, is called (with the respawn count) each time the
	// child is restarted after an unexpected exit.
	OnRespawn func(count int)
	// StopGrace bounds how long Stop waits for a SIGTERM'd child before
	// sending SIGKILL. Defaults to 5s.
	StopGrace time.Duration
}

// Supervised is a long-running child process that is automatically
// respawned with capped exponential backoff while not explicitly stopped.
//
// Grounded on the teacher's internal/service/native.go NativeBackend:
// Setpgid-based process-group signaling, 1s->30s capped backoff reset
// after 60s of continuous uptime, SIGTERM-then-SIGKILL teardown.
type Supervised struct {
	argv []string
	opts SupervisedOptions

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopped  bool
	exitCode *int
	respawns int
}

func newSupervised(ctx context.Context, argv []string, opts SupervisedOptions) *Supervised {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	s := &Supervised{argv: argv, opts: opts}
	s.startOnce(ctx)
	go s.supervise(ctx)
	return s
}

func (s *Supervised) startOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		log.Printf("[sandbox] %s: start failed: %v", s.opts.Name, err)
		return err
	}
	s.mu.Lock()
	s.cmd = cmd
	s.exitCode = nil
	s.mu.Unlock()
	return nil
}

func (s *Supervised) supervise(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()
		if cmd == nil {
			return
		}

		start := time.Now()
		err := cmd.Wait()

		s.mu.Lock()
		code := cmd.ProcessState.ExitCode()
		s.exitCode = &code
		stopped := s.stopped
		s.mu.Unlock()

		if stopped {
			return
		}
		if ctx.Err() != nil {
			return
		}

		log.Printf("[sandbox] %s: exited unexpectedly (code=%d, err=%v); respawning", s.opts.Name, code, err)

		if time.Since(start) >= 60*time.Second {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		if err := s.startOnce(ctx); err != nil {
			continue
		}
		if s.opts.OnRespawn != nil {
			s.respawns++
			s.opts.OnRespawn(s.respawns)
		}
	}
}

// ExitCode returns the child's exit code once it has terminated, or nil
// while it is running. After an unexpected exit it keeps reporting that
// exit code through the backoff wait, until a respawned child starts.
func (s *Supervised) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Stop terminates the child and prevents further respawns. It sends
// SIGTERM to the child's process group, waits up to opts.StopGrace, and
// escalates to SIGKILL if the child has not exited by then.
func (s *Supervised) Stop() {
	s.mu.Lock()
	s.stopped = true
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.Now().Add(s.opts.StopGrace)
	for time.Now().Before(deadline) {
		if s.ExitCode() != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if s.ExitCode() == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
