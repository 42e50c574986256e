// Package supervisor runs scraper executables as OS processes, one per
// source. Stopping a scraper is a hard kill, not cooperative cancellation:
// the process owns no shared in-memory state, so abandoning its in-flight
// requests is safe.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/listharvest/listharvest/internal/harvest"
)

// Command is the launch template for one source.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  map[string]string
}

type proc struct {
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}
}

func (p *proc) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Supervisor implements harvest.Supervisor over os/exec.
type Supervisor struct {
	mu       sync.Mutex
	commands map[string]Command
	procs    map[string]*proc
	logger   *zap.Logger
}

// New builds a Supervisor from per-source launch templates.
func New(commands map[string]Command, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cloned := make(map[string]Command, len(commands))
	for name, cmd := range commands {
		cloned[name] = cmd
	}
	return &Supervisor{
		commands: cloned,
		procs:    make(map[string]*proc),
		logger:   logger,
	}
}

// Start launches the scraper for source. An already-running source is
// rejected with harvest.ErrAlreadyRunning, never queued.
func (s *Supervisor) Start(ctx context.Context, source string, opts harvest.StartOptions) (harvest.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[source]; ok && p.running() {
		return harvest.StartResult{}, harvest.ErrAlreadyRunning
	}
	tmpl, ok := s.commands[source]
	if !ok {
		return harvest.StartResult{}, fmt.Errorf("no command configured for source %q", source)
	}

	args := append(append([]string(nil), tmpl.Args...), opts.Args...)
	if opts.ListingType != "" {
		args = append(args, "--listing-type", opts.ListingType)
	}
	cmd := exec.Command(tmpl.Path, args...)
	cmd.Dir = tmpl.Dir
	cmd.Env = buildEnv(tmpl.Env, opts.Env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return harvest.StartResult{}, fmt.Errorf("start %q: %w", source, err)
	}

	p := &proc{cmd: cmd, startedAt: time.Now().UTC(), done: make(chan struct{})}
	s.procs[source] = p
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("scraper exited with error",
				zap.String("source", source),
				zap.Error(err),
			)
		}
		close(p.done)
	}()

	s.logger.Info("scraper started",
		zap.String("source", source),
		zap.Int("pid", cmd.Process.Pid),
	)
	_ = ctx
	return harvest.StartResult{
		ProcessID: cmd.Process.Pid,
		Message:   "started",
	}, nil
}

// Stop kills the scraper process for source. Stopping a source that is not
// running is not an error.
func (s *Supervisor) Stop(_ context.Context, source string) error {
	s.mu.Lock()
	p, ok := s.procs[source]
	if ok {
		delete(s.procs, source)
	}
	s.mu.Unlock()
	if !ok || !p.running() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill %q: %w", source, err)
	}
	<-p.done
	s.logger.Info("scraper stopped", zap.String("source", source))
	return nil
}

// Status reports whether a scraper process is live.
func (s *Supervisor) Status(_ context.Context, source string) (harvest.ProcStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[source]
	if !ok || !p.running() {
		return harvest.ProcStatus{}, nil
	}
	return harvest.ProcStatus{
		Running:   true,
		ProcessID: p.cmd.Process.Pid,
		StartedAt: p.startedAt,
	}, nil
}

func buildEnv(base, extra map[string]string) []string {
	env := os.Environ()
	for k, v := range base {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
