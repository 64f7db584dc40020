package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// dirPattern names local sandbox directories; Reap only touches these.
const dirPattern = "listingd-sandbox-*"

// gracefulStop is how long a cancelled command gets between SIGTERM and
// SIGKILL, and how long Wait waits on pipes held open by its children.
const gracefulStop = 3 * time.Second

// LocalBackend runs sandboxes as temp directories on the host. It offers
// lifetime and teardown guarantees but no isolation; use it for development.
type LocalBackend struct {
	// BaseDir is where sandbox directories are created; empty means os.TempDir.
	BaseDir string
}

// NewLocalBackend creates a local backend.
func NewLocalBackend(baseDir string) *LocalBackend {
	return &LocalBackend{BaseDir: baseDir}
}

func (b *LocalBackend) Name() string { return "local" }

// Provision creates the working directory and arms the lifetime timer.
func (b *LocalBackend) Provision(_ context.Context, spec Spec) (Sandbox, error) {
	if b.BaseDir != "" {
		if err := os.MkdirAll(b.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create sandbox base dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(b.BaseDir, dirPattern)
	if err != nil {
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	lifetime := spec.Lifetime
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), lifetime)

	sb := &localSandbox{
		id:     "local-" + uuid.NewString()[:8],
		dir:    dir,
		env:    spec.Env,
		ctx:    ctx,
		cancel: cancel,
	}

	log.Debug().
		Str("sandbox", sb.id).
		Str("dir", dir).
		Str("lifetime", lifetime.String()).
		Msg("Local sandbox provisioned")
	return sb, nil
}

type localSandbox struct {
	id     string
	dir    string
	env    map[string]string
	ctx    context.Context // expires with the sandbox lifetime
	cancel context.CancelFunc
}

func (s *localSandbox) ID() string { return s.id }

// Dir returns the sandbox working directory.
func (s *localSandbox) Dir() string { return s.dir }

// resolve confines path to the working directory.
func (s *localSandbox) resolve(path string) string {
	return filepath.Join(s.dir, filepath.Clean("/"+path))
}

func (s *localSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("sandbox %s expired: %w", s.id, err)
	}
	full := s.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	return os.WriteFile(full, data, 0o644)
}

func (s *localSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(s.resolve(path))
}

func (s *localSandbox) Start(ctx context.Context, c Command) (*Process, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("sandbox %s expired: %w", s.id, err)
	}

	// The command dies with whichever ends first: the caller or the sandbox.
	cmdCtx, stop := context.WithCancel(ctx)
	unhook := context.AfterFunc(s.ctx, stop)

	cmd := exec.CommandContext(cmdCtx, c.Name, c.Args...)
	cmd.Dir = s.dir
	cmd.Stdin = nil
	cmd.Env = os.Environ()
	for k, v := range s.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	ownGroup(cmd)
	cmd.WaitDelay = gracefulStop

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		unhook()
		stop()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		unhook()
		stop()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		unhook()
		stop()
		return nil, fmt.Errorf("start %s: %w", c.Name, err)
	}

	stderr := NewOutputBuffer(200)
	stderrDone := make(chan struct{})
	go stderr.Collect(stderrPipe, stderrDone)

	log.Debug().
		Str("sandbox", s.id).
		Str("command", c.Name).
		Int("pid", cmd.Process.Pid).
		Msg("Sandbox command started")

	return NewProcess(stdout, stderr, func() (int, error) {
		defer unhook()
		defer stop()
		select {
		case <-stderrDone:
		case <-cmdCtx.Done():
		}
		code, err := exitStatus(cmd.Wait())
		killGroup(cmd)
		<-stderrDone
		return code, err
	}), nil
}

// Close cancels running commands and removes the working directory.
func (s *localSandbox) Close(_ context.Context) error {
	s.cancel()
	return os.RemoveAll(s.dir)
}

// Reap removes sandbox directories last modified before cutoff. They belong
// to a process that exited without tearing down. cutoff must be older than
// the longest sandbox lifetime so live sandboxes are never touched.
func (b *LocalBackend) Reap(_ context.Context, cutoff time.Time) (int, error) {
	base := b.BaseDir
	if base == "" {
		base = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(base, dirPattern))
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, dir := range matches {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		log.Debug().Str("dir", dir).Msg("Stale local sandbox removed")
	}
	return removed, errors.Join(errs...)
}

// exitStatus separates a normal non-zero exit from a failure to run or wait.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, fmt.Errorf("command terminated: %w", err)
	}
	return -1, err
}
