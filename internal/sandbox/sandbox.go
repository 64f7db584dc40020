// Package sandbox provisions disposable, time-boxed execution environments.
//
// A Backend provisions a Sandbox with a bounded total lifetime. Files are
// written into and read from the sandbox's working directory, and commands
// run inside it with stdin closed and stdout streamed back to the caller.
//
// Backends:
//
//	docker: a container running `sleep <lifetime>`; commands use `docker exec`
//	local:  a temp directory on the host; commands are host subprocesses
//
// Use wraps acquire / use / release so teardown runs on every exit path.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

// teardownTimeout bounds cleanup, which runs on a context detached from the job.
const teardownTimeout = 30 * time.Second

// Spec describes the environment to provision.
type Spec struct {
	// Lifetime is the hard upper bound on the environment's existence.
	Lifetime time.Duration
	// Image is the container image; ignored by the local backend.
	Image string
	// Env is passed to every command run inside the sandbox.
	Env map[string]string
}

// Command is a process to run inside a sandbox.
type Command struct {
	Name string
	Args []string
	Env  map[string]string
}

// Backend provisions sandboxes.
type Backend interface {
	Name() string
	Provision(ctx context.Context, spec Spec) (Sandbox, error)
}

// Sandbox is one provisioned environment. Paths are relative to its
// working directory and cannot leave it.
type Sandbox interface {
	ID() string
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Start launches cmd with stdin closed. The caller must drain Stdout
	// and then call Wait.
	Start(ctx context.Context, cmd Command) (*Process, error)
	Close(ctx context.Context) error
}

// Process is a running command.
type Process struct {
	// Stdout streams the command's standard output.
	Stdout io.Reader
	// Stderr collects the tail of the command's standard error.
	Stderr *OutputBuffer

	wait func() (int, error)
}

// NewProcess assembles a Process. Backends outside this package use it.
func NewProcess(stdout io.Reader, stderr *OutputBuffer, wait func() (int, error)) *Process {
	return &Process{Stdout: stdout, Stderr: stderr, wait: wait}
}

// Wait blocks until the command exits and returns its exit code. err is set
// only when the command could not be waited on (killed, timed out).
func (p *Process) Wait() (exitCode int, err error) {
	return p.wait()
}

// Use provisions a sandbox, hands it to fn and always tears it down.
// Teardown errors are logged and never replace fn's result.
func Use(ctx context.Context, b Backend, spec Spec, fn func(Sandbox) error) error {
	sb, err := b.Provision(ctx, spec)
	if err != nil {
		return fmt.Errorf("provision %s sandbox: %w", b.Name(), err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := sb.Close(closeCtx); err != nil {
			log.Debug().Err(err).Str("sandbox", sb.ID()).Msg("Sandbox teardown failed")
		}
	}()

	return fn(sb)
}
