package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultImage is the container image carrying the agent CLI.
const DefaultImage = "ghcr.io/snaplist/listing-agent:latest"

// DockerBackend runs each sandbox as a throwaway container. The container's
// main process is `sleep <lifetime>` and it is started with --rm, so it
// removes itself once the lifetime elapses even if teardown never runs.
type DockerBackend struct {
	Binary  string
	Image   string
	WorkDir string
}

// NewDockerBackend creates a docker backend. Nothing is executed until Provision.
func NewDockerBackend(image, workDir string) *DockerBackend {
	if image == "" {
		image = DefaultImage
	}
	if workDir == "" {
		workDir = "/workspace"
	}
	return &DockerBackend{Binary: "docker", Image: image, WorkDir: workDir}
}

func (b *DockerBackend) Name() string { return "docker" }

// runArgs builds the `docker run` invocation for a sandbox container.
func (b *DockerBackend) runArgs(name string, spec Spec) []string {
	image := spec.Image
	if image == "" {
		image = b.Image
	}
	lifetime := spec.Lifetime
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}

	args := []string{
		"run", "-d", "--rm",
		"--name", name,
		"--workdir", b.WorkDir,
		"--label", "app=listingd",
	}
	args = append(args, envArgs(spec.Env)...)
	args = append(args, image, "sleep", strconv.Itoa(int(lifetime.Seconds())))
	return args
}

// Provision starts the container and waits for its id.
func (b *DockerBackend) Provision(ctx context.Context, spec Spec) (Sandbox, error) {
	if _, err := exec.LookPath(b.Binary); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: install Docker to use the docker sandbox backend", b.Binary)
	}

	name := "listingd-" + uuid.NewString()[:12]

	log.Info().
		Str("container", name).
		Str("lifetime", spec.Lifetime.String()).
		Msg("Starting sandbox container")

	out, err := b.runEnv(ctx, spec.Env, b.runArgs(name, spec)...)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(string(out))
	if len(id) > 12 {
		id = id[:12]
	}
	return &dockerSandbox{backend: b, id: id, name: name}, nil
}

// run executes a docker command and returns stdout, folding stderr into errors.
func (b *DockerBackend) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.Binary, args...)
	return runCmd(cmd, stdin, args)
}

// runEnv is run with env exported to the docker client, which forwards the
// names listed by envArgs.
func (b *DockerBackend) runEnv(ctx context.Context, env map[string]string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.Binary, args...)
	cmd.Env = clientEnv(env)
	return runCmd(cmd, nil, args)
}

func runCmd(cmd *exec.Cmd, stdin []byte, args []string) ([]byte, error) {
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker %s failed: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.Bytes(), nil
}

type dockerSandbox struct {
	backend *DockerBackend
	id      string
	name    string
}

func (s *dockerSandbox) ID() string { return s.id }

// abs confines p to the working directory.
func (s *dockerSandbox) abs(p string) string {
	return path.Join(s.backend.WorkDir, path.Clean("/"+p))
}

func (s *dockerSandbox) WriteFile(ctx context.Context, p string, data []byte) error {
	_, err := s.backend.run(ctx, data, "exec", "-i", s.id,
		"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "sh", s.abs(p))
	return err
}

func (s *dockerSandbox) ReadFile(ctx context.Context, p string) ([]byte, error) {
	return s.backend.run(ctx, nil, "exec", s.id, "cat", s.abs(p))
}

// Start runs the command with `docker exec` without -i, so the process
// inside the container has no stdin attached.
func (s *dockerSandbox) Start(ctx context.Context, c Command) (*Process, error) {
	args := []string{"exec", "--workdir", s.backend.WorkDir}
	args = append(args, envArgs(c.Env)...)
	args = append(args, s.id, c.Name)
	args = append(args, c.Args...)

	cmd := exec.CommandContext(ctx, s.backend.Binary, args...)
	cmd.Env = clientEnv(c.Env)
	cmd.Stdin = nil
	cmd.WaitDelay = gracefulStop

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker exec %s: %w", c.Name, err)
	}

	stderr := NewOutputBuffer(200)
	stderrDone := make(chan struct{})
	go stderr.Collect(stderrPipe, stderrDone)

	return NewProcess(stdout, stderr, func() (int, error) {
		select {
		case <-stderrDone:
		case <-ctx.Done():
		}
		code, err := exitStatus(cmd.Wait())
		<-stderrDone
		return code, err
	}), nil
}

// Close force-removes the container.
func (s *dockerSandbox) Close(ctx context.Context) error {
	_, err := s.backend.run(ctx, nil, "rm", "-f", s.id)
	if err == nil {
		log.Debug().Str("container", s.name).Msg("Sandbox container removed")
	}
	return err
}

// envArgs renders env as sorted `-e NAME` flags. Values never go on the
// command line, where ps and docker inspect would show them; docker reads
// them from the client environment set by clientEnv.
func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k)
	}
	return args
}

// clientEnv is the docker client's environment plus env.
func clientEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
