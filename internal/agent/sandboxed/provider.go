// Package sandboxed implements the isolated-execution listing provider.
//
// Each run provisions a disposable sandbox, writes the prompts and photos into
// it, and launches the agent CLI in non-interactive stream-json mode:
//
//	system-prompt.md        appended to the CLI's system prompt
//	user-prompt.md          instructions, referencing images/image-N.<ext>
//	images/                 the downloaded photos
//	output/listing.json     written by the agent, read back and validated
//
// The sandbox is torn down on every exit path.
package sandboxed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/internal/listing"
	"github.com/snaplist/listingd/internal/sandbox"
	"github.com/snaplist/listingd/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Name is the factory selector value for this provider.
const Name = "sandbox"

const (
	systemPromptFile = "system-prompt.md"
	userPromptFile   = "user-prompt.md"
	resultFile       = "output/listing.json"

	defaultLifetime       = 10 * time.Minute
	defaultCommandTimeout = 8 * time.Minute
	defaultMaxTurns       = 10

	// readGrace bounds the wait for stdout to close once the process is gone.
	readGrace = 5 * time.Second
)

// DriverError is a failed agent CLI run, carrying the most specific
// diagnostic available.
type DriverError struct {
	ExitCode int
	Reason   string
}

func (e *DriverError) Error() string {
	return "agent run failed: " + e.Reason
}

// Config configures the provider.
type Config struct {
	APIKey         string
	Model          string
	MaxTurns       int
	Lifetime       time.Duration
	CommandTimeout time.Duration
	// DriverCommand is the agent CLI executable inside the sandbox.
	DriverCommand string
	Image         string
}

// Provider runs the agent CLI inside a sandbox.
type Provider struct {
	cfg     Config
	backend sandbox.Backend
}

// New creates the provider. Nothing is provisioned until Run.
func New(cfg Config, backend sandbox.Backend) *Provider {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = defaultLifetime
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.CommandTimeout >= cfg.Lifetime {
		cfg.CommandTimeout = cfg.Lifetime * 4 / 5
	}
	if cfg.DriverCommand == "" {
		cfg.DriverCommand = "claude"
	}
	return &Provider{cfg: cfg, backend: backend}
}

func (p *Provider) Name() string { return Name }

// Run executes one agent run in a fresh sandbox.
func (p *Provider) Run(ctx context.Context, images []models.DownloadedImage, userDescription string, sink agent.ProgressSink) (*models.AgentProviderResult, error) {
	if sink == nil {
		sink = agent.Discard
	}
	if err := agent.RequireKey(Name, "ANTHROPIC_API_KEY", p.cfg.APIKey); err != nil {
		return nil, err
	}

	prompts, err := agent.LoadPrompts()
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(images))
	for i, img := range images {
		paths[i] = ImagePath(i+1, img.MediaType)
	}
	userPrompt, err := prompts.RenderSandbox(agent.PromptData{
		Description: userDescription,
		ImageCount:  len(images),
		ImagePaths:  paths,
		ResultPath:  resultFile,
	})
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("listingd/agent/sandboxed").Start(ctx, "sandbox.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("backend", p.backend.Name()),
		attribute.Int("images", len(images)),
	)

	var result *models.AgentProviderResult
	err = sandbox.Use(ctx, p.backend, sandbox.Spec{
		Lifetime: p.cfg.Lifetime,
		Image:    p.cfg.Image,
		Env:      map[string]string{"ANTHROPIC_API_KEY": p.cfg.APIKey},
	}, func(sb sandbox.Sandbox) error {
		log.Info().
			Str("sandbox", sb.ID()).
			Str("backend", p.backend.Name()).
			Int("images", len(images)).
			Msg("Agent sandbox ready")

		if err := p.stage(ctx, sb, prompts.System, userPrompt, images, paths); err != nil {
			return err
		}
		res, err := p.drive(ctx, sb, sink)
		result = res
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

// stage writes the prompts and photos. All writes finish before it returns.
func (p *Provider) stage(ctx context.Context, sb sandbox.Sandbox, system, user string, images []models.DownloadedImage, paths []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sb.WriteFile(gctx, systemPromptFile, []byte(system)) })
	g.Go(func() error { return sb.WriteFile(gctx, userPromptFile, []byte(user)) })
	for i, img := range images {
		g.Go(func() error { return sb.WriteFile(gctx, paths[i], img.Data) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("stage sandbox files: %w", err)
	}
	return nil
}

// drive launches the agent CLI, drains its output and reads the result file.
func (p *Provider) drive(ctx context.Context, sb sandbox.Sandbox, sink agent.ProgressSink) (*models.AgentProviderResult, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()

	proc, err := sb.Start(cmdCtx, sandbox.Command{
		Name: p.cfg.DriverCommand,
		Args: p.driverArgs(),
	})
	if err != nil {
		return nil, fmt.Errorf("launch agent: %w", err)
	}

	// Stdout is read on its own goroutine: a child the agent leaves behind can
	// hold the pipe open past the command's deadline.
	state := &streamState{sink: sink}
	readDone := make(chan error, 1)
	go func() { readDone <- state.consume(proc.Stdout) }()

	drained := false
	var readErr error
	select {
	case readErr = <-readDone:
		drained = true
	case <-cmdCtx.Done():
	}
	code, waitErr := proc.Wait()
	if !drained {
		// Wait has closed the pipe, so the reader returns promptly.
		select {
		case readErr = <-readDone:
			drained = true
		case <-time.After(readGrace):
		}
	}

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &DriverError{ExitCode: code, Reason: fmt.Sprintf("agent timed out after %s", p.cfg.CommandTimeout)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !drained {
		return nil, &DriverError{ExitCode: code, Reason: "agent output did not close after exit"}
	}
	if readErr != nil {
		log.Debug().Err(readErr).Msg("Agent stdout read ended early")
	}

	if waitErr != nil || code != 0 || state.failure != "" {
		if waitErr != nil {
			log.Debug().Err(waitErr).Msg("Agent process did not exit cleanly")
		}
		return nil, &DriverError{ExitCode: code, Reason: diagnose(state.failure, proc.Stderr, code)}
	}

	data, err := sb.ReadFile(ctx, resultFile)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", resultFile, err)
	}
	out, err := listing.ValidateJSON(data)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("turns", state.turns).
		Float64("cost_usd", state.costUSD).
		Int("transcript_lines", len(state.transcript)).
		Msg("Sandbox agent run complete")

	return &models.AgentProviderResult{
		Output:          *out,
		CostUSD:         state.costUSD,
		TranscriptLines: state.transcript,
	}, nil
}

func (p *Provider) driverArgs() []string {
	args := []string{
		"-p", "Follow the instructions in " + userPromptFile + ".",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(p.cfg.MaxTurns),
		"--append-system-prompt-file", systemPromptFile,
		"--allowedTools", "Read,Write,WebSearch,WebFetch",
	}
	if p.cfg.Model != "" {
		args = append(args, "--model", p.cfg.Model)
	}
	return args
}

// diagnose returns the captured failure, else stderr, else the exit code.
func diagnose(failure string, stderr *sandbox.OutputBuffer, code int) string {
	if failure != "" {
		return failure
	}
	if stderr != nil {
		if s := strings.TrimSpace(stderr.String()); s != "" {
			return s
		}
	}
	return fmt.Sprintf("exit code %d", code)
}

// ImagePath is the sandbox path of the n-th photo (1-based).
func ImagePath(n int, mediaType string) string {
	return fmt.Sprintf("images/image-%d.%s", n, extension(mediaType))
}

func extension(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "image/heic":
		return "heic"
	default:
		return "jpg"
	}
}
