// Package server assembles listingd from configuration: store, agent
// providers, blob storage, notifier, enhancer, job runner and HTTP routes.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	http.ListenAndServe(":8080", srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/internal/agent/direct"
	"github.com/snaplist/listingd/internal/agent/sandboxed"
	"github.com/snaplist/listingd/internal/api"
	"github.com/snaplist/listingd/internal/api/handlers"
	"github.com/snaplist/listingd/internal/blob"
	"github.com/snaplist/listingd/internal/config"
	"github.com/snaplist/listingd/internal/enhance"
	"github.com/snaplist/listingd/internal/jobs"
	"github.com/snaplist/listingd/internal/notify"
	"github.com/snaplist/listingd/internal/pipeline"
	"github.com/snaplist/listingd/internal/retention"
	"github.com/snaplist/listingd/internal/sandbox"
	"github.com/snaplist/listingd/internal/store"
	"github.com/snaplist/listingd/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds an initialized listingd.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store    store.Store
	Pipeline *pipeline.Pipeline
	Config   *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry.
	ShutdownFunc telemetry.Shutdown

	stopJanitor context.CancelFunc
}

// New initializes every component and returns a ready Server.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := NewStore(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	p := NewPipeline(cfg, dataStore)
	h := handlers.New(dataStore, p)

	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	go NewJanitor(cfg, p.Runner()).Start(janitorCtx)

	return &Server{
		Handler:      api.NewRouter(cfg, dataStore, h),
		Store:        dataStore,
		Pipeline:     p,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		stopJanitor:  stopJanitor,
	}, nil
}

// Shutdown stops accepting jobs, waits for running ones, then closes the
// store and flushes telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopJanitor != nil {
		s.stopJanitor()
	}
	var errs []error
	if err := s.Pipeline.Runner().Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("jobs: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := s.ShutdownFunc(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// NewStore opens Postgres when DATABASE_URL is set and the in-memory store
// otherwise, then runs migrations.
func NewStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var s store.Store
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s = pg
	} else {
		dataDir := cfg.DataDir
		s = store.NewMemoryStore(dataDir)
		log.Info().Str("data_dir", dataDir).Msg("✅ In-memory store initialized")
	}

	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewProviders registers both agent strategies. The active one is chosen by
// LISTINGD_AGENT_PROVIDER on first use, defaulting to the configured value.
func NewProviders(cfg *config.Config) *agent.Factory {
	f := agent.NewFactory(agent.EnvSelector("LISTINGD_AGENT_PROVIDER", cfg.Agent.Provider), direct.Name)

	f.Register(direct.Name, func() agent.Provider {
		return direct.New(direct.Config{
			APIKey:        cfg.Anthropic.APIKey,
			BaseURL:       cfg.Anthropic.BaseURL,
			Model:         cfg.Anthropic.Model,
			MaxTokens:     cfg.Anthropic.MaxTokens,
			MaxTurns:      cfg.Agent.MaxTurns,
			Timeout:       cfg.Anthropic.Timeout,
			InputPerMTok:  cfg.Anthropic.InputPerMTok,
			OutputPerMTok: cfg.Anthropic.OutputPerMTok,
		})
	})
	f.Register(sandboxed.Name, func() agent.Provider {
		return sandboxed.New(sandboxed.Config{
			APIKey:         cfg.Anthropic.APIKey,
			Model:          cfg.Anthropic.Model,
			MaxTurns:       cfg.Agent.MaxTurns,
			Lifetime:       cfg.Sandbox.Lifetime,
			CommandTimeout: cfg.Sandbox.CommandTimeout,
			DriverCommand:  cfg.Sandbox.DriverCommand,
			Image:          cfg.Sandbox.Image,
		}, NewSandboxBackend(cfg))
	})
	return f
}

// NewSandboxBackend picks the isolated-execution backend.
func NewSandboxBackend(cfg *config.Config) sandbox.Backend {
	if strings.EqualFold(cfg.Sandbox.Backend, "local") {
		baseDir := ""
		if cfg.DataDir != "" {
			baseDir = filepath.Join(cfg.DataDir, "sandboxes")
		}
		return sandbox.NewLocalBackend(baseDir)
	}
	return sandbox.NewDockerBackend(cfg.Sandbox.Image, cfg.Sandbox.WorkDir)
}

// NewJanitor registers the retention sweepers: finished job records past
// their TTL, and leftover local sandbox directories.
func NewJanitor(cfg *config.Config, runner *jobs.Runner) *retention.Janitor {
	j := retention.NewJanitor(cfg.Retention.Interval)
	j.Register(retention.SweepFunc{Label: "jobs", Fn: func(_ context.Context, now time.Time) (int, error) {
		return runner.Prune(now.Add(-cfg.Retention.JobTTL)), nil
	}})
	if local, ok := NewSandboxBackend(cfg).(*sandbox.LocalBackend); ok {
		j.Register(retention.SweepFunc{Label: "sandboxes", Fn: func(ctx context.Context, now time.Time) (int, error) {
			return local.Reap(ctx, now.Add(-cfg.Retention.SandboxMaxAge))
		}})
	}
	return j
}

// NewBlobStore picks object storage for transcripts and enhanced images.
func NewBlobStore(cfg *config.Config) blob.Store {
	if strings.EqualFold(cfg.Storage.Backend, "supabase") {
		return blob.NewSupabaseStore(cfg.Storage.SupabaseURL, cfg.Storage.SupabaseKey, cfg.Storage.Bucket)
	}
	return blob.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.PublicBaseURL)
}

// NewPipeline wires the job pipeline over s.
func NewPipeline(cfg *config.Config, s store.Store) *pipeline.Pipeline {
	blobs := NewBlobStore(cfg)
	notifier := notify.New(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, cfg.Notify.MaxRetries)

	log.Info().
		Str("provider", cfg.Agent.Provider).
		Str("sandbox", cfg.Sandbox.Backend).
		Str("blobs", blobs.Kind()).
		Str("notify", notifier.Kind()).
		Msg("✅ Pipeline configured")

	return pipeline.New(pipeline.Deps{
		Store:     s,
		Providers: NewProviders(cfg),
		Blobs:     blobs,
		Notifier:  notifier,
		Enhancer:  enhance.NewGemini(cfg.Enhance.GeminiAPIKey, cfg.Enhance.Model),
		Runner: jobs.NewRunner(jobs.Config{
			MaxAttempts:    cfg.Jobs.MaxAttempts,
			InitialBackoff: cfg.Jobs.InitialBackoff,
			Timeout:        cfg.Jobs.Timeout,
		}),
	})
}
