package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for listingd.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	DataDir   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Agent     AgentConfig
	Anthropic AnthropicConfig
	Sandbox   SandboxConfig
	Storage   StorageConfig
	Notify    NotifyConfig
	Enhance   EnhanceConfig
	Jobs      JobsConfig
	Retention RetentionConfig
}

type DatabaseConfig struct {
	// URL selects the Postgres store; empty means the in-memory store.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
	// SampleRatio is the fraction of root traces kept, 0..1.
	SampleRatio float64
}

type AuthConfig struct {
	// APIKeys guards the job trigger routes. Empty disables the check.
	APIKeys      []string
	APIKeyHeader string
}

// AgentConfig selects and bounds the listing agent.
type AgentConfig struct {
	Provider string
	MaxTurns int
}

type AnthropicConfig struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	Timeout       time.Duration
	InputPerMTok  float64
	OutputPerMTok float64
}

// SandboxConfig bounds the isolated-execution environment. CommandTimeout
// must stay below Lifetime so the environment is still reachable for cleanup.
type SandboxConfig struct {
	Backend        string
	Image          string
	Lifetime       time.Duration
	CommandTimeout time.Duration
	DriverCommand  string
	WorkDir        string
}

type StorageConfig struct {
	Backend       string
	LocalDir      string
	PublicBaseURL string
	SupabaseURL   string
	SupabaseKey   string
	Bucket        string
}

type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
	MaxRetries    int
}

type EnhanceConfig struct {
	GeminiAPIKey string
	Model        string
}

type JobsConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Timeout        time.Duration
}

// RetentionConfig drives the background janitor.
type RetentionConfig struct {
	Interval time.Duration
	// JobTTL is how long finished job records stay queryable.
	JobTTL time.Duration
	// SandboxMaxAge is the age past which a leftover local sandbox directory
	// is removed. It must exceed the sandbox lifetime.
	SandboxMaxAge time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("LISTINGD_PORT", 8080),
		Version:  envStr("LISTINGD_VERSION", "0.1.0"),
		LogLevel: envStr("LISTINGD_LOG_LEVEL", "info"),
		DataDir:  envStr("LISTINGD_DATA_DIR", ""),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "listingd"),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLE_RATIO", 1.0),
		},
		Auth: AuthConfig{
			APIKeys:      envList("LISTINGD_API_KEYS"),
			APIKeyHeader: envStr("LISTINGD_API_KEY_HEADER", "X-API-Key"),
		},
		Agent: AgentConfig{
			Provider: envStr("LISTINGD_AGENT_PROVIDER", "direct"),
			MaxTurns: envInt("LISTINGD_AGENT_MAX_TURNS", 10),
		},
		Anthropic: AnthropicConfig{
			APIKey:        envStr("ANTHROPIC_API_KEY", ""),
			BaseURL:       envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			Model:         envStr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:     envInt("ANTHROPIC_MAX_TOKENS", 8192),
			Timeout:       envDuration("ANTHROPIC_TIMEOUT", 120*time.Second),
			InputPerMTok:  envFloat("ANTHROPIC_INPUT_COST_PER_MTOK", 3.0),
			OutputPerMTok: envFloat("ANTHROPIC_OUTPUT_COST_PER_MTOK", 15.0),
		},
		Sandbox: SandboxConfig{
			Backend:        envStr("SANDBOX_BACKEND", "docker"),
			Image:          envStr("SANDBOX_IMAGE", "ghcr.io/snaplist/listing-agent:latest"),
			Lifetime:       envDuration("SANDBOX_LIFETIME", 10*time.Minute),
			CommandTimeout: envDuration("SANDBOX_COMMAND_TIMEOUT", 8*time.Minute),
			DriverCommand:  envStr("SANDBOX_DRIVER_COMMAND", "claude"),
			WorkDir:        envStr("SANDBOX_WORKDIR", "/workspace"),
		},
		Storage: StorageConfig{
			Backend:       envStr("STORAGE_BACKEND", "local"),
			LocalDir:      envStr("STORAGE_LOCAL_DIR", ""),
			PublicBaseURL: envStr("STORAGE_PUBLIC_BASE_URL", ""),
			SupabaseURL:   envStr("SUPABASE_URL", ""),
			SupabaseKey:   envStr("SUPABASE_SERVICE_ROLE_KEY", ""),
			Bucket:        envStr("STORAGE_BUCKET", "listing-assets"),
		},
		Notify: NotifyConfig{
			WebhookURL:    envStr("NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret: envStr("NOTIFY_WEBHOOK_SECRET", ""),
			MaxRetries:    envInt("NOTIFY_MAX_RETRIES", 3),
		},
		Enhance: EnhanceConfig{
			GeminiAPIKey: envStr("GEMINI_API_KEY", ""),
			Model:        envStr("ENHANCE_MODEL", "gemini-2.5-flash-image"),
		},
		Jobs: JobsConfig{
			MaxAttempts:    envInt("JOBS_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("JOBS_INITIAL_BACKOFF", time.Second),
			Timeout:        envDuration("JOBS_TIMEOUT", 15*time.Minute),
		},
		Retention: RetentionConfig{
			Interval:      envDuration("RETENTION_INTERVAL", 10*time.Minute),
			JobTTL:        envDuration("RETENTION_JOB_TTL", 24*time.Hour),
			SandboxMaxAge: envDuration("RETENTION_SANDBOX_MAX_AGE", time.Hour),
		},
	}
}

// Validate checks cross-field constraints. Credentials are not checked here;
// providers report them on first use.
func (c *Config) Validate() error {
	if c.Sandbox.CommandTimeout >= c.Sandbox.Lifetime {
		return fmt.Errorf("SANDBOX_COMMAND_TIMEOUT (%s) must be shorter than SANDBOX_LIFETIME (%s)",
			c.Sandbox.CommandTimeout, c.Sandbox.Lifetime)
	}
	if c.Agent.MaxTurns <= 0 {
		return fmt.Errorf("LISTINGD_AGENT_MAX_TURNS must be positive, got %d", c.Agent.MaxTurns)
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("JOBS_MAX_ATTEMPTS must be positive, got %d", c.Jobs.MaxAttempts)
	}
	if c.Retention.SandboxMaxAge <= c.Sandbox.Lifetime {
		return fmt.Errorf("RETENTION_SANDBOX_MAX_AGE (%s) must be longer than SANDBOX_LIFETIME (%s)",
			c.Retention.SandboxMaxAge, c.Sandbox.Lifetime)
	}
	if c.Storage.Backend == "supabase" && (c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "") {
		return fmt.Errorf("STORAGE_BACKEND=supabase requires SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
