package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/pkg/models"
)

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings. Call Migrate before first use on a
// fresh database.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	log.Info().
		Str("host", cfg.ConnConfig.Host).
		Str("database", cfg.ConnConfig.Database).
		Int32("max_conns", cfg.MaxConns).
		Msg("Postgres store initialized")
	return &PostgresStore{pool: pool}, nil
}

const ddl = `
	CREATE TABLE IF NOT EXISTS listings (
		id                   TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'DRAFT',
		pipeline_step        TEXT NOT NULL DEFAULT 'PENDING',
		pipeline_error       TEXT,
		agent_log            JSONB NOT NULL DEFAULT '[]',
		agent_transcript_url TEXT,
		agent_cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
		title                TEXT NOT NULL DEFAULT '',
		description          TEXT NOT NULL DEFAULT '',
		suggested_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
		price_range_low      DOUBLE PRECISION NOT NULL DEFAULT 0,
		price_range_high     DOUBLE PRECISION NOT NULL DEFAULT 0,
		category             TEXT NOT NULL DEFAULT '',
		condition            TEXT NOT NULL DEFAULT '',
		brand                TEXT NOT NULL DEFAULT '',
		model                TEXT,
		research_notes       TEXT NOT NULL DEFAULT '',
		comparables          JSONB NOT NULL DEFAULT '[]',
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS listing_images (
		id              TEXT PRIMARY KEY,
		listing_id      TEXT NOT NULL REFERENCES listings (id) ON DELETE CASCADE,
		url             TEXT NOT NULL,
		storage_path    TEXT NOT NULL DEFAULT '',
		kind            TEXT NOT NULL DEFAULT 'original',
		parent_image_id TEXT REFERENCES listing_images (id) ON DELETE CASCADE,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_listing_images_listing ON listing_images (listing_id);
	CREATE INDEX IF NOT EXISTS idx_listing_images_parent ON listing_images (parent_image_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Listing Store ───────────────────────────────────────────

const listingColumns = `id, user_id, status, pipeline_step, pipeline_error, agent_log,
	agent_transcript_url, agent_cost_usd, title, description, suggested_price,
	price_range_low, price_range_high, category, condition, brand, model,
	research_notes, comparables, created_at, updated_at`

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*models.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)

	var (
		l           models.Listing
		agentLog    []byte
		comparables []byte
	)
	err := row.Scan(&l.ID, &l.UserID, &l.Status, &l.PipelineStep, &l.PipelineError, &agentLog,
		&l.AgentTranscriptURL, &l.AgentCostUSD, &l.Title, &l.Description, &l.SuggestedPrice,
		&l.PriceRangeLow, &l.PriceRangeHigh, &l.Category, &l.Condition, &l.Brand, &l.Model,
		&l.ResearchNotes, &comparables, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "listing", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}

	if err := json.Unmarshal(agentLog, &l.AgentLog); err != nil {
		return nil, fmt.Errorf("decode agent log for %s: %w", id, err)
	}
	if err := json.Unmarshal(comparables, &l.Comparables); err != nil {
		return nil, fmt.Errorf("decode comparables for %s: %w", id, err)
	}
	return &l, nil
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *models.Listing) error {
	agentLog, err := marshalList(l.AgentLog)
	if err != nil {
		return err
	}
	comparables, err := marshalList(l.Comparables)
	if err != nil {
		return err
	}
	status := l.Status
	if status == "" {
		status = models.ListingStatusDraft
	}
	step := l.PipelineStep
	if step == "" {
		step = models.PipelinePending
	}
	created := l.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			status = EXCLUDED.status,
			pipeline_step = EXCLUDED.pipeline_step,
			updated_at = NOW()`,
		l.ID, l.UserID, status, step, l.PipelineError, agentLog,
		l.AgentTranscriptURL, l.AgentCostUSD, l.Title, l.Description, l.SuggestedPrice,
		l.PriceRangeLow, l.PriceRangeHigh, l.Category, l.Condition, l.Brand, l.Model,
		l.ResearchNotes, comparables, created)
	if err != nil {
		return fmt.Errorf("create listing %s: %w", l.ID, err)
	}
	return nil
}

// exec runs a single-row update and maps "no row touched" to ErrNotFound.
func (s *PostgresStore) exec(ctx context.Context, id, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "listing", Key: id}
	}
	return nil
}

func (s *PostgresStore) UpdateListingState(ctx context.Context, id string, state models.ListingState) error {
	return s.exec(ctx, id, "update listing state", `
		UPDATE listings
		SET status = $2, pipeline_step = $3, pipeline_error = $4, updated_at = NOW()
		WHERE id = $1`,
		id, state.Status, state.PipelineStep, state.PipelineError)
}

func (s *PostgresStore) UpdateAgentLog(ctx context.Context, id string, events []models.ProgressEvent) error {
	data, err := marshalList(events)
	if err != nil {
		return err
	}
	return s.exec(ctx, id, "update agent log", `
		UPDATE listings SET agent_log = $2, updated_at = NOW() WHERE id = $1`,
		id, data)
}

func (s *PostgresStore) CompleteListing(ctx context.Context, id string, out *models.ListingAgentOutput, costUSD float64) error {
	comparables, err := marshalList(out.Comparables)
	if err != nil {
		return err
	}
	return s.exec(ctx, id, "complete listing", `
		UPDATE listings SET
			title = $2, description = $3, suggested_price = $4,
			price_range_low = $5, price_range_high = $6, category = $7,
			condition = $8, brand = $9, model = $10, research_notes = $11,
			comparables = $12, agent_cost_usd = $13,
			status = $14, pipeline_step = $15, pipeline_error = NULL,
			updated_at = NOW()
		WHERE id = $1`,
		id, out.Title, out.Description, out.SuggestedPrice,
		out.PriceRangeLow, out.PriceRangeHigh, out.Category,
		out.Condition, out.Brand, out.Model, out.ResearchNotes,
		comparables, costUSD,
		models.ListingStatusReady, models.PipelineComplete)
}

func (s *PostgresStore) SetTranscriptURL(ctx context.Context, id, url string) error {
	return s.exec(ctx, id, "set transcript url", `
		UPDATE listings SET agent_transcript_url = $2, updated_at = NOW() WHERE id = $1`,
		id, url)
}

// ── Image Store ─────────────────────────────────────────────

const imageColumns = `id, listing_id, url, storage_path, kind, parent_image_id, created_at`

func scanImage(row pgx.Row) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.ListingID, &img.URL, &img.StoragePath, &img.Kind, &img.ParentImageID, &img.CreatedAt)
	return &img, err
}

func (s *PostgresStore) GetImage(ctx context.Context, id string) (*models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM listing_images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "image", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", id, err)
	}
	return img, nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, img *models.Image) error {
	created := img.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	kind := img.Kind
	if kind == "" {
		kind = models.ImageKindOriginal
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO listing_images (`+imageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		img.ID, img.ListingID, img.URL, img.StoragePath, kind, img.ParentImageID, created)
	if err != nil {
		return fmt.Errorf("create image %s: %w", img.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListImages(ctx context.Context, listingID string) ([]models.Image, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+imageColumns+` FROM listing_images
		WHERE listing_id = $1 ORDER BY created_at`, listingID)
	if err != nil {
		return nil, fmt.Errorf("list images for %s: %w", listingID, err)
	}
	defer rows.Close()

	var result []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		result = append(result, *img)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountVariants(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM listing_images WHERE parent_image_id = $1`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count variants of %s: %w", parentID, err)
	}
	return n, nil
}

// marshalList encodes a slice for a JSONB column; nil becomes [].
func marshalList[T any](v []T) ([]byte, error) {
	if v == nil {
		v = []T{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	return data, nil
}
