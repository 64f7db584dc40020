// Package pipeline implements the listing jobs.
//
// generate-listing runs two steps through the job runner:
//
//	run-agent  PROCESSING/PENDING → download photos → ANALYZING → provider run
//	           (RESEARCHING on first search) → GENERATING → transcript upload
//	complete   persist output → READY/COMPLETE → ready notification
//
// Any run-agent failure rolls the listing back to DRAFT/ERROR with the error
// message, so the listing can be submitted again.
//
// enhance-image creates one enhanced variant of an original photo and
// returns the number of variants that photo now has.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/internal/blob"
	"github.com/snaplist/listingd/internal/enhance"
	"github.com/snaplist/listingd/internal/guardrails"
	"github.com/snaplist/listingd/internal/jobs"
	"github.com/snaplist/listingd/internal/listing"
	"github.com/snaplist/listingd/internal/notify"
	"github.com/snaplist/listingd/internal/progress"
	"github.com/snaplist/listingd/internal/store"
	"github.com/snaplist/listingd/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Job kinds.
const (
	KindGenerateListing = "generate-listing"
	KindEnhanceImage    = "enhance-image"
)

// cleanupTimeout bounds state writes made after the job context is gone.
const cleanupTimeout = 10 * time.Second

// ErrNotOriginal is returned when enhancement targets a derived image.
var ErrNotOriginal = errors.New("image is not an original")

// ErrImageMismatch is returned when the image belongs to another listing.
var ErrImageMismatch = errors.New("image does not belong to listing")

// Providers hands out the active agent provider.
type Providers interface {
	Get() agent.Provider
}

// Deps are the collaborators of a Pipeline. Blobs, Notifier and Enhancer
// may be nil; transcripts are then skipped, notifications logged, and
// enhancement refused.
type Deps struct {
	Store      store.Store
	Providers  Providers
	Blobs      blob.Store
	Notifier   notify.Notifier
	Enhancer   enhance.Enhancer
	Runner     *jobs.Runner
	Downloader *Downloader
}

// Pipeline runs listing jobs.
type Pipeline struct {
	store      store.Store
	providers  Providers
	blobs      blob.Store
	notifier   notify.Notifier
	enhancer   enhance.Enhancer
	runner     *jobs.Runner
	downloader *Downloader
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	p := &Pipeline{
		store:      d.Store,
		providers:  d.Providers,
		blobs:      d.Blobs,
		notifier:   d.Notifier,
		enhancer:   d.Enhancer,
		runner:     d.Runner,
		downloader: d.Downloader,
	}
	if p.notifier == nil {
		p.notifier = notify.LogNotifier{}
	}
	if p.runner == nil {
		p.runner = jobs.NewRunner(jobs.Config{})
	}
	if p.downloader == nil {
		p.downloader = NewDownloader(0)
	}
	return p
}

// Runner returns the job runner jobs are submitted to.
func (p *Pipeline) Runner() *jobs.Runner { return p.runner }

// ── Generate Listing ─────────────────────────────────────────

// SubmitGenerate validates ev and starts the job in the background.
func (p *Pipeline) SubmitGenerate(ev models.GenerateListingEvent) (string, error) {
	if err := models.ValidateEvent(ev); err != nil {
		return "", fmt.Errorf("invalid %s event: %w", KindGenerateListing, err)
	}
	return p.runner.Submit(KindGenerateListing, func(ctx context.Context, run *jobs.Run) (any, error) {
		return nil, p.GenerateListing(ctx, run, ev)
	}), nil
}

// RunGenerate runs the job in the foreground with the runner's retry policy.
func (p *Pipeline) RunGenerate(ctx context.Context, ev models.GenerateListingEvent) error {
	if err := models.ValidateEvent(ev); err != nil {
		return fmt.Errorf("invalid %s event: %w", KindGenerateListing, err)
	}
	_, err := p.runner.Run(ctx, KindGenerateListing, func(ctx context.Context, run *jobs.Run) (any, error) {
		return nil, p.GenerateListing(ctx, run, ev)
	})
	return err
}

// GenerateListing is the job body: run-agent, then complete. A step that
// succeeded is not repeated when the job is retried.
func (p *Pipeline) GenerateListing(ctx context.Context, run *jobs.Run, ev models.GenerateListingEvent) error {
	result, err := jobs.Step(ctx, run, "run-agent", func(ctx context.Context) (*models.AgentProviderResult, error) {
		return p.RunAgent(ctx, ev)
	})
	if err != nil {
		return err
	}
	_, err = jobs.Step(ctx, run, "complete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.Complete(ctx, ev.ListingID, result)
	})
	return err
}

// RunAgent downloads the photos and runs the active provider, moving the
// listing through its pipeline steps. On failure the listing is rolled back
// to DRAFT/ERROR and the error is returned.
func (p *Pipeline) RunAgent(ctx context.Context, ev models.GenerateListingEvent) (*models.AgentProviderResult, error) {
	ctx, span := otel.Tracer("listingd/pipeline").Start(ctx, "pipeline.run_agent")
	defer span.End()
	span.SetAttributes(
		attribute.String("listing.id", ev.ListingID),
		attribute.Int("images", len(ev.ImageURLs)),
	)

	rec, err := p.store.GetListing(ctx, ev.ListingID)
	if err != nil {
		span.RecordError(err)
		return nil, jobs.Permanent(fmt.Errorf("load listing: %w", err))
	}

	plog := progress.New(ev.ListingID, p.store, rec.AgentLog)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := plog.Close(flushCtx); err != nil {
			log.Warn().Err(err).Str("listing", ev.ListingID).Msg("Final agent log flush failed")
		}
	}()

	result, err := p.runAgent(ctx, ev, plog)
	if err != nil {
		span.RecordError(err)
		p.fail(ctx, ev.ListingID, plog, err)
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) runAgent(ctx context.Context, ev models.GenerateListingEvent, plog *progress.Log) (*models.AgentProviderResult, error) {
	id := ev.ListingID

	if err := p.setState(ctx, id, models.ListingStatusProcessing, models.PipelinePending); err != nil {
		return nil, err
	}
	plog.Append(models.NewProgressEvent(models.ProgressStatus, fmt.Sprintf("Downloading %d photo(s)", len(ev.ImageURLs))))

	images, err := p.downloader.DownloadAll(ctx, ev.ImageURLs)
	if err != nil {
		return nil, err
	}

	provider := p.providers.Get()
	if provider == nil {
		return nil, errors.New("no agent provider configured")
	}

	if err := p.setState(ctx, id, models.ListingStatusProcessing, models.PipelineAnalyzing); err != nil {
		return nil, err
	}
	plog.Append(models.NewProgressEvent(models.ProgressStatus, "Analyzing photos"))

	var researching atomic.Bool
	sink := agent.SinkFunc(func(pe models.ProgressEvent) {
		plog.Append(pe)
		if pe.Kind == models.ProgressSearch && researching.CompareAndSwap(false, true) {
			if err := p.setState(ctx, id, models.ListingStatusProcessing, models.PipelineResearching); err != nil {
				log.Warn().Err(err).Str("listing", id).Msg("Failed to mark listing as researching")
			}
		}
	})

	log.Info().
		Str("listing", id).
		Str("provider", provider.Name()).
		Int("images", len(images)).
		Msg("🤖 Running listing agent")

	desc, findings := guardrails.CheckDescription(ev.Description())
	p.recordFindings(id, plog, findings)

	result, err := provider.Run(ctx, images, desc, sink)
	if err != nil {
		return nil, err
	}
	result, err = p.scrub(id, plog, result)
	if err != nil {
		return nil, err
	}

	if err := p.setState(ctx, id, models.ListingStatusProcessing, models.PipelineGenerating); err != nil {
		return nil, err
	}
	plog.Append(models.NewProgressEvent(models.ProgressStatus, "Generating listing"))

	p.uploadTranscript(ctx, id, result.TranscriptLines)
	return result, nil
}

// scrub removes PII from the provider's output. The validated result is
// never edited; a scrubbed copy is validated again and replaces it.
func (p *Pipeline) scrub(listingID string, plog *progress.Log, result *models.AgentProviderResult) (*models.AgentProviderResult, error) {
	scrubbed, findings := guardrails.ScrubOutput(result.Output)
	if len(findings) == 0 {
		return result, nil
	}
	p.recordFindings(listingID, plog, findings)

	out, err := listing.Revalidate(scrubbed)
	if err != nil {
		return nil, fmt.Errorf("listing invalid after removing contact details: %w", err)
	}
	return &models.AgentProviderResult{
		Output:          *out,
		CostUSD:         result.CostUSD,
		TranscriptLines: result.TranscriptLines,
	}, nil
}

func (p *Pipeline) recordFindings(listingID string, plog *progress.Log, findings []guardrails.Finding) {
	for _, f := range findings {
		plog.Append(models.NewProgressEvent(models.ProgressStatus, f.Message))
		log.Warn().Str("listing", listingID).Str("guardrail", string(f.Kind)).Str("field", f.Field).Msg(f.Message)
	}
}

// uploadTranscript stores the raw transcript. Failures are logged only.
func (p *Pipeline) uploadTranscript(ctx context.Context, listingID string, lines []string) {
	if p.blobs == nil || len(lines) == 0 {
		return
	}
	url, err := blob.PutTranscript(ctx, p.blobs, listingID, lines)
	if err != nil {
		log.Warn().Err(err).Str("listing", listingID).Msg("Transcript upload failed")
		return
	}
	if err := p.store.SetTranscriptURL(ctx, listingID, url); err != nil {
		log.Warn().Err(err).Str("listing", listingID).Msg("Failed to record transcript URL")
	}
}

// fail records err on the listing. It uses a detached context so a
// cancelled job still leaves the listing retryable.
func (p *Pipeline) fail(ctx context.Context, listingID string, plog *progress.Log, cause error) {
	msg := cause.Error()
	plog.Append(models.NewProgressEvent(models.ProgressError, msg))

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	err := p.store.UpdateListingState(cctx, listingID, models.ListingState{
		Status:        models.ListingStatusDraft,
		PipelineStep:  models.PipelineError,
		PipelineError: &msg,
	})
	if err != nil {
		log.Error().Err(err).Str("listing", listingID).Msg("Failed to record pipeline error")
	}
	log.Error().Err(cause).Str("listing", listingID).Msg("Listing agent failed")
}

func (p *Pipeline) setState(ctx context.Context, id string, status models.ListingStatus, step models.PipelineStep) error {
	if err := p.store.UpdateListingState(ctx, id, models.ListingState{Status: status, PipelineStep: step}); err != nil {
		return fmt.Errorf("set listing %s to %s: %w", id, step, err)
	}
	return nil
}

// Complete persists the agent output, marks the listing READY/COMPLETE and
// sends the ready notification.
func (p *Pipeline) Complete(ctx context.Context, listingID string, result *models.AgentProviderResult) error {
	ctx, span := otel.Tracer("listingd/pipeline").Start(ctx, "pipeline.complete")
	defer span.End()

	if err := p.store.CompleteListing(ctx, listingID, &result.Output, result.CostUSD); err != nil {
		return fmt.Errorf("save listing output: %w", err)
	}

	rec, err := p.store.GetListing(ctx, listingID)
	if err != nil {
		return fmt.Errorf("reload listing: %w", err)
	}

	// A retry after a failed notification finds the event already logged.
	if n := len(rec.AgentLog); n == 0 || rec.AgentLog[n-1].Kind != models.ProgressComplete {
		plog := progress.New(listingID, p.store, rec.AgentLog)
		plog.Append(models.NewProgressEvent(models.ProgressComplete, "Listing ready"))
		if err := plog.Close(ctx); err != nil {
			log.Warn().Err(err).Str("listing", listingID).Msg("Failed to append completion event")
		}
	}

	if err := p.notifier.NotifyReady(ctx, models.ReadyNotification{
		UserID:    rec.UserID,
		ListingID: listingID,
		Title:     result.Output.Title,
	}); err != nil {
		return fmt.Errorf("notify ready: %w", err)
	}

	log.Info().
		Str("listing", listingID).
		Str("title", result.Output.Title).
		Float64("cost_usd", result.CostUSD).
		Msg("✅ Listing ready")
	return nil
}

// ── Enhance Image ────────────────────────────────────────────

// SubmitEnhance validates ev and starts the job in the background.
// The job result is the variant count.
func (p *Pipeline) SubmitEnhance(ev models.EnhanceImageEvent) (string, error) {
	if err := models.ValidateEvent(ev); err != nil {
		return "", fmt.Errorf("invalid %s event: %w", KindEnhanceImage, err)
	}
	return p.runner.Submit(KindEnhanceImage, func(ctx context.Context, run *jobs.Run) (any, error) {
		return p.enhanceJob(ctx, run, ev)
	}), nil
}

// RunEnhance runs the job in the foreground and returns the variant count.
func (p *Pipeline) RunEnhance(ctx context.Context, ev models.EnhanceImageEvent) (int, error) {
	if err := models.ValidateEvent(ev); err != nil {
		return 0, fmt.Errorf("invalid %s event: %w", KindEnhanceImage, err)
	}
	out, err := p.runner.Run(ctx, KindEnhanceImage, func(ctx context.Context, run *jobs.Run) (any, error) {
		return p.enhanceJob(ctx, run, ev)
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

func (p *Pipeline) enhanceJob(ctx context.Context, run *jobs.Run, ev models.EnhanceImageEvent) (any, error) {
	if _, err := jobs.Step(ctx, run, "enhance", func(ctx context.Context) (*models.Image, error) {
		return p.createVariant(ctx, ev)
	}); err != nil {
		return nil, err
	}
	return p.countVariants(ctx, ev.ImageID)
}

// EnhanceImage creates one enhanced variant and returns the fresh variant
// count of the original.
func (p *Pipeline) EnhanceImage(ctx context.Context, ev models.EnhanceImageEvent) (int, error) {
	if _, err := p.createVariant(ctx, ev); err != nil {
		return 0, err
	}
	return p.countVariants(ctx, ev.ImageID)
}

func (p *Pipeline) countVariants(ctx context.Context, imageID string) (int, error) {
	n, err := p.store.CountVariants(ctx, imageID)
	if err != nil {
		return 0, fmt.Errorf("count variants: %w", err)
	}
	return n, nil
}

func (p *Pipeline) createVariant(ctx context.Context, ev models.EnhanceImageEvent) (*models.Image, error) {
	ctx, span := otel.Tracer("listingd/pipeline").Start(ctx, "pipeline.enhance_image")
	defer span.End()
	span.SetAttributes(attribute.String("image.id", ev.ImageID), attribute.String("listing.id", ev.ListingID))

	if p.enhancer == nil {
		return nil, jobs.Permanent(errors.New("image enhancement is not configured"))
	}

	img, err := p.store.GetImage(ctx, ev.ImageID)
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("load image: %w", err))
	}
	if img.ListingID != ev.ListingID {
		return nil, jobs.Permanent(fmt.Errorf("%w: image %s, listing %s", ErrImageMismatch, img.ID, ev.ListingID))
	}
	if !img.IsOriginal() {
		return nil, jobs.Permanent(fmt.Errorf("%w: %s", ErrNotOriginal, img.ID))
	}

	rec, err := p.store.GetListing(ctx, ev.ListingID)
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("load listing: %w", err))
	}

	src, err := p.fetchImage(ctx, img)
	if err != nil {
		return nil, err
	}

	out, err := p.enhancer.Enhance(ctx, enhance.Image{MediaType: src.MediaType, Data: src.Data},
		enhance.Prompt(rec.Category, rec.Condition))
	if err != nil {
		return nil, fmt.Errorf("enhance image %s: %w", img.ID, err)
	}
	if p.blobs == nil {
		return nil, jobs.Permanent(errors.New("object storage is not configured"))
	}

	variantID := uuid.NewString()
	path := blob.EnhancedPath(ev.ListingID, variantID, out.MediaType)
	url, err := p.blobs.Put(ctx, path, out.Data, out.MediaType)
	if err != nil {
		return nil, fmt.Errorf("upload enhanced image: %w", err)
	}

	parent := img.ID
	variant := &models.Image{
		ID:            variantID,
		ListingID:     ev.ListingID,
		URL:           url,
		StoragePath:   path,
		Kind:          models.ImageKindEnhanced,
		ParentImageID: &parent,
	}
	if err := p.store.CreateImage(ctx, variant); err != nil {
		return nil, fmt.Errorf("record enhanced image: %w", err)
	}

	log.Info().
		Str("listing", ev.ListingID).
		Str("image", img.ID).
		Str("variant", variantID).
		Msg("✨ Enhanced image created")
	return variant, nil
}

// fetchImage reads the photo from object storage when it has a storage
// path there, otherwise downloads its URL.
func (p *Pipeline) fetchImage(ctx context.Context, img *models.Image) (*models.DownloadedImage, error) {
	if img.StoragePath != "" && p.blobs != nil {
		data, err := p.blobs.Get(ctx, img.StoragePath)
		if err == nil && len(data) > 0 {
			return &models.DownloadedImage{SourceURL: img.URL, MediaType: mediaType("", data), Data: data}, nil
		}
		log.Debug().Err(err).Str("image", img.ID).Msg("Blob read failed, falling back to URL")
	}
	return p.downloader.Download(ctx, img.URL)
}
