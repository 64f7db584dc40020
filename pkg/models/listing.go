package models

import (
	"time"
)

// ── Listing Lifecycle ────────────────────────────────────────

// ListingStatus is the coarse lifecycle state of a listing.
type ListingStatus string

const (
	ListingStatusDraft      ListingStatus = "DRAFT"
	ListingStatusProcessing ListingStatus = "PROCESSING"
	ListingStatusReady      ListingStatus = "READY"
	ListingStatusSold       ListingStatus = "SOLD"
	ListingStatusArchived   ListingStatus = "ARCHIVED"
)

// PipelineStep is the fine-grained sub-stage of a generation job.
type PipelineStep string

const (
	PipelinePending     PipelineStep = "PENDING"
	PipelineAnalyzing   PipelineStep = "ANALYZING"
	PipelineResearching PipelineStep = "RESEARCHING"
	PipelineGenerating  PipelineStep = "GENERATING"
	PipelineComplete    PipelineStep = "COMPLETE"
	PipelineError       PipelineStep = "ERROR"
)

// Listing is the marketplace listing a generation job writes into.
// The surrounding application owns the row; the pipeline only touches the
// state fields, the agent log, the transcript pointer and the output fields.
type Listing struct {
	ID     string        `json:"id"`
	UserID string        `json:"userId"`
	Status ListingStatus `json:"status"`

	PipelineStep       PipelineStep    `json:"pipelineStep"`
	PipelineError      *string         `json:"pipelineError"`
	AgentLog           []ProgressEvent `json:"agentLog"`
	AgentTranscriptURL *string         `json:"agentTranscriptUrl"`
	AgentCostUSD       float64         `json:"agentCostUsd"`

	// Output fields, populated by the complete step.
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	SuggestedPrice float64      `json:"suggestedPrice"`
	PriceRangeLow  float64      `json:"priceRangeLow"`
	PriceRangeHigh float64      `json:"priceRangeHigh"`
	Category       string       `json:"category"`
	Condition      Condition    `json:"condition"`
	Brand          string       `json:"brand"`
	Model          *string      `json:"model,omitempty"`
	ResearchNotes  string       `json:"researchNotes"`
	Comparables    []Comparable `json:"comparables"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ApplyOutput copies every field of a validated agent output onto the listing.
func (l *Listing) ApplyOutput(out *ListingAgentOutput) {
	l.Title = out.Title
	l.Description = out.Description
	l.SuggestedPrice = out.SuggestedPrice
	l.PriceRangeLow = out.PriceRangeLow
	l.PriceRangeHigh = out.PriceRangeHigh
	l.Category = out.Category
	l.Condition = out.Condition
	l.Brand = out.Brand
	l.Model = out.Model
	l.ResearchNotes = out.ResearchNotes
	l.Comparables = append([]Comparable(nil), out.Comparables...)
}

// ListingState is the subset of listing fields the pipeline moves between steps.
// A nil PipelineError clears the stored error.
type ListingState struct {
	Status        ListingStatus
	PipelineStep  PipelineStep
	PipelineError *string
}

// ── Images ───────────────────────────────────────────────────

// ImageKind distinguishes user uploads from derived variants.
type ImageKind string

const (
	ImageKindOriginal ImageKind = "original"
	ImageKindEnhanced ImageKind = "enhanced"
)

// Image is a photo attached to a listing. Derived images point back at
// their original through ParentImageID; the original never references them.
type Image struct {
	ID            string    `json:"id"`
	ListingID     string    `json:"listingId"`
	URL           string    `json:"url"`
	StoragePath   string    `json:"storagePath,omitempty"`
	Kind          ImageKind `json:"kind"`
	ParentImageID *string   `json:"parentImageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IsOriginal reports whether the image is eligible for enhancement.
func (i *Image) IsOriginal() bool {
	return i.Kind == ImageKindOriginal && i.ParentImageID == nil
}
