package models

import (
	"time"
)

// ── Agent Output Contract ────────────────────────────────────

// Condition is the item condition reported by the agent.
type Condition string

const (
	ConditionNew     Condition = "New"
	ConditionLikeNew Condition = "Like New"
	ConditionGood    Condition = "Good"
	ConditionFair    Condition = "Fair"
	ConditionPoor    Condition = "Poor"
)

// Conditions lists every accepted condition value, in display order.
var Conditions = []Condition{ConditionNew, ConditionLikeNew, ConditionGood, ConditionFair, ConditionPoor}

// ListingAgentOutput is the structured payload the agent must produce.
// JSON field names are part of the contract with the prompt.
type ListingAgentOutput struct {
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
}

// Comparable is one market-research data point backing the price.
type Comparable struct {
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	Source    string  `json:"source"`
	URL       *string `json:"url,omitempty"`
	Condition *string `json:"condition,omitempty"`
	SoldDate  *string `json:"soldDate,omitempty"`
}

// AgentProviderResult is what a provider hands back after a successful run.
type AgentProviderResult struct {
	Output          ListingAgentOutput `json:"output"`
	CostUSD         float64            `json:"costUsd"`
	TranscriptLines []string           `json:"transcriptLines,omitempty"`
}

// ── Progress Events ──────────────────────────────────────────

// ProgressKind classifies an agent log entry.
type ProgressKind string

const (
	ProgressStatus   ProgressKind = "status"
	ProgressSearch   ProgressKind = "search"
	ProgressFetch    ProgressKind = "fetch"
	ProgressText     ProgressKind = "text"
	ProgressWrite    ProgressKind = "write"
	ProgressComplete ProgressKind = "complete"
	ProgressError    ProgressKind = "error"
)

// ProgressEvent is one timestamped entry in a listing's agent log.
type ProgressEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Kind      ProgressKind `json:"kind"`
	Content   string       `json:"content"`
}

// NewProgressEvent stamps an event with the current UTC time.
func NewProgressEvent(kind ProgressKind, content string) ProgressEvent {
	return ProgressEvent{Timestamp: time.Now().UTC(), Kind: kind, Content: content}
}

// DownloadedImage is an input photo fetched ahead of a provider run.
type DownloadedImage struct {
	SourceURL string `json:"sourceUrl"`
	MediaType string `json:"mediaType"`
	Data      []byte `json:"-"`
}
