// Package direct implements the direct-API listing provider.
//
// The provider drives a bounded, strictly sequential tool-use loop against the
// Messages API:
//
//	user turn (photos + instructions) → model → end_turn?  → extract + validate
//	                                           → tool_use?  → acknowledge, next turn
//	                                           → other      → best-effort salvage
//
// Web search runs server-side, so tool_use turns only need synthetic
// tool_result acknowledgments before the loop continues.
package direct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/snaplist/listingd/internal/agent"
	"github.com/snaplist/listingd/internal/anthropic"
	"github.com/snaplist/listingd/internal/listing"
	"github.com/snaplist/listingd/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Name is the factory selector value for this provider.
const Name = "direct"

// DefaultMaxTurns is the maximum number of model requests per run.
const DefaultMaxTurns = 10

// tailLength bounds the excerpt of the last text carried in salvage errors.
const tailLength = 300

// ErrMaxTurns is returned when the model never ends its turn.
var ErrMaxTurns = errors.New("exceeded maximum turns")

// MessageClient is the slice of the Messages API the loop uses.
type MessageClient interface {
	CreateMessage(ctx context.Context, req *anthropic.Request) (*anthropic.Response, error)
}

// Config configures the provider.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxTokens     int
	MaxTurns      int
	Timeout       time.Duration
	InputPerMTok  float64
	OutputPerMTok float64
	// SearchMaxUses caps server-side searches per request; 0 leaves it unset.
	SearchMaxUses int
}

// Provider runs the agent through the hosted API.
type Provider struct {
	cfg    Config
	client MessageClient
}

// New creates the provider. The HTTP client is built lazily on first Run.
func New(cfg Config) *Provider {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &Provider{cfg: cfg}
}

// NewWithClient creates the provider around an existing client.
func NewWithClient(cfg Config, client MessageClient) *Provider {
	p := New(cfg)
	p.client = client
	return p
}

func (p *Provider) Name() string { return Name }

// transcriptLine is the raw record kept for every response.
type transcriptLine struct {
	Turn       int                      `json:"turn"`
	Role       string                   `json:"role"`
	Content    []anthropic.ContentBlock `json:"content"`
	Usage      anthropic.Usage          `json:"usage"`
	StopReason string                   `json:"stop_reason"`
}

// Run executes the loop. It performs at most MaxTurns requests.
func (p *Provider) Run(ctx context.Context, images []models.DownloadedImage, userDescription string, sink agent.ProgressSink) (*models.AgentProviderResult, error) {
	if sink == nil {
		sink = agent.Discard
	}
	client := p.client
	if client == nil {
		if err := agent.RequireKey(Name, "ANTHROPIC_API_KEY", p.cfg.APIKey); err != nil {
			return nil, err
		}
		client = anthropic.NewClient(p.cfg.BaseURL, p.cfg.APIKey, p.cfg.Timeout)
	}

	prompts, err := agent.LoadPrompts()
	if err != nil {
		return nil, err
	}
	userText, err := prompts.RenderDirect(agent.PromptData{Description: userDescription, ImageCount: len(images)})
	if err != nil {
		return nil, err
	}

	first := make([]anthropic.ContentBlock, 0, len(images)+1)
	for _, img := range images {
		first = append(first, anthropic.ImageBlock(img.MediaType, img.Data))
	}
	first = append(first, anthropic.TextBlock(userText))

	messages := []anthropic.Message{{Role: "user", Content: first}}
	tools := []anthropic.Tool{anthropic.WebSearchTool(p.cfg.SearchMaxUses)}

	tracer := otel.Tracer("listingd/agent/direct")
	var (
		usage      anthropic.Usage
		transcript []string
		lastText   string
	)

	result := func(out *models.ListingAgentOutput) *models.AgentProviderResult {
		return &models.AgentProviderResult{
			Output:          *out,
			CostUSD:         usage.Cost(p.cfg.InputPerMTok, p.cfg.OutputPerMTok),
			TranscriptLines: transcript,
		}
	}

	for turn := 1; turn <= p.cfg.MaxTurns; turn++ {
		turnCtx, span := tracer.Start(ctx, "direct.turn")
		span.SetAttributes(attribute.Int("turn", turn))

		resp, err := client.CreateMessage(turnCtx, &anthropic.Request{
			Model:     p.cfg.Model,
			MaxTokens: p.cfg.MaxTokens,
			System:    prompts.System,
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			span.RecordError(err)
			span.End()
			return nil, fmt.Errorf("model call failed (turn %d): %w", turn, err)
		}
		span.SetAttributes(attribute.String("stop_reason", resp.StopReason))
		span.End()

		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if line, err := json.Marshal(transcriptLine{
			Turn:       turn,
			Role:       "assistant",
			Content:    resp.Content,
			Usage:      resp.Usage,
			StopReason: resp.StopReason,
		}); err == nil {
			transcript = append(transcript, string(line))
		}

		for _, ev := range agent.ProgressFromBlocks(toBlocks(resp.Content)) {
			sink.Emit(ev)
		}

		text := resp.Text()
		if strings.TrimSpace(text) != "" {
			lastText = text
		}

		switch resp.StopReason {
		case anthropic.StopEndTurn:
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("model ended its turn without producing output (turn %d)", turn)
			}
			out, err := listing.ExtractAndValidate(text)
			if err != nil {
				return nil, err
			}
			log.Info().
				Int("turns", turn).
				Int64("input_tokens", usage.InputTokens).
				Int64("output_tokens", usage.OutputTokens).
				Msg("Direct agent run complete")
			return result(out), nil

		case anthropic.StopToolUse:
			messages = append(messages,
				anthropic.Message{Role: "assistant", Content: resp.Content},
				anthropic.Message{Role: "user", Content: acknowledgments(resp.Content)},
			)
			log.Debug().Int("turn", turn).Msg("Direct agent loop continuing")

		default:
			// Best-effort salvage: the model may have written the payload anyway.
			if out, err := listing.ExtractAndValidate(text); err == nil {
				log.Warn().
					Str("stop_reason", resp.StopReason).
					Int("turn", turn).
					Msg("Salvaged listing output from unexpected stop reason")
				return result(out), nil
			}
			return nil, fmt.Errorf("unexpected stop reason %q (turn %d); last output: %q",
				resp.StopReason, turn, agent.Tail(lastText, tailLength))
		}
	}

	log.Warn().Int("max_turns", p.cfg.MaxTurns).Msg("Direct agent hit max turns")
	return nil, fmt.Errorf("%w (%d)", ErrMaxTurns, p.cfg.MaxTurns)
}

// acknowledgments pairs every tool_use block with a synthetic tool_result.
func acknowledgments(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	var acks []anthropic.ContentBlock
	for _, b := range content {
		if b.Type == "tool_use" {
			acks = append(acks, anthropic.ToolResultBlock(b.ID, "Tool executed by the server. Continue."))
		}
	}
	if len(acks) == 0 {
		acks = append(acks, anthropic.TextBlock("Continue."))
	}
	return acks
}

func toBlocks(content []anthropic.ContentBlock) []agent.Block {
	blocks := make([]agent.Block, 0, len(content))
	for _, c := range content {
		blocks = append(blocks, agent.Block{
			Type:      c.Type,
			Text:      c.Text,
			ID:        c.ID,
			Name:      c.Name,
			Input:     c.Input,
			ToolUseID: c.ToolUseID,
			Content:   c.Content,
		})
	}
	return blocks
}
