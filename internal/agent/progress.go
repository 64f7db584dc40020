package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/snaplist/listingd/pkg/models"
)

// MaxTextEventLength caps the content of a text progress event, in characters.
const MaxTextEventLength = 200

// Block is one content block of an assistant turn, in the Messages API shape
// shared by the hosted API and the agent CLI's stream output.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ── Tool Variants ────────────────────────────────────────────

// ToolCall is a recognized tool invocation. The set of variants is closed:
// WebSearch, WebFetch and FileWrite.
type ToolCall interface {
	toolCall()
	progress() models.ProgressEvent
}

// WebSearch is a web search request.
type WebSearch struct {
	Query string `json:"query"`
}

// WebFetch is a page fetch request.
type WebFetch struct {
	URL string `json:"url"`
}

// FileWrite is a file write inside the agent's workspace.
type FileWrite struct {
	Path string `json:"path"`
}

func (WebSearch) toolCall() {}
func (WebFetch) toolCall()  {}
func (FileWrite) toolCall() {}

func (t WebSearch) progress() models.ProgressEvent {
	return models.NewProgressEvent(models.ProgressSearch, t.Query)
}

func (t WebFetch) progress() models.ProgressEvent {
	return models.NewProgressEvent(models.ProgressFetch, t.URL)
}

func (FileWrite) progress() models.ProgressEvent {
	return models.NewProgressEvent(models.ProgressWrite, "Writing listing output")
}

// DecodeToolCall maps a tool name and its JSON input to a variant.
// Unknown names return nil.
func DecodeToolCall(name string, input json.RawMessage) ToolCall {
	var args struct {
		Query    string `json:"query"`
		URL      string `json:"url"`
		Path     string `json:"path"`
		FilePath string `json:"file_path"`
	}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &args)
	}

	switch name {
	case "web_search", "WebSearch":
		return WebSearch{Query: args.Query}
	case "web_fetch", "WebFetch":
		return WebFetch{URL: args.URL}
	case "Write", "write_file", "str_replace_based_edit_tool":
		p := args.FilePath
		if p == "" {
			p = args.Path
		}
		return FileWrite{Path: p}
	default:
		return nil
	}
}

// ── Tool Results ─────────────────────────────────────────────

// SearchHit is one entry of a server-side web search result.
type SearchHit struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// WebSearchResult is the result block the hosted API returns for a search.
type WebSearchResult struct {
	ToolUseID string
	Hits      []SearchHit
	ErrorCode string
}

// DecodeSearchResult reads a web_search_tool_result block. ok is false for
// other block types.
func DecodeSearchResult(b Block) (res WebSearchResult, ok bool) {
	if b.Type != "web_search_tool_result" {
		return res, false
	}
	res.ToolUseID = b.ToolUseID

	var hits []struct {
		Type  string `json:"type"`
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(b.Content, &hits); err == nil {
		for _, h := range hits {
			if h.Type == "web_search_result" {
				res.Hits = append(res.Hits, SearchHit{URL: h.URL, Title: h.Title})
			}
		}
		return res, true
	}

	var failure struct {
		ErrorCode string `json:"error_code"`
	}
	_ = json.Unmarshal(b.Content, &failure)
	res.ErrorCode = failure.ErrorCode
	return res, true
}

// ── Extraction ───────────────────────────────────────────────

// ProgressFromBlocks turns an assistant turn into progress events. The mapping
// is the same for every provider.
func ProgressFromBlocks(blocks []Block) []models.ProgressEvent {
	var events []models.ProgressEvent
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text := strings.TrimSpace(b.Text)
			if text == "" {
				continue
			}
			events = append(events, models.NewProgressEvent(models.ProgressText, Truncate(text, MaxTextEventLength)))

		case "tool_use", "server_tool_use":
			if call := DecodeToolCall(b.Name, b.Input); call != nil {
				events = append(events, call.progress())
			}

		case "web_search_tool_result":
			res, _ := DecodeSearchResult(b)
			if res.ErrorCode != "" || len(res.Hits) == 0 {
				continue
			}
			events = append(events, models.NewProgressEvent(models.ProgressSearch, summarizeHits(res.Hits)))
		}
	}
	return events
}

func summarizeHits(hits []SearchHit) string {
	titles := make([]string, 0, 3)
	for i, h := range hits {
		if i == 3 {
			break
		}
		titles = append(titles, h.Title)
	}
	return Truncate(fmt.Sprintf("Found %d results: %s", len(hits), strings.Join(titles, "; ")), MaxTextEventLength)
}

// Truncate shortens s to at most max characters.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// Tail returns the last max characters of s.
func Tail(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}
