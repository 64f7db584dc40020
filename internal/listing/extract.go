// Package listing recovers and validates the structured listing payload an
// agent produces.
//
// Different execution paths hand back the payload wrapped in different amounts
// of prose or markdown, so Extract tries a short ladder of decodings before
// giving up. Validate then checks the decoded value against the fixed output
// schema and converts it into a models.ListingAgentOutput.
package listing

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencePattern matches a triple-backtick block, optionally tagged json.
var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?[ \\t]*\\r?\\n?(.*?)```")

// ExtractionError is returned when no rung of the ladder yields JSON.
type ExtractionError struct {
	Excerpt string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("could not extract JSON from agent output: %q", e.Excerpt)
}

// Extract parses a text blob believed to contain one JSON object.
// In order: the trimmed text as-is, the interior of a fenced code block,
// then the span from the first '{' to the last '}'.
func Extract(text string) (any, error) {
	trimmed := strings.TrimSpace(text)

	if v, ok := parse(trimmed); ok {
		return v, nil
	}

	for _, m := range fencePattern.FindAllStringSubmatch(trimmed, -1) {
		if v, ok := parseObject(strings.TrimSpace(m[1])); ok {
			return v, nil
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		if v, ok := parseObject(trimmed[start : end+1]); ok {
			return v, nil
		}
	}

	return nil, &ExtractionError{Excerpt: excerpt(trimmed, 120)}
}

func parse(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// parseObject is parse restricted to JSON objects. A fenced `[1, 2]` or a
// bare number inside prose is not a payload.
func parseObject(s string) (map[string]any, bool) {
	v, ok := parse(s)
	if !ok {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// excerpt keeps the head of s, cut on a rune boundary.
func excerpt(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
