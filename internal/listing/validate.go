package listing

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/snaplist/listingd/pkg/models"
)

// MaxTitleLength is the longest title the marketplace accepts, in characters.
const MaxTitleLength = 65

// ValidationError describes how a payload diverged from the output schema.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "agent output failed schema validation: " + e.Reason
}

var (
	schemaOnce     sync.Once
	resolvedSchema *jsonschema.Resolved
	schemaErr      error
)

func ptr[T any](v T) *T { return &v }

// OutputSchema returns the JSON Schema every agent payload must satisfy.
// Comparables beyond title, price and source are optional, as is model.
func OutputSchema() *jsonschema.Schema {
	str := func() *jsonschema.Schema { return &jsonschema.Schema{Type: "string"} }
	num := func() *jsonschema.Schema { return &jsonschema.Schema{Type: "number"} }
	optStr := func() *jsonschema.Schema { return &jsonschema.Schema{Types: []string{"string", "null"}} }

	conditions := make([]any, 0, len(models.Conditions))
	for _, c := range models.Conditions {
		conditions = append(conditions, string(c))
	}

	comparable := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"title":     str(),
			"price":     num(),
			"source":    str(),
			"url":       optStr(),
			"condition": optStr(),
			"soldDate":  optStr(),
		},
		Required: []string{"title", "price", "source"},
	}

	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"title":          {Type: "string", MinLength: ptr(1), MaxLength: ptr(MaxTitleLength)},
			"description":    {Type: "string", MinLength: ptr(1)},
			"suggestedPrice": num(),
			"priceRangeLow":  num(),
			"priceRangeHigh": num(),
			"category":       str(),
			"condition":      {Type: "string", Enum: conditions},
			"brand":          str(),
			"model":          optStr(),
			"researchNotes":  str(),
			"comparables":    {Type: "array", Items: comparable},
		},
		Required: []string{
			"title", "description", "suggestedPrice", "priceRangeLow", "priceRangeHigh",
			"category", "condition", "brand", "researchNotes", "comparables",
		},
	}
}

func resolved() (*jsonschema.Resolved, error) {
	schemaOnce.Do(func() {
		resolvedSchema, schemaErr = OutputSchema().Resolve(nil)
	})
	return resolvedSchema, schemaErr
}

// Validate checks an already-decoded JSON value against the output schema
// and converts it. A failure is final: nothing from a malformed payload is kept.
func Validate(v any) (*models.ListingAgentOutput, error) {
	rs, err := resolved()
	if err != nil {
		return nil, fmt.Errorf("resolve output schema: %w", err)
	}

	if v == nil {
		return nil, &ValidationError{Reason: "payload is null"}
	}
	if err := rs.Validate(v); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	var out models.ListingAgentOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if out.Comparables == nil {
		out.Comparables = []models.Comparable{}
	}
	return &out, nil
}

// ValidateJSON parses data strictly, without the extraction ladder, then
// validates it. Used where the payload is expected to be a clean file write.
func ValidateJSON(data []byte) (*models.ListingAgentOutput, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &ValidationError{Reason: "result is not valid JSON: " + err.Error()}
	}
	return Validate(v)
}

// Revalidate checks an output that was edited after validation, such as by
// PII scrubbing, and returns the canonical copy.
func Revalidate(out models.ListingAgentOutput) (*models.ListingAgentOutput, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return ValidateJSON(raw)
}

// ExtractAndValidate runs the full ladder followed by validation.
func ExtractAndValidate(text string) (*models.ListingAgentOutput, error) {
	v, err := Extract(text)
	if err != nil {
		return nil, err
	}
	return Validate(v)
}
