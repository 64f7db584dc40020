// Package guardrails screens text entering and leaving the listing agent.
//
// Input: the seller's free-text description is embedded in the agent prompt,
// so it is capped in length and dropped when it looks like a prompt
// injection. The photos alone still drive the run.
//
// Output: marketplaces reject listings carrying contact details, so emails,
// phone numbers and similar PII are removed from the buyer-facing fields.
package guardrails

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/snaplist/listingd/pkg/models"
)

// MaxDescriptionRunes caps the seller description passed to the agent.
const MaxDescriptionRunes = 2000

// Kind names a guardrail.
type Kind string

const (
	KindMaxLength       Kind = "max_length"
	KindPromptInjection Kind = "prompt_injection"
	KindPII             Kind = "pii_detection"
)

// Finding is one guardrail hit.
type Finding struct {
	Kind    Kind   `json:"kind"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ── Seller Description ──────────────────────────────────────

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+(\w+\s+)?(assistant|ai|bot|model|agent|persona)\b`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)(set|make)\s+the\s+(suggested\s+)?price\s+(to|at)\s+\$?0\b`),
}

// CheckDescription returns the description to hand to the agent and what was
// done to it. A suspected injection drops the whole description.
func CheckDescription(desc string) (string, []Finding) {
	var findings []Finding

	for _, re := range injectionPatterns {
		if re.MatchString(desc) {
			return "", append(findings, Finding{
				Kind:    KindPromptInjection,
				Field:   "userDescription",
				Message: "Seller description ignored: it reads like instructions to the agent",
			})
		}
	}

	if utf8.RuneCountInString(desc) > MaxDescriptionRunes {
		desc = string([]rune(desc)[:MaxDescriptionRunes])
		findings = append(findings, Finding{
			Kind:    KindMaxLength,
			Field:   "userDescription",
			Message: "Seller description truncated to 2000 characters",
		})
	}
	return desc, findings
}

// ── Listing Output ──────────────────────────────────────────

type piiPattern struct {
	name string
	re   *regexp.Regexp
}

// Order matters: card numbers before phone numbers, which would match a
// fragment of them.
var piiPatterns = []piiPattern{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"phone", regexp.MustCompile(`(\+?1[-.\s]?)?\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
}

// ScrubOutput returns a copy of out with PII removed from the buyer-facing
// text fields. out itself is left as validated; callers must validate the
// copy again, since scrubbing can empty a required field.
func ScrubOutput(out models.ListingAgentOutput) (models.ListingAgentOutput, []Finding) {
	var findings []Finding

	scrub := func(field string, text *string, collapse bool) {
		changed := false
		for _, p := range piiPatterns {
			if !p.re.MatchString(*text) {
				continue
			}
			*text = p.re.ReplaceAllString(*text, "")
			changed = true
			findings = append(findings, Finding{
				Kind:    KindPII,
				Field:   field,
				Message: "Removed " + strings.ReplaceAll(p.name, "_", " ") + " from " + field,
			})
		}
		if changed && collapse {
			*text = strings.Join(strings.Fields(*text), " ")
		}
	}

	scrub("title", &out.Title, true)
	scrub("description", &out.Description, false)
	return out, findings
}
