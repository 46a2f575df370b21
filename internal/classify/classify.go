// Package classify resolves a query to the effort tier that bounds its
// run. Classification is a pure function of the query text: the same
// text always produces the same tier, so resumed runs never disagree
// with the run that checkpointed them.
package classify

import (
	"strings"
	"unicode/utf8"

	"fathom/pkg/models"
)

// conjunctionMarkers separate coordinate parts of a query. Each
// occurrence counts as one additional part.
var conjunctionMarkers = []string{
	" and ",
	" then ",
	" as well as ",
	" along with ",
	"; ",
}

// Classifier assigns an effort tier from query signals.
type Classifier struct {
	rules Rules
}

// New creates a Classifier with the given rules.
func New(rules Rules) *Classifier {
	return &Classifier{rules: rules}
}

// NewDefault creates a Classifier with the built-in rules.
func NewDefault() *Classifier {
	return New(DefaultRules())
}

// Selection records a classification and the signal that produced it.
type Selection struct {
	// Tier is the resolved effort tier.
	Tier models.EffortTier
	// Reason names the signal that decided the tier.
	Reason string
	// MatchedKeyword is set when a keyword rule decided the tier.
	MatchedKeyword string
	// Parts is the conjunction-separated part count.
	Parts int
	// SubQuestions is the estimated sub-question count.
	SubQuestions int
	// Length is the query length in runes.
	Length int
}

// Classify returns the effort tier for a query. An explicit effort on
// the query always wins over the text heuristic.
func (c *Classifier) Classify(q models.Query) models.EffortTier {
	return c.Explain(q).Tier
}

// Explain classifies a query and reports which signal decided the
// tier. It checks, in order:
//  1. An explicit effort on the query -> that tier
//  2. Empty or whitespace-only text -> simple
//  3. Complex keywords -> complex
//  4. Structural signals (parts, sub-questions, length) -> moderate or complex
//  5. Simple keywords -> simple
//  6. Default -> simple
func (c *Classifier) Explain(q models.Query) Selection {
	if tier, ok := q.Effort.Tier(); ok {
		return Selection{Tier: tier, Reason: "explicit effort"}
	}

	text := strings.TrimSpace(q.Raw)
	if text == "" {
		return Selection{Tier: models.TierSimple, Reason: "empty query"}
	}

	lower := strings.ToLower(text)
	sel := Selection{
		Parts:        countParts(lower),
		SubQuestions: countSubQuestions(text),
		Length:       utf8.RuneCountInString(text),
	}

	// Complex keywords take priority over everything structural.
	for _, keyword := range c.rules.ComplexKeywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			sel.Tier = models.TierComplex
			sel.Reason = "complex keyword"
			sel.MatchedKeyword = keyword
			return sel
		}
	}

	if sel.Parts >= c.rules.ComplexMinParts ||
		sel.SubQuestions >= c.rules.ComplexMinQuestions ||
		sel.Length >= c.rules.ComplexMinLength {
		sel.Tier = models.TierComplex
		sel.Reason = "structural signals"
		return sel
	}

	if sel.Parts >= c.rules.ModerateMinParts ||
		sel.SubQuestions >= 2 ||
		sel.Length >= c.rules.ModerateMinLength {
		sel.Tier = models.TierModerate
		sel.Reason = "structural signals"
		return sel
	}

	for _, keyword := range c.rules.SimpleKeywords {
		if strings.Contains(lower, strings.ToLower(keyword)) {
			sel.Tier = models.TierSimple
			sel.Reason = "simple keyword"
			sel.MatchedKeyword = keyword
			return sel
		}
	}

	sel.Tier = models.TierSimple
	sel.Reason = "default"
	return sel
}

// countParts counts coordinate parts separated by conjunction markers.
// A query with no markers is one part.
func countParts(lower string) int {
	parts := 1
	for _, marker := range conjunctionMarkers {
		parts += strings.Count(lower, marker)
	}
	return parts
}

// countSubQuestions estimates how many distinct questions the text
// asks. Interrogative text with no question mark still counts as one.
func countSubQuestions(text string) int {
	n := strings.Count(text, "?")
	if n == 0 {
		return 1
	}
	return n
}
