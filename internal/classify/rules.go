package classify

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// defaultComplexKeywords are words that indicate queries worth the full
// decomposition budget.
var defaultComplexKeywords = []string{
	"compare",
	"comparison",
	"trade-off",
	"tradeoff",
	"analyze",
	"analysis",
	"evaluate",
	"research",
	"investigate",
	"architecture",
	"design a",
	"pros and cons",
	"in depth",
	"comprehensive",
}

// defaultSimpleKeywords are words that indicate single-step lookups.
var defaultSimpleKeywords = []string{
	"what is",
	"what's",
	"who is",
	"who was",
	"when is",
	"when was",
	"define",
	"definition of",
	"convert",
	"spell",
	"meaning of",
}

// Rules tune the effort heuristic. Zero-valued fields fall back to the
// built-in defaults, so a rules file only needs to name what it changes.
type Rules struct {
	// ComplexKeywords force the complex tier when present in the query.
	ComplexKeywords []string `yaml:"complex_keywords"`
	// SimpleKeywords suggest the simple tier; structural signals can
	// still raise the result to moderate.
	SimpleKeywords []string `yaml:"simple_keywords"`
	// ComplexMinLength is the rune count at which length alone makes a
	// query complex.
	ComplexMinLength int `yaml:"complex_min_length"`
	// ModerateMinLength is the rune count at which length alone makes
	// a query moderate.
	ModerateMinLength int `yaml:"moderate_min_length"`
	// ComplexMinParts is the conjunction-separated part count that
	// makes a query complex.
	ComplexMinParts int `yaml:"complex_min_parts"`
	// ModerateMinParts is the part count that makes a query moderate.
	ModerateMinParts int `yaml:"moderate_min_parts"`
	// ComplexMinQuestions is the sub-question count that makes a query
	// complex.
	ComplexMinQuestions int `yaml:"complex_min_questions"`
}

// DefaultRules returns the built-in classification rules.
func DefaultRules() Rules {
	return Rules{
		ComplexKeywords:     append([]string{}, defaultComplexKeywords...),
		SimpleKeywords:      append([]string{}, defaultSimpleKeywords...),
		ComplexMinLength:    280,
		ModerateMinLength:   120,
		ComplexMinParts:     4,
		ModerateMinParts:    2,
		ComplexMinQuestions: 3,
	}
}

// LoadRules reads a YAML rules file and merges it over the defaults.
// Missing fields keep their default values.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("reading rules file: %w", err)
	}

	var loaded Rules
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return rules, fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	if len(loaded.ComplexKeywords) > 0 {
		rules.ComplexKeywords = loaded.ComplexKeywords
	}
	if len(loaded.SimpleKeywords) > 0 {
		rules.SimpleKeywords = loaded.SimpleKeywords
	}
	if loaded.ComplexMinLength > 0 {
		rules.ComplexMinLength = loaded.ComplexMinLength
	}
	if loaded.ModerateMinLength > 0 {
		rules.ModerateMinLength = loaded.ModerateMinLength
	}
	if loaded.ComplexMinParts > 0 {
		rules.ComplexMinParts = loaded.ComplexMinParts
	}
	if loaded.ModerateMinParts > 0 {
		rules.ModerateMinParts = loaded.ModerateMinParts
	}
	if loaded.ComplexMinQuestions > 0 {
		rules.ComplexMinQuestions = loaded.ComplexMinQuestions
	}

	return rules, nil
}
