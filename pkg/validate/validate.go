// Package validate is the quality gate for normalized sentences. A
// sentence passes when it is a short, complete French clause: 4-8 word
// tokens, a conjugated verb, and no dangling fragment structure.
package validate

import (
	"strings"

	"github.com/phraseforge/phraseforge/pkg/linguist"
)

// Failure codes attached to rejected sentences.
const (
	FailTooShort  = "too_short"
	FailTooLong   = "too_long"
	FailNoVerb    = "no_verb"
	FailFragment  = "fragment"
	FailEmpty     = "empty"
)

// Config bounds the accepted sentence shape.
type Config struct {
	MinWords int
	MaxWords int
}

// DefaultConfig matches the output contract.
func DefaultConfig() Config {
	return Config{MinWords: 4, MaxWords: 8}
}

// Result is the verdict for one sentence.
type Result struct {
	Sentence string `json:"sentence"`
	Passed   bool   `json:"passed"`
	Code     string `json:"code,omitempty"`
}

// Stats summarizes a batch of verdicts.
type Stats struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	PassRate float64        `json:"pass_rate"`
	ByCode   map[string]int `json:"by_code,omitempty"`
}

// relative pronouns that make a sentence-initial clause a fragment.
var leadingRelatives = map[string]bool{
	"qui":        true,
	"que":        true,
	"qu":         true,
	"dont":       true,
	"où":         true,
	"lequel":     true,
	"laquelle":   true,
	"lesquels":   true,
	"lesquelles": true,
	"auquel":     true,
	"duquel":     true,
}

// subordinating conjunctions that need a following main clause.
var leadingSubordinators = map[string]bool{
	"quand":   true,
	"lorsque": true,
	"puisque": true,
	"parce":   true,
	"quoique": true,
	"tandis":  true,
	"si":      true,
	"comme":   true,
}

// prepositions that head a verbless fragment.
var leadingPrepositions = map[string]bool{
	"dans": true,
	"sur":  true,
	"sous": true,
	"vers": true,
	"chez": true,
	"avec": true,
	"sans": true,
	"pour": true,
	"par":  true,
	"de":   true,
	"du":   true,
	"des":  true,
	"à":    true,
	"au":   true,
	"aux":  true,
	"en":   true,
}

// Validator checks normalized sentences against the output contract.
type Validator struct {
	cfg Config
}

// New creates a Validator.
func New(cfg Config) *Validator {
	if cfg.MinWords <= 0 {
		cfg.MinWords = 4
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 8
	}
	return &Validator{cfg: cfg}
}

// Check validates a single sentence against its annotation. The
// annotation must come from the same text.
func (v *Validator) Check(sentence string, ann linguist.Annotation) Result {
	result := Result{Sentence: sentence}

	if strings.TrimSpace(sentence) == "" || len(ann.Tokens) == 0 {
		result.Code = FailEmpty
		return result
	}

	if len(ann.Tokens) < v.cfg.MinWords {
		result.Code = FailTooShort
		return result
	}
	if len(ann.Tokens) > v.cfg.MaxWords {
		result.Code = FailTooLong
		return result
	}

	// Fragment structure is the more specific verdict, so it is
	// checked before the bare verb requirement.
	if isFragment(ann) {
		result.Code = FailFragment
		return result
	}

	if !ann.HasConjugatedVerb {
		result.Code = FailNoVerb
		return result
	}

	result.Passed = true
	return result
}

// isFragment applies the structural fragment rules.
func isFragment(ann linguist.Annotation) bool {
	first := ann.Tokens[0]

	// A leading relative pronoun means a detached dependent clause
	// ("Qui marchait vite.").
	if leadingRelatives[first] {
		return true
	}

	// A leading subordinator needs a main clause too, which means a
	// second finite verb ("Quand la nuit tombait." has only one).
	if leadingSubordinators[first] && countFiniteVerbs(ann) < 2 {
		return true
	}

	// A preposition head with no verb among the first tokens reads as a
	// title, not a clause ("Dans la maison bleue.").
	if leadingPrepositions[first] && !verbInPrefix(ann.Tokens, 3) {
		return true
	}

	return false
}

// countFiniteVerbs counts tokens that look like finite verb forms.
func countFiniteVerbs(ann linguist.Annotation) int {
	n := 0
	for _, tok := range ann.Tokens {
		if linguist.IsConjugatedVerb(tok) {
			n++
		}
	}
	return n
}

// verbInPrefix reports whether any of the first n tokens after the head
// is a finite verb.
func verbInPrefix(tokens []string, n int) bool {
	limit := n + 1
	if limit > len(tokens) {
		limit = len(tokens)
	}
	for _, tok := range tokens[1:limit] {
		if linguist.IsConjugatedVerb(tok) {
			return true
		}
	}
	return false
}

// CheckAll validates sentences in order and computes batch stats.
func (v *Validator) CheckAll(sentences []string, anns []linguist.Annotation) ([]Result, Stats) {
	results := make([]Result, len(sentences))
	stats := Stats{Total: len(sentences), ByCode: make(map[string]int)}

	for i, s := range sentences {
		var ann linguist.Annotation
		if i < len(anns) {
			ann = anns[i]
		}
		r := v.Check(s, ann)
		results[i] = r
		if r.Passed {
			stats.Passed++
		} else {
			stats.ByCode[r.Code]++
		}
	}

	if stats.Total > 0 {
		stats.PassRate = float64(stats.Passed) / float64(stats.Total)
	}
	return results, stats
}
