// Package linguist provides French sentence analysis: tokenization,
// conjugated-verb detection, and connective classification. The Engine
// interface is backed either by a remote annotation service or by the
// built-in heuristics.
package linguist

import (
	"context"
	"strings"
	"unicode"
)

// Annotation is the linguistic analysis of a single sentence.
type Annotation struct {
	// Tokens are the sentence's word tokens, lowercased.
	Tokens []string

	// HasConjugatedVerb is true when at least one token is a finite
	// verb form.
	HasConjugatedVerb bool

	// Subordinators counts subordinating connectives (que, qui, dont...).
	Subordinators int

	// Coordinators counts coordinating conjunctions (mais, ou, et...).
	Coordinators int
}

// Engine annotates French sentences.
type Engine interface {
	// Annotate analyzes sentences in order. The result slice is
	// parallel to the input.
	Annotate(ctx context.Context, sentences []string) ([]Annotation, error)
}

// subordinators per the mais-ou-et-donc-or-ni-car mnemonic's complement:
// words that open a dependent clause.
var subordinators = map[string]bool{
	"que":      true,
	"qui":      true,
	"dont":     true,
	"où":       true,
	"quand":    true,
	"lorsque":  true,
	"puisque":  true,
	"parce":    true,
	"si":       true,
	"comme":    true,
	"quoique":  true,
	"tandis":   true,
	"afin":     true,
	"lequel":   true,
	"laquelle": true,
	"lesquels": true,
}

var coordinators = map[string]bool{
	"mais": true,
	"ou":   true,
	"et":   true,
	"donc": true,
	"or":   true,
	"ni":   true,
	"car":  true,
}

// IsSubordinator reports whether the lowercased word opens a
// subordinate clause.
func IsSubordinator(word string) bool {
	return subordinators[word]
}

// IsCoordinator reports whether the lowercased word is a coordinating
// conjunction.
func IsCoordinator(word string) bool {
	return coordinators[word]
}

// Tokenize splits a sentence into lowercased word tokens. Elided
// articles split at the apostrophe ("l'homme" yields "l", "homme"),
// matching how word counts are taken elsewhere.
func Tokenize(sentence string) []string {
	normalized := strings.NewReplacer("’", "'", "‘", "'").Replace(sentence)

	tokens := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '-'
	})

	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, "-")
		if tok == "" {
			continue
		}
		out = append(out, strings.ToLower(tok))
	}
	return out
}
