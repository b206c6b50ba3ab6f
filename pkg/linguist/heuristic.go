package linguist

import (
	"context"
	"strings"
)

// HeuristicEngine annotates sentences with rule-based French morphology.
// It has no external dependencies and is the fallback when the remote
// annotation service is disabled.
type HeuristicEngine struct{}

// NewHeuristicEngine creates a heuristic annotation engine.
func NewHeuristicEngine() *HeuristicEngine {
	return &HeuristicEngine{}
}

// Annotate implements Engine.
func (e *HeuristicEngine) Annotate(ctx context.Context, sentences []string) ([]Annotation, error) {
	out := make([]Annotation, len(sentences))
	for i, sentence := range sentences {
		tokens := Tokenize(sentence)

		ann := Annotation{Tokens: tokens}
		for _, tok := range tokens {
			if IsSubordinator(tok) {
				ann.Subordinators++
			}
			if IsCoordinator(tok) {
				ann.Coordinators++
			}
			if !ann.HasConjugatedVerb && IsConjugatedVerb(tok) {
				ann.HasConjugatedVerb = true
			}
		}
		out[i] = ann
	}
	return out, nil
}

// finiteForms holds frequent irregular finite forms that suffix rules miss.
var finiteForms = map[string]bool{
	// être
	"suis": true, "es": true, "est": true, "sommes": true, "êtes": true, "sont": true,
	"étais": true, "était": true, "étions": true, "étiez": true, "étaient": true,
	"sera": true, "seront": true, "serai": true, "serez": true, "serons": true,
	"fut": true, "furent": true, "soit": true, "soient": true,
	// avoir
	"ai": true, "as": true, "a": true, "avons": true, "avez": true, "ont": true,
	"avais": true, "avait": true, "avions": true, "aviez": true, "avaient": true,
	"aura": true, "auront": true, "aurai": true, "aurez": true, "aurons": true,
	"eut": true, "eurent": true, "ait": true, "aient": true,
	// aller
	"vais": true, "va": true, "vas": true, "allons": true, "allez": true, "vont": true,
	"allait": true, "allaient": true, "ira": true, "iront": true,
	// faire
	"fais": true, "fait": true, "faisons": true, "faites": true, "font": true,
	"faisait": true, "faisaient": true, "fera": true, "feront": true, "fit": true,
	// modals and frequent irregulars
	"peut": true, "peux": true, "peuvent": true, "pouvait": true, "pouvaient": true,
	"pourra": true, "pourront": true,
	"doit": true, "dois": true, "doivent": true, "devait": true, "devaient": true,
	"devra": true, "devront": true,
	"veut": true, "veux": true, "veulent": true, "voulait": true, "voulaient": true,
	"sait": true, "sais": true, "savent": true, "savait": true, "savaient": true,
	"vient": true, "viens": true, "viennent": true, "venait": true, "venaient": true,
	"prend": true, "prends": true, "prennent": true, "prenait": true, "prenaient": true,
	"dit": true, "dis": true, "disent": true, "disait": true, "disaient": true,
	"voit": true, "vois": true, "voient": true, "voyait": true, "voyaient": true,
	"met": true, "mets": true, "mettent": true, "mettait": true, "mettaient": true,
}

// finiteSuffixes are endings that mark a conjugated form across the
// regular conjugation classes. Infinitive endings (-er, -ir, -re) and
// participles (-é, -ant) are deliberately absent.
var finiteSuffixes = []string{
	"aient", "erions", "eriez", "erait", "erais",
	"èrent", "eront", "erons", "erez", "era", "erai",
	"issent", "issons", "issez", "issait", "issaient",
	"ions", "iez", "ais", "ait",
	"ons", "ez",
}

// IsConjugatedVerb reports whether the lowercased token looks like a
// finite French verb form. Heuristic: exact irregular forms first, then
// suffix rules on longer tokens.
func IsConjugatedVerb(token string) bool {
	if finiteForms[token] {
		return true
	}

	// Suffix rules on very short tokens produce too many false
	// positives (e.g. "nez", "bons").
	if len([]rune(token)) < 5 {
		return false
	}

	for _, suffix := range finiteSuffixes {
		if strings.HasSuffix(token, suffix) {
			return true
		}
	}
	return false
}
