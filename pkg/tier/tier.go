// Package tier routes sentences to normalization tiers based on their
// linguistic metadata.
package tier

import "github.com/phraseforge/phraseforge/pkg/preprocess"

// Tier selects the normalization treatment for a sentence.
type Tier string

const (
	// Passthrough sentences are already in target form and skip the
	// model entirely.
	Passthrough Tier = "passthrough"

	// Light sentences need minor rewriting with the cheap prompt.
	Light Tier = "light"

	// Heavy sentences are long or syntactically complex and get the
	// full decomposition prompt.
	Heavy Tier = "heavy"
)

// Thresholds for routing. A sentence that already satisfies the output
// contract (length band plus a conjugated verb) is never sent to the
// model, whatever its complexity.
const (
	passthroughMinTokens = 4
	passthroughMaxTokens = 8
	heavyMaxComplexity   = 12
	heavyMaxTokens       = 10
)

// Route assigns a sentence to its tier.
func Route(s preprocess.Sentence) Tier {
	if s.TokenCount >= passthroughMinTokens && s.TokenCount <= passthroughMaxTokens && s.HasVerb {
		return Passthrough
	}
	if s.ComplexityScore > heavyMaxComplexity || s.TokenCount > heavyMaxTokens {
		return Heavy
	}
	return Light
}

// Split groups sentences by tier, preserving input order within each
// group.
func Split(sentences []preprocess.Sentence) map[Tier][]preprocess.Sentence {
	groups := make(map[Tier][]preprocess.Sentence, 3)
	for _, s := range sentences {
		t := Route(s)
		groups[t] = append(groups[t], s)
	}
	return groups
}
