package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/aymerick/raymond"
)

// systemPrompt pins the output contract for every tier.
const systemPrompt = `Tu es un outil de simplification de phrases françaises.
Chaque phrase produite doit:
- contenir entre 4 et 8 mots,
- contenir un verbe conjugué,
- être une proposition complète et naturelle,
- préserver le sens de la phrase source.

Réponds UNIQUEMENT avec un tableau JSON de chaînes, sans texte autour.
Exemple de réponse: ["La nuit tombait doucement.", "Il rentrait chez lui."]`

// lightTemplate rewrites near-conforming sentences with minimal edits.
var lightTemplate = raymond.MustParse(`Réécris chacune des phrases suivantes en une phrase de 4 à 8 mots avec un verbe conjugué. Modifie le moins possible.

Phrases (JSON):
{{{sentences}}}

Réponds avec un tableau JSON de phrases, dans le même ordre.{{#if strict}}

RAPPEL: la réponse doit être un tableau JSON valide de chaînes, sans balises de code ni commentaire.{{/if}}`)

// heavyTemplate decomposes long or complex sentences into several short ones.
var heavyTemplate = raymond.MustParse(`Décompose chacune des phrases suivantes en plusieurs phrases courtes de 4 à 8 mots. Chaque phrase produite doit avoir un verbe conjugué et porter une seule idée. Couvre tout le sens de la phrase source.

Phrases (JSON):
{{{sentences}}}

Réponds avec un seul tableau JSON contenant toutes les phrases produites, dans l'ordre des phrases sources.{{#if strict}}

RAPPEL: la réponse doit être un tableau JSON valide de chaînes, sans balises de code ni commentaire.{{/if}}`)

// buildPrompt renders the tier prompt for a batch of sentences. strict
// adds the JSON-only reminder used on the parse-failure retry.
func buildPrompt(heavy bool, sentences []string, strict bool) (string, error) {
	encoded, err := json.Marshal(sentences)
	if err != nil {
		return "", fmt.Errorf("encode sentences: %w", err)
	}

	ctx := map[string]interface{}{
		"sentences": string(encoded),
		"strict":    strict,
	}

	tmpl := lightTemplate
	if heavy {
		tmpl = heavyTemplate
	}

	out, err := tmpl.Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return out, nil
}
