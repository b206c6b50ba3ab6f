// Package preprocess turns raw extracted page text into clean French
// sentences with linguistic metadata, ready for tier routing.
package preprocess

import (
	"context"
	"regexp"
	"strings"

	"github.com/phraseforge/phraseforge/pkg/linguist"
)

// Sentence is a cleaned source sentence with its routing metadata.
type Sentence struct {
	// Text is the cleaned sentence.
	Text string `json:"text"`

	// Page is the 1-based page the sentence starts on.
	Page int `json:"page"`

	// TokenCount is the number of word tokens.
	TokenCount int `json:"token_count"`

	// HasVerb is true when the sentence contains a conjugated verb.
	HasVerb bool `json:"has_verb"`

	// ComplexityScore = tokens + 3*subordinators + 2*coordinators.
	ComplexityScore int `json:"complexity_score"`
}

// Page is one page of extracted text.
type Page struct {
	Number int
	Text   string
}

// Preprocessor cleans page text and annotates sentences.
type Preprocessor struct {
	engine linguist.Engine
}

// New creates a Preprocessor using the given annotation engine.
func New(engine linguist.Engine) *Preprocessor {
	return &Preprocessor{engine: engine}
}

var (
	// hyphenated line break: "mar-\nche" -> "marche"
	hyphenBreakRe = regexp.MustCompile(`(\p{L})-\s*\n\s*(\p{L})`)

	// standalone page number lines, with optional decoration
	pageNumberRe = regexp.MustCompile(`(?m)^\s*[-–—\s]*\d{1,4}[-–—\s]*\s*$`)

	// runs of spaces and tabs
	spaceRunRe = regexp.MustCompile(`[ \t]+`)

	// three or more newlines
	blankRunRe = regexp.MustCompile(`\n{3,}`)

	// punctuation glued to the next sentence: "fort.Il" -> "fort. Il"
	missingSpaceRe = regexp.MustCompile(`([.!?;:,…])(\p{Lu}|«)`)
)

// quoteReplacer folds curly quotes onto their French equivalents and
// expands the typographic ligatures PDF extraction leaves behind.
var quoteReplacer = strings.NewReplacer(
	"’", "'",
	"‘", "'",
	"“", "«",
	"”", "»",
	"œ", "oe",
	"Œ", "Oe",
	"æ", "ae",
	"Æ", "Ae",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬀ", "ff",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
)

// CleanPageText removes extraction artifacts from one page of text:
// hyphenated line breaks, standalone page numbers, curly quotes and
// ligatures, glued punctuation, and whitespace runs.
func CleanPageText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = quoteReplacer.Replace(text)
	text = hyphenBreakRe.ReplaceAllString(text, "$1$2")
	text = pageNumberRe.ReplaceAllString(text, "")
	text = missingSpaceRe.ReplaceAllString(text, "$1 $2")
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"m":    true,
	"mm":   true,
	"mme":  true,
	"mlle": true,
	"dr":   true,
	"st":   true,
	"ste":  true,
	"etc":  true,
	"cf":   true,
	"ex":   true,
	"p":    true,
	"vol":  true,
	"chap": true,
}

// SplitSentences splits cleaned text into sentences on terminal
// punctuation (. ! ? …), keeping the punctuation and skipping common
// French abbreviations.
func SplitSentences(text string) []string {
	var sentences []string
	runes := []rune(strings.ReplaceAll(text, "\n", " "))

	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' && r != '…' {
			continue
		}

		if r == '.' {
			// consume ellipses written as dots
			for i+1 < len(runes) && runes[i+1] == '.' {
				i++
			}
			if isAbbreviation(runes, start, i) {
				continue
			}
		}

		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}

	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}

	return sentences
}

// isAbbreviation reports whether the period at position dot ends a known
// abbreviation rather than a sentence.
func isAbbreviation(runes []rune, start, dot int) bool {
	end := dot
	wordStart := end
	for wordStart > start {
		prev := runes[wordStart-1]
		if prev == ' ' || prev == '\n' || prev == '(' || prev == '«' {
			break
		}
		wordStart--
	}
	word := strings.ToLower(strings.TrimSpace(string(runes[wordStart:end])))
	return abbreviations[word]
}

// minSentenceTokens filters fragments: anything under three word
// tokens is a heading, a caption or a stray artifact, not a sentence.
const minSentenceTokens = 3

// Process cleans the given pages, splits them into sentences, and
// annotates each with routing metadata. Pages before ownedStart are
// context only (chunk overlap): sentences starting on them are dropped,
// as are fragments shorter than minSentenceTokens.
func (p *Preprocessor) Process(ctx context.Context, pages []Page, ownedStart int) ([]Sentence, error) {
	type located struct {
		text string
		page int
	}
	var raw []located

	for _, page := range pages {
		cleaned := CleanPageText(page.Text)
		if cleaned == "" {
			continue
		}
		for _, text := range SplitSentences(cleaned) {
			raw = append(raw, located{text: text, page: page.Number})
		}
	}

	if len(raw) == 0 {
		return nil, nil
	}

	texts := make([]string, len(raw))
	for i, s := range raw {
		texts[i] = s.text
	}

	annotations, err := p.engine.Annotate(ctx, texts)
	if err != nil {
		return nil, err
	}

	sentences := make([]Sentence, 0, len(raw))
	for i, s := range raw {
		if s.page < ownedStart {
			continue
		}
		ann := annotations[i]
		if len(ann.Tokens) < minSentenceTokens {
			continue
		}
		sentences = append(sentences, Sentence{
			Text:            s.text,
			Page:            s.page,
			TokenCount:      len(ann.Tokens),
			HasVerb:         ann.HasConjugatedVerb,
			ComplexityScore: len(ann.Tokens) + 3*ann.Subordinators + 2*ann.Coordinators,
		})
	}

	return sentences, nil
}
