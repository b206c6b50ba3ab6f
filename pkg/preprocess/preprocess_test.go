package preprocess

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phraseforge/phraseforge/pkg/linguist"
)

func TestCleanPageText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "joins hyphenated line break",
			in:   "Il mar-\nchait lentement.",
			want: "Il marchait lentement.",
		},
		{
			name: "removes standalone page numbers",
			in:   "Fin du chapitre.\n42\nDébut du suivant.",
			want: "Fin du chapitre.\n\nDébut du suivant.",
		},
		{
			name: "removes decorated page numbers",
			in:   "Texte.\n- 17 -\nSuite.",
			want: "Texte.\n\nSuite.",
		},
		{
			name: "collapses space runs",
			in:   "Un   texte\tavec    des espaces.",
			want: "Un texte avec des espaces.",
		},
		{
			name: "collapses blank line runs",
			in:   "Premier.\n\n\n\n\nSecond.",
			want: "Premier.\n\nSecond.",
		},
		{
			name: "keeps in-word hyphens",
			in:   "Le rendez-vous est fixé.",
			want: "Le rendez-vous est fixé.",
		},
		{
			name: "normalizes curly quotes",
			in:   "“C’est l’heure”, dit-il.",
			want: "«C'est l'heure», dit-il.",
		},
		{
			name: "expands ligatures",
			in:   "Le cœur et l’œuvre, une ﬂamme ﬁdèle.",
			want: "Le coeur et l'oeuvre, une flamme fidèle.",
		},
		{
			name: "inserts missing space after punctuation",
			in:   "Il pleuvait fort.Elle ferma la fenêtre.",
			want: "Il pleuvait fort. Elle ferma la fenêtre.",
		},
		{
			name: "keeps decimal numbers intact",
			in:   "Il mesurait 1,75 m. Elle le savait.",
			want: "Il mesurait 1,75 m. Elle le savait.",
		},
		{
			name: "empty input",
			in:   "   \n\n  ",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanPageText(tt.in))
		})
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "basic split",
			in:   "Le chat dort. Le chien mange. La nuit tombe.",
			want: []string{"Le chat dort.", "Le chien mange.", "La nuit tombe."},
		},
		{
			name: "question and exclamation",
			in:   "Qui est là ? Personne ! C'est fini.",
			want: []string{"Qui est là ?", "Personne !", "C'est fini."},
		},
		{
			name: "abbreviation does not split",
			in:   "M. Dupont est arrivé. Il salue Mme. Martin.",
			want: []string{"M. Dupont est arrivé.", "Il salue Mme. Martin."},
		},
		{
			name: "ellipsis as dots",
			in:   "Il hésita... Puis il partit.",
			want: []string{"Il hésita...", "Puis il partit."},
		},
		{
			name: "trailing text without punctuation",
			in:   "Une phrase complète. et un fragment final",
			want: []string{"Une phrase complète.", "et un fragment final"},
		},
		{
			name: "newlines treated as spaces",
			in:   "Le jour se\nlève. La ville dort.",
			want: []string{"Le jour se lève.", "La ville dort."},
		},
		{
			name: "empty input",
			in:   "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitSentences(tt.in))
		})
	}
}

func TestProcess_DropsShortFragments(t *testing.T) {
	p := New(linguist.NewHeuristicEngine())

	pages := []Page{
		{Number: 1, Text: "Chapitre deux. Il marchait vers la ville. Fin."},
	}

	sentences, err := p.Process(context.Background(), pages, 1)
	require.NoError(t, err)
	require.Len(t, sentences, 1, "headings and fragments under three tokens are dropped")
	assert.Equal(t, "Il marchait vers la ville.", sentences[0].Text)
}

func TestProcess_KeepsRepeatedSentences(t *testing.T) {
	p := New(linguist.NewHeuristicEngine())

	// A genuine repetition in the text is not an artifact; overlap
	// duplicates are handled at merge time, between chunks.
	pages := []Page{
		{Number: 1, Text: "Il ne répondit pas. Elle attendait encore. Il ne répondit pas."},
	}

	sentences, err := p.Process(context.Background(), pages, 1)
	require.NoError(t, err)
	require.Len(t, sentences, 3)
	assert.Equal(t, sentences[0].Text, sentences[2].Text)
}

func TestProcess(t *testing.T) {
	p := New(linguist.NewHeuristicEngine())

	pages := []Page{
		{Number: 4, Text: "Cette phrase appartient au chunk précédent."},
		{Number: 5, Text: "Il marchait vers la ville. La pluie tombait fort."},
		{Number: 6, Text: "Un matin calme."},
	}

	sentences, err := p.Process(context.Background(), pages, 5)
	require.NoError(t, err)
	require.Len(t, sentences, 3, "overlap page 4 must be dropped")

	first := sentences[0]
	assert.Equal(t, "Il marchait vers la ville.", first.Text)
	assert.Equal(t, 5, first.Page)
	assert.Equal(t, 5, first.TokenCount)
	assert.True(t, first.HasVerb)
	assert.Equal(t, 5, first.ComplexityScore, "no connectives")

	third := sentences[2]
	assert.Equal(t, "Un matin calme.", third.Text)
	assert.False(t, third.HasVerb)
	assert.Equal(t, 3, third.TokenCount)
}

func TestProcess_ComplexityScore(t *testing.T) {
	p := New(linguist.NewHeuristicEngine())

	pages := []Page{
		{Number: 1, Text: "Il restait chez lui parce que la pluie tombait et le vent soufflait."},
	}

	sentences, err := p.Process(context.Background(), pages, 1)
	require.NoError(t, err)
	require.Len(t, sentences, 1)

	s := sentences[0]
	// 13 tokens, 2 subordinators (parce, que), 1 coordinator (et)
	assert.Equal(t, 13, s.TokenCount)
	assert.Equal(t, 13+3*2+2*1, s.ComplexityScore)
}

func TestProcess_EmptyPages(t *testing.T) {
	p := New(linguist.NewHeuristicEngine())

	sentences, err := p.Process(context.Background(), []Page{{Number: 1, Text: "  \n "}}, 1)
	require.NoError(t, err)
	assert.Empty(t, sentences)
}
