package linguist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name     string
		sentence string
		want     []string
	}{
		{
			name:     "simple sentence",
			sentence: "Le chat dort profondément.",
			want:     []string{"le", "chat", "dort", "profondément"},
		},
		{
			name:     "elision splits at apostrophe",
			sentence: "L'homme marche vite.",
			want:     []string{"l", "homme", "marche", "vite"},
		},
		{
			name:     "curly apostrophe normalized",
			sentence: "Il n’a rien dit.",
			want:     []string{"il", "n", "a", "rien", "dit"},
		},
		{
			name:     "hyphenated word kept whole",
			sentence: "Le rendez-vous commence bientôt.",
			want:     []string{"le", "rendez-vous", "commence", "bientôt"},
		},
		{
			name:     "punctuation stripped",
			sentence: "Oui, vraiment ; c'est fini !",
			want:     []string{"oui", "vraiment", "c", "est", "fini"},
		},
		{
			name:     "empty string",
			sentence: "",
			want:     []string{},
		},
		{
			name:     "numbers kept",
			sentence: "Il a 3 chiens.",
			want:     []string{"il", "a", "3", "chiens"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.sentence)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsConjugatedVerb(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		// irregular finite forms
		{"est", true},
		{"sont", true},
		{"a", true},
		{"ont", true},
		{"va", true},
		{"fait", true},
		{"peuvent", true},
		// regular finite forms via suffixes
		{"marchait", true},
		{"marchaient", true},
		{"mangeons", true},
		{"finissent", true},
		{"parlera", true},
		{"chantiez", true},
		// infinitives and participles are not finite
		{"marcher", false},
		{"finir", false},
		{"mangé", false},
		{"chat", false},
		{"maison", false},
		// short noise tokens
		{"nez", false},
		{"bons", false},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConjugatedVerb(tt.token), "token %q", tt.token)
		})
	}
}

func TestConnectives(t *testing.T) {
	assert.True(t, IsSubordinator("que"))
	assert.True(t, IsSubordinator("dont"))
	assert.True(t, IsSubordinator("où"))
	assert.False(t, IsSubordinator("chat"))

	assert.True(t, IsCoordinator("mais"))
	assert.True(t, IsCoordinator("et"))
	assert.False(t, IsCoordinator("que"))
}

func TestHeuristicEngine_Annotate(t *testing.T) {
	engine := NewHeuristicEngine()

	anns, err := engine.Annotate(context.Background(), []string{
		"Le chat dort et le chien mange parce que la nuit tombait.",
		"Une maison bleue.",
	})
	require.NoError(t, err)
	require.Len(t, anns, 2)

	first := anns[0]
	assert.True(t, first.HasConjugatedVerb)
	assert.Equal(t, 1, first.Coordinators, "et")
	assert.Equal(t, 2, first.Subordinators, "parce, que")
	assert.Len(t, first.Tokens, 12)

	second := anns[1]
	assert.False(t, second.HasConjugatedVerb)
	assert.Zero(t, second.Coordinators)
	assert.Zero(t, second.Subordinators)
}

func TestHeuristicEngine_Annotate_Empty(t *testing.T) {
	engine := NewHeuristicEngine()

	anns, err := engine.Annotate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, anns)
}
