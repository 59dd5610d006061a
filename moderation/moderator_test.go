package moderation

import (
	"chitchat/errors"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

const replacementChar = '*'

// Dictionary words are chosen to avoid partial collisions ("he" inside "The").
func TestModerator_Censor(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	dictionary := []string{"badger", "snake", "mushroom"}
	mod, err := NewModerator(dictionary, replacementChar, log)
	req.NoError(err)

	tests := []struct {
		name     string
		input    string
		expected string
		words    []string
	}{
		{
			name:     "Simple word and space preservation",
			input:    "The badger is here",
			expected: "The ****** is here",
			words:    []string{"badger"},
		},
		{
			name:     "Multiple occurrences and preserved spacing",
			input:    "badger badger badger",
			expected: "****** ****** ******",
			words:    []string{"badger", "badger", "badger"},
		},
		{
			name: "Leet speak and internal punctuation",
			// B (index 9) . 4 . d . g . € r (index 20) -> 10 characters
			input:    "Look at B.4.d.g.€r !",
			expected: "Look at ********** !",
			words:    []string{"badger"},
		},
		{
			name:     "Uppercase and extreme noise",
			input:    "S-N-A-K-E is a B.A.D.G.E.R",
			expected: "********* is a ***********",
			words:    []string{"snake", "badger"},
		},
		{
			name:     "Accents and special characters (UTF-8)",
			input:    "Un été avec un badger",
			expected: "Un été avec un ******",
			words:    []string{"badger"},
		},
		{
			name:     "Word adjacent to trailing punctuation",
			input:    "I love badger!",
			expected: "I love ******!",
			words:    []string{"badger"},
		},
		{
			name:     "Nothing to censor",
			input:    "Chit-chat is amazing",
			expected: "Chit-chat is amazing",
			words:    nil,
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
			words:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, words := mod.Censor(tt.input)
			req.Equal(tt.expected, content, "test=%s,", tt.name)
			req.Equal(tt.words, words, "expected=%s,words=%s", tt.expected, words)
		})
	}
}

func TestModerator_CornerCases(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// Given real noise and not Leet Speak associated
	dictionary := []string{"...", ",,,", "", "badger"}

	mod, err := NewModerator(dictionary, replacementChar, log)
	req.NoError(err)

	// Then the sentence is censored
	input := "The badger is safe"
	expected := "The ****** is safe"
	content, words := mod.Censor(input)
	req.Equal(expected, content)
	req.Equal([]string{"badger"}, words)

	// Then real noise is uncensored
	input = "Hello ..."
	expected = "Hello ..."
	content, words = mod.Censor(input)
	req.Equal(expected, content)
	req.Nil(words)
}

func TestNewModerator_Only_Noise(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	// When every dictionary entry normalizes to nothing
	_, err := NewModerator([]string{"...", " ", ""}, replacementChar, log)

	// Then no moderator can be built
	req.ErrorIs(err, errors.ErrEmptyWords)
}

func TestLoadCensored_Embedded_Dictionaries(t *testing.T) {
	req := require.New(t)

	data, err := LoadCensored()

	req.NoError(err)
	req.ElementsMatch([]string{"en", "fr"}, data.Languages)
	req.Contains(data.Words, "idiot")
	req.Contains(data.Words, "crétin")
	req.IsIncreasing(data.Words)
}

func TestLoadCensoredFrom_Merges_Duplicates(t *testing.T) {
	req := require.New(t)
	fsys := fstest.MapFS{
		"words/en.txt":    {Data: []byte("badger\r\nsnake\n\n")},
		"words/fr.txt":    {Data: []byte("badger\nblaireau\n")},
		"words/README.md": {Data: []byte("not a dictionary")},
	}

	data, err := LoadCensoredFrom(fsys, "words")

	req.NoError(err)
	req.Equal([]string{"badger", "blaireau", "snake"}, data.Words)
	req.Equal([]string{"en", "fr"}, data.Languages)
}

func TestLoadCensoredFrom_Empty(t *testing.T) {
	req := require.New(t)
	fsys := fstest.MapFS{"words/en.txt": {Data: []byte("\n  \n")}}

	_, err := LoadCensoredFrom(fsys, "words")

	req.ErrorIs(err, errors.ErrEmptyWords)
}

func newLanguageModerator(t *testing.T) *LanguageModerator {
	fsys := fstest.MapFS{
		"words/en.txt": {Data: []byte("dumb\n")},
		"words/fr.txt": {Data: []byte("nul\n")},
	}
	data, err := LoadCensoredFrom(fsys, "words")
	require.NoError(t, err)
	m, err := NewLanguageModerator(data, '*', logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	return m
}

func TestLoadCensoredFrom_Keeps_Words_Per_Language(t *testing.T) {
	req := require.New(t)
	fsys := fstest.MapFS{
		"words/en.txt": {Data: []byte("snake\nbadger\n")},
		"words/fr.txt": {Data: []byte("blaireau\n")},
		"words/de.txt": {Data: []byte("\n")},
	}

	data, err := LoadCensoredFrom(fsys, "words")

	req.NoError(err)
	req.Equal(map[string][]string{"en": {"badger", "snake"}, "fr": {"blaireau"}}, data.ByLanguage)
}

func TestLanguageModerator_Uses_The_Dictionary_Of_The_Text_Language(t *testing.T) {
	req := require.New(t)
	m := newLanguageModerator(t)
	english := "The function returned null again this morning, and everybody in the team " +
		"agreed that the whole design of this service was really dumb from the very beginning."

	// When an English text contains the French word inside "null"
	censored, words := m.Censor(english)

	// Then only the English dictionary applies
	req.Equal([]string{"dumb"}, words)
	req.Contains(censored, "returned null again")
	req.Contains(censored, "really **** from")
}

func TestLanguageModerator_French_Text(t *testing.T) {
	req := require.New(t)
	m := newLanguageModerator(t)
	french := "Franchement, je trouve que ce film était nul du début à la fin, et mes amis " +
		"qui étaient avec moi au cinéma hier soir pensent exactement la même chose."

	censored, words := m.Censor(french)

	req.Equal([]string{"nul"}, words)
	req.Contains(censored, "était *** du début")
}

func TestDetectLanguage(t *testing.T) {
	req := require.New(t)

	lang, reliable := detectLanguage("Bonjour à tous, je suis vraiment très heureux de vous retrouver " +
		"aujourd'hui dans cette salle pour parler ensemble de nos projets pour l'année prochaine.")

	req.True(reliable)
	req.Equal("fr", lang)
}
