package moderation

import (
	"log/slog"

	"github.com/abadojack/whatlanggo"
)

// minConfidence is the detection confidence below which a text is checked
// against every dictionary.
const minConfidence = 0.8

// LanguageModerator censors a text with the dictionary of its detected
// language, so a harmless word in one language is not masked because it is
// offensive in another. Texts whose language is uncertain, or has no
// dictionary, go through the merged dictionary.
type LanguageModerator struct {
	byLanguage map[string]*Moderator
	merged     *Moderator
	log        *slog.Logger
}

func NewLanguageModerator(data *CensoredData, censoredChar rune, log *slog.Logger) (*LanguageModerator, error) {
	merged, err := NewModerator(data.Words, censoredChar, log)
	if err != nil {
		return nil, err
	}
	byLanguage := make(map[string]*Moderator, len(data.ByLanguage))
	for lang, words := range data.ByLanguage {
		m, err := NewModerator(words, censoredChar, log)
		if err != nil {
			log.Warn("Dictionary skipped", "lang", lang, "error", err)
			continue
		}
		byLanguage[lang] = m
	}
	return &LanguageModerator{byLanguage: byLanguage, merged: merged, log: log}, nil
}

func (m *LanguageModerator) Censor(original string) (string, []string) {
	lang, ok := detectLanguage(original)
	if ok {
		if moderator, found := m.byLanguage[lang]; found {
			return moderator.Censor(original)
		}
	}
	m.log.Debug("No dictionary for text language, using all of them", "lang", lang)
	return m.merged.Censor(original)
}

// detectLanguage returns the ISO 639-1 code of the text language and
// whether the detection can be trusted.
func detectLanguage(text string) (string, bool) {
	info := whatlanggo.Detect(text)
	return info.Lang.Iso6391(), info.Confidence >= minConfidence
}
