package moderation

import (
	"bufio"
	"bytes"
	"chitchat/errors"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed censored/*.txt
var censoredFolder embed.FS

// CensoredData is the merged dictionary, the languages it came from and
// the words of each language, keyed by file name (ISO 639-1 code).
type CensoredData struct {
	Words      []string
	Languages  []string
	ByLanguage map[string][]string
}

// LoadCensored reads the embedded dictionaries, one file per language.
func LoadCensored() (*CensoredData, error) {
	return LoadCensoredFrom(censoredFolder, "censored")
}

// LoadCensoredFrom reads every .txt file of dir, one word per line, and
// merges them without duplicates.
func LoadCensoredFrom(fsys fs.FS, dir string) (*CensoredData, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var languages []string
	unique := make(map[string]struct{})
	byLanguage := make(map[string][]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		lang := strings.TrimSuffix(entry.Name(), ".txt")
		languages = append(languages, lang)
		own := make(map[string]struct{})

		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		// Scanner copes with both \n and \r\n endings.
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				unique[line] = struct{}{}
				own[line] = struct{}{}
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		if len(own) > 0 {
			byLanguage[lang] = sortedWords(own)
		}
	}
	if len(unique) == 0 {
		return nil, errors.ErrEmptyWords
	}

	return &CensoredData{Words: sortedWords(unique), Languages: languages, ByLanguage: byLanguage}, nil
}

func sortedWords(set map[string]struct{}) []string {
	words := make([]string, 0, len(set))
	for w := range set {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}
