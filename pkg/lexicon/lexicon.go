package lexicon

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Category groups flagged words for later reporting. Category membership
// does not affect detection, only how an incident is labeled.
type Category struct {
	Name  string   `yaml:"name"`
	Words []string `yaml:"words"`
}

// File is the on-disk lexicon format.
type File struct {
	Categories []Category `yaml:"categories"`
}

// Match is one lexicon hit within a fragment.
type Match struct {
	Word     string
	Category string
}

type entry struct {
	word     string // lowercased
	category string
}

// Lexicon is the flagged-word predicate: case-insensitive substring
// matching over a fixed word list. Safe for concurrent use; Reload swaps
// the word list atomically under the writer lock.
type Lexicon struct {
	mu      sync.RWMutex
	entries []entry
}

// Load reads a lexicon file from disk.
func Load(path string) (*Lexicon, error) {
	lex := &Lexicon{}
	if err := lex.Reload(path); err != nil {
		return nil, err
	}
	return lex, nil
}

// FromCategories builds a lexicon directly, mainly for tests and embedded
// defaults.
func FromCategories(categories []Category) *Lexicon {
	lex := &Lexicon{}
	lex.replace(categories)
	return lex
}

// Reload re-reads the lexicon file and replaces the word list.
func (l *Lexicon) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	l.replace(file.Categories)
	return nil
}

func (l *Lexicon) replace(categories []Category) {
	entries := make([]entry, 0, 32)
	for _, cat := range categories {
		for _, word := range cat.Words {
			word = strings.ToLower(strings.TrimSpace(word))
			if word == "" {
				continue
			}
			entries = append(entries, entry{word: word, category: cat.Name})
		}
	}
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}

// Len returns the number of flagged words currently loaded.
func (l *Lexicon) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Match returns the first lexicon word contained in fragment, or false if
// none matches. Evaluation stops at the first hit.
func (l *Lexicon) Match(fragment string) (Match, bool) {
	if fragment == "" {
		return Match{}, false
	}
	lowered := strings.ToLower(fragment)

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if strings.Contains(lowered, e.word) {
			return Match{Word: e.word, Category: e.category}, true
		}
	}
	return Match{}, false
}

// Watch reloads the lexicon whenever the backing file changes, until ctx
// is cancelled. Reload failures keep the previous word list.
func (l *Lexicon) Watch(ctx context.Context, path string, logger zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := l.Reload(path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Lexicon reload failed, keeping previous word list")
				continue
			}
			logger.Info().Int("words", l.Len()).Msg("Lexicon reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("Lexicon watcher error")
		}
	}
}
