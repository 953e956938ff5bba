package lexicon

import (
	"os"
	"path/filepath"
	"testing"
)

func testLexicon() *Lexicon {
	return FromCategories([]Category{
		{Name: "bullying", Words: []string{"pathetic", "loser"}},
		{Name: "profanity", Words: []string{"damn"}},
	})
}

func TestMatch(t *testing.T) {
	lex := testLexicon()

	tests := []struct {
		name     string
		fragment string
		wantWord string
		wantCat  string
		wantHit  bool
	}{
		{
			name:     "no lexicon word",
			fragment: "what a lovely day",
			wantHit:  false,
		},
		{
			name:     "plain hit",
			fragment: "you are such a pathetic loser",
			wantWord: "pathetic",
			wantCat:  "bullying",
			wantHit:  true,
		},
		{
			name:     "case insensitive",
			fragment: "PATHETIC behaviour",
			wantWord: "pathetic",
			wantCat:  "bullying",
			wantHit:  true,
		},
		{
			name:     "substring inside a word",
			fragment: "closer inspection",
			wantWord: "loser",
			wantCat:  "bullying",
			wantHit:  true,
		},
		{
			name:     "second category",
			fragment: "well damn",
			wantWord: "damn",
			wantCat:  "profanity",
			wantHit:  true,
		},
		{
			name:     "empty fragment",
			fragment: "",
			wantHit:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, hit := lex.Match(tt.fragment)
			if hit != tt.wantHit {
				t.Fatalf("Match(%q) hit = %v, want %v", tt.fragment, hit, tt.wantHit)
			}
			if !hit {
				return
			}
			if match.Word != tt.wantWord {
				t.Errorf("Match(%q) word = %q, want %q", tt.fragment, match.Word, tt.wantWord)
			}
			if match.Category != tt.wantCat {
				t.Errorf("Match(%q) category = %q, want %q", tt.fragment, match.Category, tt.wantCat)
			}
		})
	}
}

func TestMatchStopsAtFirstHit(t *testing.T) {
	lex := testLexicon()
	// Both "pathetic" and "loser" are present; lexicon order decides.
	match, hit := lex.Match("pathetic loser")
	if !hit {
		t.Fatal("expected a match")
	}
	if match.Word != "pathetic" {
		t.Fatalf("Match() word = %q, want first lexicon hit %q", match.Word, "pathetic")
	}
}

func TestLoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")

	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("categories:\n  - name: bullying\n    words: [\"pathetic\"]\n")

	lex, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if lex.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", lex.Len())
	}

	write("categories:\n  - name: bullying\n    words: [\"pathetic\", \"loser\"]\n")
	if err := lex.Reload(path); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if lex.Len() != 2 {
		t.Fatalf("Len() after reload = %d, want 2", lex.Len())
	}

	if _, hit := lex.Match("total loser"); !hit {
		t.Fatal("expected reloaded word to match")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() of a missing file should error")
	}
}

func TestBlankWordsIgnored(t *testing.T) {
	lex := FromCategories([]Category{{Name: "x", Words: []string{"", "  ", "ok"}}})
	if lex.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", lex.Len())
	}
}
