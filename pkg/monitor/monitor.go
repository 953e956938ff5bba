package monitor

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/custodia-app/custodia/pkg/lexicon"
)

// DetectionEvent is emitted once per flagged fragment. Downstream stages
// (capture, lockdown) react to it; the monitor itself never locks or
// captures anything.
type DetectionEvent struct {
	ID          string
	SubjectID   string
	MatchedWord string
	MatchedText string
	Category    string
	SourceApp   string
	ObservedAt  time.Time
}

// Monitor evaluates observed on-screen text against the flagged-word
// lexicon. First-match-wins: one fragment produces at most one event, and
// matching stops at the first lexicon hit.
type Monitor struct {
	lex       *lexicon.Lexicon
	subjectID string
	logger    zerolog.Logger
}

func New(lex *lexicon.Lexicon, subjectID string, logger zerolog.Logger) *Monitor {
	return &Monitor{
		lex:       lex,
		subjectID: subjectID,
		logger:    logger.With().Str("component", "monitor").Logger(),
	}
}

// Observe evaluates one text fragment. Empty or whitespace-only fragments
// are ignored. Observe never fails; it either matches or it does not.
func (m *Monitor) Observe(fragment, sourceApp string) *DetectionEvent {
	if strings.TrimSpace(fragment) == "" {
		return nil
	}

	match, ok := m.lex.Match(fragment)
	if !ok {
		return nil
	}

	event := &DetectionEvent{
		ID:          uuid.NewString(),
		SubjectID:   m.subjectID,
		MatchedWord: match.Word,
		MatchedText: fragment,
		Category:    match.Category,
		SourceApp:   sourceApp,
		ObservedAt:  time.Now().UTC(),
	}

	m.logger.Info().
		Str("event_id", event.ID).
		Str("word", event.MatchedWord).
		Str("category", event.Category).
		Str("source_app", sourceApp).
		Msg("Flagged content detected")

	return event
}
