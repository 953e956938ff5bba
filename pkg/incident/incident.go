package incident

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-app/custodia/pkg/otc"
)

// Incident is one detection-to-resolution episode. Its identity is fixed
// at creation; EvidenceURL and the resolution fields are the only parts
// that mutate afterwards.
type Incident struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	MatchedWord string     `json:"matched_word"`
	MatchedText string     `json:"matched_text"`
	Category    string     `json:"category,omitempty"`
	SourceApp   string     `json:"source_app,omitempty"`
	EvidenceURL string     `json:"evidence_url,omitempty"`
	UnlockCode  otc.State  `json:"unlock_code"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// New creates an unresolved incident with a fresh ID and its own unlock
// code bound at creation. The code never expires (otc.NoExpiry); it stays
// valid until consumed because the device is otherwise locked forever.
func New(subjectID, matchedWord, matchedText, category, sourceApp string) (*Incident, error) {
	code, err := otc.Generate()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Incident{
		ID:          uuid.NewString(),
		SubjectID:   subjectID,
		MatchedWord: matchedWord,
		MatchedText: matchedText,
		Category:    category,
		SourceApp:   sourceApp,
		UnlockCode:  otc.State{Code: code, IssuedAt: now},
		CreatedAt:   now,
	}, nil
}

// Resolve marks the incident resolved and clears the unlock code. It is a
// no-op once resolved: the resolved flag flips exactly once.
func (i *Incident) Resolve(at time.Time) {
	if i.Resolved {
		return
	}
	i.Resolved = true
	at = at.UTC()
	i.ResolvedAt = &at
	i.UnlockCode = otc.State{}
}

// Store is the durable persistence the pipeline requires from its remote
// collaborator. Implementations must make PutIncident idempotent by
// incident ID so a crashed-and-restarted sync never duplicates a record.
type Store interface {
	PutIncident(ctx context.Context, inc *Incident) error
	UpdateIncidentEvidence(ctx context.Context, incidentID, url string) error
	MarkIncidentResolved(ctx context.Context, incidentID string, at time.Time) error
	LatestUnresolved(ctx context.Context, subjectID string) (*Incident, error)
}

// LockStatus is the query surface exposed to UI layers: whether a subject
// is currently locked and which incident applies.
type LockStatus struct {
	Locked      bool       `json:"locked"`
	IncidentID  string     `json:"incident_id,omitempty"`
	MatchedWord string     `json:"matched_word,omitempty"`
	SourceApp   string     `json:"source_app,omitempty"`
	EvidenceURL string     `json:"evidence_url,omitempty"`
	HasEvidence bool       `json:"has_evidence"`
	CodeIssued  bool       `json:"code_issued"`
	LockedSince *time.Time `json:"locked_since,omitempty"`
}
