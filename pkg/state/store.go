// Package state is the agent's durable local store. Everything the
// pipeline must not lose across a process restart lives here: the lock
// binding, the incident spool, and the per-flow code pairs.
package state

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/otc"
)

// lockBinding is a single-row table holding the armed incident ID.
type lockBinding struct {
	ID              uint `gorm:"primaryKey"`
	BoundIncidentID string
	UpdatedAt       time.Time
}

// incidentRow mirrors incident.Incident plus sync bookkeeping. Synced and
// ResolutionSynced track what the server has acknowledged; the sync pass
// retries anything still false, idempotently by incident ID.
type incidentRow struct {
	ID               string `gorm:"primaryKey"`
	SubjectID        string `gorm:"index"`
	MatchedWord      string
	MatchedText      string `gorm:"type:text"`
	Category         string
	SourceApp        string
	EvidenceURL      string
	Code             string
	CodeIssuedAt     *time.Time
	Resolved         bool `gorm:"index"`
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	Synced           bool `gorm:"index"`
	ResolutionSynced bool `gorm:"index"`
}

// codeRow holds one flow's (code, issuedAt) pair. Both columns are always
// written and deleted together.
type codeRow struct {
	Flow     string `gorm:"primaryKey"`
	Code     string
	IssuedAt time.Time
}

// codeClearRow remembers a consumed code until the server-side copy is
// cleared too. Without it, a sync pass after consumption would mirror the
// still-stored server code back and make it valid a second time.
type codeClearRow struct {
	Flow       string `gorm:"primaryKey"`
	Code       string
	ConsumedAt time.Time
}

// Store is the sqlite-backed local state store.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the state database at path and migrates its
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&lockBinding{}, &incidentRow{}, &codeRow{}, &codeClearRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// --- lockdown.BindingStore ---

func (s *Store) BoundIncident(ctx context.Context) (string, error) {
	var binding lockBinding
	err := s.db.WithContext(ctx).First(&binding, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return binding.BoundIncidentID, nil
}

func (s *Store) BindIncident(ctx context.Context, incidentID string) error {
	binding := lockBinding{ID: 1, BoundIncidentID: incidentID}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&binding).Error
}

func (s *Store) ClearBinding(ctx context.Context) error {
	return s.db.WithContext(ctx).Delete(&lockBinding{}, 1).Error
}

// --- unlock.IncidentSource and spool ---

// SaveIncident upserts an incident. The sync flags are deliberately left
// out of the conflict update so a resolve after sync does not forget that
// the creation was already acknowledged.
func (s *Store) SaveIncident(ctx context.Context, inc *incident.Incident) error {
	row := toRow(inc)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"evidence_url", "code", "code_issued_at", "resolved", "resolved_at",
			}),
		}).
		Create(&row).Error
}

// CurrentIncident returns the incident the lock is bound to, or nil if no
// binding is held.
func (s *Store) CurrentIncident(ctx context.Context) (*incident.Incident, error) {
	bound, err := s.BoundIncident(ctx)
	if err != nil {
		return nil, err
	}
	if bound == "" {
		return nil, nil
	}
	var row incidentRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", bound).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return fromRow(&row), nil
}

// SetEvidenceURL records an uploaded evidence URL locally.
func (s *Store) SetEvidenceURL(ctx context.Context, incidentID, url string) error {
	return s.db.WithContext(ctx).Model(&incidentRow{}).
		Where("id = ?", incidentID).
		Update("evidence_url", url).Error
}

// UnsyncedIncidents lists incidents the server has not acknowledged yet,
// oldest first.
func (s *Store) UnsyncedIncidents(ctx context.Context) ([]*incident.Incident, error) {
	var rows []incidentRow
	if err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*incident.Incident, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

func (s *Store) MarkIncidentSynced(ctx context.Context, incidentID string) error {
	return s.db.WithContext(ctx).Model(&incidentRow{}).
		Where("id = ?", incidentID).
		Update("synced", true).Error
}

// UnsyncedResolutions lists incidents resolved locally whose resolution
// the server has not acknowledged.
func (s *Store) UnsyncedResolutions(ctx context.Context) ([]*incident.Incident, error) {
	var rows []incidentRow
	if err := s.db.WithContext(ctx).
		Where("resolved = ? AND resolution_synced = ?", true, false).
		Order("created_at asc").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*incident.Incident, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

func (s *Store) MarkResolutionSynced(ctx context.Context, incidentID string) error {
	return s.db.WithContext(ctx).Model(&incidentRow{}).
		Where("id = ?", incidentID).
		Update("resolution_synced", true).Error
}

// --- otc.Store ---

func (s *Store) GetCode(ctx context.Context, flow otc.Flow) (otc.State, error) {
	var row codeRow
	err := s.db.WithContext(ctx).First(&row, "flow = ?", string(flow)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return otc.State{}, nil
	}
	if err != nil {
		return otc.State{}, err
	}
	return otc.State{Code: row.Code, IssuedAt: row.IssuedAt}, nil
}

func (s *Store) PutCode(ctx context.Context, flow otc.Flow, state otc.State) error {
	row := codeRow{Flow: string(flow), Code: state.Code, IssuedAt: state.IssuedAt}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

func (s *Store) ClearCode(ctx context.Context, flow otc.Flow) error {
	return s.db.WithContext(ctx).Delete(&codeRow{}, "flow = ?", string(flow)).Error
}

// --- consumed-code clear spool ---

// SpoolCodeClear records that a code was consumed locally so the sync pass
// can clear the server-side copy before it can be mirrored back.
func (s *Store) SpoolCodeClear(ctx context.Context, flow otc.Flow, code string) error {
	row := codeClearRow{Flow: string(flow), Code: code, ConsumedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// PendingCodeClears lists consumed codes the server has not cleared yet,
// keyed by flow.
func (s *Store) PendingCodeClears(ctx context.Context) (map[otc.Flow]string, error) {
	var rows []codeClearRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[otc.Flow]string, len(rows))
	for _, row := range rows {
		out[otc.Flow(row.Flow)] = row.Code
	}
	return out, nil
}

func (s *Store) MarkCodeClearSynced(ctx context.Context, flow otc.Flow) error {
	return s.db.WithContext(ctx).Delete(&codeClearRow{}, "flow = ?", string(flow)).Error
}

// --- row mapping ---

func toRow(inc *incident.Incident) incidentRow {
	row := incidentRow{
		ID:          inc.ID,
		SubjectID:   inc.SubjectID,
		MatchedWord: inc.MatchedWord,
		MatchedText: inc.MatchedText,
		Category:    inc.Category,
		SourceApp:   inc.SourceApp,
		EvidenceURL: inc.EvidenceURL,
		Code:        inc.UnlockCode.Code,
		Resolved:    inc.Resolved,
		ResolvedAt:  inc.ResolvedAt,
		CreatedAt:   inc.CreatedAt,
	}
	if !inc.UnlockCode.IssuedAt.IsZero() {
		issuedAt := inc.UnlockCode.IssuedAt
		row.CodeIssuedAt = &issuedAt
	}
	return row
}

func fromRow(row *incidentRow) *incident.Incident {
	inc := &incident.Incident{
		ID:          row.ID,
		SubjectID:   row.SubjectID,
		MatchedWord: row.MatchedWord,
		MatchedText: row.MatchedText,
		Category:    row.Category,
		SourceApp:   row.SourceApp,
		EvidenceURL: row.EvidenceURL,
		Resolved:    row.Resolved,
		ResolvedAt:  row.ResolvedAt,
		CreatedAt:   row.CreatedAt,
	}
	if row.Code != "" && row.CodeIssuedAt != nil {
		inc.UnlockCode = otc.State{Code: row.Code, IssuedAt: *row.CodeIssuedAt}
	}
	return inc
}
