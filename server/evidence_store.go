package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxEvidenceBytes = 8 << 20

// EvidenceStore keeps uploaded frames on disk under content-addressed
// paths. Writes go to a temp file first and rename into place, so a
// partial upload never leaves a readable object.
type EvidenceStore struct {
	dir string
}

func NewEvidenceStore(dir string) (*EvidenceStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &EvidenceStore{dir: dir}, nil
}

// Save writes data and returns its path and content hash.
func (e *EvidenceStore) Save(data []byte) (string, string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	subdir := filepath.Join(e.dir, digest[:2])
	if err := os.MkdirAll(subdir, 0o750); err != nil {
		return "", "", err
	}
	final := filepath.Join(subdir, digest)

	if _, err := os.Stat(final); err == nil {
		return final, digest, nil
	}

	tmp, err := os.CreateTemp(e.dir, "upload-*")
	if err != nil {
		return "", "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", "", err
	}
	return final, digest, nil
}

// Open returns a reader over a stored object.
func (e *EvidenceStore) Open(path string) (io.ReadCloser, error) {
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(e.dir, clean)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || len(rel) > 1 && rel[:2] == ".." {
		return nil, errors.New("path outside evidence dir")
	}
	return os.Open(clean)
}

// handleUploadEvidence accepts a raw frame keyed by incident ID. The
// incident row is updated with the serving URL in the same request so the
// guardian view never sees an orphaned object.
func (s *Server) handleUploadEvidence(c *gin.Context) {
	subject := c.MustGet("subject").(*SubjectState)
	incidentID := c.Param("incident_id")

	body := c.MustGet("body").([]byte)
	if len(body) == 0 {
		respondError(c, http.StatusBadRequest, "empty evidence body", s.logger)
		return
	}
	if len(body) > maxEvidenceBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "evidence too large", s.logger)
		return
	}

	path, digest, err := s.evidence.Save(body)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store evidence", s.logger)
		return
	}

	object := EvidenceObject{
		IncidentID: incidentID,
		SubjectID:  subject.SubjectID,
		SHA256:     digest,
		Size:       int64(len(body)),
		Path:       path,
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "incident_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"sha256", "size", "path"}),
	}).Create(&object).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to record evidence", s.logger)
		return
	}

	url := fmt.Sprintf("/v1/admin/evidence/%s", incidentID)
	logger := requestLogger(c, s.logger)
	if err := s.db.Model(&IncidentRecord{}).
		Where("incident_id = ? AND subject_id = ?", incidentID, subject.SubjectID).
		Update("evidence_url", url).Error; err != nil {
		logger.Error().Err(err).Str("incident_id", incidentID).Msg("Failed linking evidence to incident")
	}

	logger.Info().
		Str("incident_id", incidentID).
		Str("sha256", digest).
		Int("size", len(body)).
		Msg("Evidence stored")

	c.JSON(http.StatusCreated, gin.H{"url": url, "sha256": digest})
}

// handleGetEvidence serves a stored frame to the guardian.
func (s *Server) handleGetEvidence(c *gin.Context) {
	incidentID := c.Param("incident_id")

	var object EvidenceObject
	if err := s.db.Where("incident_id = ?", incidentID).First(&object).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "no evidence for incident", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "evidence lookup failed", s.logger)
		return
	}

	reader, err := s.evidence.Open(object.Path)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to open evidence", s.logger)
		return
	}
	defer reader.Close()

	c.Header("Content-Type", "application/octet-stream")
	c.Header("X-Evidence-SHA256", object.SHA256)
	c.Status(http.StatusOK)
	io.Copy(c.Writer, reader)
}
