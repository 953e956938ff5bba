package main

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/custodia-app/custodia/pkg/auth"
	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/otc"
)

func (s *Server) registerIncidentRoutes(r *gin.Engine) {
	device := r.Group("/v1", s.requireSubject)
	device.POST("/incidents", s.handlePutIncident)
	device.PUT("/incidents/:incident_id/evidence", s.handleUpdateEvidenceURL)
	device.POST("/incidents/:incident_id/resolve", s.handleResolveIncident)
	device.GET("/incidents/latest", s.handleLatestUnresolved)
	device.PUT("/evidence/:incident_id", s.handleUploadEvidence)
	device.GET("/codes/:flow", s.handleFetchFlowCode)
	device.DELETE("/codes/:flow", s.handleClearFlowCode)
}

// requireSubject authenticates a device request: signature over the body
// with the key registered at link time, bounded timestamp, single-use
// nonce. The subject record lands in the gin context.
func (s *Server) requireSubject(c *gin.Context) {
	subjectID := c.GetHeader(auth.HeaderSubjectID)
	signature := c.GetHeader(auth.HeaderSignature)
	timestamp := c.GetHeader(auth.HeaderTimestamp)
	nonce := c.GetHeader(auth.HeaderNonce)

	if subjectID == "" || signature == "" || timestamp == "" || nonce == "" {
		respondError(c, http.StatusUnauthorized, "missing authentication headers", s.logger)
		return
	}

	bodyBytes, err := c.GetRawData()
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read body", s.logger)
		return
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "invalid timestamp", s.logger)
		return
	}

	subject, err := s.loadSubject(subjectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "subject not linked", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "failed to load subject", s.logger)
		}
		return
	}

	signed := &auth.SignedRequest{
		Body:      bodyBytes,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: signature,
	}
	if err := auth.VerifySignedRequest(subject.PublicKey, signed, auth.MaxRequestAge); err != nil {
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return
	}
	if err := s.nonceStore.CheckAndStore(subjectID, nonce, signed.Timestamp); err != nil {
		respondError(c, http.StatusUnauthorized, err.Error(), s.logger)
		return
	}

	s.db.Model(subject).Update("last_seen", time.Now().UTC())

	c.Set("subject", subject)
	c.Set("body", bodyBytes)
	c.Next()
}

func (s *Server) loadSubject(subjectID string) (*SubjectState, error) {
	var subject SubjectState
	if err := s.db.Where("subject_id = ?", subjectID).First(&subject).Error; err != nil {
		return nil, err
	}
	if len(subject.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("subject has no registered device key")
	}
	return &subject, nil
}

// handlePutIncident upserts by incident ID so the agent's sync pass can
// resend after a crash without creating duplicates.
func (s *Server) handlePutIncident(c *gin.Context) {
	subject := c.MustGet("subject").(*SubjectState)

	var inc incident.Incident
	if err := c.ShouldBindJSON(&inc); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if inc.ID == "" || inc.MatchedWord == "" {
		respondError(c, http.StatusBadRequest, "missing required fields", s.logger)
		return
	}

	record := IncidentRecord{
		IncidentID:   inc.ID,
		SubjectID:    subject.SubjectID,
		MatchedWord:  inc.MatchedWord,
		MatchedText:  inc.MatchedText,
		Category:     inc.Category,
		SourceApp:    inc.SourceApp,
		EvidenceURL:  inc.EvidenceURL,
		UnlockCode:   inc.UnlockCode.Code,
		CodeIssuedAt: inc.UnlockCode.IssuedAt,
		Resolved:     inc.Resolved,
		ResolvedAt:   inc.ResolvedAt,
		OccurredAt:   inc.CreatedAt,
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "incident_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"matched_word", "matched_text", "category", "source_app", "occurred_at",
		}),
	}).Create(&record).Error
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist incident", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("incident_id", inc.ID).
		Str("subject_id", subject.SubjectID).
		Str("matched_word", inc.MatchedWord).
		Msg("Incident recorded")

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpdateEvidenceURL(c *gin.Context) {
	subject := c.MustGet("subject").(*SubjectState)
	incidentID := c.Param("incident_id")

	var req struct {
		URL string `json:"url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}

	result := s.db.Model(&IncidentRecord{}).
		Where("incident_id = ? AND subject_id = ?", incidentID, subject.SubjectID).
		Update("evidence_url", req.URL)
	if result.Error != nil {
		respondError(c, http.StatusInternalServerError, "failed to update evidence", s.logger)
		return
	}
	if result.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, "incident not found", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleResolveIncident is idempotent: resolving a resolved incident keeps
// the original resolution time.
func (s *Server) handleResolveIncident(c *gin.Context) {
	subject := c.MustGet("subject").(*SubjectState)
	incidentID := c.Param("incident_id")

	var req struct {
		ResolvedAt time.Time `json:"resolved_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	at := req.ResolvedAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	result := s.db.Model(&IncidentRecord{}).
		Where("incident_id = ? AND subject_id = ? AND resolved = ?", incidentID, subject.SubjectID, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_at": at,
			"unlock_code": "",
		})
	if result.Error != nil {
		respondError(c, http.StatusInternalServerError, "failed to resolve incident", s.logger)
		return
	}
	if result.RowsAffected == 0 {
		var count int64
		s.db.Model(&IncidentRecord{}).
			Where("incident_id = ? AND subject_id = ?", incidentID, subject.SubjectID).
			Count(&count)
		if count == 0 {
			respondError(c, http.StatusNotFound, "incident not found", s.logger)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLatestUnresolved(c *gin.Context) {
	subject := c.MustGet("subject").(*SubjectState)

	var record IncidentRecord
	err := s.db.Where("subject_id = ? AND resolved = ?", subject.SubjectID, false).
		Order("occurred_at desc").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		respondError(c, http.StatusInternalServerError, "incident lookup failed", s.logger)
		return
	}

	c.JSON(http.StatusOK, recordToIncident(&record))
}

func recordToIncident(r *IncidentRecord) *incident.Incident {
	return &incident.Incident{
		ID:          r.IncidentID,
		SubjectID:   r.SubjectID,
		MatchedWord: r.MatchedWord,
		MatchedText: r.MatchedText,
		Category:    r.Category,
		SourceApp:   r.SourceApp,
		EvidenceURL: r.EvidenceURL,
		UnlockCode:  otc.State{Code: r.UnlockCode, IssuedAt: r.CodeIssuedAt},
		Resolved:    r.Resolved,
		ResolvedAt:  r.ResolvedAt,
		CreatedAt:   r.OccurredAt,
	}
}

// handleFetchFlowCode mirrors the subject's active flow code to the device.
// Expired codes read as absent.
func (s *Server) handleFetchFlowCode(c *gin.Context) {
	subject := c.MustGet("subject").(*SubjectState)
	flow := c.Param("flow")
	if flow != string(otc.FlowLogout) {
		respondError(c, http.StatusNotFound, "unknown flow", s.logger)
		return
	}

	var record FlowCode
	err := s.db.Where("subject_id = ? AND flow = ?", subject.SubjectID, flow).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.Status(http.StatusNotFound)
			return
		}
		respondError(c, http.StatusInternalServerError, "code lookup failed", s.logger)
		return
	}
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		c.Status(http.StatusNotFound)
		return
	}

	c.JSON(http.StatusOK, otc.State{Code: record.Code, IssuedAt: record.IssuedAt})
}

func (s *Server) handleClearFlowCode(c *gin.Context) {
	subject := c.MustGet("subject").(*SubjectState)
	flow := c.Param("flow")

	if err := s.db.Where("subject_id = ? AND flow = ?", subject.SubjectID, flow).
		Delete(&FlowCode{}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to clear code", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
