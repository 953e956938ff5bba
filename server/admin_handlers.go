package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/otc"
)

func (s *Server) registerAdminRoutes(r *gin.Engine) {
	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.GET("/subjects/:subject_id/status", s.handleLockStatus)
	admin.GET("/subjects/:subject_id/incidents", s.handleListIncidents)
	admin.POST("/subjects/:subject_id/logout-code", s.handleIssueLogoutCode)
	admin.DELETE("/subjects/:subject_id/logout-code", s.handleRevokeLogoutCode)
	admin.GET("/incidents/:incident_id", s.handleGetIncident)
	admin.GET("/evidence/:incident_id", s.handleGetEvidence)
}

// handleLockStatus answers the guardian's first question: is the device
// locked right now, and on which incident.
func (s *Server) handleLockStatus(c *gin.Context) {
	subjectID := c.Param("subject_id")
	if _, err := s.subjectByID(c, subjectID); err != nil {
		return
	}

	var record IncidentRecord
	err := s.db.Where("subject_id = ? AND resolved = ?", subjectID, false).
		Order("occurred_at desc").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusOK, incident.LockStatus{Locked: false})
			return
		}
		respondError(c, http.StatusInternalServerError, "incident lookup failed", s.logger)
		return
	}

	since := record.OccurredAt
	c.JSON(http.StatusOK, incident.LockStatus{
		Locked:      true,
		IncidentID:  record.IncidentID,
		MatchedWord: record.MatchedWord,
		SourceApp:   record.SourceApp,
		EvidenceURL: record.EvidenceURL,
		HasEvidence: record.EvidenceURL != "",
		CodeIssued:  record.UnlockCode != "",
		LockedSince: &since,
	})
}

func (s *Server) handleListIncidents(c *gin.Context) {
	subjectID := c.Param("subject_id")
	if _, err := s.subjectByID(c, subjectID); err != nil {
		return
	}

	var records []IncidentRecord
	if err := s.db.Where("subject_id = ?", subjectID).
		Order("occurred_at desc").
		Limit(100).
		Find(&records).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list incidents", s.logger)
		return
	}

	resp := make([]gin.H, 0, len(records))
	for _, r := range records {
		resp = append(resp, gin.H{
			"incident_id":  r.IncidentID,
			"matched_word": r.MatchedWord,
			"category":     r.Category,
			"source_app":   r.SourceApp,
			"has_evidence": r.EvidenceURL != "",
			"resolved":     r.Resolved,
			"occurred_at":  r.OccurredAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetIncident returns the full record, unlock code included, so the
// guardian can read the digits to the child.
func (s *Server) handleGetIncident(c *gin.Context) {
	incidentID := c.Param("incident_id")

	var record IncidentRecord
	if err := s.db.Where("incident_id = ?", incidentID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "incident not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "incident lookup failed", s.logger)
		return
	}

	c.JSON(http.StatusOK, recordToIncident(&record))
}

// handleIssueLogoutCode mints a logout code the device will mirror on its
// next sync pass. Reissue supersedes.
func (s *Server) handleIssueLogoutCode(c *gin.Context) {
	subjectID := c.Param("subject_id")
	if _, err := s.subjectByID(c, subjectID); err != nil {
		return
	}

	code, err := otc.Generate()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate code", s.logger)
		return
	}

	now := time.Now().UTC()
	record := FlowCode{
		SubjectID: subjectID,
		Flow:      string(otc.FlowLogout),
		Code:      code,
		IssuedAt:  now,
		ExpiresAt: now.Add(otc.DefaultTTL),
	}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}, {Name: "flow"}},
		DoUpdates: clause.AssignmentColumns([]string{"code", "issued_at", "expires_at"}),
	}).Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist code", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":       code,
		"expires_at": record.ExpiresAt,
		"expires_in": int(otc.DefaultTTL.Seconds()),
	})
}

// handleRevokeLogoutCode withdraws an outstanding logout code before the
// device consumes it. Revoking when none is outstanding is a no-op.
func (s *Server) handleRevokeLogoutCode(c *gin.Context) {
	subjectID := c.Param("subject_id")
	if _, err := s.subjectByID(c, subjectID); err != nil {
		return
	}

	if err := s.db.Where("subject_id = ? AND flow = ?", subjectID, string(otc.FlowLogout)).
		Delete(&FlowCode{}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to revoke code", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (s *Server) subjectByID(c *gin.Context, subjectID string) (*SubjectState, error) {
	var subject SubjectState
	if err := s.db.Where("subject_id = ?", subjectID).First(&subject).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "subject not found", s.logger)
		} else {
			respondError(c, http.StatusInternalServerError, "subject lookup failed", s.logger)
		}
		return nil, err
	}
	return &subject, nil
}
