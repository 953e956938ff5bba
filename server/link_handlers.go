package main

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/custodia-app/custodia/pkg/auth"
	"github.com/custodia-app/custodia/pkg/otc"
)

func (s *Server) registerLinkRoutes(r *gin.Engine) {
	r.POST("/v1/link", s.rateLimited("link", 10, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	}, s.handleRedeemLink))

	admin := r.Group("/v1/admin", s.requireAdmin)
	admin.POST("/subjects", s.handleCreateSubject)
	admin.GET("/subjects", s.handleListSubjects)
	admin.POST("/subjects/:subject_id/link-code", s.handleIssueLinkCode)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handleCreateSubject(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Name == "" {
		respondError(c, http.StatusBadRequest, "name is required", s.logger)
		return
	}

	subject := SubjectState{
		SubjectID: uuid.NewString(),
		Name:      req.Name,
	}
	if err := s.db.Create(&subject).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist subject", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subject_id": subject.SubjectID,
		"name":       subject.Name,
	})
}

func (s *Server) handleListSubjects(c *gin.Context) {
	var subjects []SubjectState
	if err := s.db.Order("created_at asc").Find(&subjects).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list subjects", s.logger)
		return
	}

	resp := make([]gin.H, 0, len(subjects))
	for _, subj := range subjects {
		resp = append(resp, gin.H{
			"subject_id":  subj.SubjectID,
			"name":        subj.Name,
			"device_name": subj.DeviceName,
			"linked":      len(subj.PublicKey) == ed25519.PublicKeySize,
			"last_seen":   subj.LastSeen,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// handleIssueLinkCode mints a six-digit single-use link code for a subject.
// Only the hash is stored; the digits go back to the guardian once.
func (s *Server) handleIssueLinkCode(c *gin.Context) {
	subjectID := c.Param("subject_id")
	var subject SubjectState
	if err := s.db.Where("subject_id = ?", subjectID).First(&subject).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "subject not found", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "subject lookup failed", s.logger)
		return
	}

	code, err := otc.Generate()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to generate code", s.logger)
		return
	}

	now := time.Now().UTC()
	record := LinkCode{
		SubjectID: subject.SubjectID,
		CodeHash:  s.codeHasher.HashString(code),
		ExpiresAt: now.Add(otc.DefaultTTL),
	}

	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	// A fresh code supersedes any outstanding one for the subject.
	if err := s.db.Model(&LinkCode{}).
		Where("subject_id = ? AND used_at IS NULL", subject.SubjectID).
		Update("used_at", now).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to supersede prior code", s.logger)
		return
	}
	if err := s.db.Create(&record).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to persist code", s.logger)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"code":       code,
		"expires_at": record.ExpiresAt,
		"expires_in": int(otc.DefaultTTL.Seconds()),
	})
}

// handleRedeemLink exchanges a valid link code for the subject binding and
// registers the device's public key. Unsigned: the code is the credential.
func (s *Server) handleRedeemLink(c *gin.Context) {
	var req auth.LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	if req.Code == "" || req.PublicKeyB64 == "" {
		respondError(c, http.StatusBadRequest, "missing required fields", s.logger)
		return
	}
	if !otc.ValidFormat(req.Code) {
		respondError(c, http.StatusUnauthorized, "invalid code", s.logger)
		return
	}

	pubKey, err := base64.StdEncoding.DecodeString(req.PublicKeyB64)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		respondError(c, http.StatusBadRequest, "invalid public key", s.logger)
		return
	}

	s.codesMu.Lock()
	defer s.codesMu.Unlock()

	var link LinkCode
	query := s.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("code_hash = ?", s.codeHasher.HashString(req.Code))
	if err := query.First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusUnauthorized, "invalid code", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "code lookup failed", s.logger)
		return
	}
	if link.UsedAt != nil {
		respondError(c, http.StatusUnauthorized, "code already used", s.logger)
		return
	}
	if time.Now().After(link.ExpiresAt) {
		respondError(c, http.StatusUnauthorized, "code expired", s.logger)
		return
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"device_name": req.DeviceName,
		"os_info":     req.OSInfo,
		"public_key":  pubKey,
		"linked_at":   now,
		"last_seen":   now,
	}
	if err := s.db.Model(&SubjectState{}).Where("subject_id = ?", link.SubjectID).Updates(updates).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to bind device", s.logger)
		return
	}

	if err := s.db.Model(&link).Updates(map[string]interface{}{
		"used_at":     now,
		"redeemed_by": req.DeviceName,
	}).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to mark code used", s.logger)
		return
	}

	logger := requestLogger(c, s.logger)
	logger.Info().
		Str("subject_id", link.SubjectID).
		Str("device_name", req.DeviceName).
		Msg("Device linked")

	c.JSON(http.StatusOK, auth.LinkResponse{
		SubjectID:     link.SubjectID,
		ServerVersion: Version,
	})
}
