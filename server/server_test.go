package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/custodia-app/custodia/pkg/auth"
	"github.com/custodia-app/custodia/pkg/incident"
)

const testAdminToken = "test-admin-token"

type testEnv struct {
	server   *Server
	gin      *gin.Engine
	identity *auth.Identity
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&SubjectState{}, &IncidentRecord{}, &LinkCode{},
		&FlowCode{}, &SubjectNonce{}, &EvidenceObject{},
	))

	evidence, err := NewEvidenceStore(t.TempDir())
	require.NoError(t, err)

	srv := &Server{
		db:          db,
		logger:      zerolog.Nop(),
		nonceStore:  NewNonceStore(db, time.Minute),
		rateLimiter: NewRateLimiter(),
		codeHasher:  NewCodeHasher([]byte("test-salt")),
		evidence:    evidence,
		adminToken:  testAdminToken,
	}

	identity, err := auth.GenerateIdentity()
	require.NoError(t, err)
	identity.SubjectID = "subject-1"

	require.NoError(t, db.Create(&SubjectState{
		SubjectID: identity.SubjectID,
		Name:      "Alex",
		PublicKey: identity.PublicKey,
		LinkedAt:  time.Now().UTC(),
	}).Error)

	g := gin.New()
	srv.registerLinkRoutes(g)
	srv.registerIncidentRoutes(g)
	srv.registerAdminRoutes(g)

	return testEnv{server: srv, gin: g, identity: identity}
}

func (env testEnv) signedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	payload := body
	if payload == nil {
		payload = []byte("{}")
	}
	signed := auth.CreateSignedRequest(env.identity, payload)
	req := httptest.NewRequest(method, path, bytes.NewReader(signed.Body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderSubjectID, env.identity.SubjectID)
	req.Header.Set(auth.HeaderSignature, signed.Signature)
	req.Header.Set(auth.HeaderTimestamp, signed.Timestamp.Format(time.RFC3339))
	req.Header.Set(auth.HeaderNonce, signed.Nonce)
	return req
}

func (env testEnv) adminRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader([]byte("{}"))
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	return req
}

func (env testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	env.gin.ServeHTTP(resp, req)
	return resp
}

func (env testEnv) putIncident(t *testing.T, inc *incident.Incident) {
	t.Helper()
	body, err := json.Marshal(inc)
	require.NoError(t, err)
	resp := env.do(env.signedRequest(t, http.MethodPost, "/v1/incidents", body))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
}

func TestPutIncidentIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	inc, err := incident.New("subject-1", "loser", "you are a loser", "bullying", "chat")
	require.NoError(t, err)

	env.putIncident(t, inc)
	env.putIncident(t, inc)

	var count int64
	require.NoError(t, env.server.db.Model(&IncidentRecord{}).
		Where("incident_id = ?", inc.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestLatestUnresolvedPicksNewest(t *testing.T) {
	env := newTestEnv(t)

	older, err := incident.New("subject-1", "loser", "t", "", "chat")
	require.NoError(t, err)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer, err := incident.New("subject-1", "pathetic", "t", "", "chat")
	require.NoError(t, err)

	env.putIncident(t, older)
	env.putIncident(t, newer)

	resp := env.do(env.signedRequest(t, http.MethodGet, "/v1/incidents/latest", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var got incident.Incident
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Equal(t, newer.ID, got.ID)
	require.Equal(t, newer.UnlockCode.Code, got.UnlockCode.Code)
}

func TestLatestUnresolvedEmpty(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(env.signedRequest(t, http.MethodGet, "/v1/incidents/latest", nil))
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestResolveIncidentClearsCodeAndLockStatus(t *testing.T) {
	env := newTestEnv(t)
	inc, err := incident.New("subject-1", "loser", "t", "", "chat")
	require.NoError(t, err)
	env.putIncident(t, inc)

	statusResp := env.do(env.adminRequest(t, http.MethodGet, "/v1/admin/subjects/subject-1/status", nil))
	require.Equal(t, http.StatusOK, statusResp.Code)
	var status incident.LockStatus
	require.NoError(t, json.Unmarshal(statusResp.Body.Bytes(), &status))
	require.True(t, status.Locked)
	require.Equal(t, inc.ID, status.IncidentID)
	require.True(t, status.CodeIssued)

	body, err := json.Marshal(map[string]time.Time{"resolved_at": time.Now().UTC()})
	require.NoError(t, err)
	resolveResp := env.do(env.signedRequest(t, http.MethodPost, "/v1/incidents/"+inc.ID+"/resolve", body))
	require.Equal(t, http.StatusOK, resolveResp.Code)

	statusResp = env.do(env.adminRequest(t, http.MethodGet, "/v1/admin/subjects/subject-1/status", nil))
	var after incident.LockStatus
	require.NoError(t, json.Unmarshal(statusResp.Body.Bytes(), &after))
	require.False(t, after.Locked)

	var record IncidentRecord
	require.NoError(t, env.server.db.Where("incident_id = ?", inc.ID).First(&record).Error)
	require.True(t, record.Resolved)
	require.Empty(t, record.UnlockCode)
}

func TestResolveIncidentIdempotent(t *testing.T) {
	env := newTestEnv(t)
	inc, err := incident.New("subject-1", "loser", "t", "", "chat")
	require.NoError(t, err)
	env.putIncident(t, inc)

	first := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	body, err := json.Marshal(map[string]time.Time{"resolved_at": first})
	require.NoError(t, err)
	resp := env.do(env.signedRequest(t, http.MethodPost, "/v1/incidents/"+inc.ID+"/resolve", body))
	require.Equal(t, http.StatusOK, resp.Code)

	second, err := json.Marshal(map[string]time.Time{"resolved_at": time.Now().UTC()})
	require.NoError(t, err)
	resp = env.do(env.signedRequest(t, http.MethodPost, "/v1/incidents/"+inc.ID+"/resolve", second))
	require.Equal(t, http.StatusOK, resp.Code)

	var record IncidentRecord
	require.NoError(t, env.server.db.Where("incident_id = ?", inc.ID).First(&record).Error)
	require.NotNil(t, record.ResolvedAt)
	require.True(t, record.ResolvedAt.UTC().Equal(first), "first resolution time must stick")
}

func TestRequireSubjectRejectsReplayedNonce(t *testing.T) {
	env := newTestEnv(t)

	req := env.signedRequest(t, http.MethodGet, "/v1/incidents/latest", nil)
	resp := env.do(req)
	require.Equal(t, http.StatusNotFound, resp.Code)

	replay := httptest.NewRequest(http.MethodGet, "/v1/incidents/latest", bytes.NewReader([]byte("{}")))
	for key, values := range req.Header {
		replay.Header[key] = values
	}
	resp = env.do(replay)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestRequireSubjectRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)

	other, err := auth.GenerateIdentity()
	require.NoError(t, err)
	other.SubjectID = "subject-1"
	signed := auth.CreateSignedRequest(other, []byte("{}"))

	req := httptest.NewRequest(http.MethodGet, "/v1/incidents/latest", bytes.NewReader(signed.Body))
	req.Header.Set(auth.HeaderSubjectID, "subject-1")
	req.Header.Set(auth.HeaderSignature, signed.Signature)
	req.Header.Set(auth.HeaderTimestamp, signed.Timestamp.Format(time.RFC3339))
	req.Header.Set(auth.HeaderNonce, signed.Nonce)

	resp := env.do(req)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}
