package main

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/otc"
)

func TestLogoutCodeRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(env.adminRequest(t, http.MethodPost, "/v1/admin/subjects/subject-1/logout-code", nil))
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var issued struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &issued))
	require.True(t, otc.ValidFormat(issued.Code))

	fetch := env.do(env.signedRequest(t, http.MethodGet, "/v1/codes/logout", nil))
	require.Equal(t, http.StatusOK, fetch.Code)

	var state otc.State
	require.NoError(t, json.Unmarshal(fetch.Body.Bytes(), &state))
	require.Equal(t, issued.Code, state.Code)
	require.True(t, state.Issued())
}

func TestLogoutCodeReissueSupersedes(t *testing.T) {
	env := newTestEnv(t)

	first := env.do(env.adminRequest(t, http.MethodPost, "/v1/admin/subjects/subject-1/logout-code", nil))
	require.Equal(t, http.StatusCreated, first.Code)
	second := env.do(env.adminRequest(t, http.MethodPost, "/v1/admin/subjects/subject-1/logout-code", nil))
	require.Equal(t, http.StatusCreated, second.Code)

	var count int64
	require.NoError(t, env.server.db.Model(&FlowCode{}).
		Where("subject_id = ? AND flow = ?", "subject-1", "logout").
		Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestClearFlowCodeRemovesMirror(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(env.adminRequest(t, http.MethodPost, "/v1/admin/subjects/subject-1/logout-code", nil))
	require.Equal(t, http.StatusCreated, resp.Code)

	clear := env.do(env.signedRequest(t, http.MethodDelete, "/v1/codes/logout", nil))
	require.Equal(t, http.StatusOK, clear.Code)

	fetch := env.do(env.signedRequest(t, http.MethodGet, "/v1/codes/logout", nil))
	require.Equal(t, http.StatusNotFound, fetch.Code)
}

func TestRevokeLogoutCode(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(env.adminRequest(t, http.MethodPost, "/v1/admin/subjects/subject-1/logout-code", nil))
	require.Equal(t, http.StatusCreated, resp.Code)

	revoke := env.do(env.adminRequest(t, http.MethodDelete, "/v1/admin/subjects/subject-1/logout-code", nil))
	require.Equal(t, http.StatusOK, revoke.Code)

	fetch := env.do(env.signedRequest(t, http.MethodGet, "/v1/codes/logout", nil))
	require.Equal(t, http.StatusNotFound, fetch.Code)

	// Revoking again stays a no-op.
	again := env.do(env.adminRequest(t, http.MethodDelete, "/v1/admin/subjects/subject-1/logout-code", nil))
	require.Equal(t, http.StatusOK, again.Code)
}

func TestExpiredLogoutCodeReadsAsAbsent(t *testing.T) {
	env := newTestEnv(t)

	past := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, env.server.db.Create(&FlowCode{
		SubjectID: "subject-1",
		Flow:      "logout",
		Code:      "123456",
		IssuedAt:  past,
		ExpiresAt: past.Add(otc.DefaultTTL),
	}).Error)

	fetch := env.do(env.signedRequest(t, http.MethodGet, "/v1/codes/logout", nil))
	require.Equal(t, http.StatusNotFound, fetch.Code)
}

func TestListIncidentsAndDetail(t *testing.T) {
	env := newTestEnv(t)

	inc, err := incident.New("subject-1", "pathetic", "you are such a pathetic loser", "bullying", "chat")
	require.NoError(t, err)
	env.putIncident(t, inc)

	listResp := env.do(env.adminRequest(t, http.MethodGet, "/v1/admin/subjects/subject-1/incidents", nil))
	require.Equal(t, http.StatusOK, listResp.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(listResp.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, inc.ID, list[0]["incident_id"])
	require.Equal(t, "pathetic", list[0]["matched_word"])

	detailResp := env.do(env.adminRequest(t, http.MethodGet, "/v1/admin/incidents/"+inc.ID, nil))
	require.Equal(t, http.StatusOK, detailResp.Code)

	var detail incident.Incident
	require.NoError(t, json.Unmarshal(detailResp.Body.Bytes(), &detail))
	require.Equal(t, inc.UnlockCode.Code, detail.UnlockCode.Code, "guardian must be able to read the unlock code")
}

func TestLockStatusUnknownSubject(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(env.adminRequest(t, http.MethodGet, "/v1/admin/subjects/nope/status", nil))
	require.Equal(t, http.StatusNotFound, resp.Code)
}
