package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/custodia-app/custodia/pkg/health"
	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/lockdown"
	"github.com/custodia-app/custodia/pkg/otc"
	"github.com/custodia-app/custodia/pkg/remote"
	"github.com/custodia-app/custodia/pkg/state"
	"github.com/custodia-app/custodia/pkg/unlock"
)

type fakeReleaser struct {
	released []string
}

func (f *fakeReleaser) Release(_ context.Context, incidentID string) error {
	f.released = append(f.released, incidentID)
	return nil
}

type fakeReporter struct{}

func (fakeReporter) MarkIncidentResolved(context.Context, string, time.Time) error { return nil }

type controlEnv struct {
	control  *Control
	store    *state.Store
	releaser *fakeReleaser
	lock     *fakeLock
}

func newControlEnv(t *testing.T) controlEnv {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	releaser := &fakeReleaser{}
	verifier := unlock.New(store, releaser, fakeReporter{}, zerolog.Nop())
	logoutCode := otc.New(store, otc.FlowLogout, otc.DefaultTTL)
	lock := &fakeLock{}

	ctl := NewControl(verifier, logoutCode, lock, store, func() *health.HealthStatus {
		return &health.HealthStatus{Healthy: true}
	}, zerolog.Nop())

	return controlEnv{control: ctl, store: store, releaser: releaser, lock: lock}
}

func (env controlEnv) post(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	env.control.Router().ServeHTTP(resp, req)
	return resp
}

func (env controlEnv) armIncident(t *testing.T) *incident.Incident {
	t.Helper()
	ctx := context.Background()
	inc, err := incident.New("subject-1", "loser", "text", "", "chat")
	require.NoError(t, err)
	require.NoError(t, env.store.SaveIncident(ctx, inc))
	require.NoError(t, env.store.BindIncident(ctx, inc.ID))
	return inc
}

func TestControlUnlockHappyPath(t *testing.T) {
	env := newControlEnv(t)
	inc := env.armIncident(t)

	resp := env.post(t, "/unlock", map[string]string{"code": inc.UnlockCode.Code})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	require.Equal(t, []string{inc.ID}, env.releaser.released)
}

func TestControlUnlockWrongCode(t *testing.T) {
	env := newControlEnv(t)
	env.armIncident(t)

	resp := env.post(t, "/unlock", map[string]string{"code": "000000"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	var payload struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Equal(t, string(otc.ReasonMismatch), payload.Reason)
	require.Empty(t, env.releaser.released)
}

func TestControlUnlockBadFormat(t *testing.T) {
	env := newControlEnv(t)
	env.armIncident(t)

	for _, code := range []string{"12345", "1234567", "12a456", ""} {
		resp := env.post(t, "/unlock", map[string]string{"code": code})
		require.Equal(t, http.StatusBadRequest, resp.Code, "code %q", code)
	}
	require.Empty(t, env.releaser.released)
}

func TestControlUnlockNoIncident(t *testing.T) {
	env := newControlEnv(t)

	resp := env.post(t, "/unlock", map[string]string{"code": "123456"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestControlLogoutRoundTrip(t *testing.T) {
	env := newControlEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.PutCode(ctx, otc.FlowLogout, otc.State{
		Code:     "654321",
		IssuedAt: time.Now().UTC(),
	}))

	resp := env.post(t, "/logout", map[string]string{"code": "654321"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	// Single use: the same code is gone.
	resp = env.post(t, "/logout", map[string]string{"code": "654321"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
}

// fakeGuardian stands in for the server during sync: it keeps serving a
// code until ClearCode removes it.
type fakeGuardian struct {
	code otc.State
}

func (f *fakeGuardian) PutIncident(context.Context, *incident.Incident) error { return nil }

func (f *fakeGuardian) MarkIncidentResolved(context.Context, string, time.Time) error { return nil }

func (f *fakeGuardian) FetchCode(context.Context, otc.Flow) (otc.State, error) {
	return f.code, nil
}

func (f *fakeGuardian) ClearCode(context.Context, otc.Flow) error {
	f.code = otc.State{}
	return nil
}

func TestControlLogoutCodeDoesNotResurrectAfterSync(t *testing.T) {
	env := newControlEnv(t)
	ctx := context.Background()

	issued := otc.State{Code: "482193", IssuedAt: time.Now().UTC()}
	require.NoError(t, env.store.PutCode(ctx, otc.FlowLogout, issued))
	guardian := &fakeGuardian{code: issued}

	resp := env.post(t, "/logout", map[string]string{"code": "482193"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	// The server still holds the code; the sync pass must clear it there
	// instead of mirroring it back into local state.
	syncer := remote.NewSyncer(guardian, env.store,
		remote.NewRetrier(1, 2, 0, zerolog.Nop()), time.Minute, zerolog.Nop())
	syncer.Sync(ctx)

	resp = env.post(t, "/logout", map[string]string{"code": "482193"})
	require.Equal(t, http.StatusUnauthorized, resp.Code, "consumed code validated a second time")
	require.False(t, guardian.code.Issued(), "server-side copy still present after sync")
}

func TestControlLogoutExpiredCode(t *testing.T) {
	env := newControlEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.PutCode(ctx, otc.FlowLogout, otc.State{
		Code:     "654321",
		IssuedAt: time.Now().UTC().Add(-6 * time.Minute),
	}))

	resp := env.post(t, "/logout", map[string]string{"code": "654321"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)

	var payload struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	require.Equal(t, string(otc.ReasonExpired), payload.Reason)
}

func TestControlUnlockThrottlesGuessing(t *testing.T) {
	env := newControlEnv(t)
	env.armIncident(t)

	for i := 0; i < 5; i++ {
		resp := env.post(t, "/unlock", map[string]string{"code": "000000"})
		require.Equal(t, http.StatusUnauthorized, resp.Code, "attempt %d", i)
	}

	resp := env.post(t, "/unlock", map[string]string{"code": "000000"})
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Empty(t, env.releaser.released)
}

func TestAttemptLimiterRecoversAfterWindow(t *testing.T) {
	l := newAttemptLimiter(2, 50*time.Millisecond)
	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	time.Sleep(60 * time.Millisecond)
	require.True(t, l.Allow())
}

func TestControlStatusReflectsLock(t *testing.T) {
	env := newControlEnv(t)
	env.lock.state = lockdown.LockState{Active: true, BoundIncidentID: "inc-9"}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	resp := httptest.NewRecorder()
	env.control.Router().ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var got struct {
		Lock              lockdown.LockState `json:"lock"`
		LogoutCodePending bool               `json:"logout_code_pending"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.True(t, got.Lock.Active)
	require.Equal(t, "inc-9", got.Lock.BoundIncidentID)
	require.False(t, got.LogoutCodePending)
}

func TestControlStatusShowsPendingLogoutCode(t *testing.T) {
	env := newControlEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.PutCode(ctx, otc.FlowLogout, otc.State{
		Code:     "654321",
		IssuedAt: time.Now().UTC().Add(-time.Minute),
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	resp := httptest.NewRecorder()
	env.control.Router().ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var got struct {
		LogoutCodePending   bool `json:"logout_code_pending"`
		LogoutCodeExpiresIn int  `json:"logout_code_expires_in"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.True(t, got.LogoutCodePending)
	require.Greater(t, got.LogoutCodeExpiresIn, 0)
	require.LessOrEqual(t, got.LogoutCodeExpiresIn, int(otc.DefaultTTL.Seconds()))

	// Only availability is reported; the digits never leave the store.
	require.NotContains(t, resp.Body.String(), "654321")
}
