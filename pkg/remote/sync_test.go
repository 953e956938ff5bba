package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/custodia-app/custodia/pkg/incident"
	"github.com/custodia-app/custodia/pkg/otc"
)

type fakeRemote struct {
	putErr     error
	resolveErr error
	fetchState otc.State
	fetchErr   error
	clearErr   error

	puts     []string
	resolves []string
	cleared  []otc.Flow
}

func (f *fakeRemote) PutIncident(_ context.Context, inc *incident.Incident) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, inc.ID)
	return nil
}

func (f *fakeRemote) MarkIncidentResolved(_ context.Context, incidentID string, _ time.Time) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolves = append(f.resolves, incidentID)
	return nil
}

func (f *fakeRemote) FetchCode(_ context.Context, _ otc.Flow) (otc.State, error) {
	return f.fetchState, f.fetchErr
}

func (f *fakeRemote) ClearCode(_ context.Context, flow otc.Flow) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, flow)
	f.fetchState = otc.State{}
	return nil
}

type fakeSpool struct {
	incidents   []*incident.Incident
	resolutions []*incident.Incident
	codes       map[otc.Flow]otc.State
	clears      map[otc.Flow]string

	incidentsSynced   []string
	resolutionsSynced []string
	codePuts          int
}

func newFakeSpool() *fakeSpool {
	return &fakeSpool{
		codes:  make(map[otc.Flow]otc.State),
		clears: make(map[otc.Flow]string),
	}
}

func (f *fakeSpool) UnsyncedIncidents(context.Context) ([]*incident.Incident, error) {
	return f.incidents, nil
}

func (f *fakeSpool) MarkIncidentSynced(_ context.Context, id string) error {
	f.incidentsSynced = append(f.incidentsSynced, id)
	return nil
}

func (f *fakeSpool) UnsyncedResolutions(context.Context) ([]*incident.Incident, error) {
	return f.resolutions, nil
}

func (f *fakeSpool) MarkResolutionSynced(_ context.Context, id string) error {
	f.resolutionsSynced = append(f.resolutionsSynced, id)
	return nil
}

func (f *fakeSpool) GetCode(_ context.Context, flow otc.Flow) (otc.State, error) {
	return f.codes[flow], nil
}

func (f *fakeSpool) PutCode(_ context.Context, flow otc.Flow, state otc.State) error {
	f.codes[flow] = state
	f.codePuts++
	return nil
}

func (f *fakeSpool) ClearCode(_ context.Context, flow otc.Flow) error {
	delete(f.codes, flow)
	return nil
}

func (f *fakeSpool) PendingCodeClears(context.Context) (map[otc.Flow]string, error) {
	return f.clears, nil
}

func (f *fakeSpool) MarkCodeClearSynced(_ context.Context, flow otc.Flow) error {
	delete(f.clears, flow)
	return nil
}

func newTestSyncer(remote *fakeRemote, spool *fakeSpool) *Syncer {
	retrier := NewRetrier(1, 2, 0, zerolog.Nop())
	return NewSyncer(remote, spool, retrier, time.Minute, zerolog.Nop())
}

func TestSyncPushesSpooledIncidents(t *testing.T) {
	inc1, err := incident.New("subject-1", "loser", "text", "", "chat")
	require.NoError(t, err)
	inc2, err := incident.New("subject-1", "idiot", "text", "", "chat")
	require.NoError(t, err)

	remote := &fakeRemote{}
	spool := newFakeSpool()
	spool.incidents = []*incident.Incident{inc1, inc2}

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Equal(t, []string{inc1.ID, inc2.ID}, remote.puts)
	require.Equal(t, []string{inc1.ID, inc2.ID}, spool.incidentsSynced)
}

func TestSyncLeavesIncidentSpooledOnFailure(t *testing.T) {
	inc, err := incident.New("subject-1", "loser", "text", "", "chat")
	require.NoError(t, err)

	remote := &fakeRemote{putErr: errors.New("server unreachable")}
	spool := newFakeSpool()
	spool.incidents = []*incident.Incident{inc}

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Empty(t, spool.incidentsSynced, "failed push must stay spooled for the next pass")
}

func TestSyncPushesResolutions(t *testing.T) {
	inc, err := incident.New("subject-1", "loser", "text", "", "chat")
	require.NoError(t, err)
	inc.Resolve(time.Now())

	remote := &fakeRemote{}
	spool := newFakeSpool()
	spool.resolutions = []*incident.Incident{inc}

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Equal(t, []string{inc.ID}, remote.resolves)
	require.Equal(t, []string{inc.ID}, spool.resolutionsSynced)
}

func TestSyncPullsLogoutCode(t *testing.T) {
	issued := otc.State{Code: "111222", IssuedAt: time.Now().UTC()}
	remote := &fakeRemote{fetchState: issued}
	spool := newFakeSpool()

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Equal(t, issued, spool.codes[otc.FlowLogout])
}

func TestSyncClearsRevokedLogoutCode(t *testing.T) {
	remote := &fakeRemote{}
	spool := newFakeSpool()
	spool.codes[otc.FlowLogout] = otc.State{Code: "111222", IssuedAt: time.Now().UTC()}

	newTestSyncer(remote, spool).Sync(context.Background())

	_, present := spool.codes[otc.FlowLogout]
	require.False(t, present, "server-side revocation must clear the local mirror")
}

func TestSyncClearsConsumedLogoutCode(t *testing.T) {
	consumed := otc.State{Code: "482193", IssuedAt: time.Now().UTC()}
	remote := &fakeRemote{fetchState: consumed}
	spool := newFakeSpool()
	spool.clears[otc.FlowLogout] = "482193"

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Equal(t, []otc.Flow{otc.FlowLogout}, remote.cleared)
	require.Empty(t, spool.clears)

	// The consumed code must not come back through the mirror.
	_, present := spool.codes[otc.FlowLogout]
	require.False(t, present, "consumed code reinstated by the sync pass")
}

func TestSyncConsumedCodeStaysOutWhileClearFails(t *testing.T) {
	consumed := otc.State{Code: "482193", IssuedAt: time.Now().UTC()}
	remote := &fakeRemote{fetchState: consumed, clearErr: errors.New("server unreachable")}
	spool := newFakeSpool()
	spool.clears[otc.FlowLogout] = "482193"

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Equal(t, map[otc.Flow]string{otc.FlowLogout: "482193"}, spool.clears,
		"failed clear must stay spooled for the next pass")
	_, present := spool.codes[otc.FlowLogout]
	require.False(t, present, "consumed code reinstated while its clear is pending")
}

func TestSyncClearLeavesReissuedCodeAlone(t *testing.T) {
	reissued := otc.State{Code: "999888", IssuedAt: time.Now().UTC()}
	remote := &fakeRemote{fetchState: reissued}
	spool := newFakeSpool()
	spool.clears[otc.FlowLogout] = "482193"

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Empty(t, remote.cleared, "a code issued after the consumed one must survive")
	require.Empty(t, spool.clears)
	require.Equal(t, reissued, spool.codes[otc.FlowLogout])
}

func TestSyncIgnoresEquivalentTimestamps(t *testing.T) {
	instant := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	local := otc.State{Code: "111222", IssuedAt: instant}
	fetched := otc.State{Code: "111222", IssuedAt: instant.In(time.FixedZone("CEST", 2*3600))}

	remote := &fakeRemote{fetchState: fetched}
	spool := newFakeSpool()
	spool.codes[otc.FlowLogout] = local

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Zero(t, spool.codePuts, "same instant in another zone must not re-put")
	require.Equal(t, local, spool.codes[otc.FlowLogout])
}

func TestSyncKeepsLocalCodeWhenFetchFails(t *testing.T) {
	local := otc.State{Code: "111222", IssuedAt: time.Now().UTC()}
	remote := &fakeRemote{fetchErr: errors.New("server unreachable")}
	spool := newFakeSpool()
	spool.codes[otc.FlowLogout] = local

	newTestSyncer(remote, spool).Sync(context.Background())

	require.Equal(t, local, spool.codes[otc.FlowLogout])
}
