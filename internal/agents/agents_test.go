package agents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrwarden/arrwarden/internal/agent"
	"github.com/arrwarden/arrwarden/internal/arr"
	"github.com/arrwarden/arrwarden/internal/healthcache"
	"github.com/arrwarden/arrwarden/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeService is an in-memory arr.Service with scriptable failures.
type fakeService struct {
	name      string
	indexers  []arr.Indexer
	listErr   error
	testErr   map[int]error
	updateErr error
	updates   []arr.Indexer
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) GetIndexers(ctx context.Context) ([]arr.Indexer, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.indexers, nil
}

func (f *fakeService) TestIndexer(ctx context.Context, id int) error {
	return f.testErr[id]
}

func (f *fakeService) UpdateIndexer(ctx context.Context, ix arr.Indexer) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, ix)
	return nil
}

// fakeAuditStore records staged rows and the commit/rollback outcome.
type fakeAuditStore struct {
	session *fakeAuditSession
	openErr error
}

func (s *fakeAuditStore) BeginAudit(ctx context.Context) (AuditSession, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.session = &fakeAuditSession{}
	return s.session, nil
}

type fakeAuditSession struct {
	staged     []storage.HealthRecord
	stageErr   error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (s *fakeAuditSession) Stage(ctx context.Context, rec storage.HealthRecord) error {
	if s.stageErr != nil {
		return s.stageErr
	}
	s.staged = append(s.staged, rec)
	return nil
}

func (s *fakeAuditSession) Commit(ctx context.Context) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.committed = true
	return nil
}

func (s *fakeAuditSession) Rollback(ctx context.Context) { s.rolledBack = true }

func (s *fakeAuditSession) Staged() int { return len(s.staged) }

func newAutoHeal(services []arr.Service, store AuditStore) *AutoHealAgent {
	control := NewControlAgent(nil, testLogger())
	return NewAutoHealAgent(services, control, store, testLogger())
}

func TestAutoHealDisablesFailuresAndCommitsOnce(t *testing.T) {
	svc := &fakeService{
		name: "radarr",
		indexers: []arr.Indexer{
			{ID: 1, Name: "good", Enable: true},
			{ID: 2, Name: "bad", Enable: true},
		},
		testErr: map[int]error{2: errors.New("connection refused")},
	}
	store := &fakeAuditStore{}

	res := newAutoHeal([]arr.Service{svc}, store).Run(context.Background())
	require.True(t, res.Success, res.Error)

	// Exactly one disable call, for the failing indexer, with Enable off.
	require.Len(t, svc.updates, 1)
	assert.Equal(t, 2, svc.updates[0].ID)
	assert.False(t, svc.updates[0].Enable)

	// Exactly two records committed as one unit.
	session := store.session
	require.NotNil(t, session)
	assert.True(t, session.committed)
	assert.False(t, session.rolledBack)
	require.Len(t, session.staged, 2)

	byID := map[int]storage.HealthRecord{}
	for _, rec := range session.staged {
		byID[rec.IndexerID] = rec
	}
	assert.True(t, byID[1].Success)
	assert.Empty(t, byID[1].Error)
	assert.False(t, byID[2].Success)
	assert.Contains(t, byID[2].Error, "connection refused")

	assert.Equal(t, 2, res.Metrics["tested"])
	assert.Equal(t, 1, res.Metrics["passed"])
	assert.Equal(t, 1, res.Metrics["failed"])
	assert.Equal(t, 1, res.Metrics["disabled"])
}

func TestAutoHealSkipsUnreachableServiceButProcessesOthers(t *testing.T) {
	down := &fakeService{name: "radarr", listErr: errors.New("dial tcp: connection refused")}
	up := &fakeService{
		name:     "sonarr",
		indexers: []arr.Indexer{{ID: 7, Name: "alive", Enable: true}},
	}
	store := &fakeAuditStore{}

	res := newAutoHeal([]arr.Service{down, up}, store).Run(context.Background())
	require.True(t, res.Success)

	require.Len(t, store.session.staged, 1)
	assert.Equal(t, "sonarr", store.session.staged[0].Service)
	assert.True(t, store.session.committed)
}

func TestAutoHealDisableFailureKeepsAuditRecord(t *testing.T) {
	svc := &fakeService{
		name:      "radarr",
		indexers:  []arr.Indexer{{ID: 3, Name: "flaky", Enable: true}},
		testErr:   map[int]error{3: errors.New("timeout")},
		updateErr: errors.New("503 service unavailable"),
	}
	store := &fakeAuditStore{}

	res := newAutoHeal([]arr.Service{svc}, store).Run(context.Background())

	// The cycle still commits; the failed disable is only logged.
	require.True(t, res.Success)
	assert.True(t, store.session.committed)
	require.Len(t, store.session.staged, 1)
	assert.False(t, store.session.staged[0].Success)
	assert.Equal(t, 0, res.Metrics["disabled"])
}

func TestAutoHealSkipsDisableForObserveOnlyService(t *testing.T) {
	svc := &fakeService{
		name:      "prowlarr",
		indexers:  []arr.Indexer{{ID: 5, Name: "readonly", Enable: true}},
		testErr:   map[int]error{5: errors.New("timeout")},
		updateErr: fmt.Errorf("prowlarr: update indexer 5: %w", arr.ErrUpdateUnsupported),
	}
	store := &fakeAuditStore{}

	res := newAutoHeal([]arr.Service{svc}, store).Run(context.Background())

	// The failure is audited but never counted against the cycle.
	require.True(t, res.Success, res.Error)
	assert.True(t, store.session.committed)
	require.Len(t, store.session.staged, 1)
	assert.False(t, store.session.staged[0].Success)
	assert.Equal(t, 0, res.Metrics["disabled"])
	assert.Empty(t, svc.updates)
}

func TestAutoHealCommitFailureRollsBack(t *testing.T) {
	svc := &fakeService{
		name:     "radarr",
		indexers: []arr.Indexer{{ID: 1, Name: "ok", Enable: true}},
	}
	var session *fakeAuditSession
	store := auditStoreFunc(func(ctx context.Context) (AuditSession, error) {
		session = &fakeAuditSession{commitErr: errors.New("deadlock detected")}
		return session, nil
	})

	res := newAutoHeal([]arr.Service{svc}, store).Run(context.Background())
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "commit failed")
	assert.True(t, session.rolledBack)
	assert.False(t, session.committed)
}

type auditStoreFunc func(ctx context.Context) (AuditSession, error)

func (f auditStoreFunc) BeginAudit(ctx context.Context) (AuditSession, error) { return f(ctx) }

func TestAutoHealSessionOpenFailure(t *testing.T) {
	store := &fakeAuditStore{openErr: errors.New("too many connections")}
	res := newAutoHeal([]arr.Service{&fakeService{name: "radarr"}}, store).Run(context.Background())
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "too many connections")
}

func TestAutoHealTruncatesLongErrors(t *testing.T) {
	long := strings.Repeat("x", 500)
	svc := &fakeService{
		name:     "radarr",
		indexers: []arr.Indexer{{ID: 1, Name: "noisy", Enable: true}},
		testErr:  map[int]error{1: errors.New(long)},
	}
	store := &fakeAuditStore{}

	res := newAutoHeal([]arr.Service{svc}, store).Run(context.Background())
	require.True(t, res.Success)
	require.Len(t, store.session.staged, 1)
	assert.Len(t, store.session.staged[0].Error, maxAuditErrorLen)
}

func TestControlAgentClonesBeforeFlipping(t *testing.T) {
	svc := &fakeService{name: "radarr"}
	control := NewControlAgent(nil, testLogger())
	ix := arr.Indexer{ID: 4, Name: "keepme", Enable: true}

	require.NoError(t, control.DisableIndexer(context.Background(), svc, ix))
	require.Len(t, svc.updates, 1)
	assert.False(t, svc.updates[0].Enable)
	// Caller's record is untouched.
	assert.True(t, ix.Enable)

	require.NoError(t, control.EnableIndexer(context.Background(), svc, svc.updates[0]))
	require.Len(t, svc.updates, 2)
	assert.True(t, svc.updates[1].Enable)
}

func TestControlAgentRecordsMonitorEvents(t *testing.T) {
	monitor := agent.NewMonitor(10, testLogger())
	control := NewControlAgent(monitor, testLogger())
	svc := &fakeService{name: "sonarr"}

	require.NoError(t, control.DisableIndexer(context.Background(), svc, arr.Indexer{ID: 8, Name: "dead"}))

	events := monitor.Events(agent.EventFilter{Type: agent.EventIndexerDisabled}, 10)
	require.Len(t, events, 1)
	assert.Equal(t, 8, events[0].Metadata["indexer_id"])
}

func TestHealthAgentUsesCacheAndSkipsDeadServices(t *testing.T) {
	svc := &fakeService{
		name: "radarr",
		indexers: []arr.Indexer{
			{ID: 1, Name: "fresh", Enable: true},
			{ID: 2, Name: "stale", Enable: true},
		},
		testErr: map[int]error{2: errors.New("down")},
	}
	down := &fakeService{name: "sonarr", listErr: errors.New("unreachable")}

	cache := healthcache.New(5*time.Minute, 100, testLogger())
	cache.Set("radarr", 1, "fresh", true, "")

	ag := NewHealthAgent([]arr.Service{svc, down}, cache, testLogger())
	res := ag.Run(context.Background())

	// One service unreachable makes the run a failure, but the other was
	// still fully checked.
	require.False(t, res.Success)
	assert.Equal(t, 1, res.Metrics["cached"])
	assert.Equal(t, 1, res.Metrics["tested"])
	assert.Equal(t, 1, res.Metrics["failed"])

	// The fresh test result landed in the cache under the display name.
	entry, ok := cache.Get("radarr", 2)
	require.True(t, ok)
	assert.False(t, entry.Success)
	assert.Equal(t, "stale", entry.IndexerName)

	// Read-only: no update calls ever.
	assert.Empty(t, svc.updates)
}

func TestHealthAgentAllHealthy(t *testing.T) {
	svc := &fakeService{
		name:     "radarr",
		indexers: []arr.Indexer{{ID: 1, Name: "a", Enable: true}},
	}
	cache := healthcache.New(5*time.Minute, 100, testLogger())

	res := NewHealthAgent([]arr.Service{svc}, cache, testLogger()).Run(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Metrics["passed"])
}

func TestHealthAgentBreakerOpensOnRepeatedListFailures(t *testing.T) {
	svc := &fakeService{name: "radarr", listErr: errors.New("unreachable")}
	cache := healthcache.New(5*time.Minute, 100, testLogger())
	ag := NewHealthAgent([]arr.Service{svc}, cache, testLogger())

	for i := 0; i < breakerFailureThreshold; i++ {
		ag.Run(context.Background())
	}
	assert.True(t, ag.Breaker("radarr").Open())
}

func TestDiscoveryParsesJSONArrayOfObjectsAndStrings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"one","baseUrl":"https://a.test"},"https://b.test"]`)
	}))
	defer srv.Close()

	ag := NewDiscoveryAgent([]string{srv.URL}, nil, false, testLogger())
	res := ag.Run(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Metrics["discovered"])
	assert.Equal(t, 0, res.Metrics["added"])
}

func TestDiscoveryParsesNewlineListWithComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# candidates\nhttps://a.test\n\nhttps://b.test\n# trailing\n")
	}))
	defer srv.Close()

	ag := NewDiscoveryAgent([]string{srv.URL}, nil, false, testLogger())
	res := ag.Run(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Metrics["discovered"])
}

func TestDiscoveryParsesObjectWithNestedLists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"indexers":[{"name":"x"}],"other":42}`)
	}))
	defer srv.Close()

	ag := NewDiscoveryAgent([]string{srv.URL}, nil, false, testLogger())
	res := ag.Run(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Metrics["discovered"])
}

func TestDiscoveryFailingSourceDoesNotStopOthers(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "https://a.test\n")
	}))
	defer good.Close()

	ag := NewDiscoveryAgent([]string{bad.URL, good.URL}, nil, false, testLogger())
	res := ag.Run(context.Background())
	require.False(t, res.Success)
	assert.Equal(t, 1, res.Metrics["discovered"])
	assert.Equal(t, 1, res.Metrics["source_errors"])
}

func TestDiscoveryNoSourcesIsANoOp(t *testing.T) {
	res := NewDiscoveryAgent(nil, nil, false, testLogger()).Run(context.Background())
	require.True(t, res.Success)
}
