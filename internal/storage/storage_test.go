package storage_test

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrwarden/arrwarden/internal/storage"
	"github.com/arrwarden/arrwarden/internal/testutil"
	"github.com/arrwarden/arrwarden/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("integration test requires a database container")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	requireDB(t)
	// TestMain already ran them once; a second pass must be a no-op.
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))
}

func TestAuditSessionCommitIsAtomic(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	session, err := testDB.BeginAudit(ctx)
	require.NoError(t, err)

	records := []storage.HealthRecord{
		{Service: "radarr-commit", IndexerID: 1, Name: "alpha", Success: true},
		{Service: "radarr-commit", IndexerID: 2, Name: "beta", Success: false, Error: "connection refused"},
	}
	for _, rec := range records {
		require.NoError(t, session.Stage(ctx, rec))
	}
	assert.Equal(t, 2, session.Staged())

	// Nothing is visible until the session commits.
	before, err := testDB.RecentHealth(ctx, "radarr-commit", 10)
	require.NoError(t, err)
	assert.Empty(t, before)

	require.NoError(t, session.Commit(ctx))

	after, err := testDB.RecentHealth(ctx, "radarr-commit", 10)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for _, rec := range after {
		assert.Equal(t, "radarr-commit", rec.Service)
		assert.NotZero(t, rec.ID)
		assert.False(t, rec.CheckedAt.IsZero())
	}
}

func TestAuditSessionRollbackDiscardsEverything(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	session, err := testDB.BeginAudit(ctx)
	require.NoError(t, err)
	require.NoError(t, session.Stage(ctx, storage.HealthRecord{
		Service: "radarr-rollback", IndexerID: 9, Name: "gamma", Success: false, Error: "timeout",
	}))
	session.Rollback(ctx)

	records, err := testDB.RecentHealth(ctx, "radarr-rollback", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecentHealthFilterOrderAndLimit(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	session, err := testDB.BeginAudit(ctx)
	require.NoError(t, err)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, session.Stage(ctx, storage.HealthRecord{
			Service:   "sonarr-recent",
			IndexerID: i,
			Success:   true,
			CheckedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, session.Stage(ctx, storage.HealthRecord{
		Service: "other-recent", IndexerID: 99, Success: true,
	}))
	require.NoError(t, session.Commit(ctx))

	records, err := testDB.RecentHealth(ctx, "sonarr-recent", 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	// Newest first.
	assert.Equal(t, 4, records[0].IndexerID)
	assert.Equal(t, 3, records[1].IndexerID)
	assert.Equal(t, 2, records[2].IndexerID)
	for _, rec := range records {
		assert.Equal(t, "sonarr-recent", rec.Service)
	}

	// Empty service matches everything; the limit still binds.
	all, err := testDB.RecentHealth(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestHealthSummaryCountsPerService(t *testing.T) {
	requireDB(t)
	ctx := context.Background()

	session, err := testDB.BeginAudit(ctx)
	require.NoError(t, err)
	for _, rec := range []storage.HealthRecord{
		{Service: "radarr-summary", IndexerID: 1, Success: true},
		{Service: "radarr-summary", IndexerID: 2, Success: true},
		{Service: "radarr-summary", IndexerID: 3, Success: false, Error: "down"},
		// Outside the query window; must not be counted.
		{Service: "radarr-summary", IndexerID: 4, Success: false, CheckedAt: time.Now().UTC().Add(-48 * time.Hour)},
	} {
		require.NoError(t, session.Stage(ctx, rec))
	}
	require.NoError(t, session.Commit(ctx))

	summaries, err := testDB.HealthSummary(ctx, 24*time.Hour)
	require.NoError(t, err)

	var found *storage.ServiceSummary
	for i := range summaries {
		if summaries[i].Service == "radarr-summary" {
			found = &summaries[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, 2, found.Passed)
	assert.Equal(t, 1, found.Failed)
	assert.False(t, found.LastChecked.IsZero())
}
