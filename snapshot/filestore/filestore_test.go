package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/snapshot"
)

func testLocation() snapshot.Location {
	return snapshot.Location{SessionID: "sess-1", Scope: snapshot.ScopeAgent, ScopeID: "agent-1"}
}

func testSnapshot(systemPrompt string) snapshot.Snapshot {
	prompt := systemPrompt
	return snapshot.Snapshot{
		Scope:         snapshot.ScopeAgent,
		SchemaVersion: snapshot.SchemaVersion,
		CreatedAt:     time.Unix(0, 0).UTC(),
		Data:          snapshot.Data{SystemPrompt: &prompt},
	}
}

// Saving a snapshot as latest and loading it back by nil id (latest) or by
// explicit id returns an identical Snapshot.
func TestSaveLoadSnapshotRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	loc := testLocation()
	snap := testSnapshot("round trip")

	require.NoError(t, store.SaveSnapshot(ctx, loc, 1, true, snap))

	byID, err := store.LoadSnapshot(ctx, loc, intPtr(1))
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, snap.Data.SystemPrompt, byID.Data.SystemPrompt)
	assert.True(t, snap.CreatedAt.Equal(byID.CreatedAt))

	latest, err := store.LoadSnapshot(ctx, loc, nil)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, snap.Data.SystemPrompt, latest.Data.SystemPrompt)
}

// A snapshot saved with isLatest=false is retrievable by id but does not
// become the latest snapshot.
func TestSaveSnapshotNotLatestLeavesLatestUntouched(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	loc := testLocation()

	require.NoError(t, store.SaveSnapshot(ctx, loc, 1, true, testSnapshot("first")))
	require.NoError(t, store.SaveSnapshot(ctx, loc, 2, false, testSnapshot("second")))

	latest, err := store.LoadSnapshot(ctx, loc, nil)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "first", *latest.Data.SystemPrompt)

	byID, err := store.LoadSnapshot(ctx, loc, intPtr(2))
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "second", *byID.Data.SystemPrompt)
}

// Loading a snapshot that was never saved returns (nil, nil), not an error.
func TestLoadSnapshotMissingReturnsNilNil(t *testing.T) {
	store := New(t.TempDir())
	snap, err := store.LoadSnapshot(context.Background(), testLocation(), nil)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// ListSnapshotIDs returns every saved immutable snapshot id, sorted
// ascending and interpreted numerically rather than lexicographically.
func TestListSnapshotIDsSortsNumerically(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	loc := testLocation()

	for _, id := range []int{2, 10, 1} {
		require.NoError(t, store.SaveSnapshot(ctx, loc, id, false, testSnapshot("x")))
	}

	ids, err := store.ListSnapshotIDs(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 10}, ids)
}

// Manifests round-trip the same way snapshots do.
func TestSaveLoadManifestRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	loc := testLocation()
	manifest := snapshot.Manifest{LatestSnapshotID: 3, SnapshotCount: 3, UpdatedAt: time.Unix(0, 0).UTC()}

	require.NoError(t, store.SaveManifest(ctx, loc, manifest))

	loaded, err := store.LoadManifest(ctx, loc)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, manifest.LatestSnapshotID, loaded.LatestSnapshotID)
	assert.Equal(t, manifest.SnapshotCount, loaded.SnapshotCount)
}

// A SessionID or ScopeID containing a path separator is rejected before any
// file is touched, closing off path traversal through a caller-supplied
// session or scope id (e.g. "../../etc").
func TestPathTraversalLocationIsRejected(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	snap := testSnapshot("traversal")

	cases := []snapshot.Location{
		{SessionID: "../../etc", Scope: snapshot.ScopeAgent, ScopeID: "agent-1"},
		{SessionID: "sess-1", Scope: snapshot.ScopeAgent, ScopeID: "../escape"},
		{SessionID: "a/b", Scope: snapshot.ScopeAgent, ScopeID: "agent-1"},
		{SessionID: `a\b`, Scope: snapshot.ScopeAgent, ScopeID: "agent-1"},
		{SessionID: "", Scope: snapshot.ScopeAgent, ScopeID: "agent-1"},
	}
	for _, loc := range cases {
		err := store.SaveSnapshot(ctx, loc, 1, true, snap)
		assert.ErrorIs(t, err, snapshot.ErrInvalidLocation, "location %+v", loc)

		_, err = store.LoadSnapshot(ctx, loc, nil)
		assert.ErrorIs(t, err, snapshot.ErrInvalidLocation, "location %+v", loc)
	}
}

func intPtr(v int) *int { return &v }
