package mongostore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentmesh/runtime/session"
)

// Integration tests against a real mongo:7 container, grounded the same way
// as snapshot/mongostore's suite on goadesign-goa-ai's
// registry/store/mongo/mongo_test.go setupMongoDB pattern: one container per
// package run, tests skipped (not failed) when Docker isn't available.
var (
	testClient    *mongodriver.Client
	testContainer testcontainers.Container
	skipTests     bool
	setupOnce     bool
)

func setupMongo(t *testing.T) {
	t.Helper()
	if setupOnce {
		return
	}
	setupOnce = true

	ctx := context.Background()
	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		t.Logf("docker not available, skipping session mongostore integration tests: %v", containerErr)
		skipTests = true
		return
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		t.Logf("failed to get container host: %v", err)
		skipTests = true
		return
	}
	port, err := testContainer.MappedPort(ctx, "27017")
	if err != nil {
		t.Logf("failed to get container port: %v", err)
		skipTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Logf("failed to connect to mongo: %v", err)
		skipTests = true
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		t.Logf("failed to ping mongo: %v", err)
		skipTests = true
		return
	}
	testClient = client
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	setupMongo(t)
	if skipTests {
		t.Skip("docker not available, skipping session mongostore integration test")
	}
	store, err := New(context.Background(), Options{
		Client:             testClient,
		Database:           "session_test",
		SessionsCollection: t.Name() + "_sessions",
		RunsCollection:     t.Name() + "_runs",
	})
	if err != nil {
		t.Fatalf("mongostore.New: %v", err)
	}
	return store
}

// CreateSession is idempotent: a second call against the same session id
// returns the existing session rather than erroring or resetting CreatedAt.
func TestMongoCreateSessionIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	createdAt := time.Now().UTC().Truncate(time.Second)

	first, err := store.CreateSession(ctx, "sess-1", createdAt)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := store.CreateSession(ctx, "sess-1", createdAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateSession (second): %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("expected CreatedAt to be preserved, got %v then %v", first.CreatedAt, second.CreatedAt)
	}
}

// EndSession marks a session ended, and CreateSession against an ended
// session id returns ErrSessionEnded rather than silently reviving it.
func TestMongoEndSessionRejectsFurtherCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-ended", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ended, err := store.EndSession(ctx, "sess-ended", time.Now())
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.Status != session.StatusEnded {
		t.Fatalf("expected ended status, got %v", ended.Status)
	}

	if _, err := store.CreateSession(ctx, "sess-ended", time.Now()); err != session.ErrSessionEnded {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

// UpsertRun preserves the run's original StartedAt across a status-only
// update that supplies a zero StartedAt, mirroring session/inmem's contract
// so Agent.recordRunStatus behaves the same against either backend.
func TestMongoUpsertRunPreservesStartedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-run", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	started := time.Now().UTC().Truncate(time.Second)
	if err := store.UpsertRun(ctx, session.RunMeta{
		AgentID: "agent-1", RunID: "run-1", SessionID: "sess-run",
		Status: session.RunStatusRunning, StartedAt: started,
	}); err != nil {
		t.Fatalf("UpsertRun (create): %v", err)
	}

	if err := store.UpsertRun(ctx, session.RunMeta{
		AgentID: "agent-1", RunID: "run-1", SessionID: "sess-run",
		Status: session.RunStatusCompleted,
	}); err != nil {
		t.Fatalf("UpsertRun (status update): %v", err)
	}

	run, err := store.LoadRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if run.Status != session.RunStatusCompleted {
		t.Fatalf("expected completed status, got %v", run.Status)
	}
	if !run.StartedAt.Equal(started) {
		t.Fatalf("expected StartedAt %v to be preserved, got %v", started, run.StartedAt)
	}
}

// ListRunsBySession returns every run under a session, ordered by start
// time, optionally filtered to a status subset.
func TestMongoListRunsBySessionFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "sess-list", time.Now()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	base := time.Now().UTC()
	runs := []session.RunMeta{
		{AgentID: "a", RunID: "run-a", SessionID: "sess-list", Status: session.RunStatusCompleted, StartedAt: base},
		{AgentID: "a", RunID: "run-b", SessionID: "sess-list", Status: session.RunStatusFailed, StartedAt: base.Add(time.Minute)},
		{AgentID: "a", RunID: "run-c", SessionID: "sess-list", Status: session.RunStatusCompleted, StartedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		if err := store.UpsertRun(ctx, r); err != nil {
			t.Fatalf("UpsertRun(%s): %v", r.RunID, err)
		}
	}

	completed, err := store.ListRunsBySession(ctx, "sess-list", []session.RunStatus{session.RunStatusCompleted})
	if err != nil {
		t.Fatalf("ListRunsBySession: %v", err)
	}
	if len(completed) != 2 || completed[0].RunID != "run-a" || completed[1].RunID != "run-c" {
		t.Fatalf("unexpected filtered runs: %+v", completed)
	}

	all, err := store.ListRunsBySession(ctx, "sess-list", nil)
	if err != nil {
		t.Fatalf("ListRunsBySession (all): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
}
