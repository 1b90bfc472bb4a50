// Package mongostore implements session.Store backed by MongoDB via
// mongo-driver/v2, grounded on the teacher's features/session/mongo store.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentmesh/runtime/internal/storageretry"
	"github.com/agentmesh/runtime/session"
)

// retryConfig governs how hard mongostore retries transient driver errors
// (network blips, primary stepdowns) before giving up.
var retryConfig = storageretry.DefaultConfig()

// isTransient reports whether err is worth retrying: anything the driver
// itself flags as a network error or not-primary/step-down condition.
// Not-found and validation errors are never retried.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, mongodriver.ErrNoDocuments) {
		return false
	}
	var cmdErr mongodriver.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.HasErrorLabel("RetryableWriteError")
	}
	return mongodriver.IsNetworkError(err)
}

const (
	defaultSessionsCollection = "agent_sessions"
	defaultRunsCollection     = "agent_runs"
	defaultOpTimeout          = 5 * time.Second
)

// Options configures the Mongo-backed session Store.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	RunsCollection     string
	Timeout            time.Duration
}

// Store implements session.Store over two Mongo collections: one holding
// session lifecycle documents, the other run metadata documents.
type Store struct {
	sessions *mongodriver.Collection
	runs     *mongodriver.Collection
	timeout  time.Duration
}

// New constructs a mongostore.Store, creating the indexes it relies on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	sessionsName := opts.SessionsCollection
	if sessionsName == "" {
		sessionsName = defaultSessionsCollection
	}
	runsName := opts.RunsCollection
	if runsName == "" {
		runsName = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	sessions := opts.Client.Database(opts.Database).Collection(sessionsName)
	runs := opts.Client.Database(opts.Database).Collection(runsName)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ctx, sessions, runs); err != nil {
		return nil, err
	}

	return &Store{sessions: sessions, runs: runs, timeout: timeout}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type sessionDocument struct {
	SessionID string                `bson:"session_id"`
	Status    session.SessionStatus `bson:"status"`
	CreatedAt time.Time             `bson:"created_at"`
	EndedAt   *time.Time            `bson:"ended_at,omitempty"`
	UpdatedAt time.Time             `bson:"updated_at"`
}

func (doc sessionDocument) toSession() session.Session {
	var endedAt *time.Time
	if doc.EndedAt != nil {
		at := doc.EndedAt.UTC()
		endedAt = &at
	}
	return session.Session{ID: doc.SessionID, Status: doc.Status, CreatedAt: doc.CreatedAt.UTC(), EndedAt: endedAt}
}

type runDocument struct {
	RunID     string            `bson:"run_id"`
	AgentID   string            `bson:"agent_id"`
	SessionID string            `bson:"session_id,omitempty"`
	Status    session.RunStatus `bson:"status"`
	StartedAt time.Time         `bson:"started_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	Labels    map[string]string `bson:"labels,omitempty"`
	Metadata  map[string]any    `bson:"metadata,omitempty"`
}

func (doc runDocument) toRunMeta() session.RunMeta {
	return session.RunMeta{
		RunID:     doc.RunID,
		AgentID:   doc.AgentID,
		SessionID: doc.SessionID,
		Status:    doc.Status,
		StartedAt: doc.StartedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
		Labels:    cloneLabels(doc.Labels),
		Metadata:  cloneMetadata(doc.Metadata),
	}
}

func fromRunMeta(run session.RunMeta) runDocument {
	return runDocument{
		RunID:     run.RunID,
		AgentID:   run.AgentID,
		SessionID: run.SessionID,
		Status:    run.Status,
		StartedAt: run.StartedAt.UTC(),
		UpdatedAt: run.UpdatedAt.UTC(),
		Labels:    cloneLabels(run.Labels),
		Metadata:  cloneMetadata(run.Metadata),
	}
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// CreateSession implements session.Store. Idempotent insert: the
// $setOnInsert-only update keeps creation safe under retries and races
// without ever touching an existing document.
func (s *Store) CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("mongostore: session id is required")
	}

	existing, err := s.LoadSession(ctx, sessionID)
	if err == nil {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return existing, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return session.Session{}, err
	}

	now := time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"session_id": sessionID,
			"status":     session.StatusActive,
			"created_at": createdAt.UTC(),
			"updated_at": now,
		},
	}
	err = storageretry.Do(ctx, retryConfig, isTransient, func() error {
		_, err := s.sessions.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
		return err
	})
	if err != nil {
		return session.Session{}, err
	}

	out, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if out.Status == session.StatusEnded {
		return session.Session{}, session.ErrSessionEnded
	}
	return out, nil
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("mongostore: session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	err := storageretry.Do(ctx, retryConfig, isTransient, func() error {
		return s.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return doc.toSession(), nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, errors.New("mongostore: session id is required")
	}
	existing, err := s.LoadSession(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if existing.Status == session.StatusEnded {
		return existing, nil
	}

	now := time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"status":     session.StatusEnded,
		"ended_at":   endedAt.UTC(),
		"updated_at": now,
	}}
	err = storageretry.Do(ctx, retryConfig, isTransient, func() error {
		_, err := s.sessions.UpdateOne(ctx, bson.M{"session_id": sessionID}, update)
		return err
	})
	if err != nil {
		return session.Session{}, err
	}
	return s.LoadSession(ctx, sessionID)
}

func (s *Store) UpsertRun(ctx context.Context, run session.RunMeta) error {
	if run.RunID == "" {
		return errors.New("mongostore: run id is required")
	}
	if run.AgentID == "" {
		return errors.New("mongostore: agent id is required")
	}
	if run.SessionID == "" {
		return errors.New("mongostore: session id is required")
	}
	now := time.Now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
	doc := fromRunMeta(run)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"run_id":     doc.RunID,
			"agent_id":   doc.AgentID,
			"session_id": doc.SessionID,
			"status":     doc.Status,
			"updated_at": doc.UpdatedAt,
			"labels":     doc.Labels,
			"metadata":   doc.Metadata,
		},
		"$setOnInsert": bson.M{"started_at": doc.StartedAt},
	}
	return storageretry.Do(ctx, retryConfig, isTransient, func() error {
		_, err := s.runs.UpdateOne(ctx, bson.M{"run_id": run.RunID}, update, options.UpdateOne().SetUpsert(true))
		return err
	})
}

func (s *Store) LoadRun(ctx context.Context, runID string) (session.RunMeta, error) {
	if runID == "" {
		return session.RunMeta{}, errors.New("mongostore: run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	err := storageretry.Do(ctx, retryConfig, isTransient, func() error {
		return s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc)
	})
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.RunMeta{}, session.ErrRunNotFound
		}
		return session.RunMeta{}, err
	}
	return doc.toRunMeta(), nil
}

func (s *Store) ListRunsBySession(ctx context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error) {
	if sessionID == "" {
		return nil, errors.New("mongostore: session id is required")
	}
	filter := bson.M{"session_id": sessionID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.runs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []session.RunMeta
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRunMeta())
	}
	return out, cur.Err()
}

func ensureIndexes(ctx context.Context, sessions, runs *mongodriver.Collection) error {
	if _, err := sessions.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := runs.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return err
	}
	return nil
}
