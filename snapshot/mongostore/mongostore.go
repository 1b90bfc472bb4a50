// Package mongostore implements snapshot.StorageProvider backed by MongoDB
// via mongo-driver/v2, grounded on the same features/session/mongo store
// pattern as session/mongostore.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentmesh/runtime/internal/storageretry"
	"github.com/agentmesh/runtime/snapshot"
)

const (
	defaultSnapshotsCollection = "agent_snapshots"
	defaultManifestsCollection = "agent_snapshot_manifests"
	defaultOpTimeout           = 10 * time.Second
)

var retryConfig = storageretry.DefaultConfig()

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

// Options configures the Mongo-backed snapshot.StorageProvider.
type Options struct {
	Client              *mongodriver.Client
	Database            string
	SnapshotsCollection string
	ManifestsCollection string
	Timeout             time.Duration
}

// Store implements snapshot.StorageProvider over two Mongo collections:
// one holding immutable/latest snapshot documents, the other manifests.
type Store struct {
	snapshots *mongodriver.Collection
	manifests *mongodriver.Collection
	timeout   time.Duration
}

// New constructs a mongostore.Store, creating the indexes it relies on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	snapshotsName := opts.SnapshotsCollection
	if snapshotsName == "" {
		snapshotsName = defaultSnapshotsCollection
	}
	manifestsName := opts.ManifestsCollection
	if manifestsName == "" {
		manifestsName = defaultManifestsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	snapshots := opts.Client.Database(opts.Database).Collection(snapshotsName)
	manifests := opts.Client.Database(opts.Database).Collection(manifestsName)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ctx, snapshots, manifests); err != nil {
		return nil, err
	}

	return &Store{snapshots: snapshots, manifests: manifests, timeout: timeout}, nil
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

// snapshotDocument stores one snapshot object: either an immutable history
// entry (IsLatest=false, unique per SnapshotID) or the mutable "latest"
// marker (IsLatest=true, SnapshotID = the id of the snapshot it mirrors, at
// most one per location).
type snapshotDocument struct {
	SessionID  string            `bson:"session_id"`
	Scope      string            `bson:"scope"`
	ScopeID    string            `bson:"scope_id"`
	SnapshotID int               `bson:"snapshot_id"`
	IsLatest   bool              `bson:"is_latest"`
	Data       snapshot.Snapshot `bson:"data"`
	WrittenAt  time.Time         `bson:"written_at"`
}

type manifestDocument struct {
	SessionID string            `bson:"session_id"`
	Scope     string            `bson:"scope"`
	ScopeID   string            `bson:"scope_id"`
	Manifest  snapshot.Manifest `bson:"manifest"`
}

func locFilter(loc snapshot.Location) bson.M {
	return bson.M{"session_id": loc.SessionID, "scope": string(loc.Scope), "scope_id": loc.ScopeID}
}

func (s *Store) SaveSnapshot(ctx context.Context, loc snapshot.Location, snapshotID int, isLatest bool, snap snapshot.Snapshot) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	historyFilter := locFilter(loc)
	historyFilter["snapshot_id"] = snapshotID
	historyFilter["is_latest"] = false
	historyDoc := snapshotDocument{
		SessionID: loc.SessionID, Scope: string(loc.Scope), ScopeID: loc.ScopeID,
		SnapshotID: snapshotID, IsLatest: false, Data: snap, WrittenAt: time.Now().UTC(),
	}
	if err := s.upsertSnapshot(ctx, historyFilter, historyDoc); err != nil {
		return err
	}

	if !isLatest {
		return nil
	}
	latestFilter := locFilter(loc)
	latestFilter["is_latest"] = true
	latestDoc := snapshotDocument{
		SessionID: loc.SessionID, Scope: string(loc.Scope), ScopeID: loc.ScopeID,
		SnapshotID: snapshotID, IsLatest: true, Data: snap, WrittenAt: time.Now().UTC(),
	}
	return s.upsertSnapshot(ctx, latestFilter, latestDoc)
}

func (s *Store) upsertSnapshot(ctx context.Context, filter bson.M, doc snapshotDocument) error {
	return storageretry.Do(ctx, retryConfig, isTransient, func() error {
		_, err := s.snapshots.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
		return err
	})
}

func (s *Store) LoadSnapshot(ctx context.Context, loc snapshot.Location, snapshotID *int) (*snapshot.Snapshot, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := locFilter(loc)
	if snapshotID == nil {
		filter["is_latest"] = true
	} else {
		filter["is_latest"] = false
		filter["snapshot_id"] = *snapshotID
	}

	var doc snapshotDocument
	err := storageretry.Do(ctx, retryConfig, isTransient, func() error {
		return s.snapshots.FindOne(ctx, filter).Decode(&doc)
	})
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc.Data, nil
}

func (s *Store) ListSnapshotIDs(ctx context.Context, loc snapshot.Location) ([]int, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := locFilter(loc)
	filter["is_latest"] = false
	cur, err := s.snapshots.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "snapshot_id", Value: 1}}).
		SetProjection(bson.D{{Key: "snapshot_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var ids []int
	for cur.Next(ctx) {
		var row struct {
			SnapshotID int `bson:"snapshot_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		ids = append(ids, row.SnapshotID)
	}
	return ids, cur.Err()
}

func (s *Store) SaveManifest(ctx context.Context, loc snapshot.Location, manifest snapshot.Manifest) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := locFilter(loc)
	doc := manifestDocument{SessionID: loc.SessionID, Scope: string(loc.Scope), ScopeID: loc.ScopeID, Manifest: manifest}
	return storageretry.Do(ctx, retryConfig, isTransient, func() error {
		_, err := s.manifests.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
		return err
	})
}

func (s *Store) LoadManifest(ctx context.Context, loc snapshot.Location) (*snapshot.Manifest, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc manifestDocument
	err := storageretry.Do(ctx, retryConfig, isTransient, func() error {
		return s.manifests.FindOne(ctx, locFilter(loc)).Decode(&doc)
	})
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc.Manifest, nil
}

func ensureIndexes(ctx context.Context, snapshots, manifests *mongodriver.Collection) error {
	if _, err := snapshots.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1}, {Key: "scope", Value: 1}, {Key: "scope_id", Value: 1},
			{Key: "is_latest", Value: 1}, {Key: "snapshot_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := manifests.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "scope", Value: 1}, {Key: "scope_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	return nil
}
