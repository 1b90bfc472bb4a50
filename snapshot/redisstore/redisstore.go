// Package redisstore implements snapshot.StorageProvider over Redis,
// grounded on the teacher's registry.ResultStreamManager use of
// github.com/redis/go-redis/v9 for keyed JSON blob storage.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/runtime/snapshot"
)

// Store persists snapshots and manifests as Redis string keys, one key per
// object, with an auxiliary set tracking known snapshot ids per location so
// ListSnapshotIDs need not SCAN the keyspace.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New constructs a redisstore.Store. keyPrefix namespaces all keys this
// store writes (e.g. "myapp:snapshots"); pass "" to use no extra namespace.
func New(rdb *redis.Client, keyPrefix string) *Store {
	return &Store{rdb: rdb, prefix: keyPrefix}
}

func (s *Store) idsKey(loc snapshot.Location) string {
	return snapshot.HistoryKey(s.prefix, loc, 0) + ":ids"
}

func (s *Store) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisstore: marshaling: %w", err)
	}
	return s.rdb.Set(ctx, key, data, 0).Err()
}

func get[T any](ctx context.Context, rdb *redis.Client, key string) (*T, error) {
	data, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: reading %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("redisstore: invalid JSON at %s: %w", key, err)
	}
	return &v, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, loc snapshot.Location, snapshotID int, isLatest bool, snap snapshot.Snapshot) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if err := s.set(ctx, snapshot.HistoryKey(s.prefix, loc, snapshotID), snap); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, s.idsKey(loc), snapshotID).Err(); err != nil {
		return fmt.Errorf("redisstore: indexing snapshot id: %w", err)
	}
	if isLatest {
		return s.set(ctx, snapshot.LatestKey(s.prefix, loc), snap)
	}
	return nil
}

func (s *Store) LoadSnapshot(ctx context.Context, loc snapshot.Location, snapshotID *int) (*snapshot.Snapshot, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	var key string
	if snapshotID == nil {
		key = snapshot.LatestKey(s.prefix, loc)
	} else {
		key = snapshot.HistoryKey(s.prefix, loc, *snapshotID)
	}
	return get[snapshot.Snapshot](ctx, s.rdb, key)
}

func (s *Store) ListSnapshotIDs(ctx context.Context, loc snapshot.Location) ([]int, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	raw, err := s.rdb.SMembers(ctx, s.idsKey(loc)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: listing snapshot ids: %w", err)
	}
	ids := make([]int, 0, len(raw))
	for _, r := range raw {
		var id int
		if _, err := fmt.Sscanf(r, "%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *Store) SaveManifest(ctx context.Context, loc snapshot.Location, manifest snapshot.Manifest) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	return s.set(ctx, snapshot.ManifestKey(s.prefix, loc), manifest)
}

func (s *Store) LoadManifest(ctx context.Context, loc snapshot.Location) (*snapshot.Manifest, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return get[snapshot.Manifest](ctx, s.rdb, snapshot.ManifestKey(s.prefix, loc))
}
