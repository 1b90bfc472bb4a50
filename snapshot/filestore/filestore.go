// Package filestore implements snapshot.StorageProvider over the local
// filesystem, the simplest backend for single-process or development use.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentmesh/runtime/snapshot"
)

// Store persists snapshots and manifests as JSON files under Root, one file
// per object, laid out per spec.md §4.6's path scheme.
type Store struct {
	Root string
}

// New constructs a filestore.Store rooted at root.
func New(root string) *Store {
	return &Store{Root: root}
}

func (s *Store) path(key string) string {
	return filepath.Join(filepath.FromSlash(s.Root), filepath.FromSlash(key))
}

func (s *Store) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filestore: creating directory: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: marshaling: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filestore: writing: %w", err)
	}
	return os.Rename(tmp, path)
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: reading: %w", err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("filestore: invalid JSON at %s: %w", path, err)
	}
	return &v, nil
}

func (s *Store) SaveSnapshot(_ context.Context, loc snapshot.Location, snapshotID int, isLatest bool, snap snapshot.Snapshot) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if err := s.writeJSON(s.path(snapshot.HistoryKey("", loc, snapshotID)), snap); err != nil {
		return err
	}
	if isLatest {
		return s.writeJSON(s.path(snapshot.LatestKey("", loc)), snap)
	}
	return nil
}

func (s *Store) LoadSnapshot(_ context.Context, loc snapshot.Location, snapshotID *int) (*snapshot.Snapshot, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	var key string
	if snapshotID == nil {
		key = snapshot.LatestKey("", loc)
	} else {
		key = snapshot.HistoryKey("", loc, *snapshotID)
	}
	return readJSON[snapshot.Snapshot](s.path(key))
}

func (s *Store) ListSnapshotIDs(_ context.Context, loc snapshot.Location) ([]int, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	dir := s.path(snapshot.HistoryKey("", loc, 0))
	dir = filepath.Dir(dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: listing %s: %w", dir, err)
	}
	var ids []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := snapshot.ParseSnapshotID(e.Name())
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *Store) SaveManifest(_ context.Context, loc snapshot.Location, manifest snapshot.Manifest) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	return s.writeJSON(s.path(snapshot.ManifestKey("", loc)), manifest)
}

func (s *Store) LoadManifest(_ context.Context, loc snapshot.Location) (*snapshot.Manifest, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	return readJSON[snapshot.Manifest](s.path(snapshot.ManifestKey("", loc)))
}
