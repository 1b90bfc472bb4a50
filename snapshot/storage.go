package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope used as a storage location discriminator; ScopeAgent and
// ScopeMultiAgent above double as the two legal values here.

// Location identifies where a snapshot lives: a session, a scope kind
// (agent or multiAgent), and the id of that scope's owner (an agent id or a
// swarm id) (spec §4.6 Storage provider).
type Location struct {
	SessionID string
	Scope     Scope
	ScopeID   string
}

// ErrInvalidLocation is returned when a Location's identifiers are unusable
// as path segments (spec §4.6: "Session ids and scope ids must not contain
// path separators").
var ErrInvalidLocation = errors.New("snapshot: session id and scope id must not contain path separators")

// Validate rejects a Location whose SessionID or ScopeID would escape the
// intended path layout.
func (l Location) Validate() error {
	if strings.ContainsAny(l.SessionID, "/\\") || l.SessionID == "" {
		return ErrInvalidLocation
	}
	if strings.ContainsAny(l.ScopeID, "/\\") || l.ScopeID == "" {
		return ErrInvalidLocation
	}
	if l.Scope != ScopeAgent && l.Scope != ScopeMultiAgent {
		return fmt.Errorf("snapshot: unknown scope %q", l.Scope)
	}
	return nil
}

// basePath renders the path layout prefix shared by every object under a
// Location: {prefix}/{sessionId}/scopes/{scope}/{scopeId}/snapshots (spec
// §4.6 path layout).
func basePath(prefix string, l Location) string {
	return fmt.Sprintf("%s/%s/scopes/%s/%s/snapshots", strings.TrimSuffix(prefix, "/"), l.SessionID, l.Scope, l.ScopeID)
}

// HistoryKey renders the immutable per-id object key for snapshotID under
// prefix/location: .../snapshots/immutable_history/snapshot_{5-zero-padded
// id}.json.
func HistoryKey(prefix string, l Location, snapshotID int) string {
	return fmt.Sprintf("%s/immutable_history/snapshot_%05d.json", basePath(prefix, l), snapshotID)
}

// LatestKey renders the mutable "most recent snapshot" object key.
func LatestKey(prefix string, l Location) string {
	return basePath(prefix, l) + "/snapshot_latest.json"
}

// ManifestKey renders the manifest object key.
func ManifestKey(prefix string, l Location) string {
	return basePath(prefix, l) + "/manifest.json"
}

// Manifest tracks bookkeeping about a Location's snapshot history: the
// latest immutable snapshot id and how many have been taken, so a reader
// can discover the tail of history without listing every object.
type Manifest struct {
	LatestSnapshotID int       `json:"latestSnapshotId"`
	SnapshotCount    int       `json:"snapshotCount"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// StorageProvider is the abstract persistence contract snapshot backends
// implement (spec §4.6 Storage provider). Missing objects return a nil
// Snapshot/Manifest and a nil error; invalid JSON at rest fails loudly.
type StorageProvider interface {
	// SaveSnapshot writes snap as the immutable snapshot_{snapshotID}.json
	// object, and, if isLatest, also overwrites snapshot_latest.json.
	SaveSnapshot(ctx context.Context, loc Location, snapshotID int, isLatest bool, snap Snapshot) error
	// LoadSnapshot loads the snapshot at snapshotID, or the latest snapshot
	// if snapshotID is nil. Returns (nil, nil) if the object does not exist.
	LoadSnapshot(ctx context.Context, loc Location, snapshotID *int) (*Snapshot, error)
	// ListSnapshotIDs returns every immutable snapshot id under loc, sorted
	// ascending and interpreted numerically (not lexicographically).
	ListSnapshotIDs(ctx context.Context, loc Location) ([]int, error)
	// SaveManifest overwrites the manifest object for loc.
	SaveManifest(ctx context.Context, loc Location, manifest Manifest) error
	// LoadManifest loads the manifest for loc. Returns (nil, nil) if absent.
	LoadManifest(ctx context.Context, loc Location) (*Manifest, error)
}

// ParseSnapshotID extracts the numeric id from a "snapshot_00007.json" base
// name, returning ok=false for anything else (e.g. "snapshot_latest.json").
// Exported so storage backends can use it to filter directory/key listings.
func ParseSnapshotID(base string) (int, bool) {
	const prefix, suffix = "snapshot_", ".json"
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(base, prefix), suffix)
	id, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return id, true
}
