// Package inmem provides an in-memory implementation of session.Store for
// testing and local development. Data is stored in process memory and is
// lost when the process exits.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/runtime/session"
)

// Store implements session.Store over in-process maps. It is thread-safe
// and suitable for tests and local development; data is not persisted
// across restarts.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	runs     map[string]session.RunMeta
}

// New returns a ready-to-use in-memory Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]session.Session),
		runs:     make(map[string]session.RunMeta),
	}
}

func (s *Store) CreateSession(_ context.Context, sessionID string, createdAt time.Time) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		if existing.Status == session.StatusEnded {
			return session.Session{}, session.ErrSessionEnded
		}
		return existing, nil
	}
	sess := session.Session{ID: sessionID, Status: session.StatusActive, CreatedAt: createdAt}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *Store) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) EndSession(_ context.Context, sessionID string, endedAt time.Time) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if sess.Status == session.StatusEnded {
		return sess, nil
	}
	at := endedAt
	sess.Status = session.StatusEnded
	sess.EndedAt = &at
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *Store) UpsertRun(_ context.Context, run session.RunMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[run.RunID]; ok && run.StartedAt.IsZero() {
		run.StartedAt = existing.StartedAt
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *Store) LoadRun(_ context.Context, runID string) (session.RunMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return session.RunMeta{}, session.ErrRunNotFound
	}
	return run, nil
}

func (s *Store) ListRunsBySession(_ context.Context, sessionID string, statuses []session.RunStatus) ([]session.RunMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := make(map[session.RunStatus]bool, len(statuses))
	for _, st := range statuses {
		allowed[st] = true
	}
	var out []session.RunMeta
	for _, run := range s.runs {
		if run.SessionID != sessionID {
			continue
		}
		if len(allowed) > 0 && !allowed[run.Status] {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
