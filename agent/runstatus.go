package agent

import (
	"context"
	"time"

	"github.com/agentmesh/runtime/session"
)

// beginRun records a run's start against cfg.Sessions, creating the
// enclosing session if it does not already exist (spec §4.6: runs always
// belong to a session, and session lifecycle is independent of any one
// run's lifecycle). It is a no-op when no Sessions store is configured.
// A non-nil error means the session is ended and this run must not proceed.
func (a *Agent) beginRun(ctx context.Context, runID string) error {
	if a.cfg.Sessions == nil {
		return nil
	}
	now := time.Now()
	if _, err := a.cfg.Sessions.CreateSession(ctx, a.cfg.SessionID, now); err != nil {
		return err
	}
	return a.cfg.Sessions.UpsertRun(ctx, session.RunMeta{
		AgentID:   a.cfg.AgentID,
		RunID:     runID,
		SessionID: a.cfg.SessionID,
		Status:    session.RunStatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	})
}

// EndSession ends the session cfg.SessionID belongs to, marking it terminal
// so no further run may start under it (session.Store.EndSession). Callers
// own the decision of when a session is over; an Agent never ends its own
// session implicitly just because one run completed. A no-op, returning the
// zero Session and a nil error, when no Sessions store is configured.
func (a *Agent) EndSession(ctx context.Context, endedAt time.Time) (session.Session, error) {
	if a.cfg.Sessions == nil {
		return session.Session{}, nil
	}
	return a.cfg.Sessions.EndSession(ctx, a.cfg.SessionID, endedAt)
}

// recordRunStatus reflects runID's terminal or suspended status back to
// cfg.Sessions. StartedAt is left zero so implementations preserve the
// value beginRun recorded (session/inmem.Store.UpsertRun does this; other
// Store implementations should too). Best-effort: a Store error here
// doesn't change the run's outcome, which has already been decided by the
// caller.
func (a *Agent) recordRunStatus(ctx context.Context, runID string, status session.RunStatus) {
	if a.cfg.Sessions == nil {
		return
	}
	// The run's own ctx may already be canceled or past its deadline here
	// (the Canceled/Failed paths are exactly when that's most likely) but
	// the status write itself should still go through.
	ctx = context.WithoutCancel(ctx)
	_ = a.cfg.Sessions.UpsertRun(ctx, session.RunMeta{
		AgentID:   a.cfg.AgentID,
		RunID:     runID,
		SessionID: a.cfg.SessionID,
		Status:    status,
		UpdatedAt: time.Now(),
	})
}
