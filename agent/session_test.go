package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/runtime/hooks"
	"github.com/agentmesh/runtime/provider"
	"github.com/agentmesh/runtime/session"
	"github.com/agentmesh/runtime/session/inmem"
	"github.com/agentmesh/runtime/tool"
)

// A completed run is recorded against the configured session store: the
// session exists and the run's final status is "completed".
func TestSessionWiringRecordsCompletedRun(t *testing.T) {
	store := inmem.New()
	prov := &scriptedProvider{t: t, turns: [][]provider.Event{
		textTurn("hi there", provider.StopReasonEndTurn),
	}}
	a, err := New(Config{
		Provider:  prov,
		Tools:     tool.NewRegistry(),
		Hooks:     hooks.NewRegistry(),
		Sessions:  store,
		AgentID:   "greeter",
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	h, err := a.Stream(context.Background(), Text("hello"))
	require.NoError(t, err)
	for range h.Events() {
	}
	require.NoError(t, h.Err())

	sess, err := store.LoadSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, sess.Status)

	runs, err := store.ListRunsBySession(context.Background(), "sess-1", nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "greeter", runs[0].AgentID)
	assert.Equal(t, session.RunStatusCompleted, runs[0].Status)
	assert.False(t, runs[0].StartedAt.IsZero())
}

// A run suspended on an interrupt is recorded as "paused", not "completed" or
// "failed"; resuming it and letting it run to completion updates the same
// RunMeta row to "completed".
func TestSessionWiringRecordsPausedThenCompletedRun(t *testing.T) {
	store := inmem.New()
	prov := &scriptedProvider{t: t, turns: [][]provider.Event{
		textTurn("first", provider.StopReasonEndTurn),
	}}
	reg := hooks.NewRegistry()
	reg.On(hooks.BeforeInvocation, func(_ context.Context, evt *hooks.Event) {
		evt.Interrupt("needs-approval", "confirm before proceeding")
	})
	a, err := New(Config{
		Provider:  prov,
		Tools:     tool.NewRegistry(),
		Hooks:     reg,
		Sessions:  store,
		SessionID: "sess-2",
	})
	require.NoError(t, err)

	h, err := a.Stream(context.Background(), Text("hello"))
	require.NoError(t, err)
	var result Result
	for evt := range h.Events() {
		if done, ok := evt.(Done); ok {
			result = done.Result
		}
	}
	require.NoError(t, h.Err())
	require.Len(t, result.Interrupts, 1)

	runs, err := store.ListRunsBySession(context.Background(), "sess-2", nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, session.RunStatusPaused, runs[0].Status)
	startedAt := runs[0].StartedAt

	h2, err := a.Stream(context.Background(), Resume(InterruptResponse{ID: result.Interrupts[0].ID, Response: "approved"}))
	require.NoError(t, err)
	for range h2.Events() {
	}
	require.NoError(t, h2.Err())

	runs, err = store.ListRunsBySession(context.Background(), "sess-2", nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, session.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, startedAt, runs[0].StartedAt)
}

// erroringProvider always fails Stream, for exercising the fatal-error path.
type erroringProvider struct{ err error }

func (p *erroringProvider) Stream(context.Context, provider.Request) (provider.Stream, error) {
	return nil, p.err
}

// A fatal model error is recorded as "failed".
func TestSessionWiringRecordsFailedRun(t *testing.T) {
	store := inmem.New()
	a, err := New(Config{
		Provider:  &erroringProvider{err: errors.New("boom")},
		Tools:     tool.NewRegistry(),
		Hooks:     hooks.NewRegistry(),
		Sessions:  store,
		SessionID: "sess-3",
	})
	require.NoError(t, err)

	h, err := a.Stream(context.Background(), Text("hello"))
	require.NoError(t, err)
	for range h.Events() {
	}
	require.Error(t, h.Err())

	runs, err := store.ListRunsBySession(context.Background(), "sess-3", nil)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, session.RunStatusFailed, runs[0].Status)
}

// Starting a run under an already-ended session fails fast and never
// reaches the model.
func TestSessionWiringRejectsRunUnderEndedSession(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	_, err := store.CreateSession(ctx, "sess-4", time.Now())
	require.NoError(t, err)
	_, err = store.EndSession(ctx, "sess-4", time.Now())
	require.NoError(t, err)

	prov := &scriptedProvider{t: t, turns: [][]provider.Event{
		textTurn("unreachable", provider.StopReasonEndTurn),
	}}
	a, err := New(Config{
		Provider:  prov,
		Tools:     tool.NewRegistry(),
		Hooks:     hooks.NewRegistry(),
		Sessions:  store,
		SessionID: "sess-4",
	})
	require.NoError(t, err)

	h, err := a.Stream(ctx, Text("hello"))
	require.NoError(t, err)
	for range h.Events() {
	}
	require.ErrorIs(t, h.Err(), session.ErrSessionEnded)
	assert.Equal(t, 0, prov.cursor)
}

// Config validation rejects a Sessions store with no SessionID: there would
// be nothing to scope the run's RunMeta under.
func TestNewRejectsSessionsWithoutSessionID(t *testing.T) {
	_, err := New(Config{Provider: &erroringProvider{err: errors.New("unused")}, Sessions: inmem.New()})
	require.Error(t, err)
}
