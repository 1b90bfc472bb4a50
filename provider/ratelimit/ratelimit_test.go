package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

type fakeProvider struct {
	err   error
	calls int
}

func (f *fakeProvider) Stream(context.Context, provider.Request) (provider.Stream, error) {
	f.calls++
	return nil, f.err
}

func textRequest(text string) provider.Request {
	return provider.Request{
		Messages: []block.Message{
			{Role: block.RoleUser, Content: []block.Block{block.Text{Text: text}}},
		},
	}
}

// Throttling from the wrapped provider halves the effective budget.
func TestLimiterBacksOffOnThrottling(t *testing.T) {
	l := New(nil, 60000, 60000)
	initial := l.CurrentTPM()

	fp := &fakeProvider{err: provider.NewThrottlingError("test", "stream", "slow down", nil)}
	l.next = fp

	_, err := l.Stream(context.Background(), textRequest("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrThrottled)
	assert.Less(t, l.CurrentTPM(), initial)
}

// A successful call probes the budget upward, capped at maxTPM.
func TestLimiterProbesUpOnSuccess(t *testing.T) {
	l := New(nil, 60000, 120000)
	l.recoveryRate = 1000
	initial := l.CurrentTPM()

	fp := &fakeProvider{}
	l.next = fp

	_, err := l.Stream(context.Background(), textRequest("hello"))
	require.NoError(t, err)
	assert.Greater(t, l.CurrentTPM(), initial)
	assert.Equal(t, 1, fp.calls)
}

// A request the bucket cannot admit (zero capacity, ctx already canceled)
// fails with an error and never reaches the wrapped provider.
func TestLimiterRespectsContextWhenQueued(t *testing.T) {
	l := New(nil, 60, 60)
	l.currentTPM = 60
	l.limiter = rate.NewLimiter(0, 0)

	fp := &fakeProvider{}
	l.next = fp

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	_, err := l.Stream(ctx, textRequest(string(longText)))
	require.Error(t, err)
	assert.Equal(t, 0, fp.calls)
}

// estimateTokens grows monotonically with the transcript's text content.
func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(textRequest("short"))
	big := estimateTokens(textRequest("this is a much longer message than the other one"))

	assert.Positive(t, small)
	assert.Greater(t, big, small)
}
