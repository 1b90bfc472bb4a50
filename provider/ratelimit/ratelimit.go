// Package ratelimit wraps a provider.Provider with an adaptive,
// tokens-per-minute token-bucket limiter (spec §6: providers are rate
// limited upstream of the agent loop, not inside it). It is grounded on
// goadesign-goa-ai's features/model/middleware/ratelimit.go, trimmed to its
// process-local AIMD strategy: the teacher's cluster-coordination variant
// reconciles the shared budget through a Pulse replicated map, a
// deployment-topology concern this module has no home for (see DESIGN.md's
// dropped-dependency notes).
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/agentmesh/runtime/block"
	"github.com/agentmesh/runtime/provider"
)

// Limiter applies an AIMD-style adaptive token bucket in front of a
// provider.Provider: it estimates the token cost of each request, blocks
// callers until capacity is available, and halves its effective budget
// whenever the wrapped provider reports throttling, recovering gradually on
// every request that succeeds.
type Limiter struct {
	next provider.Provider

	mu      sync.Mutex
	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// New wraps next with an adaptive rate limiter budgeted at initialTPM
// tokens per minute, allowed to recover up to maxTPM. maxTPM below
// initialTPM is clamped to initialTPM; initialTPM at or below zero defaults
// to a conservative 60000.
func New(next provider.Provider, initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		next:         next,
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Stream enforces the limiter before delegating to the wrapped provider,
// satisfying provider.Provider.
func (l *Limiter) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	if err := l.wait(ctx, req); err != nil {
		return nil, err
	}
	s, err := l.next.Stream(ctx, req)
	l.observe(err)
	return s, err
}

func (l *Limiter) wait(ctx context.Context, req provider.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, provider.ErrThrottled) {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// CurrentTPM returns the limiter's current effective tokens-per-minute
// budget, for callers that want to observe the AIMD adjustment.
func (l *Limiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// estimateTokens computes a cheap heuristic for the number of tokens a
// request's transcript costs: it counts characters in text and string tool
// results, converts them to tokens using a fixed ratio, and adds a small
// buffer for system prompts and provider framing.
func estimateTokens(req provider.Request) int {
	charCount := len(req.SystemPrompt)
	for _, m := range req.Messages {
		for _, b := range m.Content {
			switch v := b.(type) {
			case block.Text:
				charCount += len(v.Text)
			case block.ToolResult:
				for _, c := range v.Content {
					if t, ok := c.(block.Text); ok {
						charCount += len(t.Text)
					}
				}
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
