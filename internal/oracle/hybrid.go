package oracle

import (
	"context"
	"sync"

	"lorekeeper/internal/logging"
)

// maxSecondaryFailures is how many consecutive secondary failures drop the
// secondary provider for the remainder of the run.
const maxSecondaryFailures = 2

// Request is one logical unit of work for GenerateBatch.
type Request struct {
	Messages []Message
	Options  Options
}

// Result is the per-request outcome of GenerateBatch. A failed call leaves
// Err set; the caller handles partial batches.
type Result struct {
	Output string
	Err    error
}

// Hybrid wraps a primary and an optional secondary provider. While both are
// alive ("dual"), batch work fans out one request per provider in parallel.
// A secondary call that fails is retried on the primary; after
// maxSecondaryFailures consecutive failures the secondary is permanently
// disabled for this run ("primary-only"). A disabled secondary is never
// re-enabled.
type Hybrid struct {
	primary   Client
	secondary Client

	mu               sync.Mutex
	consecutiveFails int
	secondaryDown    bool
}

// NewHybrid creates a wrapper. secondary may be nil for primary-only runs.
func NewHybrid(primary, secondary Client) *Hybrid {
	return &Hybrid{primary: primary, secondary: secondary}
}

// IsHybrid reports whether the secondary is still in use.
func (h *Hybrid) IsHybrid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.secondary != nil && !h.secondaryDown
}

// BatchSize returns the number of currently-alive providers, which is the
// parallel batch width the orchestrator should use.
func (h *Hybrid) BatchSize() int {
	if h.IsHybrid() {
		return 2
	}
	return 1
}

// Generate runs a single request on the primary provider.
func (h *Hybrid) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	return h.primary.Generate(ctx, messages, opts)
}

// Slot returns the client serving batch position i: the primary for slot 0,
// the secondary (with primary fallback and failure accounting) for slot 1
// while dual. Positions past the batch width fall back to the primary.
func (h *Hybrid) Slot(i int) Client {
	if i == 1 && h.IsHybrid() {
		return secondarySlot{h}
	}
	return h.primary
}

// secondarySlot routes calls through the secondary-with-fallback path so
// batch work dispatched to slot 1 participates in fail-over accounting.
type secondarySlot struct {
	h *Hybrid
}

func (s secondarySlot) Generate(ctx context.Context, messages []Message, opts Options) (string, error) {
	if !s.h.IsHybrid() {
		return s.h.primary.Generate(ctx, messages, opts)
	}
	res := s.h.generateSecondary(ctx, Request{Messages: messages, Options: opts})
	return res.Output, res.Err
}

// GenerateBatch dispatches up to BatchSize requests, one per alive provider,
// in parallel. Request 0 goes to the primary; request 1 goes to the
// secondary while dual. Individual failures are caught and logged; the
// corresponding Result carries the error and the rest of the batch proceeds.
func (h *Hybrid) GenerateBatch(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	var wg sync.WaitGroup
	for i := range reqs {
		useSecondary := i == 1 && h.IsHybrid()
		wg.Add(1)
		go func(i int, useSecondary bool) {
			defer wg.Done()
			req := reqs[i]
			if useSecondary {
				results[i] = h.generateSecondary(ctx, req)
				return
			}
			out, err := h.primary.Generate(ctx, req.Messages, req.Options)
			if err != nil {
				logging.OracleWarn("primary call failed: %v", err)
			}
			results[i] = Result{Output: out, Err: err}
		}(i, useSecondary)
	}
	wg.Wait()
	return results
}

// generateSecondary runs a request on the secondary, falling back to the
// primary on failure and tracking consecutive secondary failures.
func (h *Hybrid) generateSecondary(ctx context.Context, req Request) Result {
	out, err := h.secondary.Generate(ctx, req.Messages, req.Options)
	if err == nil {
		h.mu.Lock()
		h.consecutiveFails = 0
		h.mu.Unlock()
		return Result{Output: out}
	}

	h.mu.Lock()
	h.consecutiveFails++
	if h.consecutiveFails >= maxSecondaryFailures && !h.secondaryDown {
		h.secondaryDown = true
		logging.Oracle("secondary provider disabled after %d consecutive failures", h.consecutiveFails)
	}
	h.mu.Unlock()
	logging.OracleWarn("secondary call failed, retrying on primary: %v", err)

	out, err = h.primary.Generate(ctx, req.Messages, req.Options)
	if err != nil {
		logging.OracleWarn("primary retry failed: %v", err)
	}
	return Result{Output: out, Err: err}
}
