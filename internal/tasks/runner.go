// Package tasks implements the family of stateless oracle calls the
// curation pipeline is built from. Each task owns one prompt/response
// contract and one JSON output schema, and degrades to a safe empty or
// null result on any parse or transport failure. Tasks never retry
// internally; retry and fail-over live in the oracle wrapper above them.
package tasks

import (
	"context"

	"lorekeeper/internal/config"
	"lorekeeper/internal/oracle"
)

// storyBudget is the maximum story-context size passed to the oracle, in
// characters; individual tasks subtract their own overhead from it.
const storyBudget = 6000

// minStoryContext is the floor on story context when a task's fixed
// inputs eat most of the budget.
const minStoryContext = 1500

// maxElements caps how many elements one identify call may return.
const maxElements = 5

// ConfirmBatchSize caps candidate pairs per confirmDuplicates call.
const ConfirmBatchSize = 5

// ClassifyBatchSize caps entries per classifyUnknown call.
const ClassifyBatchSize = 12

// matchCandidateLimit caps prescored candidates per matchPromptToEntry call.
const matchCandidateLimit = 20

// classifierTemperature is used by tasks that classify rather than write;
// low temperature keeps their output structured.
const classifierTemperature = 0.2

// Runner executes task functions against an oracle client with the
// configured generation temperature and detail level.
type Runner struct {
	client      oracle.Client
	temperature float64
	detail      config.DetailLevel
}

// NewRunner creates a task runner.
func NewRunner(client oracle.Client, temperature float64, detail config.DetailLevel) *Runner {
	if temperature <= 0 {
		temperature = 0.7
	}
	if detail == "" {
		detail = config.DetailStandard
	}
	return &Runner{client: client, temperature: temperature, detail: detail}
}

// Client returns the underlying oracle client.
func (r *Runner) Client() oracle.Client {
	return r.client
}

// WithClient returns a copy of the runner bound to a different client. The
// orchestrators use this to pin one batch slot to one provider.
func (r *Runner) WithClient(client oracle.Client) *Runner {
	cp := *r
	cp.client = client
	return &cp
}

// call invokes the oracle with a two-message prompt.
func (r *Runner) call(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	return r.client.Generate(ctx, []oracle.Message{
		{Role: oracle.RoleSystem, Content: system},
		{Role: oracle.RoleUser, Content: user},
	}, oracle.Options{MaxTokens: maxTokens, Temperature: temperature})
}

// tail returns the last n characters of s; the most recent story text is
// the most relevant context.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// head returns the first n characters of s.
func head(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// storyWindow trims story to the budget left after overhead, flooring at
// minStoryContext so oversized overhead never consumes the story entirely.
func storyWindow(story string, overhead int) string {
	budget := storyBudget - overhead
	if budget < minStoryContext {
		budget = minStoryContext
	}
	return tail(story, budget)
}

// clampConfidence bounds a 1-5 confidence score.
func clampConfidence(c int) int {
	if c < 1 {
		return 1
	}
	if c > 5 {
		return 5
	}
	return c
}
