package tasks

import (
	"context"
	"sort"
	"strings"

	"lorekeeper/internal/jsonrepair"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
)

// minMatchConfidence rejects low-conviction prompt-to-entry matches.
const minMatchConfidence = 3

// MatchPromptToEntry resolves a free-text user instruction to the lorebook
// entry it refers to. Candidates are pre-scored by naive keyword overlap
// and only the top ones reach the oracle, which bounds prompt size and
// improves precision. Returns nil when nothing matches.
func (r *Runner) MatchPromptToEntry(ctx context.Context, instruction string, entries []lore.LorebookEntry) *lore.LorebookEntry {
	candidates := prescoreCandidates(instruction, entries)
	if len(candidates) == 0 {
		return nil
	}

	user := buildMatchPrompt(head(instruction, 1000), candidates)
	out, err := r.call(ctx, matchSystemPrompt, user, 200, classifierTemperature)
	if err != nil {
		logging.TasksWarn("matchPromptToEntry: oracle call failed: %v", err)
		return nil
	}

	var parsed struct {
		Index      int `json:"index"`
		Confidence int `json:"confidence"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("matchPromptToEntry: unparseable response")
		return nil
	}
	if parsed.Index < 0 || parsed.Index >= len(candidates) || parsed.Confidence < minMatchConfidence {
		return nil
	}
	match := candidates[parsed.Index]
	return &match
}

// prescoreCandidates ranks entries by keyword overlap with the instruction
// and keeps the top matchCandidateLimit entries with any overlap at all.
func prescoreCandidates(instruction string, entries []lore.LorebookEntry) []lore.LorebookEntry {
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(instruction)) {
		w = strings.Trim(w, `.,!?;:"'`)
		if len(w) >= 3 {
			words[w] = true
		}
	}
	if len(words) == 0 {
		return nil
	}

	type scored struct {
		entry lore.LorebookEntry
		score int
	}
	var hits []scored
	for _, e := range entries {
		var score int
		for _, part := range strings.Fields(strings.ToLower(e.DisplayName)) {
			if words[part] {
				score += 2 // display-name hits count double
			}
		}
		for _, key := range e.Keys {
			for _, part := range strings.Fields(strings.ToLower(key)) {
				if words[part] {
					score++
				}
			}
		}
		if score > 0 {
			hits = append(hits, scored{entry: e, score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > matchCandidateLimit {
		hits = hits[:matchCandidateLimit]
	}
	out := make([]lore.LorebookEntry, len(hits))
	for i, h := range hits {
		out[i] = h.entry
	}
	return out
}
