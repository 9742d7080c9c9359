package tasks

import (
	"context"
	"strings"

	"lorekeeper/internal/jsonrepair"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
)

// DuplicatePair is one candidate pair for duplicate confirmation.
type DuplicatePair struct {
	A          lore.LorebookEntry
	B          lore.LorebookEntry
	Similarity float64
}

// DuplicateVerdict is the oracle's decision on one candidate pair.
type DuplicateVerdict struct {
	IsDuplicate bool
	KeepSide    string // "a" or "b"
	MergedText  string
	MergedKeys  []string
	Reason      string
}

// ConfirmDuplicates asks the oracle to confirm and merge up to
// ConfirmBatchSize candidate pairs in one call. The returned slice is
// aligned with pairs; a pair the oracle did not answer for gets a
// non-duplicate verdict. Returns nil on total failure.
func (r *Runner) ConfirmDuplicates(ctx context.Context, pairs []DuplicatePair) []DuplicateVerdict {
	if len(pairs) == 0 {
		return nil
	}
	if len(pairs) > ConfirmBatchSize {
		pairs = pairs[:ConfirmBatchSize]
	}

	user := buildDuplicatesPrompt(pairs)
	out, err := r.call(ctx, duplicatesSystemPrompt, user, 2500, classifierTemperature)
	if err != nil {
		logging.TasksWarn("confirmDuplicates: oracle call failed: %v", err)
		return nil
	}

	var parsed struct {
		Results []struct {
			Index       int      `json:"index"`
			IsDuplicate bool     `json:"isDuplicate"`
			KeepSide    string   `json:"keepSide"`
			MergedText  string   `json:"mergedText"`
			MergedKeys  []string `json:"mergedKeys"`
			Reason      string   `json:"reason"`
		} `json:"results"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("confirmDuplicates: unparseable response")
		return nil
	}

	verdicts := make([]DuplicateVerdict, len(pairs))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(pairs) {
			continue
		}
		keep := strings.ToLower(strings.TrimSpace(res.KeepSide))
		if keep != "a" && keep != "b" {
			keep = "a"
		}
		verdicts[res.Index] = DuplicateVerdict{
			IsDuplicate: res.IsDuplicate,
			KeepSide:    keep,
			MergedText:  res.MergedText,
			MergedKeys:  lore.DedupeKeys(res.MergedKeys),
			Reason:      res.Reason,
		}
	}
	return verdicts
}

// minClassifyConfidence discards low-conviction oracle classifications.
const minClassifyConfidence = 3

// ClassifyUnknown asks the oracle to categorize up to ClassifyBatchSize
// entries the heuristic classifier could not place. Returns entry id ->
// category; entries with confidence under 3 are absent. Returns nil on
// failure.
func (r *Runner) ClassifyUnknown(ctx context.Context, entries []lore.LorebookEntry) map[string]lore.Category {
	if len(entries) == 0 {
		return nil
	}
	if len(entries) > ClassifyBatchSize {
		entries = entries[:ClassifyBatchSize]
	}

	user := buildClassifyPrompt(entries)
	out, err := r.call(ctx, classifySystemPrompt, user, 800, classifierTemperature)
	if err != nil {
		logging.TasksWarn("classifyUnknown: oracle call failed: %v", err)
		return nil
	}

	var parsed struct {
		Results []struct {
			Index      int    `json:"index"`
			Type       string `json:"type"`
			Confidence int    `json:"confidence"`
		} `json:"results"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("classifyUnknown: unparseable response")
		return nil
	}

	result := make(map[string]lore.Category)
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(entries) {
			continue
		}
		if res.Confidence < minClassifyConfidence {
			continue
		}
		cat := lore.ParseCategory(res.Type)
		if cat == lore.CategoryUnknown {
			continue
		}
		result[entries[res.Index].ID] = cat
	}
	return result
}
