// Package organize implements the batch cleanup pipeline over an entire
// existing lorebook: classify every entry, confirm duplicate pairs, and
// flag miscategorized entries. Like a scan, it only proposes; applying a
// cleanup is the external reviewer's job.
package organize

import (
	"context"
	"sort"
	"strings"
	"time"

	"lorekeeper/internal/classify"
	"lorekeeper/internal/fuzzy"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
	"lorekeeper/internal/tasks"
)

const (
	// maxDuplicateCandidates caps confirmed pairs per organize run.
	maxDuplicateCandidates = 15

	// jaccardFloor is the minimum trigger-key overlap that makes a pair a
	// duplicate candidate on keys alone.
	jaccardFloor = 0.4

	// interBatchDelay spaces sequential confirm batches for rate limiting.
	interBatchDelay = time.Second
)

// Summary reports per-step counts for one organize run.
type Summary struct {
	Entries          int `json:"entries"`
	OracleClassified int `json:"oracleClassified"`
	DuplicatePairs   int `json:"duplicatePairs"`
	Duplicates       int `json:"duplicates"`
	Moves            int `json:"moves"`
	Dismissed        int `json:"dismissed"`
}

// Organizer runs organize passes.
type Organizer struct {
	runner     *tasks.Runner
	classifier *classify.Classifier
	categories *lore.CategoryMap
	delay      time.Duration
}

// New creates an organizer. categories translates the external store's
// category identifiers and may be nil when entries already carry semantic
// categories.
func New(runner *tasks.Runner, classifier *classify.Classifier, categories *lore.CategoryMap) *Organizer {
	if classifier == nil {
		classifier = classify.New()
	}
	return &Organizer{
		runner:     runner,
		classifier: classifier,
		categories: categories,
		delay:      interBatchDelay,
	}
}

// Organize runs the full batch pipeline and returns the cleanup proposals
// not present in the dismissed set, sorted by deterministic key.
func (o *Organizer) Organize(ctx context.Context, entries []lore.LorebookEntry, dismissed map[string]bool) ([]lore.Cleanup, Summary) {
	sum := Summary{Entries: len(entries)}
	if len(entries) == 0 {
		return nil, sum
	}

	resolved := o.classifyAll(ctx, entries, &sum)
	var cleanups []lore.Cleanup

	add := func(c lore.Cleanup) {
		if dismissed[c.Key()] {
			sum.Dismissed++
			return
		}
		cleanups = append(cleanups, c)
	}

	o.dedupeStep(ctx, entries, &sum, add)
	o.recategorizeStep(entries, resolved, &sum, add)

	lore.SortCleanups(cleanups)
	logging.Organize("organize complete: %d entries, %d duplicates, %d moves, %d dismissed",
		sum.Entries, sum.Duplicates, sum.Moves, sum.Dismissed)
	return cleanups, sum
}

// classifyAll resolves a category for every entry: heuristic first, oracle
// fallback in batches for the unknowns. Entries the oracle also cannot
// place stay unknown and are left alone.
func (o *Organizer) classifyAll(ctx context.Context, entries []lore.LorebookEntry, sum *Summary) map[string]lore.Category {
	resolved := make(map[string]lore.Category, len(entries))
	var unknown []lore.LorebookEntry
	for _, e := range entries {
		cat := o.classifier.Classify(e.Text)
		if cat == lore.CategoryUnknown {
			unknown = append(unknown, e)
			continue
		}
		resolved[e.ID] = cat
	}

	for start := 0; start < len(unknown); start += tasks.ClassifyBatchSize {
		end := start + tasks.ClassifyBatchSize
		if end > len(unknown) {
			end = len(unknown)
		}
		for id, cat := range o.runner.ClassifyUnknown(ctx, unknown[start:end]) {
			resolved[id] = cat
			sum.OracleClassified++
		}
		if end < len(unknown) {
			sleepCtx(ctx, o.delay)
		}
	}
	return resolved
}

// dedupeStep confirms duplicate candidates with the oracle and emits a
// duplicate cleanup per confirmed pair.
func (o *Organizer) dedupeStep(ctx context.Context, entries []lore.LorebookEntry, sum *Summary, add func(lore.Cleanup)) {
	cands := FindDuplicateCandidates(entries)
	sum.DuplicatePairs = len(cands)
	if len(cands) == 0 {
		return
	}

	for start := 0; start < len(cands); start += tasks.ConfirmBatchSize {
		end := start + tasks.ConfirmBatchSize
		if end > len(cands) {
			end = len(cands)
		}
		batch := cands[start:end]
		verdicts := o.runner.ConfirmDuplicates(ctx, batch)
		for i, v := range verdicts {
			if i >= len(batch) || !v.IsDuplicate {
				continue
			}
			keep, remove := batch[i].A, batch[i].B
			if v.KeepSide == "b" {
				keep, remove = remove, keep
			}
			sum.Duplicates++
			add(lore.Cleanup{
				Kind:       lore.CleanupDuplicate,
				KeepID:     keep.ID,
				RemoveID:   remove.ID,
				MergedText: v.MergedText,
				MergedKeys: v.MergedKeys,
				Reason:     v.Reason,
			})
		}
		if end < len(cands) {
			sleepCtx(ctx, o.delay)
		}
	}
}

// recategorizeStep proposes a move for every entry whose resolved category
// differs from its current one: legacy-move out of the uncategorized or
// fallback bucket, recategorize between specific categories.
func (o *Organizer) recategorizeStep(entries []lore.LorebookEntry, resolved map[string]lore.Category, sum *Summary, add func(lore.Cleanup)) {
	for _, e := range entries {
		want, ok := resolved[e.ID]
		if !ok || want == lore.CategoryUnknown {
			continue
		}
		current := o.currentCategory(e)
		if want == current {
			continue
		}

		kind := lore.CleanupRecategorize
		if current == lore.CategoryUnknown {
			kind = lore.CleanupLegacyMove
		}
		sum.Moves++
		add(lore.Cleanup{
			Kind:           kind,
			EntryID:        e.ID,
			EntryName:      e.DisplayName,
			TargetCategory: want,
			Reason:         "classified as " + string(want),
		})
	}
}

// currentCategory resolves an entry's stored category, translating external
// store identifiers through the category map when one is configured.
func (o *Organizer) currentCategory(e lore.LorebookEntry) lore.Category {
	if cat := lore.ParseCategory(string(e.Category)); cat != lore.CategoryUnknown {
		return cat
	}
	if o.categories != nil {
		if cat, ok := o.categories.Internal(string(e.Category)); ok {
			return cat
		}
	}
	return lore.CategoryUnknown
}

// FindDuplicateCandidates scores every entry pair by display-name
// similarity and trigger-key overlap and returns the strongest candidates,
// sorted descending, capped at maxDuplicateCandidates.
func FindDuplicateCandidates(entries []lore.LorebookEntry) []tasks.DuplicatePair {
	var pairs []tasks.DuplicatePair
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if sim := pairSimilarity(entries[i], entries[j]); sim > 0 {
				pairs = append(pairs, tasks.DuplicatePair{A: entries[i], B: entries[j], Similarity: sim})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Similarity > pairs[j].Similarity })
	if len(pairs) > maxDuplicateCandidates {
		pairs = pairs[:maxDuplicateCandidates]
	}
	return pairs
}

// pairSimilarity scores one pair: name similarity, or key overlap when the
// names alone are inconclusive.
func pairSimilarity(a, b lore.LorebookEntry) float64 {
	sim := fuzzy.Similarity(a.DisplayName, b.DisplayName)
	if j := fuzzy.Jaccard(a.Keys, b.Keys); j > jaccardFloor {
		if keyScore := 0.5 + 0.3*j; keyScore > sim {
			sim = keyScore
		}
	}
	return sim
}

// MatchInstruction resolves a free-text reviewer instruction to the entry
// it refers to, for the user-initiated enrichment path.
func (o *Organizer) MatchInstruction(ctx context.Context, instruction string, entries []lore.LorebookEntry) *lore.LorebookEntry {
	if strings.TrimSpace(instruction) == "" {
		return nil
	}
	return o.runner.MatchPromptToEntry(ctx, instruction, entries)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
