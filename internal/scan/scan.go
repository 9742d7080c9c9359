// Package scan implements the multi-pass curation pipeline that turns a
// story-text snapshot into proposed lorebook mutations. A scan never
// applies anything: it returns a new ScanState holding pending entries,
// merges, and updates for an external reviewer.
package scan

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lorekeeper/internal/classify"
	"lorekeeper/internal/config"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
	"lorekeeper/internal/oracle"
	"lorekeeper/internal/tasks"
	"lorekeeper/internal/template"
)

const (
	// minStoryChars is the guard floor; shorter story text is a no-op.
	minStoryChars = 100

	// maxMergesPerScan bounds identity merges per scan.
	maxMergesPerScan = 3

	// maxUpdatesPerScan is the shared merge+update budget per scan.
	maxUpdatesPerScan = 5

	// maxRelationshipUpdates bounds the relationship-delta side pass.
	maxRelationshipUpdates = 3

	// maxReformatsPerScan bounds reformat drafts per scan.
	maxReformatsPerScan = 3

	// interBatchDelay spaces sequential oracle batches for rate limiting.
	// It is not a correctness requirement.
	interBatchDelay = time.Second
)

// Progress is a snapshot pushed to the progress callback at phase
// boundaries and after each accepted mutation.
type Progress struct {
	Phase          string
	PendingEntries int
	PendingMerges  int
	PendingUpdates int
}

// ProgressFunc receives Progress snapshots. It is invoked fire-and-forget
// and must tolerate concurrent calls.
type ProgressFunc func(Progress)

// Options selects a scan's entry path.
type Options struct {
	// RelationshipsOnly skips every pass except relationship-delta
	// detection over template-formatted characters.
	RelationshipsOnly bool
}

// Orchestrator runs scans. Callers must serialize Scan invocations per
// lorebook; the orchestrator itself holds no cross-scan state.
type Orchestrator struct {
	runner   *tasks.Runner
	hybrid   *oracle.Hybrid
	settings config.CurationConfig
	progress ProgressFunc
	delay    time.Duration
}

// New creates a scan orchestrator. hybrid may be nil when the runner's
// client is a plain single provider; progress may be nil.
func New(runner *tasks.Runner, hybrid *oracle.Hybrid, settings config.CurationConfig, progress ProgressFunc) *Orchestrator {
	return &Orchestrator{
		runner:   runner,
		hybrid:   hybrid,
		settings: settings,
		progress: progress,
		delay:    interBatchDelay,
	}
}

// ShouldAutoScan reports whether enough new story text has accumulated
// since the last scan to trigger an automatic one.
func ShouldAutoScan(settings config.CurationConfig, state *lore.ScanState) bool {
	return settings.AutoScan && state != nil && state.CharsSinceScan >= settings.MinNewCharsForScan
}

// Scan runs the full pipeline over one story-text snapshot. The input
// state is never mutated; the returned state is a deep copy with this
// scan's proposals appended and the chars-since-scan counter reset.
func (o *Orchestrator) Scan(ctx context.Context, story string, entries []lore.LorebookEntry, state *lore.ScanState, opts Options) (*lore.ScanState, lore.ScanSummary) {
	st := state.Clone()
	var sum lore.ScanSummary

	if len(story) < minStoryChars {
		logging.Scan("scan skipped: insufficient content (%d chars)", len(story))
		sum.Skipped = "insufficient content"
		return st, sum
	}

	if opts.RelationshipsOnly {
		o.relationshipPass(ctx, story, entries, st, &sum, map[string]bool{})
		st.CharsSinceScan = 0
		logging.Scan("relationships-only scan: %d updates", sum.RelationshipUpdates)
		return st, sum
	}

	o.notify("identify", st)
	existingNames := entryNames(entries)
	elements := o.runner.IdentifyElements(ctx, story, o.settings.EnabledCategoryNames(), existingNames)
	sum.Identified = len(elements)
	if len(elements) == 0 {
		logging.Scan("scan skipped: no elements identified")
		sum.Skipped = "no elements identified"
		return st, sum
	}

	part := partitionElements(elements, entries, st)
	sum.Excluded = part.Excluded
	if part.Empty() {
		logging.Scan("scan skipped: all %d elements excluded", len(elements))
		sum.Skipped = "all elements excluded or already known"
		return st, sum
	}
	logging.Scan("partition: %d new, %d existing, %d merges, %d excluded",
		len(part.New), len(part.Existing), len(part.Merges), part.Excluded)

	// Entry ids touched by the merge and update passes; the relationship
	// and reformat passes skip them so one entry gets at most one pending
	// update per scan.
	touched := make(map[string]bool)

	o.generatePass(ctx, story, part.New, existingNames, st, &sum)
	o.mergePass(ctx, story, part.Merges, st, &sum, touched)
	o.updatePass(ctx, story, part.Existing, st, &sum, touched)
	o.relationshipPass(ctx, story, entries, st, &sum, touched)
	o.reformatPass(ctx, story, entries, st, &sum, touched)
	o.namePass(ctx, entries, st, &sum)

	st.CharsSinceScan = 0
	logging.Scan("scan complete: %d new, %d merges, %d updates, %d relationship, %d reformats, %d renames",
		sum.NewEntries, sum.Merges, sum.Updates, sum.RelationshipUpdates, sum.Reformats, sum.NameUpdates)
	return st, sum
}

// generatePass drafts pending entries for brand-new elements, batched by
// the live provider count.
func (o *Orchestrator) generatePass(ctx context.Context, story string, newElems []tasks.Element, existingNames []string, st *lore.ScanState, sum *lore.ScanSummary) {
	if len(newElems) == 0 {
		return
	}
	o.notify("generate", st)

	drafts := make([]*tasks.Draft, len(newElems))
	o.runBatches(ctx, len(newElems), func(ctx context.Context, r *tasks.Runner, i int) {
		drafts[i] = r.DraftEntry(ctx, newElems[i], story, existingNames)
	})

	for i, d := range drafts {
		if d == nil {
			continue
		}
		st.PendingEntries = append(st.PendingEntries, lore.PendingEntry{
			ID:          uuid.NewString(),
			Category:    lore.ParseCategory(newElems[i].Category),
			DisplayName: d.DisplayName,
			Keys:        d.Keys,
			Text:        d.Text,
			Confidence:  d.Confidence,
			CreatedAt:   time.Now(),
		})
		sum.NewEntries++
		o.notify("generate", st)
	}
}

// mergePass turns identity-merge candidates into PendingMerges. The
// proposed text folds in any new story information about the target; the
// proposed keys are the union of the target's keys, its display name, and
// the new element name.
func (o *Orchestrator) mergePass(ctx context.Context, story string, merges []MergeCandidate, st *lore.ScanState, sum *lore.ScanSummary, touched map[string]bool) {
	if len(merges) == 0 {
		return
	}
	o.notify("merge", st)
	if len(merges) > maxMergesPerScan {
		merges = merges[:maxMergesPerScan]
	}

	for _, m := range merges {
		target := m.Target
		text := target.Text
		if updated, ok := o.runner.DetectUpdate(ctx, target.DisplayName, target.Text, story); ok {
			text = updated
		}
		keys := make([]string, 0, len(target.Keys)+2)
		keys = append(keys, target.Keys...)
		keys = append(keys, target.DisplayName, m.Element.Name)

		st.PendingMerges = append(st.PendingMerges, lore.PendingMerge{
			ID:           uuid.NewString(),
			TargetID:     target.ID,
			TargetName:   target.DisplayName,
			ExistingKeys: target.Keys,
			ExistingText: target.Text,
			ProposedName: m.Element.Name,
			ProposedKeys: lore.DedupeKeys(keys),
			ProposedText: text,
			ElementName:  m.Element.Name,
		})
		touched[target.ID] = true
		sum.Merges++
		o.notify("merge", st)
	}
}

// updatePass runs update detection over elements that resolved to existing
// entries. Merges and updates share one per-scan budget, merges first.
func (o *Orchestrator) updatePass(ctx context.Context, story string, existing []ExistingElement, st *lore.ScanState, sum *lore.ScanSummary, touched map[string]bool) {
	if !o.settings.AutoDetectUpdates || len(existing) == 0 {
		return
	}
	budget := maxUpdatesPerScan - sum.Merges
	if budget <= 0 {
		return
	}
	o.notify("update", st)

	blocked := blockedEntryNames(st)
	for _, ex := range existing {
		if budget == 0 {
			break
		}
		e := ex.Entry
		if touched[e.ID] || blocked[strings.ToLower(e.DisplayName)] {
			continue
		}
		updated, ok := o.runner.DetectUpdate(ctx, e.DisplayName, e.Text, story)
		if !ok || updated == e.Text {
			continue
		}
		st.PendingUpdates = append(st.PendingUpdates, lore.PendingUpdate{
			ID:           uuid.NewString(),
			EntryID:      e.ID,
			EntryName:    e.DisplayName,
			OriginalText: e.Text,
			UpdatedText:  updated,
		})
		touched[e.ID] = true
		budget--
		sum.Updates++
		o.notify("update", st)
	}
}

// relationshipPass checks template-formatted characters for family or
// relationship changes, splicing deltas into the existing field structure.
func (o *Orchestrator) relationshipPass(ctx context.Context, story string, entries []lore.LorebookEntry, st *lore.ScanState, sum *lore.ScanSummary, touched map[string]bool) {
	o.notify("relationships", st)
	blocked := blockedEntryNames(st)

	var count int
	for i := range entries {
		if count == maxRelationshipUpdates {
			break
		}
		e := entries[i]
		if e.Category != lore.CategoryCharacter || !template.IsFormatted(e.Text) {
			continue
		}
		if touched[e.ID] || blocked[strings.ToLower(e.DisplayName)] {
			continue
		}

		family, _ := template.ExtractField(e.Text, "Family")
		relationships, _ := template.ExtractField(e.Text, "Relationships")
		delta, ok := o.runner.DetectRelationshipDelta(ctx, e.DisplayName, family, relationships, story)
		if !ok {
			continue
		}
		updates := make(map[string]string, 2)
		if strings.TrimSpace(delta.Family) != "" {
			updates["Family"] = delta.Family
		}
		if strings.TrimSpace(delta.Relationships) != "" {
			updates["Relationships"] = delta.Relationships
		}
		if len(updates) == 0 {
			continue
		}
		updated := template.SpliceFields(e.Text, updates)
		if updated == e.Text {
			continue
		}

		st.PendingUpdates = append(st.PendingUpdates, lore.PendingUpdate{
			ID:               uuid.NewString(),
			EntryID:          e.ID,
			EntryName:        e.DisplayName,
			OriginalText:     e.Text,
			UpdatedText:      updated,
			RelationshipOnly: true,
		})
		touched[e.ID] = true
		count++
		sum.RelationshipUpdates++
		o.notify("relationships", st)
	}
}

// reformatPass drafts full template reformats for entries that read like
// characters but lack the labeled-field structure.
func (o *Orchestrator) reformatPass(ctx context.Context, story string, entries []lore.LorebookEntry, st *lore.ScanState, sum *lore.ScanSummary, touched map[string]bool) {
	blocked := blockedEntryNames(st)
	var cands []lore.LorebookEntry
	for i := range entries {
		if len(cands) == maxReformatsPerScan {
			break
		}
		e := entries[i]
		if e.Category != lore.CategoryCharacter && !classify.LooksLikeCharacter(e.Text) {
			continue
		}
		if template.IsFormatted(e.Text) {
			continue
		}
		if touched[e.ID] || blocked[strings.ToLower(e.DisplayName)] {
			continue
		}
		cands = append(cands, e)
	}
	if len(cands) == 0 {
		return
	}
	o.notify("reformat", st)

	texts := make([]string, len(cands))
	oks := make([]bool, len(cands))
	o.runBatches(ctx, len(cands), func(ctx context.Context, r *tasks.Runner, i int) {
		texts[i], oks[i] = r.ReformatEntry(ctx, cands[i].DisplayName, cands[i].Text, story)
	})

	for i, e := range cands {
		if !oks[i] || texts[i] == e.Text {
			continue
		}
		st.PendingUpdates = append(st.PendingUpdates, lore.PendingUpdate{
			ID:           uuid.NewString(),
			EntryID:      e.ID,
			EntryName:    e.DisplayName,
			OriginalText: e.Text,
			UpdatedText:  texts[i],
			Reformat:     true,
		})
		touched[e.ID] = true
		sum.Reformats++
		o.notify("reformat", st)
	}
}

// namePass runs family-name propagation over the full post-scan character
// roster, including this scan's fresh drafts. Validated proposals against
// existing entries become pending updates patching only the Name line;
// proposals against this scan's own unreviewed drafts rename them in place.
func (o *Orchestrator) namePass(ctx context.Context, entries []lore.LorebookEntry, st *lore.ScanState, sum *lore.ScanSummary) {
	byName := make(map[string]*lore.LorebookEntry)
	var characters []tasks.CharacterNames
	for i := range entries {
		e := &entries[i]
		if e.Category != lore.CategoryCharacter {
			continue
		}
		family, _ := template.ExtractField(e.Text, "Family")
		relationships, _ := template.ExtractField(e.Text, "Relationships")
		characters = append(characters, tasks.CharacterNames{Name: e.DisplayName, Family: family, Relationships: relationships})
		byName[strings.ToLower(e.DisplayName)] = e
	}
	for i := range st.PendingEntries {
		p := st.PendingEntries[i]
		if p.Category != lore.CategoryCharacter {
			continue
		}
		family, _ := template.ExtractField(p.Text, "Family")
		relationships, _ := template.ExtractField(p.Text, "Relationships")
		characters = append(characters, tasks.CharacterNames{Name: p.DisplayName, Family: family, Relationships: relationships})
	}
	if len(characters) < 2 {
		return
	}
	o.notify("names", st)

	for _, prop := range o.runner.PropagateFamilyNames(ctx, characters) {
		if e, ok := byName[strings.ToLower(prop.CurrentName)]; ok {
			updated := template.SpliceFields(e.Text, map[string]string{"Name": prop.ProposedName})
			if updated == e.Text {
				continue
			}
			st.PendingUpdates = append(st.PendingUpdates, lore.PendingUpdate{
				ID:              uuid.NewString(),
				EntryID:         e.ID,
				EntryName:       e.DisplayName,
				OriginalText:    e.Text,
				UpdatedText:     updated,
				NamePropagation: true,
			})
			sum.NameUpdates++
			o.notify("names", st)
			continue
		}
		for i := range st.PendingEntries {
			p := &st.PendingEntries[i]
			if !strings.EqualFold(p.DisplayName, prop.CurrentName) {
				continue
			}
			p.DisplayName = prop.ProposedName
			p.Text = template.SpliceFields(p.Text, map[string]string{"Name": prop.ProposedName})
			p.Keys = lore.DedupeKeys(append(p.Keys, strings.ToLower(prop.ProposedName)))
			sum.NameUpdates++
			break
		}
	}
}

// runBatches executes fn over n items in sequential batches whose width is
// the live provider count, one goroutine per provider slot, with a fixed
// delay between batches for rate limiting. fn observes failures through
// its task's null result; batch members never abort each other.
func (o *Orchestrator) runBatches(ctx context.Context, n int, fn func(ctx context.Context, r *tasks.Runner, i int)) {
	for start := 0; start < n; {
		width := 1
		if o.hybrid != nil {
			width = o.hybrid.BatchSize()
		}
		end := start + width
		if end > n {
			end = n
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			slot := i - start
			g.Go(func() error {
				r := o.runner
				if o.hybrid != nil {
					r = o.runner.WithClient(o.hybrid.Slot(slot))
				}
				fn(gctx, r, i)
				return nil
			})
		}
		_ = g.Wait()

		start = end
		if start < n {
			sleepCtx(ctx, o.delay)
		}
	}
}

// notify pushes a progress snapshot without ever blocking the scan.
func (o *Orchestrator) notify(phase string, st *lore.ScanState) {
	if o.progress == nil {
		return
	}
	p := Progress{
		Phase:          phase,
		PendingEntries: len(st.PendingEntries),
		PendingMerges:  len(st.PendingMerges),
		PendingUpdates: len(st.PendingUpdates),
	}
	go o.progress(p)
}

func entryNames(entries []lore.LorebookEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.DisplayName)
	}
	return names
}

// blockedEntryNames collects case-folded names that must not receive a new
// pending update: those already pending and those the reviewer dismissed.
func blockedEntryNames(st *lore.ScanState) map[string]bool {
	blocked := make(map[string]bool)
	for _, u := range st.PendingUpdates {
		blocked[strings.ToLower(u.EntryName)] = true
	}
	for _, n := range st.DismissedUpdateNames {
		blocked[strings.ToLower(n)] = true
	}
	return blocked
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
