package scan

import (
	"strings"

	"lorekeeper/internal/fuzzy"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
	"lorekeeper/internal/tasks"
)

// ExistingElement pairs an identified element with the entry it resolved to.
type ExistingElement struct {
	Element tasks.Element
	Entry   lore.LorebookEntry
}

// MergeCandidate pairs an identified element with the merge target it
// resolved to via its merge hint.
type MergeCandidate struct {
	Element tasks.Element
	Target  lore.LorebookEntry
}

// Partition is the three-way split of identified elements. Every input
// element lands in exactly one bucket, so
// len(New)+len(Existing)+len(Merges)+Excluded equals the input length.
type Partition struct {
	New      []tasks.Element
	Existing []ExistingElement
	Merges   []MergeCandidate
	Excluded int
}

// Empty reports whether no element survived exclusion.
func (p *Partition) Empty() bool {
	return len(p.New) == 0 && len(p.Existing) == 0 && len(p.Merges) == 0
}

// exclusionIndex holds the case-folded name sets a scan must not touch
// again: everything already pending, rejected, or dismissed.
type exclusionIndex struct {
	names          map[string]bool // excluded names and keys, case-folded
	values         []string        // original-cased values for fuzzy checks
	claimedTargets map[string]bool // entry names already claimed by a pending merge
	rejectedPairs  map[string]bool // "<elementName>-><targetName>"
}

func buildExclusionIndex(state *lore.ScanState) *exclusionIndex {
	idx := &exclusionIndex{
		names:          make(map[string]bool),
		claimedTargets: make(map[string]bool),
		rejectedPairs:  make(map[string]bool),
	}
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		folded := strings.ToLower(v)
		if !idx.names[folded] {
			idx.names[folded] = true
			idx.values = append(idx.values, v)
		}
	}

	for _, p := range state.PendingEntries {
		add(p.DisplayName)
		for _, k := range p.Keys {
			add(k)
		}
	}
	for _, u := range state.PendingUpdates {
		add(u.EntryName)
	}
	for _, m := range state.PendingMerges {
		add(m.ProposedName)
		idx.claimedTargets[strings.ToLower(m.TargetName)] = true
	}
	for _, n := range state.RejectedNames {
		add(n)
	}
	for _, n := range state.DismissedUpdateNames {
		add(n)
	}
	for _, pair := range state.RejectedMergePairs {
		idx.rejectedPairs[pair] = true
	}
	return idx
}

// excludes reports whether a name collides with the exclusion set, by exact
// case-folded membership or fuzzy similarity at the default threshold.
func (idx *exclusionIndex) excludes(name string) bool {
	if idx.names[strings.ToLower(name)] {
		return true
	}
	for _, v := range idx.values {
		if fuzzy.Similarity(name, v) >= fuzzy.DefaultThreshold {
			return true
		}
	}
	return false
}

// partitionElements splits newly identified elements into new, existing,
// and merge-candidate buckets, dropping anything the exclusion set covers.
// A merge hint is ignored (the element is routed as brand-new) when the
// specific pair was previously rejected, when the hinted target does not
// resolve, or when the target is already claimed by another pending merge;
// merges serialize onto one target at a time.
func partitionElements(elements []tasks.Element, entries []lore.LorebookEntry, state *lore.ScanState) *Partition {
	idx := buildExclusionIndex(state)
	byName := make(map[string]*lore.LorebookEntry, len(entries))
	for i := range entries {
		byName[strings.ToLower(entries[i].DisplayName)] = &entries[i]
	}

	p := &Partition{}
	for _, elem := range elements {
		if idx.excludes(elem.Name) {
			logging.ScanDebug("partition: %q excluded", elem.Name)
			p.Excluded++
			continue
		}

		if elem.MergesWith != "" {
			if target, ok := resolveMergeTarget(elem, entries, byName, idx); ok {
				p.Merges = append(p.Merges, MergeCandidate{Element: elem, Target: target})
				continue
			}
		}

		if match := resolveEntry(elem.Name, entries, byName); match != nil {
			p.Existing = append(p.Existing, ExistingElement{Element: elem, Entry: *match})
		} else {
			p.New = append(p.New, elem)
		}
	}
	return p
}

// resolveMergeTarget resolves an element's merge hint to a target entry.
// Returns false when the merge route must be skipped.
func resolveMergeTarget(elem tasks.Element, entries []lore.LorebookEntry, byName map[string]*lore.LorebookEntry, idx *exclusionIndex) (lore.LorebookEntry, bool) {
	if idx.rejectedPairs[lore.MergePairKey(elem.Name, elem.MergesWith)] {
		logging.ScanDebug("partition: merge %q -> %q previously rejected", elem.Name, elem.MergesWith)
		return lore.LorebookEntry{}, false
	}
	target := resolveEntry(elem.MergesWith, entries, byName)
	if target == nil {
		logging.ScanDebug("partition: merge target %q not found for %q", elem.MergesWith, elem.Name)
		return lore.LorebookEntry{}, false
	}
	if idx.claimedTargets[strings.ToLower(target.DisplayName)] {
		logging.ScanDebug("partition: merge target %q already claimed", target.DisplayName)
		return lore.LorebookEntry{}, false
	}
	return *target, true
}

// resolveEntry finds the entry a name refers to, by exact case-folded
// display-name lookup falling back to fuzzy matching over names and keys.
func resolveEntry(name string, entries []lore.LorebookEntry, byName map[string]*lore.LorebookEntry) *lore.LorebookEntry {
	if e, ok := byName[strings.ToLower(strings.TrimSpace(name))]; ok {
		return e
	}
	if m := fuzzy.FindBestMatch(name, entries, fuzzy.DefaultThreshold); m != nil {
		return m.Entry
	}
	return nil
}
