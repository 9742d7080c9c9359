// Package lore defines the shared data model for lorebook curation.
// This package exists to break import cycles between the orchestrators,
// the task layer, and the store. Types here are foundational data
// structures with no complex dependencies.
package lore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// CATEGORIES
// =============================================================================

// Category identifies one of the five fixed lorebook categories.
type Category string

const (
	CategoryCharacter Category = "character"
	CategoryLocation  Category = "location"
	CategoryItem      Category = "item"
	CategoryFaction   Category = "faction"
	CategoryConcept   Category = "concept"

	// CategoryUnknown marks an entry the heuristic classifier could not
	// resolve. It is never persisted; unknowns are deferred to the oracle.
	CategoryUnknown Category = "unknown"
)

// AllCategories lists the five persistable categories in canonical order.
var AllCategories = []Category{
	CategoryCharacter,
	CategoryLocation,
	CategoryItem,
	CategoryFaction,
	CategoryConcept,
}

// ParseCategory maps a string to a known category, or CategoryUnknown.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories {
		if c == known {
			return known
		}
	}
	return CategoryUnknown
}

// CategoryMap translates between the five semantic categories and an
// external store's arbitrary category identifiers. It is an explicit
// bidirectional value passed into the organize pipeline, not global state.
type CategoryMap struct {
	external map[Category]string
	internal map[string]Category
}

// NewCategoryMap builds a bidirectional map from category to external id.
func NewCategoryMap(external map[Category]string) *CategoryMap {
	m := &CategoryMap{
		external: make(map[Category]string, len(external)),
		internal: make(map[string]Category, len(external)),
	}
	for cat, id := range external {
		m.external[cat] = id
		m.internal[id] = cat
	}
	return m
}

// External returns the external identifier for a category.
func (m *CategoryMap) External(c Category) (string, bool) {
	id, ok := m.external[c]
	return id, ok
}

// Internal returns the category for an external identifier.
func (m *CategoryMap) Internal(id string) (Category, bool) {
	c, ok := m.internal[id]
	return c, ok
}

// =============================================================================
// LOREBOOK ENTRIES
// =============================================================================

// MaxKeys is the maximum number of trigger keywords kept per entry.
const MaxKeys = 6

// LorebookEntry is a persisted knowledge unit owned by the external store.
// The curation core never deletes or writes one directly; it only proposes.
type LorebookEntry struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	DisplayName string    `json:"displayName"`
	Keys        []string  `json:"keys"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PendingEntry is a drafted-but-unreviewed new entry. An external reviewer
// approves or rejects it; the core treats it as terminal.
type PendingEntry struct {
	ID          string    `json:"id"`
	Category    Category  `json:"category"`
	DisplayName string    `json:"displayName"`
	Keys        []string  `json:"keys"`
	Text        string    `json:"text"`
	Confidence  int       `json:"confidence"` // 1-5
	CreatedAt   time.Time `json:"createdAt"`
}

// PendingMerge proposes collapsing a newly identified element into an
// existing entry under a new display name (identity merge: "this is
// secretly the same entity, now better named").
type PendingMerge struct {
	ID           string   `json:"id"`
	TargetID     string   `json:"targetId"`
	TargetName   string   `json:"targetName"`
	ExistingKeys []string `json:"existingKeys"`
	ExistingText string   `json:"existingText"`
	ProposedName string   `json:"proposedName"`
	ProposedKeys []string `json:"proposedKeys"`
	ProposedText string   `json:"proposedText"`
	ElementName  string   `json:"elementName"`
}

// PendingUpdate proposes replacing an existing entry's text. Original and
// updated text are both kept for diff display. The boolean flags record
// which pass produced the update.
type PendingUpdate struct {
	ID               string `json:"id"`
	EntryID          string `json:"entryId"`
	EntryName        string `json:"entryName"`
	OriginalText     string `json:"originalText"`
	UpdatedText      string `json:"updatedText"`
	RelationshipOnly bool   `json:"relationshipOnly"`
	Reformat         bool   `json:"reformat"`
	NamePropagation  bool   `json:"namePropagation"`
}

// =============================================================================
// CLEANUPS (ORGANIZE PROPOSALS)
// =============================================================================

// CleanupKind discriminates organize-pass proposals.
type CleanupKind string

const (
	CleanupDuplicate    CleanupKind = "duplicate"
	CleanupLegacyMove   CleanupKind = "legacy-move"
	CleanupRecategorize CleanupKind = "recategorize"
)

// Cleanup is a single organize-pass proposal. Its Key is deterministic so
// re-running organize never re-proposes a dismissed cleanup.
type Cleanup struct {
	Kind CleanupKind `json:"kind"`

	// Duplicate proposals: the entry to keep and the entry to fold in.
	KeepID     string   `json:"keepId,omitempty"`
	RemoveID   string   `json:"removeId,omitempty"`
	MergedText string   `json:"mergedText,omitempty"`
	MergedKeys []string `json:"mergedKeys,omitempty"`

	// Move/recategorize proposals: a single entry and its target category.
	EntryID        string   `json:"entryId,omitempty"`
	EntryName      string   `json:"entryName,omitempty"`
	TargetCategory Category `json:"targetCategory,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Key returns the deterministic composite identifier for this cleanup.
// Duplicate keys are order-independent in their two entry ids.
func (c Cleanup) Key() string {
	switch c.Kind {
	case CleanupDuplicate:
		a, b := c.KeepID, c.RemoveID
		if b < a {
			a, b = b, a
		}
		return fmt.Sprintf("duplicate:%s:%s", a, b)
	default:
		return fmt.Sprintf("%s:%s:%s", c.Kind, c.EntryID, c.TargetCategory)
	}
}

// =============================================================================
// SCAN STATE
// =============================================================================

// ScanState is the mutable accumulator threaded through a scan. The scan
// orchestrator treats its input state as immutable and returns a new state;
// concurrent scans must never share mutable structure.
type ScanState struct {
	PendingEntries []PendingEntry `json:"pendingEntries"`
	PendingMerges  []PendingMerge `json:"pendingMerges"`
	PendingUpdates []PendingUpdate `json:"pendingUpdates"`

	// RejectedNames holds names the reviewer rejected; they are excluded
	// from future identification until the rejection is cleared.
	RejectedNames []string `json:"rejectedNames"`

	// RejectedMergePairs holds "<elementName>-><targetName>" keys for merge
	// proposals the reviewer rejected. The pair is skipped as a merge route
	// but the element may still be proposed as a brand-new entry.
	RejectedMergePairs []string `json:"rejectedMergePairs"`

	// DismissedUpdateNames holds entry names whose update proposals were
	// dismissed; update detection skips them.
	DismissedUpdateNames []string `json:"dismissedUpdateNames"`

	// CharsSinceScan counts story characters appended since the last scan.
	CharsSinceScan int `json:"charsSinceScan"`
}

// Clone returns a deep copy. The orchestrator clones before mutating so a
// failed scan never partially mutates caller-visible state.
func (s *ScanState) Clone() *ScanState {
	if s == nil {
		return &ScanState{}
	}
	out := &ScanState{CharsSinceScan: s.CharsSinceScan}
	out.PendingEntries = append([]PendingEntry(nil), s.PendingEntries...)
	out.PendingMerges = append([]PendingMerge(nil), s.PendingMerges...)
	out.PendingUpdates = append([]PendingUpdate(nil), s.PendingUpdates...)
	out.RejectedNames = append([]string(nil), s.RejectedNames...)
	out.RejectedMergePairs = append([]string(nil), s.RejectedMergePairs...)
	out.DismissedUpdateNames = append([]string(nil), s.DismissedUpdateNames...)
	for i := range out.PendingEntries {
		out.PendingEntries[i].Keys = append([]string(nil), s.PendingEntries[i].Keys...)
	}
	for i := range out.PendingMerges {
		out.PendingMerges[i].ExistingKeys = append([]string(nil), s.PendingMerges[i].ExistingKeys...)
		out.PendingMerges[i].ProposedKeys = append([]string(nil), s.PendingMerges[i].ProposedKeys...)
	}
	return out
}

// MergePairKey builds the rejected-merge-pair key for an element/target pair.
func MergePairKey(elementName, targetName string) string {
	return elementName + "->" + targetName
}

// ScanSummary reports per-pass counts for one scan invocation.
type ScanSummary struct {
	Identified          int    `json:"identified"`
	Excluded            int    `json:"excluded"`
	NewEntries          int    `json:"newEntries"`
	Merges              int    `json:"merges"`
	Updates             int    `json:"updates"`
	RelationshipUpdates int    `json:"relationshipUpdates"`
	Reformats           int    `json:"reformats"`
	NameUpdates         int    `json:"nameUpdates"`
	Skipped             string `json:"skipped,omitempty"` // reason for a no-op scan
}

// DedupeKeys case-folds, deduplicates, and caps a key list at MaxKeys,
// preserving first-seen original casing and order.
func DedupeKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		folded := strings.ToLower(k)
		if seen[folded] {
			continue
		}
		seen[folded] = true
		out = append(out, k)
		if len(out) == MaxKeys {
			break
		}
	}
	return out
}

// SortCleanups orders cleanups deterministically by key, for stable output.
func SortCleanups(cleanups []Cleanup) {
	sort.Slice(cleanups, func(i, j int) bool {
		return cleanups[i].Key() < cleanups[j].Key()
	})
}
