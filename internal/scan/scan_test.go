package scan

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorekeeper/internal/config"
	"lorekeeper/internal/lore"
	"lorekeeper/internal/oracle"
	"lorekeeper/internal/tasks"
)

// routedClient answers each call based on a distinctive substring of the
// system prompt, so every pass in a scan can be scripted independently.
type routedClient struct {
	mu     sync.Mutex
	routes map[string]string // system-prompt substring -> response
	calls  map[string]int    // substring -> call count
}

func newRoutedClient(routes map[string]string) *routedClient {
	return &routedClient{routes: routes, calls: make(map[string]int)}
}

func (c *routedClient) Generate(_ context.Context, messages []oracle.Message, _ oracle.Options) (string, error) {
	var system string
	for _, m := range messages {
		if m.Role == oracle.RoleSystem {
			system = m.Content
			break
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub, resp := range c.routes {
		if strings.Contains(system, sub) {
			c.calls[sub]++
			return resp, nil
		}
	}
	c.calls["unrouted"]++
	return `{"hasUpdate": false}`, nil
}

func (c *routedClient) callCount(sub string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[sub]
}

func testSettings() config.CurationConfig {
	return config.CurationConfig{
		AutoScan:           true,
		AutoDetectUpdates:  true,
		MinNewCharsForScan: 100,
		Temperature:        0.7,
		DetailLevel:        config.DetailStandard,
		EnabledCategories: map[string]bool{
			"character": true, "location": true, "item": true, "faction": true, "concept": true,
		},
	}
}

func newTestOrchestrator(client oracle.Client) *Orchestrator {
	runner := tasks.NewRunner(client, 0.7, config.DetailStandard)
	o := New(runner, nil, testSettings(), nil)
	o.delay = 0
	return o
}

const testStory = `A hooded figure slipped between the market stalls, pausing only to press
a sealed letter into the baker's hand before vanishing into the crowd near the harbor gate.`

func TestScanGuardTooShort(t *testing.T) {
	client := newRoutedClient(nil)
	o := newTestOrchestrator(client)

	state := &lore.ScanState{CharsSinceScan: 50}
	got, sum := o.Scan(context.Background(), "too short", nil, state, Options{})
	assert.Equal(t, "insufficient content", sum.Skipped)
	assert.Equal(t, 50, got.CharsSinceScan, "counter is not reset on a no-op")
	assert.Empty(t, client.calls)
}

func TestScanNewElementDraftsEntry(t *testing.T) {
	client := newRoutedClient(map[string]string{
		"story analyst": `{"elements": [{"name": "Hooded Figure", "category": "character"}]}`,
		"Draft a single lorebook entry": `{"displayName": "Hooded Figure",
			"keys": ["hooded figure", "hooded", "figure", "cloak", "stranger", "letter", "market"],
			"text": "Name: Hooded Figure\nGender: unknown\nDescription: A silent courier.\nPhysical Appearance: Hidden under a gray cloak.",
			"confidence": 4}`,
	})
	o := newTestOrchestrator(client)

	state := &lore.ScanState{CharsSinceScan: 900}
	got, sum := o.Scan(context.Background(), testStory, nil, state, Options{})

	require.Len(t, got.PendingEntries, 1)
	entry := got.PendingEntries[0]
	assert.Equal(t, lore.CategoryCharacter, entry.Category)
	assert.Equal(t, "Hooded Figure", entry.DisplayName)
	assert.LessOrEqual(t, len(entry.Keys), lore.MaxKeys)
	assert.Contains(t, entry.Text, "Name: Hooded Figure")
	assert.NotEmpty(t, entry.ID)

	assert.Equal(t, 1, sum.Identified)
	assert.Equal(t, 1, sum.NewEntries)
	assert.Equal(t, 0, got.CharsSinceScan, "counter resets after a completed scan")
	assert.Empty(t, state.PendingEntries, "input state is never mutated")
	assert.Equal(t, 900, state.CharsSinceScan)
}

func TestScanIdentityMerge(t *testing.T) {
	client := newRoutedClient(map[string]string{
		"story analyst": `{"elements": [{"name": "Elena Voss", "category": "character", "mergesWith": "Hooded Figure"}]}`,
		"checking whether recent story text reveals": `{"hasUpdate": true, "updatedText": "Name: Elena Voss\nDescription: A courier, now unmasked.\nBackground: Served the harbor guild."}`,
		"tracking character relationships":           `{"hasUpdate": false}`,
		"checking name consistency":                  `{"proposals": []}`,
	})
	o := newTestOrchestrator(client)

	entries := []lore.LorebookEntry{{
		ID:          "e1",
		Category:    lore.CategoryCharacter,
		DisplayName: "Hooded Figure",
		Keys:        []string{"hooded figure"},
		Text:        "Name: Hooded Figure\nGender: unknown\nDescription: A silent courier.",
	}}
	got, sum := o.Scan(context.Background(), testStory, entries, &lore.ScanState{}, Options{})

	require.Len(t, got.PendingMerges, 1)
	m := got.PendingMerges[0]
	assert.Equal(t, "e1", m.TargetID)
	assert.Equal(t, "Hooded Figure", m.TargetName)
	assert.Equal(t, "Elena Voss", m.ProposedName)
	assert.Equal(t, "Elena Voss", m.ElementName)
	assert.Contains(t, m.ProposedText, "unmasked")
	assert.Equal(t, []string{"hooded figure"}, m.ExistingKeys)

	var hasElement, hasOriginal bool
	for _, k := range m.ProposedKeys {
		switch strings.ToLower(k) {
		case "elena voss":
			hasElement = true
		case "hooded figure":
			hasOriginal = true
		}
	}
	assert.True(t, hasElement, "proposed keys include the new name")
	assert.True(t, hasOriginal, "proposed keys keep the original keys")
	assert.LessOrEqual(t, len(m.ProposedKeys), lore.MaxKeys)

	assert.Equal(t, 1, sum.Merges)
	assert.Zero(t, sum.Updates, "the merge target is not also update-detected")
	assert.Zero(t, sum.RelationshipUpdates, "the merge target is not also relationship-checked")
}

func TestScanRelationshipsOnly(t *testing.T) {
	client := newRoutedClient(map[string]string{
		"tracking character relationships": `{"hasUpdate": true, "family": "sister Mira", "relationships": ""}`,
	})
	o := newTestOrchestrator(client)

	entries := []lore.LorebookEntry{{
		ID:          "e1",
		Category:    lore.CategoryCharacter,
		DisplayName: "Kael",
		Text:        "Name: Kael\nFamily: unknown\nRelationships: none\nDescription: A fisherman.",
	}}
	got, sum := o.Scan(context.Background(), testStory, entries, &lore.ScanState{CharsSinceScan: 400}, Options{RelationshipsOnly: true})

	require.Len(t, got.PendingUpdates, 1)
	u := got.PendingUpdates[0]
	assert.True(t, u.RelationshipOnly)
	assert.Contains(t, u.UpdatedText, "Family: sister Mira")
	assert.Contains(t, u.UpdatedText, "Description: A fisherman.", "unrelated fields survive the splice")
	assert.Equal(t, 1, sum.RelationshipUpdates)
	assert.Equal(t, 0, got.CharsSinceScan)
	assert.Zero(t, client.callCount("story analyst"), "no other pass runs")
}

func TestScanSkipsWhenNothingIdentified(t *testing.T) {
	client := newRoutedClient(map[string]string{
		"story analyst": `{"elements": []}`,
	})
	o := newTestOrchestrator(client)

	got, sum := o.Scan(context.Background(), testStory, nil, &lore.ScanState{CharsSinceScan: 500}, Options{})
	assert.Equal(t, "no elements identified", sum.Skipped)
	assert.Empty(t, got.PendingEntries)
	assert.Equal(t, 500, got.CharsSinceScan)
}

func TestScanExclusionOfPendingAndRejected(t *testing.T) {
	client := newRoutedClient(map[string]string{
		"story analyst": `{"elements": [
			{"name": "Hooded Figure", "category": "character"},
			{"name": "Ghost", "category": "character"}
		]}`,
	})
	o := newTestOrchestrator(client)

	state := &lore.ScanState{
		PendingEntries: []lore.PendingEntry{{DisplayName: "Hooded Figure", Keys: []string{"hooded figure"}}},
		RejectedNames:  []string{"Ghost"},
	}
	got, sum := o.Scan(context.Background(), testStory, nil, state, Options{})
	assert.Equal(t, "all elements excluded or already known", sum.Skipped)
	assert.Equal(t, 2, sum.Excluded)
	assert.Len(t, got.PendingEntries, 1, "prior pending entry carries over untouched")
	assert.Zero(t, client.callCount("Draft a single lorebook entry"))
}

func TestPartitionNeverDoubleCounts(t *testing.T) {
	entries := []lore.LorebookEntry{
		{ID: "e1", DisplayName: "Hooded Figure", Keys: []string{"hooded figure"}},
		{ID: "e2", DisplayName: "Ashfall Harbor", Keys: []string{"harbor"}},
	}
	state := &lore.ScanState{
		PendingEntries: []lore.PendingEntry{{DisplayName: "The Baker"}},
		RejectedNames:  []string{"Market Crowd"},
	}
	elements := []tasks.Element{
		{Name: "Elena Voss", Category: "character", MergesWith: "Hooded Figure"},
		{Name: "Ashfall Harbor", Category: "location"},
		{Name: "The Sealed Letter", Category: "item"},
		{Name: "The Baker", Category: "character"},
		{Name: "Market Crowd", Category: "concept"},
	}

	p := partitionElements(elements, entries, state)
	assert.Equal(t, len(elements), len(p.New)+len(p.Existing)+len(p.Merges)+p.Excluded)
	assert.Len(t, p.Merges, 1)
	assert.Len(t, p.Existing, 1)
	assert.Len(t, p.New, 1)
	assert.Equal(t, 2, p.Excluded)
}

func TestPartitionRejectedMergePairFallsBackToNew(t *testing.T) {
	entries := []lore.LorebookEntry{
		{ID: "e1", DisplayName: "Hooded Figure", Keys: []string{"hooded figure"}},
	}
	state := &lore.ScanState{
		RejectedMergePairs: []string{lore.MergePairKey("Elena Voss", "Hooded Figure")},
	}
	elements := []tasks.Element{{Name: "Elena Voss", Category: "character", MergesWith: "Hooded Figure"}}

	p := partitionElements(elements, entries, state)
	assert.Empty(t, p.Merges, "a rejected pair never takes the merge route")
	assert.Len(t, p.New, 1, "the element itself is still eligible as brand-new")
}

func TestPartitionClaimedTargetSerializesMerges(t *testing.T) {
	entries := []lore.LorebookEntry{
		{ID: "e1", DisplayName: "Hooded Figure", Keys: []string{"hooded figure"}},
	}
	state := &lore.ScanState{
		PendingMerges: []lore.PendingMerge{{TargetName: "Hooded Figure", ProposedName: "Elena Voss"}},
	}
	elements := []tasks.Element{{Name: "Marcus Voss", Category: "character", MergesWith: "Hooded Figure"}}

	p := partitionElements(elements, entries, state)
	assert.Empty(t, p.Merges, "one pending merge per target at a time")
	assert.Len(t, p.New, 1)
}

func TestShouldAutoScan(t *testing.T) {
	settings := testSettings()
	assert.True(t, ShouldAutoScan(settings, &lore.ScanState{CharsSinceScan: 150}))
	assert.False(t, ShouldAutoScan(settings, &lore.ScanState{CharsSinceScan: 50}))
	assert.False(t, ShouldAutoScan(settings, nil))

	settings.AutoScan = false
	assert.False(t, ShouldAutoScan(settings, &lore.ScanState{CharsSinceScan: 150}))
}

func TestScanUpdateBudgetSharedWithMerges(t *testing.T) {
	// One element merges and one resolves to an existing entry; both fit
	// inside the shared budget, so the update still runs.
	client := newRoutedClient(map[string]string{
		"story analyst": `{"elements": [
			{"name": "Elena Voss", "category": "character", "mergesWith": "Hooded Figure"},
			{"name": "Ashfall Harbor", "category": "location"}
		]}`,
		"checking whether recent story text reveals": `{"hasUpdate": true, "updatedText": "Revised text."}`,
		"checking name consistency":                  `{"proposals": []}`,
	})
	o := newTestOrchestrator(client)

	entries := []lore.LorebookEntry{
		{ID: "e1", Category: lore.CategoryCharacter, DisplayName: "Hooded Figure", Text: "A courier."},
		{ID: "e2", Category: lore.CategoryLocation, DisplayName: "Ashfall Harbor", Text: "A port town."},
	}
	got, sum := o.Scan(context.Background(), testStory, entries, &lore.ScanState{}, Options{})

	assert.Equal(t, 1, sum.Merges)
	assert.Equal(t, 1, sum.Updates)
	require.Len(t, got.PendingUpdates, 1)
	assert.Equal(t, "e2", got.PendingUpdates[0].EntryID)
	assert.Equal(t, "Revised text.", got.PendingUpdates[0].UpdatedText)
}
