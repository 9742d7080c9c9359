package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lorekeeper/internal/config"
	"lorekeeper/internal/lore"
	"lorekeeper/internal/oracle"
)

// scriptedClient returns canned responses in order and records the user
// message of every call.
type scriptedClient struct {
	responses []string
	err       error
	calls     []string
}

func (c *scriptedClient) Generate(_ context.Context, messages []oracle.Message, _ oracle.Options) (string, error) {
	for _, m := range messages {
		if m.Role == oracle.RoleUser {
			c.calls = append(c.calls, m.Content)
		}
	}
	if c.err != nil {
		return "", c.err
	}
	if len(c.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	out := c.responses[0]
	c.responses = c.responses[1:]
	return out, nil
}

func newTestRunner(client oracle.Client) *Runner {
	return NewRunner(client, 0.7, config.DetailStandard)
}

func TestIdentifyElementsFiltersAndCaps(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"```json\n{\"elements\": [" +
			"{\"name\": \"Kael\", \"category\": \"character\"}," +
			"{\"name\": \"  \", \"category\": \"character\"}," +
			"{\"name\": \"The Vault\", \"category\": \"location\"}," +
			"{\"name\": \"Ghost\", \"category\": \"spirit\"}," +
			"{\"name\": \"Ashfall\", \"category\": \"Location\"}," +
			"{\"name\": \"Ember Pact\", \"category\": \"faction\"}," +
			"{\"name\": \"Sunblade\", \"category\": \"item\"}," +
			"{\"name\": \"The Tithe\", \"category\": \"concept\"}," +
			"{\"name\": \"Mira\", \"category\": \"character\"}" +
			"]}\n```",
	}}
	r := newTestRunner(client)

	enabled := []string{"character", "location", "faction", "item", "concept"}
	elements := r.IdentifyElements(context.Background(), "story text", enabled, nil)

	require.Len(t, elements, 5, "results are capped")
	assert.Equal(t, "Kael", elements[0].Name)
	assert.Equal(t, "character", elements[0].Category)
	// Blank name and unknown category were dropped before the cap applied.
	assert.Equal(t, "The Vault", elements[1].Name)
	assert.Equal(t, "location", elements[2].Category, "category strings are normalized")
	assert.Equal(t, "Sunblade", elements[4].Name)
}

func TestIdentifyElementsRespectsEnabledCategories(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"elements": [{"name": "Kael", "category": "character"}, {"name": "The Vault", "category": "location"}]}`,
	}}
	r := newTestRunner(client)

	elements := r.IdentifyElements(context.Background(), "story", []string{"location"}, nil)
	require.Len(t, elements, 1)
	assert.Equal(t, "The Vault", elements[0].Name)
}

func TestIdentifyElementsClearsUnrequestedMergeHints(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"elements": [{"name": "Kael", "category": "character", "mergesWith": "The Hooded Man"}]}`,
	}}
	r := newTestRunner(client)

	// No existing names supplied, so merge hints were never asked for and
	// any the oracle invents are discarded.
	elements := r.IdentifyElements(context.Background(), "story", []string{"character"}, nil)
	require.Len(t, elements, 1)
	assert.Empty(t, elements[0].MergesWith)
}

func TestIdentifyElementsNoEnabledCategories(t *testing.T) {
	client := &scriptedClient{}
	r := newTestRunner(client)

	assert.Nil(t, r.IdentifyElements(context.Background(), "story", nil, nil))
	assert.Empty(t, client.calls, "no oracle call without enabled categories")
}

func TestIdentifyElementsFailureReturnsNil(t *testing.T) {
	r := newTestRunner(&scriptedClient{err: errors.New("timeout")})
	assert.Nil(t, r.IdentifyElements(context.Background(), "story", []string{"character"}, nil))

	r = newTestRunner(&scriptedClient{responses: []string{"I cannot help with that."}})
	assert.Nil(t, r.IdentifyElements(context.Background(), "story", []string{"character"}, nil))
}

func TestIdentifyElementsBoundsPromptWithManyNames(t *testing.T) {
	// A names list larger than the whole story budget must not disable
	// truncation; the story is floored, not passed through whole.
	names := make([]string, 400)
	for i := range names {
		names[i] = fmt.Sprintf("Character Number %03d", i)
	}
	story := strings.Repeat("The caravan pressed north. ", 1900) + "At last they reached Vel Harrow."
	require.Greater(t, len(story), 50000)

	client := &scriptedClient{responses: []string{`{"elements": []}`}}
	r := newTestRunner(client)
	r.IdentifyElements(context.Background(), story, []string{"character"}, names)

	require.Len(t, client.calls, 1)
	prompt := client.calls[0]
	assert.Less(t, len(prompt), 20000, "prompt grew with the full story")
	assert.Contains(t, prompt, "Vel Harrow", "most recent story text must survive truncation")
	assert.Contains(t, prompt, "Character Number 399")
}

func TestStoryWindowFloorsBudget(t *testing.T) {
	story := strings.Repeat("a", 10000)
	got := storyWindow(story, storyBudget+5000)
	assert.Len(t, got, minStoryContext)

	got = storyWindow(story, 1000)
	assert.Len(t, got, storyBudget-1000)
}

func TestHeadTailClampNonPositive(t *testing.T) {
	assert.Empty(t, tail("abcdef", 0))
	assert.Empty(t, tail("abcdef", -3))
	assert.Empty(t, head("abcdef", 0))
	assert.Equal(t, "def", tail("abcdef", 3))
	assert.Equal(t, "abc", head("abcdef", 3))
}

func TestDraftEntryAppendsNameKeyAndClamps(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"displayName": "Kael Stormwind", "keys": ["kael", "stormwind", "KAEL"], "text": "Name: Kael Stormwind", "confidence": 9}`,
	}}
	r := newTestRunner(client)

	draft := r.DraftEntry(context.Background(), Element{Name: "Kael", Category: "character"}, "story", nil)
	require.NotNil(t, draft)
	assert.Equal(t, "Kael Stormwind", draft.DisplayName)
	assert.Equal(t, []string{"kael", "stormwind"}, draft.Keys, "keys are case-deduped, element name already present")
	assert.Equal(t, 5, draft.Confidence)
}

func TestDraftEntryEmptyTextRejected(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"displayName": "Kael", "keys": ["kael"], "text": "   ", "confidence": 4}`,
	}}
	r := newTestRunner(client)
	assert.Nil(t, r.DraftEntry(context.Background(), Element{Name: "Kael", Category: "character"}, "story", nil))
}

func TestDraftEntryFallsBackToElementName(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"displayName": "", "keys": [], "text": "A quiet harbor town.", "confidence": 3}`,
	}}
	r := newTestRunner(client)

	draft := r.DraftEntry(context.Background(), Element{Name: "Ashfall", Category: "location"}, "story", nil)
	require.NotNil(t, draft)
	assert.Equal(t, "Ashfall", draft.DisplayName)
	assert.Equal(t, []string{"ashfall"}, draft.Keys)
}

func TestDetectUpdate(t *testing.T) {
	t.Run("has update", func(t *testing.T) {
		client := &scriptedClient{responses: []string{
			`{"hasUpdate": true, "updatedText": "Name: Kael\nSecrets: lost an arm at Ashfall"}`,
		}}
		r := newTestRunner(client)
		text, ok := r.DetectUpdate(context.Background(), "Kael", "Name: Kael", "story")
		require.True(t, ok)
		assert.Contains(t, text, "lost an arm")
	})

	t.Run("no update", func(t *testing.T) {
		client := &scriptedClient{responses: []string{`{"hasUpdate": false, "updatedText": ""}`}}
		r := newTestRunner(client)
		_, ok := r.DetectUpdate(context.Background(), "Kael", "Name: Kael", "story")
		assert.False(t, ok)
	})

	t.Run("hasUpdate true but empty text", func(t *testing.T) {
		client := &scriptedClient{responses: []string{`{"hasUpdate": true, "updatedText": "  "}`}}
		r := newTestRunner(client)
		_, ok := r.DetectUpdate(context.Background(), "Kael", "Name: Kael", "story")
		assert.False(t, ok)
	})
}

func TestValidNameProposal(t *testing.T) {
	tests := []struct {
		current  string
		proposed string
		want     bool
	}{
		{"Kael", "Kael Stormwind", true},
		{"kael", "Kael Stormwind", true}, // prefix check is case-insensitive
		{"Kael", "Kael", false},          // identical
		{"Kael Stormwind", "Kael Stormwind the Third", false}, // already has a surname
		{"Kael", "Stormwind Kael", false}, // first name not preserved
		{"Kael", "Kaelen Stormwind", true}, // prefix rule is literal, not word-bounded
		{"", "Kael Stormwind", false},
		{"Kael", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidNameProposal(tt.current, tt.proposed),
			"%q -> %q", tt.current, tt.proposed)
	}
}

func TestPropagateFamilyNames(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"proposals": [
			{"currentName": "Mira", "proposedName": "Mira Stormwind", "reason": "Kael's sister"},
			{"currentName": "Mira", "proposedName": "Mira", "reason": "no change"},
			{"currentName": "Kael Stormwind", "proposedName": "Kael Stormwind II", "reason": "bad"}
		]}`,
	}}
	r := newTestRunner(client)

	characters := []CharacterNames{
		{Name: "Kael Stormwind", Family: "sister Mira"},
		{Name: "Mira", Relationships: "brother Kael"},
	}
	proposals := r.PropagateFamilyNames(context.Background(), characters)
	require.Len(t, proposals, 1)
	assert.Equal(t, "Mira", proposals[0].CurrentName)
	assert.Equal(t, "Mira Stormwind", proposals[0].ProposedName)
}

func TestPropagateFamilyNamesNeedsTwoCharacters(t *testing.T) {
	client := &scriptedClient{}
	r := newTestRunner(client)
	assert.Nil(t, r.PropagateFamilyNames(context.Background(), []CharacterNames{{Name: "Kael"}}))
	assert.Empty(t, client.calls)
}

func TestConfirmDuplicatesAlignment(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"results": [
			{"index": 0, "isDuplicate": true, "keepSide": "B", "mergedText": "merged", "mergedKeys": ["kael", "Kael", "stormwind"], "reason": "same person"},
			{"index": 1, "isDuplicate": false, "keepSide": "", "reason": "different towns"}
		]}`,
	}}
	r := newTestRunner(client)

	pairs := []DuplicatePair{
		{A: lore.LorebookEntry{ID: "1", DisplayName: "Kael"}, B: lore.LorebookEntry{ID: "2", DisplayName: "Kael Stormwind"}},
		{A: lore.LorebookEntry{ID: "3", DisplayName: "Ashfall"}, B: lore.LorebookEntry{ID: "4", DisplayName: "Ashford"}},
	}
	verdicts := r.ConfirmDuplicates(context.Background(), pairs)
	require.Len(t, verdicts, 2)

	assert.True(t, verdicts[0].IsDuplicate)
	assert.Equal(t, "b", verdicts[0].KeepSide, "keep side is normalized")
	assert.Equal(t, []string{"kael", "stormwind"}, verdicts[0].MergedKeys)
	assert.False(t, verdicts[1].IsDuplicate)
}

func TestConfirmDuplicatesTruncatesToBatch(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"results": []}`}}
	r := newTestRunner(client)

	pairs := make([]DuplicatePair, ConfirmBatchSize+3)
	for i := range pairs {
		pairs[i] = DuplicatePair{
			A: lore.LorebookEntry{ID: "a", DisplayName: "A"},
			B: lore.LorebookEntry{ID: "b", DisplayName: "B"},
		}
	}
	r.ConfirmDuplicates(context.Background(), pairs)
	require.Len(t, client.calls, 1)
	assert.Equal(t, ConfirmBatchSize, strings.Count(client.calls[0], "PAIR "))
}

func TestClassifyUnknownConfidenceGate(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"results": [
			{"index": 0, "type": "character", "confidence": 5},
			{"index": 1, "type": "location", "confidence": 2},
			{"index": 2, "type": "spirit", "confidence": 5},
			{"index": 99, "type": "item", "confidence": 5}
		]}`,
	}}
	r := newTestRunner(client)

	entries := []lore.LorebookEntry{
		{ID: "e1", DisplayName: "Kael"},
		{ID: "e2", DisplayName: "Ashfall"},
		{ID: "e3", DisplayName: "Ghost"},
	}
	result := r.ClassifyUnknown(context.Background(), entries)
	require.Len(t, result, 1, "low confidence, unknown type, and bad index are all dropped")
	assert.Equal(t, lore.CategoryCharacter, result["e1"])
}

func TestMatchPromptToEntry(t *testing.T) {
	entries := []lore.LorebookEntry{
		{ID: "1", DisplayName: "Kael Stormwind", Keys: []string{"kael"}},
		{ID: "2", DisplayName: "Ashfall Harbor", Keys: []string{"ashfall"}},
		{ID: "3", DisplayName: "The Ember Pact", Keys: []string{"ember pact"}},
	}

	t.Run("match", func(t *testing.T) {
		client := &scriptedClient{responses: []string{`{"index": 0, "confidence": 5}`}}
		r := newTestRunner(client)
		match := r.MatchPromptToEntry(context.Background(), "add a scar to Kael's description", entries)
		require.NotNil(t, match)
		assert.Equal(t, "1", match.ID)
	})

	t.Run("low confidence rejected", func(t *testing.T) {
		client := &scriptedClient{responses: []string{`{"index": 0, "confidence": 2}`}}
		r := newTestRunner(client)
		assert.Nil(t, r.MatchPromptToEntry(context.Background(), "update Kael", entries))
	})

	t.Run("no overlap skips the oracle", func(t *testing.T) {
		client := &scriptedClient{}
		r := newTestRunner(client)
		assert.Nil(t, r.MatchPromptToEntry(context.Background(), "something unrelated entirely", entries))
		assert.Empty(t, client.calls)
	})

	t.Run("index out of range", func(t *testing.T) {
		client := &scriptedClient{responses: []string{`{"index": 40, "confidence": 5}`}}
		r := newTestRunner(client)
		assert.Nil(t, r.MatchPromptToEntry(context.Background(), "update Kael", entries))
	})
}

func TestPrescoreCandidatesOrdering(t *testing.T) {
	entries := []lore.LorebookEntry{
		{ID: "1", DisplayName: "Ashfall Harbor", Keys: []string{"harbor"}},
		{ID: "2", DisplayName: "Kael Stormwind", Keys: []string{"kael", "stormwind"}},
		{ID: "3", DisplayName: "The Ember Pact", Keys: []string{"ember"}},
	}
	got := prescoreCandidates("what does Kael Stormwind think of the harbor", entries)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].ID, "stronger overlap sorts first")
	assert.Equal(t, "1", got[1].ID)
}

func TestGenerateEntriesFromPrompt(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"entries": [
			{"displayName": "The Tithe", "category": "tradition", "keys": [], "text": "An annual levy.", "confidence": 4},
			{"displayName": "", "category": "item", "keys": [], "text": "orphan text", "confidence": 4}
		]}`,
	}}
	r := newTestRunner(client)

	drafts := r.GenerateEntriesFromPrompt(context.Background(), "add an entry about the tithe", nil)
	require.Len(t, drafts, 1)
	assert.Equal(t, "concept", drafts[0].Category, "unrecognized categories fall back to concept")
	assert.Equal(t, []string{"the tithe"}, drafts[0].Keys)
}

func TestGenerateEnrichedText(t *testing.T) {
	client := &scriptedClient{responses: []string{`{"text": "Name: Kael\nSecrets: none"}`}}
	r := newTestRunner(client)

	text, ok := r.GenerateEnrichedText(context.Background(), "add a secrets field", "Name: Kael")
	require.True(t, ok)
	assert.Contains(t, text, "Secrets")
}
