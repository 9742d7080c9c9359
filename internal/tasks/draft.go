package tasks

import (
	"context"
	"strings"

	"lorekeeper/internal/jsonrepair"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
)

// Draft is a generated entry proposal.
type Draft struct {
	DisplayName string   `json:"displayName"`
	Keys        []string `json:"keys"`
	Text        string   `json:"text"`
	Confidence  int      `json:"confidence"`
}

// DraftEntry asks the oracle to draft a lorebook entry for one identified
// element. Character entries use the labeled-field template; other
// categories get a prose-length instruction keyed to the detail level.
// Returns nil on any failure.
func (r *Runner) DraftEntry(ctx context.Context, elem Element, story string, existingNames []string) *Draft {
	story = storyWindow(story, len(elem.Name)+300)

	user := buildDraftPrompt(elem, story, existingNames, r.detail)
	out, err := r.call(ctx, draftSystemPrompt, user, 2000, r.temperature)
	if err != nil {
		logging.TasksWarn("draftEntry(%s): oracle call failed: %v", elem.Name, err)
		return nil
	}

	var draft Draft
	if !jsonrepair.Decode(out, &draft) {
		logging.TasksWarn("draftEntry(%s): unparseable response", elem.Name)
		return nil
	}

	draft.DisplayName = strings.TrimSpace(draft.DisplayName)
	if draft.DisplayName == "" {
		draft.DisplayName = elem.Name
	}
	if strings.TrimSpace(draft.Text) == "" {
		logging.TasksWarn("draftEntry(%s): empty text", elem.Name)
		return nil
	}
	draft.Keys = lore.DedupeKeys(append(draft.Keys, strings.ToLower(elem.Name)))
	draft.Confidence = clampConfidence(draft.Confidence)
	return &draft
}

// GenerateEntriesFromPrompt drafts one or more entries from a freeform user
// instruction. This is the user-initiated path that bypasses scan passes.
func (r *Runner) GenerateEntriesFromPrompt(ctx context.Context, instruction string, existingNames []string) []PromptedDraft {
	var sb strings.Builder
	sb.WriteString("USER INSTRUCTION:\n")
	sb.WriteString(head(instruction, 2000))
	sb.WriteString("\n")
	if len(existingNames) > 0 {
		sb.WriteString("\nEntries that already exist (do not duplicate them): ")
		sb.WriteString(strings.Join(existingNames, ", "))
		sb.WriteString("\n")
	}

	out, err := r.call(ctx, generateEntriesSystemPrompt, sb.String(), 3000, r.temperature)
	if err != nil {
		logging.TasksWarn("generateEntriesFromPrompt: oracle call failed: %v", err)
		return nil
	}

	var parsed struct {
		Entries []PromptedDraft `json:"entries"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("generateEntriesFromPrompt: unparseable response")
		return nil
	}

	var drafts []PromptedDraft
	for _, d := range parsed.Entries {
		d.DisplayName = strings.TrimSpace(d.DisplayName)
		if d.DisplayName == "" || strings.TrimSpace(d.Text) == "" {
			continue
		}
		cat := lore.ParseCategory(d.Category)
		if cat == lore.CategoryUnknown {
			cat = lore.CategoryConcept
		}
		d.Category = string(cat)
		d.Keys = lore.DedupeKeys(append(d.Keys, strings.ToLower(d.DisplayName)))
		d.Confidence = clampConfidence(d.Confidence)
		drafts = append(drafts, d)
	}
	return drafts
}

// PromptedDraft is a Draft with an explicit category, for the
// user-initiated generation path where no identified element exists.
type PromptedDraft struct {
	DisplayName string   `json:"displayName"`
	Category    string   `json:"category"`
	Keys        []string `json:"keys"`
	Text        string   `json:"text"`
	Confidence  int      `json:"confidence"`
}

// GenerateEnrichedText revises entry text according to a freeform user
// instruction, preserving unrelated content. Returns ("", false) on failure.
func (r *Runner) GenerateEnrichedText(ctx context.Context, instruction, text string) (string, bool) {
	var sb strings.Builder
	sb.WriteString("CURRENT TEXT:\n")
	sb.WriteString(head(text, 4000))
	sb.WriteString("\n\nUSER INSTRUCTION:\n")
	sb.WriteString(head(instruction, 2000))
	sb.WriteString("\n")

	out, err := r.call(ctx, enrichSystemPrompt, sb.String(), 2000, r.temperature)
	if err != nil {
		logging.TasksWarn("generateEnrichedText: oracle call failed: %v", err)
		return "", false
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if !jsonrepair.Decode(out, &parsed) || strings.TrimSpace(parsed.Text) == "" {
		logging.TasksWarn("generateEnrichedText: unparseable or empty response")
		return "", false
	}
	return parsed.Text, true
}
