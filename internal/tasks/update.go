package tasks

import (
	"context"
	"strings"

	"lorekeeper/internal/jsonrepair"
	"lorekeeper/internal/logging"
)

// DetectUpdate asks whether recent story text reveals lasting new
// information about an existing entry. Returns ("", false) for "no update"
// and for any failure.
func (r *Runner) DetectUpdate(ctx context.Context, name, currentText, story string) (string, bool) {
	// The entry's current text shrinks the story budget.
	story = storyWindow(story, len(currentText))

	user := buildUpdatePrompt(name, currentText, story)
	out, err := r.call(ctx, updateSystemPrompt, user, 2000, r.temperature)
	if err != nil {
		logging.TasksWarn("detectUpdate(%s): oracle call failed: %v", name, err)
		return "", false
	}

	var parsed struct {
		HasUpdate   bool   `json:"hasUpdate"`
		UpdatedText string `json:"updatedText"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("detectUpdate(%s): unparseable response", name)
		return "", false
	}
	if !parsed.HasUpdate || strings.TrimSpace(parsed.UpdatedText) == "" {
		return "", false
	}
	return parsed.UpdatedText, true
}

// RelationshipDelta is a change to a character's Family and/or
// Relationships fields. Empty fields are unchanged.
type RelationshipDelta struct {
	Family        string `json:"family"`
	Relationships string `json:"relationships"`
}

// DetectRelationshipDelta checks a template-formatted character for family
// or relationship changes in recent story text. Returns (nil, false) for
// "no update" and for any failure. Only call this on entries that are
// already template-formatted.
func (r *Runner) DetectRelationshipDelta(ctx context.Context, name, family, relationships, story string) (*RelationshipDelta, bool) {
	story = storyWindow(story, len(family)+len(relationships)+300)

	user := buildRelationshipPrompt(name, family, relationships, story)
	out, err := r.call(ctx, relationshipSystemPrompt, user, 800, r.temperature)
	if err != nil {
		logging.TasksWarn("detectRelationshipDelta(%s): oracle call failed: %v", name, err)
		return nil, false
	}

	var parsed struct {
		HasUpdate     bool   `json:"hasUpdate"`
		Family        string `json:"family"`
		Relationships string `json:"relationships"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("detectRelationshipDelta(%s): unparseable response", name)
		return nil, false
	}
	if !parsed.HasUpdate || (strings.TrimSpace(parsed.Family) == "" && strings.TrimSpace(parsed.Relationships) == "") {
		return nil, false
	}
	return &RelationshipDelta{Family: parsed.Family, Relationships: parsed.Relationships}, true
}

// ReformatEntry rewrites a character entry into the labeled-field
// template, preserving all existing information and inferring gaps from
// story context. Returns ("", false) on failure.
func (r *Runner) ReformatEntry(ctx context.Context, name, text, story string) (string, bool) {
	story = storyWindow(story, len(text)+300)

	user := buildReformatPrompt(name, text, story)
	out, err := r.call(ctx, reformatSystemPrompt, user, 2000, r.temperature)
	if err != nil {
		logging.TasksWarn("reformatEntry(%s): oracle call failed: %v", name, err)
		return "", false
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if !jsonrepair.Decode(out, &parsed) || strings.TrimSpace(parsed.Text) == "" {
		logging.TasksWarn("reformatEntry(%s): unparseable or empty response", name)
		return "", false
	}
	return parsed.Text, true
}
