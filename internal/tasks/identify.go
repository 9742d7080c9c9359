package tasks

import (
	"context"
	"strings"

	"lorekeeper/internal/jsonrepair"
	"lorekeeper/internal/logging"
	"lorekeeper/internal/lore"
)

// Element is one story element returned by IdentifyElements.
type Element struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	// MergesWith names an existing entry this element is revealed to be
	// the same entity as, or "" for a plain identification.
	MergesWith string `json:"mergesWith"`
}

// IdentifyElements asks the oracle for up to 5 notable story elements in
// the story text tail. Merge hints are only requested when existing
// entries are supplied. Returns nil on any failure.
func (r *Runner) IdentifyElements(ctx context.Context, story string, enabledCategories []string, existingNames []string) []Element {
	if len(enabledCategories) == 0 {
		return nil
	}

	// The names list eats into the story budget.
	story = storyWindow(story, len(strings.Join(existingNames, ", "))+200)

	user := buildIdentifyPrompt(story, enabledCategories, existingNames)
	out, err := r.call(ctx, identifySystemPrompt, user, 1000, classifierTemperature)
	if err != nil {
		logging.TasksWarn("identifyElements: oracle call failed: %v", err)
		return nil
	}

	var parsed struct {
		Elements []Element `json:"elements"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("identifyElements: unparseable response")
		return nil
	}

	enabled := make(map[string]bool, len(enabledCategories))
	for _, c := range enabledCategories {
		enabled[c] = true
	}

	var elements []Element
	for _, e := range parsed.Elements {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		cat := lore.ParseCategory(e.Category)
		if cat == lore.CategoryUnknown || !enabled[string(cat)] {
			continue
		}
		e.Category = string(cat)
		if len(existingNames) == 0 {
			e.MergesWith = "" // merge hints were not requested
		}
		elements = append(elements, e)
		if len(elements) == maxElements {
			break
		}
	}
	logging.TasksDebug("identifyElements: %d elements", len(elements))
	return elements
}
