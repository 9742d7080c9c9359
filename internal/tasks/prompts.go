package tasks

import (
	"fmt"
	"strings"

	"lorekeeper/internal/config"
	"lorekeeper/internal/lore"
	"lorekeeper/internal/template"
)

// System prompts fix the output format; user prompts carry truncated
// context plus instructions. Every task demands bare JSON with no markdown
// so the recovery layer has a fighting chance on truncated output.

const identifySystemPrompt = `You are a story analyst building a lorebook from an ongoing interactive story.
Identify notable story elements (characters, locations, items, factions, concepts) in the text.
Return ONLY a valid JSON object: {"elements": [{"name": "...", "category": "...", "mergesWith": "..."}]}.
"mergesWith" names an EXISTING entry only when the element is revealed to be the same entity under a new name; omit it otherwise.
No markdown, no explanation. Start with { and end with }.`

const draftSystemPrompt = `You are a lorebook editor. Draft a single lorebook entry for the requested story element.
Return ONLY a valid JSON object: {"displayName": "...", "keys": ["..."], "text": "...", "confidence": 1-5}.
"keys" are lowercase trigger keywords (at most 6). "confidence" is how certain you are the element deserves an entry.
No markdown, no explanation. Start with { and end with }.`

const updateSystemPrompt = `You are a lorebook editor checking whether recent story text reveals new information about an existing entry.
Return ONLY a valid JSON object: {"hasUpdate": true, "updatedText": "..."} or {"hasUpdate": false}.
"updatedText" must be the complete revised entry text, preserving all still-true existing information.
No markdown, no explanation. Start with { and end with }.`

const relationshipSystemPrompt = `You are a lorebook editor tracking character relationships.
Given a character's current Family and Relationships fields plus recent story text, report changes.
Return ONLY a valid JSON object: {"hasUpdate": true, "family": "...", "relationships": "..."} or {"hasUpdate": false}.
"family" and "relationships" are complete replacement field values using "- Name: detail" lines; include a field only if it changed.
No markdown, no explanation. Start with { and end with }.`

const reformatSystemPrompt = `You are a lorebook editor. Rewrite a character entry into the labeled-field template.
Preserve ALL existing information; fill gaps by inference from the story context; leave truly unknown fields blank.
Return ONLY a valid JSON object: {"text": "..."} containing the full reformatted entry.
No markdown, no explanation. Start with { and end with }.`

const familyNamesSystemPrompt = `You are a lorebook editor checking name consistency across character entries.
Given the characters and their family/relationship information, propose full names for characters listed only by first name whose surname is established elsewhere.
Return ONLY a valid JSON object: {"proposals": [{"currentName": "...", "proposedName": "...", "reason": "..."}]}.
Only propose adding an established surname; never invent, remove, or alter existing name parts.
No markdown, no explanation. Start with { and end with }.`

const duplicatesSystemPrompt = `You are a lorebook editor reviewing candidate duplicate entry pairs.
For each pair decide whether both entries describe the same entity and, if so, merge them.
Return ONLY a valid JSON object: {"results": [{"index": 0, "isDuplicate": true, "keepSide": "a", "mergedText": "...", "mergedKeys": ["..."], "reason": "..."}]}.
"keepSide" is "a" or "b" for which entry's identity survives. "mergedText" merges all information from both; "mergedKeys" has at most 6 lowercase keys.
No markdown, no explanation. Start with { and end with }.`

const classifySystemPrompt = `You are a lorebook editor categorizing entries.
Assign each entry one category: character, location, item, faction, or concept.
Return ONLY a valid JSON object: {"results": [{"index": 0, "type": "character", "confidence": 1-5}]}.
No markdown, no explanation. Start with { and end with }.`

const matchSystemPrompt = `You are a lorebook assistant matching a user instruction to the entry it refers to.
Return ONLY a valid JSON object: {"index": 0, "confidence": 1-5} selecting the best candidate, or {"index": -1} if none fit.
No markdown, no explanation. Start with { and end with }.`

const generateEntriesSystemPrompt = `You are a lorebook editor creating entries from a user instruction.
Return ONLY a valid JSON object: {"entries": [{"displayName": "...", "category": "...", "keys": ["..."], "text": "...", "confidence": 1-5}]}.
"category" is one of: character, location, item, faction, concept. "keys" are lowercase trigger keywords (at most 6).
No markdown, no explanation. Start with { and end with }.`

const enrichSystemPrompt = `You are a lorebook editor revising entry text according to a user instruction.
Preserve information the instruction does not ask you to change.
Return ONLY a valid JSON object: {"text": "..."} with the complete revised text.
No markdown, no explanation. Start with { and end with }.`

// detailInstruction keys prose length for non-character drafts to the
// configured detail level.
func detailInstruction(level config.DetailLevel) string {
	switch level {
	case config.DetailBrief:
		return "Write 2-3 sentences."
	case config.DetailDetailed:
		return "Write 2-3 thorough paragraphs covering appearance, history, and significance."
	default:
		return "Write one solid paragraph."
	}
}

func buildIdentifyPrompt(story string, categories []string, existingNames []string) string {
	var sb strings.Builder
	sb.WriteString("STORY TEXT (most recent):\n")
	sb.WriteString(story)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Identify up to %d notable story elements.\n", maxElements)
	fmt.Fprintf(&sb, "Allowed categories: %s.\n", strings.Join(categories, ", "))
	if len(existingNames) > 0 {
		sb.WriteString("\nEXISTING ENTRIES (do not re-identify; use \"mergesWith\" only if an element is revealed to be one of these under a new name):\n")
		sb.WriteString(strings.Join(existingNames, ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildDraftPrompt(elem Element, story string, existingNames []string, level config.DetailLevel) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Draft a lorebook entry for the %s %q.\n\n", elem.Category, elem.Name)
	sb.WriteString("STORY CONTEXT:\n")
	sb.WriteString(story)
	sb.WriteString("\n\n")
	if elem.Category == string(lore.CategoryCharacter) {
		sb.WriteString("Format the entry text using EXACTLY this labeled-field template, leaving unknown fields blank:\n")
		sb.WriteString(template.Skeleton())
		sb.WriteString("\n")
	} else {
		sb.WriteString(detailInstruction(level))
		sb.WriteString("\n")
	}
	if len(existingNames) > 0 {
		sb.WriteString("\nEntries that already exist (do not duplicate them): ")
		sb.WriteString(strings.Join(existingNames, ", "))
		sb.WriteString("\n")
	}
	return sb.String()
}

func buildUpdatePrompt(name, currentText, story string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ENTRY %q CURRENT TEXT:\n%s\n\n", name, currentText)
	sb.WriteString("RECENT STORY TEXT:\n")
	sb.WriteString(story)
	sb.WriteString("\n\nDoes the story reveal new lasting information about this entry? Minor or transient events do not count.\n")
	return sb.String()
}

func buildRelationshipPrompt(name, family, relationships, story string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CHARACTER: %s\n\n", name)
	fmt.Fprintf(&sb, "CURRENT FAMILY FIELD:\n%s\n\n", orNone(family))
	fmt.Fprintf(&sb, "CURRENT RELATIONSHIPS FIELD:\n%s\n\n", orNone(relationships))
	sb.WriteString("RECENT STORY TEXT:\n")
	sb.WriteString(story)
	sb.WriteString("\n\nDid the story change this character's family ties or relationships?\n")
	return sb.String()
}

func buildReformatPrompt(name, text, story string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CHARACTER ENTRY %q CURRENT TEXT:\n%s\n\n", name, text)
	sb.WriteString("STORY CONTEXT:\n")
	sb.WriteString(story)
	sb.WriteString("\n\nRewrite the entry into this template:\n")
	sb.WriteString(template.Skeleton())
	sb.WriteString("\n")
	return sb.String()
}

func buildFamilyNamesPrompt(characters []CharacterNames) string {
	var sb strings.Builder
	sb.WriteString("CHARACTERS:\n")
	for _, c := range characters {
		fmt.Fprintf(&sb, "\n- Name: %s\n", c.Name)
		if c.Family != "" {
			fmt.Fprintf(&sb, "  Family: %s\n", strings.ReplaceAll(c.Family, "\n", "; "))
		}
		if c.Relationships != "" {
			fmt.Fprintf(&sb, "  Relationships: %s\n", strings.ReplaceAll(c.Relationships, "\n", "; "))
		}
	}
	sb.WriteString("\nPropose full names only where a surname is clearly established for a first-name-only character.\n")
	return sb.String()
}

func buildDuplicatesPrompt(pairs []DuplicatePair) string {
	var sb strings.Builder
	sb.WriteString("CANDIDATE PAIRS:\n")
	for i, p := range pairs {
		fmt.Fprintf(&sb, "\nPAIR %d (similarity %.2f):\n", i, p.Similarity)
		fmt.Fprintf(&sb, "A: %s [keys: %s]\n%s\n", p.A.DisplayName, strings.Join(p.A.Keys, ", "), head(p.A.Text, 800))
		fmt.Fprintf(&sb, "B: %s [keys: %s]\n%s\n", p.B.DisplayName, strings.Join(p.B.Keys, ", "), head(p.B.Text, 800))
	}
	sb.WriteString("\nFor each pair, decide and (when duplicate) merge.\n")
	return sb.String()
}

func buildClassifyPrompt(entries []lore.LorebookEntry) string {
	var sb strings.Builder
	sb.WriteString("ENTRIES:\n")
	for i, e := range entries {
		fmt.Fprintf(&sb, "\n%d. %s\n%s\n", i, e.DisplayName, head(e.Text, 400))
	}
	sb.WriteString("\nCategorize each entry.\n")
	return sb.String()
}

func buildMatchPrompt(instruction string, candidates []lore.LorebookEntry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "USER INSTRUCTION:\n%s\n\nCANDIDATE ENTRIES:\n", instruction)
	for i, e := range candidates {
		fmt.Fprintf(&sb, "%d. %s [keys: %s]\n", i, e.DisplayName, strings.Join(e.Keys, ", "))
	}
	sb.WriteString("\nWhich entry does the instruction refer to?\n")
	return sb.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
