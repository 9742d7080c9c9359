package tasks

import (
	"context"
	"strings"

	"lorekeeper/internal/jsonrepair"
	"lorekeeper/internal/logging"
)

// CharacterNames is the name-relevant slice of a character entry fed to
// family-name propagation.
type CharacterNames struct {
	Name          string
	Family        string
	Relationships string
}

// NameProposal proposes renaming a character entry, typically adding a
// surname established elsewhere in the lorebook.
type NameProposal struct {
	CurrentName  string `json:"currentName"`
	ProposedName string `json:"proposedName"`
	Reason       string `json:"reason"`
}

// PropagateFamilyNames asks the oracle for full-name proposals across all
// character entries. Every proposal is validated before being returned; an
// oracle cannot silently rename or truncate a character through this path.
func (r *Runner) PropagateFamilyNames(ctx context.Context, characters []CharacterNames) []NameProposal {
	if len(characters) < 2 {
		return nil
	}

	user := buildFamilyNamesPrompt(characters)
	out, err := r.call(ctx, familyNamesSystemPrompt, user, 1000, classifierTemperature)
	if err != nil {
		logging.TasksWarn("propagateFamilyNames: oracle call failed: %v", err)
		return nil
	}

	var parsed struct {
		Proposals []NameProposal `json:"proposals"`
	}
	if !jsonrepair.Decode(out, &parsed) {
		logging.TasksWarn("propagateFamilyNames: unparseable response")
		return nil
	}

	var valid []NameProposal
	for _, p := range parsed.Proposals {
		p.CurrentName = strings.TrimSpace(p.CurrentName)
		p.ProposedName = strings.TrimSpace(p.ProposedName)
		if !ValidNameProposal(p.CurrentName, p.ProposedName) {
			logging.TasksDebug("propagateFamilyNames: rejected %q -> %q", p.CurrentName, p.ProposedName)
			continue
		}
		valid = append(valid, p)
	}
	return valid
}

// ValidNameProposal accepts a rename only when it adds a surname to a bare
// first name:
//
//	(a) the names differ
//	(b) currentName has exactly one name part (no existing surname)
//	(c) proposedName has strictly more parts than currentName
//	(d) proposedName's lowercase form starts with currentName's lowercase
//	    form, so the first name is preserved verbatim
func ValidNameProposal(currentName, proposedName string) bool {
	if currentName == "" || proposedName == "" || currentName == proposedName {
		return false
	}
	currentParts := strings.Fields(currentName)
	proposedParts := strings.Fields(proposedName)
	if len(currentParts) != 1 {
		return false
	}
	if len(proposedParts) <= len(currentParts) {
		return false
	}
	return strings.HasPrefix(strings.ToLower(proposedName), strings.ToLower(currentName))
}
