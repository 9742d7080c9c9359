// Package template parses and splices the labeled-field character entry
// template. Character entries are free text organized as "Label: content"
// lines; Relationships and Family are multi-line list fields using
// "- Name: detail" continuation lines.
package template

import (
	"regexp"
	"strings"
)

// FieldNames lists the 13 canonical character fields in template order.
// Splice insertion position is derived from this order.
var FieldNames = []string{
	"Name",
	"Age",
	"Gender",
	"Physical Appearance",
	"Sexuality",
	"Description",
	"Self-Image",
	"Motivations/Goals",
	"Secrets",
	"Relationships",
	"Family",
	"Background",
	"Additional notes",
}

// minTemplateFields is how many labeled fields make text "template-formatted".
const minTemplateFields = 3

var fieldRes = buildFieldRes()

// buildFieldRes compiles one block regex per field: the label line with its
// same-line content, plus any "- " continuation lines below it.
func buildFieldRes() map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp, len(FieldNames))
	for _, f := range FieldNames {
		res[f] = regexp.MustCompile(`(?mi)^` + regexp.QuoteMeta(f) + `:[ \t]*([^\n]*)((?:\n[ \t]*- [^\n]*)*)`)
	}
	return res
}

// HasField reports whether the field's label line appears in text.
func HasField(text, field string) bool {
	re, ok := fieldRes[field]
	return ok && re.MatchString(text)
}

// FieldCount returns how many of the 13 canonical labels appear in text.
func FieldCount(text string) int {
	var n int
	for _, f := range FieldNames {
		if fieldRes[f].MatchString(text) {
			n++
		}
	}
	return n
}

// IsFormatted reports whether text contains at least 3 of the 13 canonical
// labeled fields.
func IsFormatted(text string) bool {
	return FieldCount(text) >= minTemplateFields
}

// ExtractField returns the content of a labeled field: the same-line value
// plus any "- " continuation lines, newline-joined. The second return value
// is false when the label is absent.
func ExtractField(text, field string) (string, bool) {
	re, ok := fieldRes[field]
	if !ok {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	same := strings.TrimSpace(m[1])
	cont := strings.TrimPrefix(m[2], "\n")
	switch {
	case same == "":
		return cont, true
	case cont == "":
		return same, true
	default:
		return same + "\n" + cont, true
	}
}

// SpliceFields merges updated field values back into template text. An
// existing field's block is replaced in place; an absent field is inserted
// before the next-most-downstream field present in the text, falling back
// to an end-of-text append. Unrelated fields are never touched, and
// splicing the same update twice yields the same text.
func SpliceFields(text string, updates map[string]string) string {
	for _, field := range FieldNames {
		value, ok := updates[field]
		if !ok {
			continue
		}
		block := renderBlock(field, value)
		re := fieldRes[field]
		if re.MatchString(text) {
			replaced := false
			text = re.ReplaceAllStringFunc(text, func(old string) string {
				if replaced {
					return old // only the first occurrence is the field block
				}
				replaced = true
				return block
			})
			continue
		}
		text = insertBlock(text, field, block)
	}
	return text
}

// renderBlock renders a field block. A leading "- " item starts on its own
// line under a bare label; any other first line stays on the label line so
// extract-then-splice of an unchanged value is byte-identical.
func renderBlock(field, value string) string {
	if value == "" {
		return field + ":"
	}
	first, rest, multi := strings.Cut(value, "\n")
	if strings.HasPrefix(strings.TrimSpace(first), "- ") {
		return field + ":\n" + value
	}
	if !multi {
		return field + ": " + value
	}
	return field + ": " + first + "\n" + rest
}

// insertBlock places a new field block before the first downstream field
// present in text, or appends it at the end.
func insertBlock(text, field, block string) string {
	idx := fieldIndex(field)
	for i := idx + 1; i < len(FieldNames); i++ {
		loc := fieldRes[FieldNames[i]].FindStringIndex(text)
		if loc == nil {
			continue
		}
		return text[:loc[0]] + block + "\n" + text[loc[0]:]
	}
	if text == "" {
		return block
	}
	return strings.TrimRight(text, "\n") + "\n" + block
}

func fieldIndex(field string) int {
	for i, f := range FieldNames {
		if f == field {
			return i
		}
	}
	return len(FieldNames)
}

// Skeleton returns an empty template with every label, used when drafting
// new character entries.
func Skeleton() string {
	var sb strings.Builder
	for i, f := range FieldNames {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(f)
		sb.WriteByte(':')
	}
	return sb.String()
}
