package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleEntry = `Name: Elena Voss
Age: 29
Gender: Female
Description: A former spy turned archivist.
Relationships:
- Kael Stormwind: uneasy ally
- The Archivist: mentor
Family:
- Mother: Lyra Voss
- Father: unknown
Background: Grew up in the undercity.
Additional notes: Keeps a coded journal.`

func TestExtractField(t *testing.T) {
	tests := []struct {
		field string
		want  string
		ok    bool
	}{
		{"Name", "Elena Voss", true},
		{"Age", "29", true},
		{"Family", "- Mother: Lyra Voss\n- Father: unknown", true},
		{"Relationships", "- Kael Stormwind: uneasy ally\n- The Archivist: mentor", true},
		{"Secrets", "", false},
		{"Background", "Grew up in the undercity.", true},
	}
	for _, tt := range tests {
		got, ok := ExtractField(sampleEntry, tt.field)
		assert.Equal(t, tt.ok, ok, "field %q presence", tt.field)
		assert.Equal(t, tt.want, got, "field %q content", tt.field)
	}
}

func TestSpliceUnchangedIsNoOp(t *testing.T) {
	// Splicing a field's own extracted value must reproduce the text
	// byte-for-byte.
	for _, field := range []string{"Name", "Family", "Relationships", "Background"} {
		value, ok := ExtractField(sampleEntry, field)
		require.True(t, ok, "field %q missing from sample", field)
		got := SpliceFields(sampleEntry, map[string]string{field: value})
		assert.Equal(t, sampleEntry, got, "splice of unchanged %q altered text", field)
	}

	// A field mixing same-line content with list continuation lines must
	// round-trip too, keeping the first line on the label line.
	mixed := "Name: Elena Voss\nFamily: estranged\n- Mother: Lyra Voss\nBackground: Undercity."
	value, ok := ExtractField(mixed, "Family")
	require.True(t, ok)
	require.Equal(t, "estranged\n- Mother: Lyra Voss", value)
	got := SpliceFields(mixed, map[string]string{"Family": value})
	assert.Equal(t, mixed, got)

	again, ok := ExtractField(got, "Family")
	require.True(t, ok)
	assert.Equal(t, value, again, "re-extract after splice lost content")
}

func TestSpliceReplacesInPlace(t *testing.T) {
	updated := SpliceFields(sampleEntry, map[string]string{
		"Family": "- Mother: Lyra Voss\n- Father: Daren Voss",
	})
	assert.Contains(t, updated, "- Father: Daren Voss")
	assert.NotContains(t, updated, "- Father: unknown")
	// Unrelated fields untouched.
	for _, want := range []string{"Name: Elena Voss", "Background: Grew up in the undercity.", "- Kael Stormwind: uneasy ally"} {
		assert.Contains(t, updated, want)
	}
}

func TestSpliceIdempotent(t *testing.T) {
	updates := map[string]string{
		"Secrets": "Works for the Syndicate.",
		"Family":  "- Sister: Mira Voss",
	}
	once := SpliceFields(sampleEntry, updates)
	twice := SpliceFields(once, updates)
	assert.Equal(t, once, twice)
}

func TestSpliceInsertsInTemplateOrder(t *testing.T) {
	// Secrets is absent; it must land before Relationships (the next
	// downstream field present), not at the end.
	updated := SpliceFields(sampleEntry, map[string]string{"Secrets": "Too many."})
	secrets := strings.Index(updated, "Secrets: Too many.")
	relationships := strings.Index(updated, "Relationships:")
	require.NotEqual(t, -1, secrets)
	require.NotEqual(t, -1, relationships)
	assert.Less(t, secrets, relationships)
}

func TestSpliceAppendsWhenNoDownstreamField(t *testing.T) {
	text := "Name: Kael\nAge: 31"
	updated := SpliceFields(text, map[string]string{"Additional notes": "Left-handed."})
	assert.True(t, strings.HasSuffix(updated, "Additional notes: Left-handed."), "expected append, got:\n%s", updated)
}

func TestIsFormatted(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{sampleEntry, true},
		{"Name: Kael\nAge: 31\nGender: Male", true},
		{"Name: Kael\nAge: 31", false},
		{"A tall man with a scar walked in.", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsFormatted(tt.text), "IsFormatted(%.30q)", tt.text)
	}
}

func TestSkeleton(t *testing.T) {
	assert.Equal(t, len(FieldNames), FieldCount(Skeleton()))
}
