package mindmeld

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmeld/collabd/internal/apperr"
)

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"n":[],"c":[],"meta":{"version":"1","created":"x","modified":"x"},"bogus":1}`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.Classify(err))
}

func TestValidateNoteContentBoundary(t *testing.T) {
	ok := &Document{Notes: []Note{{ID: "n1", Content: strings.Repeat("a", MaxNoteContentLen)}}}
	require.NoError(t, Validate(ok))

	tooLong := &Document{Notes: []Note{{ID: "n1", Content: strings.Repeat("a", MaxNoteContentLen+1)}}}
	err := Validate(tooLong)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTooLarge, apperr.Classify(err))
}

func TestValidateNoteCountBoundary(t *testing.T) {
	notes := make([]Note, MaxNotes)
	for i := range notes {
		notes[i] = Note{ID: string(rune('a' + i%26)) + itoa(i)}
	}
	require.NoError(t, Validate(&Document{Notes: notes}))

	notes = append(notes, Note{ID: "overflow"})
	err := Validate(&Document{Notes: notes})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTooLarge, apperr.Classify(err))
}

func TestValidateRejectsSelfConnection(t *testing.T) {
	doc := &Document{
		Notes:       []Note{{ID: "a"}},
		Connections: []Connection{{From: "a", To: "a"}},
	}
	err := Validate(doc)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.Classify(err))
}

func TestValidateAllowsSameEndpointsDifferentType(t *testing.T) {
	doc := &Document{
		Notes: []Note{{ID: "a"}, {ID: "b"}},
		Connections: []Connection{
			{From: "a", To: "b", Type: "arrow"},
			{From: "a", To: "b", Type: "line"},
		},
	}
	require.NoError(t, Validate(doc))
}

func TestValidateRejectsDuplicateConnection(t *testing.T) {
	doc := &Document{
		Notes: []Note{{ID: "a"}, {ID: "b"}},
		Connections: []Connection{
			{From: "a", To: "b", Type: "arrow"},
			{From: "a", To: "b"}, // defaults to "arrow" too
		},
	}
	err := Validate(doc)
	require.Error(t, err)
}

func TestValidateRejectsHTML(t *testing.T) {
	doc := &Document{Notes: []Note{{ID: "a", Content: "hello <b>world</b>"}}}
	err := Validate(doc)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalid, apperr.Classify(err))
}

func TestValidateAllowsMarkdown(t *testing.T) {
	doc := &Document{Notes: []Note{{ID: "a", Content: "**bold** and _italic_ < 5"}}}
	require.NoError(t, Validate(doc))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := ""
	for i > 0 {
		digits = string(rune('0'+i%10)) + digits
		i /= 10
	}
	return digits
}
