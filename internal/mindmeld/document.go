// Package mindmeld parses and validates the MindMeld JSON document
// shape (spec §3) that the Map Repository stores as state_json. The
// closed-record approach — reject unknown fields on ingress — follows
// the design note's "dynamic shapes → closed variants" guidance, with
// the REST side choosing reject rather than ignore per spec §9.
package mindmeld

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mindmeld/collabd/internal/apperr"
)

// Limits enforced on write (spec §3 "Document limits").
const (
	MaxNoteContentLen = 10_000
	MaxNotes          = 1_000
	MaxConnections    = 2_000
)

// Note is one mind-map note.
type Note struct {
	ID      string     `json:"i"`
	Content string     `json:"c"`
	Pos     [2]float64 `json:"p"`
	Color   *string    `json:"color,omitempty"`
}

// Connection is a directed edge between two notes.
type Connection struct {
	From string `json:"f"`
	To   string `json:"t"`
	Type string `json:"type,omitempty"`
}

// Meta carries document-level metadata.
type Meta struct {
	Version    string   `json:"version"`
	Created    string   `json:"created"`
	Modified   string   `json:"modified"`
	ZoomLevel  *float64 `json:"zoomLevel,omitempty"`
	CanvasType *string  `json:"canvasType,omitempty"`
	MapName    *string  `json:"mapName,omitempty"`
}

// Document is the MindMeld document shape stored as state_json.
type Document struct {
	Notes       []Note       `json:"n"`
	Connections []Connection `json:"c"`
	Meta        Meta         `json:"meta"`
}

// connKey is the identity tuple of a connection: (from, to, type).
type connKey struct {
	From, To, Type string
}

// Parse decodes raw JSON into a Document, rejecting unknown top-level
// and nested fields (spec §9's "reject on REST ingress" policy).
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalid, "malformed mindmeld document", err)
	}
	if dec.More() {
		return nil, apperr.New(apperr.KindInvalid, "trailing data after mindmeld document")
	}
	return &doc, nil
}

// Validate checks the invariants and limits from spec §3. It does not
// mutate doc.
func Validate(doc *Document) error {
	if len(doc.Notes) > MaxNotes {
		return apperr.New(apperr.KindTooLarge, fmt.Sprintf("too many notes: %d > %d", len(doc.Notes), MaxNotes))
	}
	if len(doc.Connections) > MaxConnections {
		return apperr.New(apperr.KindTooLarge, fmt.Sprintf("too many connections: %d > %d", len(doc.Connections), MaxConnections))
	}

	noteIDs := make(map[string]struct{}, len(doc.Notes))
	for _, n := range doc.Notes {
		if n.ID == "" {
			return apperr.New(apperr.KindInvalid, "note missing id")
		}
		if _, dup := noteIDs[n.ID]; dup {
			return apperr.New(apperr.KindInvalid, "duplicate note id: "+n.ID)
		}
		noteIDs[n.ID] = struct{}{}

		if len(n.Content) > MaxNoteContentLen {
			return apperr.New(apperr.KindTooLarge, fmt.Sprintf("note %s content too long: %d > %d", n.ID, len(n.Content), MaxNoteContentLen))
		}
		if containsHTML(n.Content) {
			return apperr.New(apperr.KindInvalid, "note "+n.ID+" content contains HTML, markdown only")
		}
	}

	seen := make(map[connKey]struct{}, len(doc.Connections))
	for _, c := range doc.Connections {
		if c.From == c.To {
			return apperr.New(apperr.KindInvalid, "connection endpoints must differ: "+c.From)
		}
		if _, ok := noteIDs[c.From]; !ok {
			return apperr.New(apperr.KindInvalid, "connection references unknown note: "+c.From)
		}
		if _, ok := noteIDs[c.To]; !ok {
			return apperr.New(apperr.KindInvalid, "connection references unknown note: "+c.To)
		}
		ctype := c.Type
		if ctype == "" {
			ctype = "arrow"
		}
		key := connKey{From: c.From, To: c.To, Type: ctype}
		if _, dup := seen[key]; dup {
			return apperr.New(apperr.KindInvalid, fmt.Sprintf("duplicate connection (%s,%s,%s)", c.From, c.To, ctype))
		}
		seen[key] = struct{}{}
	}

	return nil
}

// containsHTML is a conservative tag-shaped-substring scan: anything
// that looks like "<word" or a known void tag is rejected. Markdown
// never legitimately contains an unescaped "<" followed by a letter,
// so this has no meaningful false-positive rate for real mind-map
// notes.
func containsHTML(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '<' {
			c := s[i+1]
			if c == '/' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '!' {
				return true
			}
		}
	}
	return false
}

// Canonical returns compact JSON for the document, suitable for
// storing as state_json and for computing size_bytes.
func Canonical(doc *Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "encode mindmeld document", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ConnectionKey returns the canonical (from,to,type) identity string
// for a connection, used by the Document Registry as a stable CRDT
// connection id (spec §3).
func ConnectionKey(from, to, ctype string) string {
	if ctype == "" {
		ctype = "arrow"
	}
	return strings.Join([]string{from, to, ctype}, "\x1f")
}
