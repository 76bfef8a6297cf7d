package crdt

import (
	"encoding/json"

	"github.com/mindmeld/collabd/internal/crdtcore/common"
)

// Node is one addressable node in a mind-map's CRDT replica. Every
// concrete node kind (constant, LWW value, LWW object, RGA string,
// root) implements this; see object_node.go, value_node.go,
// string_node.go, constant_node.go, root_node.go for the kinds this
// package actually keeps live.
type Node interface {
	// ID returns the node's logical-clock identifier.
	ID() common.LogicalTimestamp

	// Type returns the node's wire type tag.
	Type() common.NodeType

	// Value returns the node's current materialized value.
	Value() interface{}

	json.Marshaler
	json.Unmarshaler

	// IsRoot reports whether this node carries the document's fixed
	// root ID.
	IsRoot() bool
}

// RGAElement is one character slot in an RGAStringNode's Replicated
// Growable Array: tombstoned rather than removed on delete so
// concurrent inserts anchored to it still resolve.
type RGAElement struct {
	NodeId      common.LogicalTimestamp `json:"id"`
	NodeValue   interface{}             `json:"value"`
	NodeDeleted bool                    `json:"deleted"`
}
