package crdt

import (
	"fmt"

	"github.com/mindmeld/collabd/internal/crdtcore/common"
)

// CreateObject creates a new LWW object node and adds it to the
// document. The registry uses this once per map to build the root
// object holding the notes/connections/meta fields.
func (d *Document) CreateObject() (common.LogicalTimestamp, error) {
	// Generate a new ID for the object
	id := d.NextTimestamp()

	// Create a new object node
	node := NewLWWObjectNode(id)

	// Add the node to the document
	d.AddNode(node)

	return id, nil
}

// CreateString creates a new string node and adds it to the document.
func (d *Document) CreateString(value string) (common.LogicalTimestamp, error) {
	// Generate a new ID for the string
	id := d.NextTimestamp()

	// Create a new string node
	node := NewRGAStringNode(id)

	// If there's an initial value, insert it
	if value != "" {
		node.Insert(id, id, value)
	}

	// Add the node to the document
	d.AddNode(node)

	return id, nil
}

// SetRoot sets the root node of the document.
func (d *Document) SetRoot(nodeID common.LogicalTimestamp) error {
	// Get the root node
	rootNode := d.Root()
	if rootNode == nil {
		return fmt.Errorf("root node not found")
	}

	// Get the target node
	targetNode, err := d.GetNode(nodeID)
	if err != nil {
		return fmt.Errorf("target node not found: %w", err)
	}

	// Set the root value to the target node
	if rootLWW, ok := rootNode.(*RootNode); ok {
		rootLWW.NodeValue = targetNode
	} else if rootLWW, ok := rootNode.(*LWWValueNode); ok {
		rootLWW.SetValue(nodeID, targetNode)
	} else {
		return fmt.Errorf("unexpected root node type: %T", rootNode)
	}

	return nil
}
