package crdt

import (
	"fmt"

	"notecollab/luvjson/common"
)

// SetRoot points the document's root node at an already-created node,
// exercised once per Document (crdtdoc.New wires the well-known content
// and comments containers under it).
func (d *Document) SetRoot(nodeID common.LogicalTimestamp) error {
	rootNode := d.Root()
	if rootNode == nil {
		return fmt.Errorf("root node not found")
	}

	targetNode, err := d.GetNode(nodeID)
	if err != nil {
		return fmt.Errorf("target node not found: %w", err)
	}

	if rootLWW, ok := rootNode.(*RootNode); ok {
		rootLWW.NodeValue = targetNode
	} else if rootLWW, ok := rootNode.(*LWWValueNode); ok {
		rootLWW.SetValue(nodeID, targetNode)
	} else {
		return fmt.Errorf("unexpected root node type: %T", rootNode)
	}

	return nil
}
