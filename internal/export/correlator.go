package export

import (
	"fmt"

	"shotline/internal/services"
)

// Wire partitions a run's tasks into full and preview sets and subscribes
// each full task to the preview sharing its shot identity. Two previews
// claiming the same identity fail the run outright rather than racing for
// the pairing. Wiring happens before any task starts, so a preview can never
// finish unobserved.
func Wire(tasks []Task) error {
	previews := make(map[ShotIdentity]*PreviewTask)
	fulls := make([]*FullTask, 0, len(tasks))
	for _, task := range tasks {
		switch task := task.(type) {
		case *PreviewTask:
			if _, dup := previews[task.Shot()]; dup {
				return services.Wrap(services.ErrValidation, "export", "wire",
					fmt.Sprintf("shot %q has more than one preview task", task.Shot()), nil)
			}
			previews[task.Shot()] = task
		case *FullTask:
			fulls = append(fulls, task)
		}
	}

	for _, full := range fulls {
		preview, ok := previews[full.Shot()]
		full.setExpectPreview(ok)
		if !ok {
			continue
		}
		preview.subscribe(full.OnPreviewReady, full.OnPreviewFailed)
	}
	return nil
}

// NodeKind classifies export-tree nodes.
type NodeKind string

const (
	KindGroup   NodeKind = "group"
	KindPreview NodeKind = "preview"
	KindFull    NodeKind = "full"
)

// TreeNode is one node of a run's export tree: a group, or a leaf carrying a
// task configuration.
type TreeNode struct {
	Name     string
	Kind     NodeKind
	Config   TaskConfig
	Children []*TreeNode
}

// PrunePreviews removes every preview leaf from the tree, and any group left
// empty by the removal, depth-first. It is applied before task instantiation
// when upload is disabled for the run, so no preview is rendered for an
// upload nobody will perform. Returns nil when the whole tree is pruned.
func PrunePreviews(node *TreeNode) *TreeNode {
	if node == nil {
		return nil
	}
	if node.Kind == KindPreview {
		return nil
	}
	if node.Kind != KindGroup {
		return node
	}
	kept := node.Children[:0]
	for _, child := range node.Children {
		if pruned := PrunePreviews(child); pruned != nil {
			kept = append(kept, pruned)
		}
	}
	node.Children = kept
	if len(kept) == 0 {
		return nil
	}
	return node
}

// Leaves collects the task configurations of every leaf under node in
// depth-first order.
func Leaves(node *TreeNode) []*TreeNode {
	if node == nil {
		return nil
	}
	if node.Kind != KindGroup {
		return []*TreeNode{node}
	}
	var leaves []*TreeNode
	for _, child := range node.Children {
		leaves = append(leaves, Leaves(child)...)
	}
	return leaves
}
