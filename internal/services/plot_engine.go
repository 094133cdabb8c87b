package services

import (
	"fmt"
	"strings"

	"github.com/aiwuxian/cross-realm-atlas/internal/models"
)

// PlotEngine is the state machine over a world's ordered story nodes. Every
// method is pure: the input tree is never modified.
type PlotEngine struct{}

func NewPlotEngine() *PlotEngine {
	return &PlotEngine{}
}

// ApplyTransition applies an update proposed by the generation service.
// Ids that match no node are ignored, completed nodes never change again, and
// at most one node is active in the result.
func (pe *PlotEngine) ApplyTransition(tree []models.StoryNode, update models.PlotUpdate) []models.StoryNode {
	next := append(make([]models.StoryNode, 0, len(tree)), tree...)
	if update.IsEmpty() {
		return next
	}

	if i := indexOf(next, update.CompletedNodeID); i >= 0 {
		next[i].Status = models.NodeCompleted
	}

	activated := -1
	if i := indexOf(next, update.ActivatedNodeID); i >= 0 && next[i].Status != models.NodeCompleted {
		next[i].Status = models.NodeActive
		activated = i
	}

	enforceSingleActive(next, activated)
	return next
}

// IgnoredActivation reports whether update asks to re-activate a node that is
// already completed in tree. Such requests are dropped by ApplyTransition.
func (pe *PlotEngine) IgnoredActivation(tree []models.StoryNode, update models.PlotUpdate) bool {
	i := indexOf(tree, update.ActivatedNodeID)
	return i >= 0 && tree[i].Status == models.NodeCompleted
}

// CurrentChapter 返回唯一的 active 节点
func (pe *PlotEngine) CurrentChapter(tree []models.StoryNode) (models.StoryNode, bool) {
	for _, node := range tree {
		if node.Status == models.NodeActive {
			return node, true
		}
	}
	return models.StoryNode{}, false
}

// Normalize repairs a freshly generated tree: statuses are lower-cased and
// unknown ones become locked, repeated ids get a numeric suffix, and only the
// first active node stays active.
func (pe *PlotEngine) Normalize(tree []models.StoryNode) []models.StoryNode {
	next := make([]models.StoryNode, 0, len(tree))
	seen := make(map[string]bool, len(tree))
	for i, node := range tree {
		node.Status = models.NodeStatus(strings.ToLower(strings.TrimSpace(string(node.Status))))
		if !node.Status.Valid() {
			node.Status = models.NodeLocked
		}
		node.Type = models.NodeType(strings.ToLower(strings.TrimSpace(string(node.Type))))

		if node.ID == "" {
			node.ID = fmt.Sprintf("%d", i+1)
		}
		base := node.ID
		for n := 2; seen[node.ID]; n++ {
			node.ID = fmt.Sprintf("%s-%d", base, n)
		}
		seen[node.ID] = true

		next = append(next, node)
	}
	enforceSingleActive(next, -1)
	return next
}

// StatusSummary renders the plot status block sent with every turn.
func (pe *PlotEngine) StatusSummary(tree []models.StoryNode) string {
	if len(tree) == 0 {
		return "- (no plot nodes)"
	}
	lines := make([]string, 0, len(tree))
	for _, node := range tree {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", strings.ToUpper(string(node.Status)), node.Title, node.Description))
	}
	return strings.Join(lines, "\n")
}

// Progress 已完成节点数 / 总节点数
func (pe *PlotEngine) Progress(tree []models.StoryNode) (completed, total int) {
	for _, node := range tree {
		if node.Status == models.NodeCompleted {
			completed++
		}
	}
	return completed, len(tree)
}

// CountActive 统计 active 节点数
func CountActive(tree []models.StoryNode) int {
	n := 0
	for _, node := range tree {
		if node.Status == models.NodeActive {
			n++
		}
	}
	return n
}

func indexOf(tree []models.StoryNode, id string) int {
	if id == "" {
		return -1
	}
	for i, node := range tree {
		if node.ID == id {
			return i
		}
	}
	return -1
}

// enforceSingleActive keeps one active node: keep when it is a valid index,
// otherwise the first active one. Other active nodes before it are completed,
// those after it are locked again.
func enforceSingleActive(tree []models.StoryNode, keep int) {
	if keep < 0 {
		for i, node := range tree {
			if node.Status == models.NodeActive {
				keep = i
				break
			}
		}
		if keep < 0 {
			return
		}
	}
	for i := range tree {
		if i == keep || tree[i].Status != models.NodeActive {
			continue
		}
		if i < keep {
			tree[i].Status = models.NodeCompleted
		} else {
			tree[i].Status = models.NodeLocked
		}
	}
}
