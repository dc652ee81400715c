package evolution

import (
	"sort"

	"github.com/baldhumanity/nwse-go/nwse/network"
)

// TreeNode wraps one individual of the lineage forest.
type TreeNode struct {
	Network  *network.Network // nil for the virtual root
	Parent   *TreeNode
	Children []*TreeNode
	Depth    int // Distance from the virtual root
}

// GenomeID is the id of the wrapped genome, or 0 for the virtual root.
func (n *TreeNode) GenomeID() int {
	if n.Network == nil {
		return 0
	}
	return n.Network.Genome.ID
}

// Tree is the append-only ancestry record of a population. Generation-0
// individuals hang under a virtual root.
type Tree struct {
	Root  *TreeNode
	nodes map[int]*TreeNode
	depth int
}

// NewTree creates a tree holding only the virtual root.
func NewTree() *Tree {
	return &Tree{Root: &TreeNode{}, nodes: make(map[int]*TreeNode)}
}

// Plant adds a founder individual under the virtual root.
func (t *Tree) Plant(net *network.Network) *TreeNode {
	return t.Grow(t.Root, net)
}

// Grow adds net as a child of parent.
func (t *Tree) Grow(parent *TreeNode, net *network.Network) *TreeNode {
	child := &TreeNode{Network: net, Parent: parent, Depth: parent.Depth + 1}
	parent.Children = append(parent.Children, child)
	t.nodes[net.Genome.ID] = child
	if child.Depth > t.depth {
		t.depth = child.Depth
	}
	return child
}

// Search returns the node of a genome, or nil.
func (t *Tree) Search(genomeID int) *TreeNode {
	return t.nodes[genomeID]
}

// Depth is the number of generations along the deepest lineage.
func (t *Tree) Depth() int {
	return t.depth
}

// Count is the number of individuals ever added.
func (t *Tree) Count() int {
	return len(t.nodes)
}

// NearestNodes returns the individuals within maxDistance tree edges of node,
// excluding node itself and the virtual root. Paths may pass through the root,
// so founders are two edges apart. Results are ordered by distance, then
// genome id.
func (t *Tree) NearestNodes(node *TreeNode, maxDistance int) []*TreeNode {
	type entry struct {
		n    *TreeNode
		dist int
	}
	visited := map[*TreeNode]bool{node: true}
	queue := []entry{{node, 0}}
	var found []entry
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.dist == maxDistance {
			continue
		}
		neighbours := append([]*TreeNode{}, cur.n.Children...)
		if cur.n.Parent != nil {
			neighbours = append(neighbours, cur.n.Parent)
		}
		for _, nb := range neighbours {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			e := entry{nb, cur.dist + 1}
			queue = append(queue, e)
			if nb != t.Root {
				found = append(found, e)
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].dist != found[j].dist {
			return found[i].dist < found[j].dist
		}
		return found[i].n.GenomeID() < found[j].n.GenomeID()
	})
	out := make([]*TreeNode, len(found))
	for i, e := range found {
		out[i] = e.n
	}
	return out
}
