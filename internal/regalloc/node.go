package regalloc

import "github.com/crosshatch-emu/crosshatch/internal/ir"

// node is one interference-graph node: a VReg, its live range, and its
// neighbor set, kept in both an adjacency-set (bitset, for O(1)
// membership test during coloring) and a neighbor-list (slice, for O(deg)
// iteration when picking a spill victim) representation.
type node struct {
	v     VReg
	def   *ir.Instruction
	rng   liveRange
	remat int
	color RealReg

	neighborBits bitset
	neighborList []*node
	index        int // index into Allocator.nodes, used as the bitset bit position
}

func (n *node) addNeighbor(o *node) {
	if n.neighborBits.has(uint(o.index)) {
		return
	}
	n.neighborBits.set(uint(o.index))
	n.neighborList = append(n.neighborList, o)
}

func (n *node) interferesWith(o *node) bool {
	return n.v.Class() == o.v.Class() && n.rng.intersects(o.rng)
}
