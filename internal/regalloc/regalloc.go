package regalloc

import (
	"fmt"
	"sort"

	"github.com/crosshatch-emu/crosshatch/internal/ir"
)

// Result is the outcome of a successful Allocate: a mapping from VRegID to
// the RealReg it was colored with, plus the spill-slot stack-frame size —
// a per-function area sized to the high-water slot count.
type Result struct {
	Assignment     map[VRegID]RealReg
	SpillSlotCount int
}

// Allocator runs an interference-graph register allocator. One Allocator
// is reused across many Allocate calls (one per translated block) to
// amortize scratch-slice allocation across calls instead of reallocating
// it every time.
type Allocator struct {
	info *RegisterInfo

	nodes      []*node
	byValue    map[ir.Value]*node
	allInstr   []instrPos
	maxIters   int
	spillSlots int
}

type instrPos struct {
	instr *ir.Instruction
	blk   *ir.BasicBlock
	pos   programCounter
}

// NewAllocator returns an Allocator configured for the backend's register
// file.
func NewAllocator(info *RegisterInfo) *Allocator {
	return &Allocator{info: info, maxIters: 64}
}

// ErrUnallocatable is returned when a value of some class has no candidate
// register at all (RegisterInfo.AllocatableRegisters[class] is empty) —
// a configuration error, never a property of the input program.
var ErrUnallocatable = fmt.Errorf("regalloc: no allocatable registers for class")

// Allocate colors every virtual register used in f, inserting
// SpillRegister/FillRegister instructions as needed, and returns the final
// VReg->RealReg assignment. It repeats compaction+coloring until a pass
// produces no new spills, or AOT mode (allowSpill=false) hits a spill it
// cannot satisfy.
func (a *Allocator) Allocate(f *ir.Function, allowSpill bool) (Result, error) {
	a.spillSlots = 0
	for iter := 0; ; iter++ {
		a.reset()
		a.assignPositions(f)
		a.buildNodes(f)
		a.buildInterference()
		reqs, err := a.colorAll()
		if err != nil {
			return Result{}, err
		}
		if len(reqs) == 0 {
			return a.finalize(), nil
		}
		if !allowSpill {
			return Result{}, fmt.Errorf("regalloc: spill required but disallowed (AOT path)")
		}
		if iter >= a.maxIters {
			return Result{}, fmt.Errorf("regalloc: did not converge after %d iterations", iter)
		}
		a.applySpills(f, reqs)
	}
}

func (a *Allocator) reset() {
	a.nodes = a.nodes[:0]
	a.byValue = make(map[ir.Value]*node)
	a.allInstr = a.allInstr[:0]
}

// assignPositions lays out every instruction of every block, in block
// order, with a strictly increasing programCounter. Block order is the
// program order the register allocator uses to compute live ranges.
func (a *Allocator) assignPositions(f *ir.Function) {
	var pc programCounter
	for _, blk := range f.Blocks() {
		for _, instr := range blk.Instructions() {
			a.allInstr = append(a.allInstr, instrPos{instr: instr, blk: blk, pos: pc})
			pc++
		}
	}
}

// buildNodes creates one interference-graph node per SSA value defined in
// f, with its live range computed as [def, last use]: each def starts a
// range, and each use extends End to its position.
func (a *Allocator) buildNodes(f *ir.Function) {
	for _, ip := range a.allInstr {
		v := ip.instr.Return()
		if !v.Valid() {
			continue
		}
		class := regClassOf(ip.instr)
		n := &node{
			v:     NewVReg(VRegID(v), class),
			def:   ip.instr,
			rng:   liveRange{begin: ip.pos, end: ip.pos},
			remat: ip.instr.RematCost(),
		}
		n.index = len(a.nodes)
		a.nodes = append(a.nodes, n)
		a.byValue[v] = n
	}
	for _, ip := range a.allInstr {
		v1, v2, v3, vs := ip.instr.Args()
		for _, use := range []ir.Value{v1, v2, v3} {
			a.extendRange(use, ip.pos)
		}
		for _, use := range vs {
			a.extendRange(use, ip.pos)
		}
	}
}

func (a *Allocator) extendRange(v ir.Value, pos programCounter) {
	if !v.Valid() {
		return
	}
	n, ok := a.byValue[v]
	if !ok {
		return
	}
	if pos > n.rng.end {
		n.rng.end = pos
	}
}

// regClassOf determines a defined value's register class from its defining
// instruction: FillRegister/SpillRegister inherit the type of the value
// they move, everything else uses ir.DefaultRegClass of its result Type.
func regClassOf(instr *ir.Instruction) RegClass {
	return ir.DefaultRegClass(instr.Type())
}

// buildInterference wires neighbor edges between any two same-class nodes
// whose live ranges intersect: node i interferes with node j iff their
// ranges overlap.
func (a *Allocator) buildInterference() {
	for i, n := range a.nodes {
		for _, m := range a.nodes[i+1:] {
			if n.interferesWith(m) {
				n.addNeighbor(m)
				m.addNeighbor(n)
			}
		}
	}
}

// spillReq pairs a node chosen for eviction with the instruction whose
// coloring attempt triggered the eviction: the point before which
// SpillRegister is emitted.
type spillReq struct {
	victim *node
	at     *ir.Instruction
}

// colorAll greedily colors each class's nodes in SSA (def-position) order.
// Nodes that cannot be colored trigger an eviction (or, if nothing can be
// evicted, spill the node being colored itself) and are returned for the
// caller to materialize as real SpillRegister/FillRegister instructions.
func (a *Allocator) colorAll() ([]spillReq, error) {
	var reqs []spillReq
	seen := make(map[*node]struct{})
	record := func(n *node, at *ir.Instruction) {
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		reqs = append(reqs, spillReq{victim: n, at: at})
	}
	for class := RegClass(1); int(class) < NumRegClass; class++ {
		regs := a.info.AllocatableRegisters[class]
		var classNodes []*node
		for _, n := range a.nodes {
			if n.v.Class() == class {
				classNodes = append(classNodes, n)
			}
		}
		sort.Slice(classNodes, func(i, j int) bool { return classNodes[i].rng.begin < classNodes[j].rng.begin })
		if len(regs) == 0 && len(classNodes) > 0 {
			return nil, ErrUnallocatable
		}
		for _, n := range classNodes {
			if n.v.IsRealReg() {
				n.color = n.v.RealReg()
				continue
			}
			if c, ok := a.pickColor(n, regs); ok {
				n.color = c
				continue
			}
			victim := a.pickSpillVictim(n)
			if victim == nil {
				// No colored neighbor to evict: the node being colored
				// is itself spilled at its own definition point.
				record(n, n.def)
				continue
			}
			record(victim, n.def)
			// Optimistically color n with the freed register; if a later
			// pass (after applySpills rewrites victim's live range) finds
			// this wrong, recoloring happens naturally next iteration.
			n.color = victim.color
		}
	}
	return reqs, nil
}

// pickColor returns the first allocatable register not used by any already
// colored, still-live neighbor of n.
func (a *Allocator) pickColor(n *node, regs []RealReg) (RealReg, bool) {
	used := make(map[RealReg]struct{}, len(n.neighborList))
	for _, nb := range n.neighborList {
		if nb.color != RealRegInvalid {
			used[nb.color] = struct{}{}
		}
	}
	for _, r := range regs {
		if _, taken := used[r]; !taken {
			return r, true
		}
	}
	return RealRegInvalid, false
}

// pickSpillVictim implements the eviction rule: among live interferers
// past the current op's end, prefer rematerializing constants
// (RematCost==1); otherwise pick the one with furthest End (longest live
// range) tie-broken by lowest remat cost.
func (a *Allocator) pickSpillVictim(n *node) *node {
	var candidates []*node
	for _, nb := range n.neighborList {
		if nb.color != RealRegInvalid && nb.rng.end > n.def_Pos() {
			candidates = append(candidates, nb)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	var remats []*node
	for _, c := range candidates {
		if c.remat == 1 {
			remats = append(remats, c)
		}
	}
	pool := candidates
	if len(remats) > 0 {
		pool = remats
	}
	best := pool[0]
	for _, c := range pool[1:] {
		if c.rng.end > best.rng.end || (c.rng.end == best.rng.end && c.remat < best.remat) {
			best = c
		}
	}
	return best
}

func (n *node) def_Pos() programCounter { return n.rng.begin }

func (a *Allocator) finalize() Result {
	res := Result{Assignment: make(map[VRegID]RealReg, len(a.nodes))}
	for _, n := range a.nodes {
		res.Assignment[n.v.ID()] = n.color
	}
	res.SpillSlotCount = a.spillSlots
	return res
}

// applySpills materializes each spillReq as real SpillRegister/FillRegister
// instructions in f: emit SpillRegister(value, slot) just before the
// current instruction and FillRegister(slot) just before its next use;
// rewrite all uses after that point to the fill's result.
func (a *Allocator) applySpills(f *ir.Function, reqs []spillReq) {
	for _, req := range reqs {
		victim, at := req.victim, req.at
		slot := a.spillSlots
		a.spillSlots++

		atBlk := a.blockOf(at)
		spillInstr := ir.NewSpillRegister(victim.def.Return(), victim.def.Type(), slot)
		atBlk.InsertBefore(at, spillInstr)

		nextUse, nextBlk := a.findNextUse(victim.def.Return(), a.posOf(at))
		if nextUse == nil {
			// Spilled but never used again past this point: nothing to
			// reload.
			continue
		}
		newVal := f.AllocValue()
		fillInstr := ir.NewFillRegister(newVal, victim.def.Type(), slot)
		nextBlk.InsertBefore(nextUse, fillInstr)

		a.rewriteUsesFrom(victim.def.Return(), newVal, a.posOf(nextUse))
	}
}

func (a *Allocator) blockOf(instr *ir.Instruction) *ir.BasicBlock {
	for _, ip := range a.allInstr {
		if ip.instr == instr {
			return ip.blk
		}
	}
	return nil
}

func (a *Allocator) posOf(instr *ir.Instruction) programCounter {
	for _, ip := range a.allInstr {
		if ip.instr == instr {
			return ip.pos
		}
	}
	return -1
}

// findNextUse returns the first instruction after pos (in program order)
// whose operands reference v, and the block it lives in.
func (a *Allocator) findNextUse(v ir.Value, pos programCounter) (*ir.Instruction, *ir.BasicBlock) {
	for _, ip := range a.allInstr {
		if ip.pos <= pos {
			continue
		}
		v1, v2, v3, vs := ip.instr.Args()
		if v1 == v || v2 == v || v3 == v {
			return ip.instr, ip.blk
		}
		for _, u := range vs {
			if u == v {
				return ip.instr, ip.blk
			}
		}
	}
	return nil, nil
}

// rewriteUsesFrom replaces old with newV in every instruction at or after
// pos, so every use after the spill point sees the fill's result (the
// fill itself, inserted just before the instruction at pos, is left
// alone — it's the definition of newV, not a use of old).
func (a *Allocator) rewriteUsesFrom(old, newV ir.Value, pos programCounter) {
	for _, ip := range a.allInstr {
		if ip.pos < pos {
			continue
		}
		ip.instr.ReplaceArg(old, newV)
	}
}
