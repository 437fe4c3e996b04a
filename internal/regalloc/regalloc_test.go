package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshatch-emu/crosshatch/internal/ir"
)

func twoGPRInfo() *RegisterInfo {
	info := &RegisterInfo{NumSpillSlotBytes: 8}
	info.AllocatableRegisters[RegClassGPR] = []RealReg{1, 2}
	return info
}

// threeWayClique builds a block with three IConst values that are all
// simultaneously live (each feeds a later IAdd so their ranges overlap
// pairwise), forcing a spill with only two allocatable GPRs.
func threeWayClique() (*ir.Function, *ir.BasicBlock) {
	f := ir.NewFunction()
	blk := f.CreateBlock()
	blk.MarkEntry()
	b := ir.NewBuilder(f, blk)

	c1 := b.Const(ir.TypeI64, 1)
	c2 := b.Const(ir.TypeI64, 2)
	c3 := b.Const(ir.TypeI64, 3)
	s1 := b.BinOp(ir.OpIAdd, ir.TypeI64, c1, c2)
	s2 := b.BinOp(ir.OpIAdd, ir.TypeI64, s1, c3)
	b.ExitFunction(s2, ir.ExitHintReturn, nil, 0, false)
	return f, blk
}

func TestAllocateSpillsUnderPressure(t *testing.T) {
	f, _ := threeWayClique()
	a := NewAllocator(twoGPRInfo())

	res, err := a.Allocate(f, true)
	require.NoError(t, err)
	require.Equal(t, 1, res.SpillSlotCount)

	var sawSpill, sawFill bool
	for _, blk := range f.Blocks() {
		for _, instr := range blk.Instructions() {
			switch instr.Opcode() {
			case ir.OpSpillRegister:
				sawSpill = true
			case ir.OpFillRegister:
				sawFill = true
			}
		}
	}
	require.True(t, sawSpill, "expected a SpillRegister instruction to be inserted")
	require.True(t, sawFill, "expected a FillRegister instruction to be inserted")
}

func TestAllocateNoSpillFitsInRegisters(t *testing.T) {
	f := ir.NewFunction()
	blk := f.CreateBlock()
	blk.MarkEntry()
	b := ir.NewBuilder(f, blk)
	c1 := b.Const(ir.TypeI64, 1)
	c2 := b.Const(ir.TypeI64, 2)
	sum := b.BinOp(ir.OpIAdd, ir.TypeI64, c1, c2)
	b.ExitFunction(sum, ir.ExitHintReturn, nil, 0, false)

	a := NewAllocator(twoGPRInfo())
	res, err := a.Allocate(f, true)
	require.NoError(t, err)
	require.Equal(t, 0, res.SpillSlotCount)
	require.Len(t, res.Assignment, 3)
}

func TestAllocateAOTRejectsRequiredSpill(t *testing.T) {
	f, _ := threeWayClique()
	a := NewAllocator(twoGPRInfo())

	_, err := a.Allocate(f, false)
	require.Error(t, err)
}

func TestAllocateUnallocatableClass(t *testing.T) {
	f := ir.NewFunction()
	blk := f.CreateBlock()
	blk.MarkEntry()
	b := ir.NewBuilder(f, blk)
	c := b.Const(ir.TypeI64, 1)
	b.ExitFunction(c, ir.ExitHintReturn, nil, 0, false)

	info := &RegisterInfo{} // no GPRs at all
	a := NewAllocator(info)
	_, err := a.Allocate(f, true)
	require.ErrorIs(t, err, ErrUnallocatable)
}

// TestPickSpillVictimPrefersRematerializableConstant verifies the
// eviction rule: among candidate neighbors, a constant (RematCost 1) is
// evicted ahead of a longer-lived non-constant.
func TestPickSpillVictimPrefersRematerializableConstant(t *testing.T) {
	a := NewAllocator(twoGPRInfo())

	constNode := &node{
		v:     NewVReg(1, RegClassGPR),
		remat: 1,
		rng:   liveRange{begin: 0, end: 10},
		color: 1,
	}
	loadNode := &node{
		v:     NewVReg(2, RegClassGPR),
		remat: 10,
		rng:   liveRange{begin: 1, end: 50},
		color: 2,
	}
	cur := &node{
		v:   NewVReg(3, RegClassGPR),
		rng: liveRange{begin: 2, end: 2},
	}
	constNode.index, loadNode.index, cur.index = 0, 1, 2
	cur.addNeighbor(constNode)
	cur.addNeighbor(loadNode)

	victim := a.pickSpillVictim(cur)
	require.Same(t, constNode, victim)
}

// TestPickSpillVictimPicksLongestRangeAmongEqualRemat verifies the tie-break:
// when no candidate is a remat-1 constant, the one with the furthest-out
// live range end is evicted.
func TestPickSpillVictimPicksLongestRangeAmongEqualRemat(t *testing.T) {
	a := NewAllocator(twoGPRInfo())

	short := &node{v: NewVReg(1, RegClassGPR), remat: 1000, rng: liveRange{begin: 0, end: 5}, color: 1}
	long := &node{v: NewVReg(2, RegClassGPR), remat: 1000, rng: liveRange{begin: 1, end: 20}, color: 2}
	cur := &node{v: NewVReg(3, RegClassGPR), rng: liveRange{begin: 2, end: 2}}
	short.index, long.index, cur.index = 0, 1, 2
	cur.addNeighbor(short)
	cur.addNeighbor(long)

	victim := a.pickSpillVictim(cur)
	require.Same(t, long, victim)
}

func TestAllocateConvergesWithinIterationLimit(t *testing.T) {
	f := ir.NewFunction()
	blk := f.CreateBlock()
	blk.MarkEntry()
	b := ir.NewBuilder(f, blk)

	// Ten constants all kept alive by a final chain of adds: heavy spilling
	// pressure against only two GPRs, but Allocate must still converge.
	vals := make([]ir.Value, 10)
	for i := range vals {
		vals[i] = b.Const(ir.TypeI64, int64(i))
	}
	acc := vals[0]
	for i := 1; i < len(vals); i++ {
		acc = b.BinOp(ir.OpIAdd, ir.TypeI64, acc, vals[i])
	}
	b.ExitFunction(acc, ir.ExitHintReturn, nil, 0, false)

	a := NewAllocator(twoGPRInfo())
	res, err := a.Allocate(f, true)
	require.NoError(t, err)
	require.True(t, res.SpillSlotCount > 0)
}
