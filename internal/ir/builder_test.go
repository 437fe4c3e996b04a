package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderStraightLineBlock(t *testing.T) {
	f := NewFunction()
	entry := f.CreateBlock()
	entry.MarkEntry()
	b := NewBuilder(f, entry)

	c1 := b.Const(TypeI64, 10)
	c2 := b.Const(TypeI64, 32)
	sum := b.BinOp(OpIAdd, TypeI64, c1, c2)
	b.Store(TypeI64, sum, sum)

	exit := f.CreateBlock()
	b.Jump(exit)

	b2 := NewBuilder(f, exit)
	b2.ExitFunction(sum, ExitHintJump, nil, 0, false)

	require.Len(t, f.Blocks(), 2)
	require.True(t, entry.EntryBlock())
	require.Len(t, entry.Succs(), 1)
	require.Same(t, exit, entry.Succs()[0])
	require.Len(t, exit.Preds(), 1)

	var ops []Opcode
	for _, i := range entry.Instructions() {
		ops = append(ops, i.Opcode())
	}
	require.Equal(t, []Opcode{OpIConst, OpIConst, OpIAdd, OpStore, OpJump}, ops)
}

func TestCondJumpSuccessors(t *testing.T) {
	f := NewFunction()
	entry := f.CreateBlock()
	t1 := f.CreateBlock()
	t2 := f.CreateBlock()
	b := NewBuilder(f, entry)
	b.CondJumpFromNZCV(0, t1, t2)
	require.ElementsMatch(t, []*BasicBlock{t1, t2}, entry.Succs())
	require.True(t, entry.Tail().IsTerminator())
}

func TestRematCostTable(t *testing.T) {
	f := NewFunction()
	blk := f.CreateBlock()
	b := NewBuilder(f, blk)
	c := b.Const(TypeI64, 1)
	_ = c
	addr := b.Const(TypeI64, 0)
	ld := b.Load(TypeI64, addr)
	sum := b.BinOp(OpIAdd, TypeI64, ld, ld)

	var constI, loadI, addI *Instruction
	for _, i := range blk.Instructions() {
		switch i.Return() {
		case c:
			constI = i
		case ld:
			loadI = i
		case sum:
			addI = i
		}
	}
	require.Equal(t, 1, constI.RematCost())
	require.Equal(t, 10, loadI.RematCost())
	require.Equal(t, 1000, addI.RematCost())
}
