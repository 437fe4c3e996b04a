package ir

// Function is one translated block's IR: an OpHeader instruction followed
// by its BasicBlocks in program order. Block order is the program order
// the register allocator uses to compute live ranges, so Function.Blocks()
// is authoritative order, not just a set.
type Function struct {
	blocks  []*BasicBlock
	header  *Instruction
	nextVal Value
	nextBlk BasicBlockID
}

// NewFunction creates an empty Function with its OpHeader instruction.
func NewFunction() *Function {
	f := &Function{nextVal: ValueInvalid + 1}
	f.header = &Instruction{opcode: OpHeader}
	return f
}

// CreateBlock allocates and appends a new, empty BasicBlock.
func (f *Function) CreateBlock() *BasicBlock {
	b := NewBasicBlock(f.nextBlk)
	f.nextBlk++
	f.blocks = append(f.blocks, b)
	f.header.blocks = append(f.header.blocks, b)
	return b
}

// Blocks returns every block in program order.
func (f *Function) Blocks() []*BasicBlock { return f.blocks }

// Header returns the function's OpHeader instruction.
func (f *Function) Header() *Instruction { return f.header }

func (f *Function) allocValue() Value {
	v := f.nextVal
	f.nextVal++
	return v
}

// AllocValue reserves and returns a fresh Value id, for use by passes (such
// as internal/regalloc) that synthesize new instructions after the frontend
// has finished building f.
func (f *Function) AllocValue() Value { return f.allocValue() }

// Builder inserts instructions into a specific block of a Function. It
// carries no block-sealing step (see BasicBlock's doc comment for why
// that's unnecessary here).
type Builder struct {
	f   *Function
	blk *BasicBlock
}

// NewBuilder returns a Builder appending to blk within f.
func NewBuilder(f *Function, blk *BasicBlock) *Builder {
	return &Builder{f: f, blk: blk}
}

// SetBlock redirects subsequent inserts to blk.
func (b *Builder) SetBlock(blk *BasicBlock) { b.blk = blk }

func (b *Builder) insert(instr *Instruction) {
	b.blk.InsertInstruction(instr)
}

// Const emits an OpIConst producing a value of type typ with immediate imm.
func (b *Builder) Const(typ Type, imm int64) Value {
	v := b.f.allocValue()
	b.insert(&Instruction{opcode: OpIConst, typ: typ, imm: imm, rValue: v})
	return v
}

// BinOp emits a binary arithmetic/logic instruction (IAdd, ISub, IAnd, ...).
func (b *Builder) BinOp(op Opcode, typ Type, x, y Value) Value {
	v := b.f.allocValue()
	b.insert(&Instruction{opcode: op, typ: typ, v1: x, v2: y, rValue: v})
	return v
}

// Load emits an OpLoad of typ from the address value addr.
func (b *Builder) Load(typ Type, addr Value) Value {
	v := b.f.allocValue()
	b.insert(&Instruction{opcode: OpLoad, typ: typ, v1: addr, rValue: v})
	return v
}

// Store emits an OpStore of val (typed typ) to address addr.
func (b *Builder) Store(typ Type, addr, val Value) {
	b.insert(&Instruction{opcode: OpStore, typ: typ, v1: addr, v2: val})
}

// VecBinOp emits a lane-wise vector binary op.
func (b *Builder) VecBinOp(op Opcode, carrier, elem Type, x, y Value) Value {
	v := b.f.allocValue()
	b.insert(&Instruction{opcode: op, typ: carrier, elemTyp: elem, v1: x, v2: y, rValue: v})
	return v
}

// Jump terminates the current block with an unconditional Jump to target.
func (b *Builder) Jump(target *BasicBlock) {
	b.insert(&Instruction{opcode: OpJump, target: target})
	b.blk.addSucc(target)
}

// CondJumpFromNZCV terminates the current block with a CondJump whose
// condition reads the NZCV flags set by the prior comparison.
func (b *Builder) CondJumpFromNZCV(condCode uint8, trueBlk, falseBlk *BasicBlock) {
	b.insert(&Instruction{
		opcode: OpCondJump, cond: CondFromNZCV, condCode: condCode,
		trueBlock: trueBlk, falseBlock: falseBlk,
	})
	b.blk.addSucc(trueBlk)
	b.blk.addSucc(falseBlk)
}

// CondJumpFromCompare terminates the current block with a CondJump whose
// condition compares cmp1/cmp2 directly.
func (b *Builder) CondJumpFromCompare(condCode uint8, cmp1, cmp2 Value, trueBlk, falseBlk *BasicBlock) {
	b.insert(&Instruction{
		opcode: OpCondJump, cond: CondFromCompare, condCode: condCode,
		v1: cmp1, v2: cmp2, trueBlock: trueBlk, falseBlock: falseBlk,
	})
	b.blk.addSucc(trueBlk)
	b.blk.addSucc(falseBlk)
}

// ExitFunction terminates the current block with an ExitFunction to newRIP
// with the given hint. For ExitHintCall, crb/cra are the synthetic
// call-return block/address recorded for the shadow stack (internal/dispatch).
func (b *Builder) ExitFunction(newRIP Value, hint ExitHint, crb *BasicBlock, cra uint64, hasCRA bool) {
	b.insert(&Instruction{
		opcode: OpExitFunction, v1: newRIP, exitHint: hint,
		callReturnBlock: crb, callReturnAddr: cra, hasCallReturnAddr: hasCRA,
	})
	if hint == ExitHintReturn {
		b.blk.MarkReturn()
	}
}
