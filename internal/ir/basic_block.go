package ir

// BasicBlockID is the unique, monotonically assigned id of a BasicBlock
// within a CodeBlock.
type BasicBlockID uint32

// BasicBlock is a straight-line sequence of Instructions ending in exactly
// one terminator. It carries no block-argument PHI support: x86 lifting
// produces one IR value per live guest register per block directly (the
// frontend, out of scope here, owns SSA renaming), so BasicBlock only
// needs to record instructions and successors/predecessors for the
// register allocator's liveness pass.
type BasicBlock struct {
	id                      BasicBlockID
	root, tail              *Instruction
	preds, succs            []*BasicBlock
	entry, returnBlock      bool
	valid                   bool
}

// NewBasicBlock allocates a fresh, valid, empty BasicBlock with the given id.
func NewBasicBlock(id BasicBlockID) *BasicBlock {
	return &BasicBlock{id: id, valid: true}
}

func (b *BasicBlock) ID() BasicBlockID { return b.id }
func (b *BasicBlock) Root() *Instruction { return b.root }
func (b *BasicBlock) Tail() *Instruction { return b.tail }
func (b *BasicBlock) Valid() bool        { return b.valid }
func (b *BasicBlock) EntryBlock() bool   { return b.entry }
func (b *BasicBlock) ReturnBlock() bool  { return b.returnBlock }
func (b *BasicBlock) Preds() []*BasicBlock { return b.preds }
func (b *BasicBlock) Succs() []*BasicBlock { return b.succs }

// MarkEntry/MarkReturn are set by the Builder when it knows a block is the
// function's unique entry, or ends in an ExitFunction(Hint=Return).
func (b *BasicBlock) MarkEntry()  { b.entry = true }
func (b *BasicBlock) MarkReturn() { b.returnBlock = true }

// InsertInstruction appends instr to the tail of b, wiring prev/next links.
func (b *BasicBlock) InsertInstruction(instr *Instruction) {
	instr.block = b
	if b.root == nil {
		b.root, b.tail = instr, instr
		return
	}
	b.tail.next = instr
	instr.prev = b.tail
	b.tail = instr
}

// addSucc/addPred link b to s as a CFG edge; called by Builder when emitting
// terminators.
func (b *BasicBlock) addSucc(s *BasicBlock) {
	b.succs = append(b.succs, s)
	s.preds = append(s.preds, b)
}

// Instructions returns every instruction in b in program order.
func (b *BasicBlock) Instructions() []*Instruction {
	var out []*Instruction
	for i := b.root; i != nil; i = i.next {
		out = append(out, i)
	}
	return out
}

// InsertBefore splices instr into b immediately before ref. ref must
// currently belong to b. Used by internal/regalloc to materialize
// SpillRegister/FillRegister instructions at the exact points a spill
// decision requires them.
func (b *BasicBlock) InsertBefore(ref, instr *Instruction) {
	instr.block = b
	instr.prev = ref.prev
	instr.next = ref
	if ref.prev != nil {
		ref.prev.next = instr
	} else {
		b.root = instr
	}
	ref.prev = instr
}
