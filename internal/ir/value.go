package ir

// Value identifies the SSA def that produced it, or ValueInvalid. Unlike
// wazevo's ssa.Value (which packs a Type into high bits for constant-folding
// convenience) crosshatch keeps Value a bare id and looks up Type from the
// defining Instruction, since x86 lifting never needs to fold a Value before
// its defining Instruction exists.
type Value uint32

// ValueInvalid is the zero Value, never produced by a real instruction.
const ValueInvalid Value = 0

// Valid reports whether v refers to a real instruction result.
func (v Value) Valid() bool { return v != ValueInvalid }
