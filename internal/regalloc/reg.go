// Package regalloc implements an interference-graph register allocator:
// liveness over one program-order numbering of all blocks, a
// bitset+neighbor-list interference graph, greedy
// per-class coloring, and a remat-cost-driven spill/evict policy. VReg
// packs a RealReg/RegClass/ID triple into a single uint64, and Allocator
// is built around a RegisterInfo supplied by the backend, generalized to
// four register classes for the x86 IR: GPR, FPR, GPRPair, Complex.
package regalloc

import (
	"fmt"

	"github.com/crosshatch-emu/crosshatch/internal/ir"
)

// RegClass re-exports ir.RegClass so call sites don't need to import both
// packages for the same concept.
type RegClass = ir.RegClass

const (
	RegClassGPR     = ir.RegClassGPR
	RegClassFPR     = ir.RegClassFPR
	RegClassGPRPair = ir.RegClassGPRPair
	RegClassComplex = ir.RegClassComplex
	NumRegClass     = int(ir.NumRegClass)
)

// RealReg identifies a physical host register, opaque to this package
// (the backend assigns meaning to reg numbers).
type RealReg uint8

// RealRegInvalid marks "not yet assigned" / "this VReg is virtual-only".
const RealRegInvalid RealReg = 0

// VReg is a virtual register: an identifier for one SSA value's storage
// location, optionally pre-colored to a RealReg (e.g. for ABI-fixed
// registers like a return-value register). Packed as
// RealReg(8) | RegClass(8) | ID(32), so comparing two VRegs as plain
// integers also compares their pre-coloring and class.
type VReg uint64

const vRegIDInvalid = 0

// VRegID is the identifying part of a VReg, independent of its RealReg.
type VRegID uint32

// NewVReg returns a virtual (not yet real-reg-assigned) VReg for id in the
// given class.
func NewVReg(id VRegID, class RegClass) VReg {
	return VReg(id).setRegClass(class)
}

// FromRealReg returns a VReg pinned to a specific physical register, used
// for ABI-fixed operands (e.g. the dividend register pair for LUDIV/LDIV).
func FromRealReg(r RealReg, class RegClass, id VRegID) VReg {
	return VReg(id).setRealReg(r).setRegClass(class)
}

func (v VReg) setRealReg(r RealReg) VReg {
	return VReg(r)<<32 | (v & 0x00_ff_ffffffff)
}

// RealReg returns the physical register this VReg is assigned to, or
// RealRegInvalid if still virtual.
func (v VReg) RealReg() RealReg { return RealReg(v >> 32) }

// IsRealReg reports whether this VReg has been (pre-)colored.
func (v VReg) IsRealReg() bool { return v.RealReg() != RealRegInvalid }

func (v VReg) setRegClass(c RegClass) VReg {
	return VReg(c)<<40 | (v & 0xff_00_ffffffff)
}

// Class returns this VReg's register class.
func (v VReg) Class() RegClass { return RegClass(v >> 40) }

// ID returns the VRegID component, independent of RealReg/Class.
func (v VReg) ID() VRegID { return VRegID(v & 0xffffffff) }

// Assign returns a copy of v with its RealReg set to r, the result of a
// successful coloring.
func (v VReg) Assign(r RealReg) VReg { return v.setRealReg(r) }

func (v VReg) String() string {
	if v.IsRealReg() {
		return fmt.Sprintf("r%d(%s)", v.RealReg(), v.Class())
	}
	return fmt.Sprintf("v%d(%s)", v.ID(), v.Class())
}

// RegisterInfo is the static, ISA-specific register file description the
// backend hands to NewAllocator.
type RegisterInfo struct {
	// AllocatableRegisters lists, per class, the RealRegs the allocator
	// may assign, most-preferred first.
	AllocatableRegisters [NumRegClass][]RealReg
	CalleeSaved          map[RealReg]struct{}
	// NumSpillSlotBytes is the size in bytes of one spill slot.
	NumSpillSlotBytes int
}
