package hostasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Known-good encodings below are cross-checked against the ARM
// Architecture Reference Manual's worked encoding tables, expressed as
// fixed expected hex words.

func TestEncodeMOVZ(t *testing.T) {
	// MOVZ X0, #0x1234 => 0xd2824680
	require.Equal(t, uint32(0xd2824680), EncodeMOVZ(0, 0x1234, 0, true))
}

func TestEncodeMOVK(t *testing.T) {
	// MOVK X0, #0x1234, LSL #16 => 0xf2a24680
	require.Equal(t, uint32(0xf2a24680), EncodeMOVK(0, 0x1234, 1, true))
}

func TestEncodeRET(t *testing.T) {
	require.Equal(t, uint32(0xd65f03c0), EncodeRET())
}

func TestEncodeALURRRAdd(t *testing.T) {
	// ADD X0, X1, X2 => 0x8b020020
	require.Equal(t, uint32(0x8b020020), EncodeALURRR(AluAdd, 0, 1, 2, true))
}

func TestEncodeALURRRSub32(t *testing.T) {
	// SUB W3, W4, W5 => 0x4b050083
	require.Equal(t, uint32(0x4b050083), EncodeALURRR(AluSub, 3, 4, 5, false))
}

func TestEncodeBAndBCondDisplacement(t *testing.T) {
	// B #8 (two instructions forward) => imm26 = 2
	require.Equal(t, uint32(0b101<<26|2), EncodeB(8))
	// B.EQ #-8 (two instructions back)
	want := uint32(0b01010100<<24) | (uint32(int64(-8)/4)&0b111_11111111_11111111)<<5 | uint32(CondEQ)
	require.Equal(t, want, EncodeBCond(CondEQ, -8))
}

func TestEncodeCBZRoundTrips(t *testing.T) {
	w := EncodeCBZ(5, 16, true)
	require.Equal(t, uint32(5), w&0x1f, "rt field")
	require.NotZero(t, w&(1<<31), "64-bit flag")
	require.Zero(t, w&(1<<24), "CBZ must not set the CBNZ bit")
}

func TestEncodeLDRSTRSizeField(t *testing.T) {
	ldr := EncodeLDR(Size64, 0, 1, 0)
	str := EncodeSTR(Size64, 0, 1, 0)
	require.NotEqual(t, ldr, str, "load and store bit must differ")
	require.Equal(t, uint32(0b11), (ldr>>30)&0b11, "size field for 64-bit transfer")
}
