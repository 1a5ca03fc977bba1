package arch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kbelf-go/kbelf/types"
)

func TestRISCV64_Verify_DefaultPort(t *testing.T) {
	require.True(t, RISCV64.Verify(FileInfo{Flags: 0}), "soft-float, non-compressed, full-register is the default expectation")
	require.False(t, RISCV64.Verify(FileInfo{Flags: riscvFlagRVC}), "compressed instructions are rejected by default")
	require.False(t, RISCV64.Verify(FileInfo{Flags: riscvFlagRVE}), "the embedded register set is rejected by default")
	require.False(t, RISCV64.Verify(FileInfo{Flags: riscvMaskFABI}), "a non-soft float ABI is rejected by default")
}

func TestRISCV64_Verify_CustomPort(t *testing.T) {
	p := riscv64Port{wantRVC: true, wantFABI: riscvFlagFABISoft, wantRVE: true}
	require.True(t, p.Verify(FileInfo{Flags: riscvFlagRVC | riscvFlagRVE}))
	require.False(t, p.Verify(FileInfo{Flags: 0}), "a port wanting RVE rejects a file without it")
}

func TestRISCV64_Apply_Abs32AndAbs64(t *testing.T) {
	val32, ok := RISCV64.Apply(RelocInput{Type: rRiscvAbs32, Sym: 0x1000, Addend: 4})
	require.True(t, ok)
	require.Equal(t, uint32(0x1004), types.ByteOrder.Uint32(val32))

	val64, ok := RISCV64.Apply(RelocInput{Type: rRiscvAbs64, Sym: 0x100000000, Addend: 1})
	require.True(t, ok)
	require.Equal(t, uint64(0x100000001), types.ByteOrder.Uint64(val64))
}

func TestRISCV64_Apply_Relative(t *testing.T) {
	val, ok := RISCV64.Apply(RelocInput{Type: rRiscvRelative, Base: 0x8000, Addend: 0x10})
	require.True(t, ok)
	require.Equal(t, uint64(0x8010), types.ByteOrder.Uint64(val))
}

func TestRISCV64_Apply_JumpSlot(t *testing.T) {
	val, ok := RISCV64.Apply(RelocInput{Type: rRiscvJumpSlot, Sym: 0xBADC0DE})
	require.True(t, ok)
	require.Equal(t, uint64(0xBADC0DE), types.ByteOrder.Uint64(val))
}

func TestRISCV64_Apply_UnsupportedTypesRejected(t *testing.T) {
	for _, typ := range []uint32{rRiscvCopy, rRiscvIRelative,
		rRiscvTLSDTPMod32, rRiscvTLSDTPMod64, rRiscvTLSDTPRel32, rRiscvTLSDTPRel64,
		rRiscvTLSTPRel32, rRiscvTLSTPRel64} {
		_, ok := RISCV64.Apply(RelocInput{Type: typ})
		require.False(t, ok, "type %d should be rejected", typ)
	}
}

func TestRISCV64_Name(t *testing.T) {
	require.Equal(t, "riscv64", RISCV64.Name())
	require.Equal(t, types.EMRISCV, RISCV64.Machine())
}
