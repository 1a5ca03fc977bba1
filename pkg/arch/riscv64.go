package arch

import (
	"encoding/binary"

	"github.com/kbelf-go/kbelf/types"
)

// RISC-V relocation types this port recognises. Only the four the
// original port actually implements are applied; the rest are named so an
// unsupported relocation fails with a recognisable type rather than a
// bare "unknown".
const (
	rRiscvAbs32      = 1
	rRiscvAbs64      = 2
	rRiscvRelative   = 3
	rRiscvCopy       = 4
	rRiscvJumpSlot   = 5
	rRiscvTLSDTPMod32 = 6
	rRiscvTLSDTPMod64 = 7
	rRiscvTLSDTPRel32 = 8
	rRiscvTLSDTPRel64 = 9
	rRiscvTLSTPRel32  = 10
	rRiscvTLSTPRel64  = 11
	rRiscvIRelative   = 58
)

// Header flags, RISC-V e_flags bits (EF_RISCV_*).
const (
	riscvFlagRVC      = 0x0001
	riscvMaskFABI     = 0x0006
	riscvFlagFABISoft = 0x0000
	riscvFlagRVE      = 0x0008
)

// riscv64Port targets a soft-float, non-compressed, non-embedded RV64
// host; hosts with a different ABI should construct their own Port with
// different wantRVC/wantFABI/wantRVE values rather than editing this one.
type riscv64Port struct {
	wantRVC  bool
	wantFABI uint32
	wantRVE  bool
}

// RISCV64 is the default riscv64 port: soft-float, no compressed
// instructions, full (non-E) register set.
var RISCV64 Port = riscv64Port{wantFABI: riscvFlagFABISoft}

func (riscv64Port) Name() string          { return "riscv64" }
func (riscv64Port) Machine() types.Machine { return types.EMRISCV }

func (p riscv64Port) Verify(info FileInfo) bool {
	if info.Flags&riscvFlagRVC != 0 && !p.wantRVC {
		return false
	}
	if info.Flags&riscvMaskFABI != p.wantFABI {
		return false
	}
	if info.Flags&riscvFlagRVE != 0 && !p.wantRVE {
		return false
	}
	if info.Flags&riscvFlagRVE == 0 && p.wantRVE {
		return false
	}
	return true
}

func (riscv64Port) Apply(in RelocInput) ([]byte, bool) {
	switch in.Type {
	case rRiscvAbs32:
		return store32(uint32(int64(in.Sym) + int64(in.Addend))), true
	case rRiscvAbs64:
		return store64(uint64(int64(in.Sym) + int64(in.Addend))), true
	case rRiscvRelative:
		return store64(uint64(int64(in.Base) + int64(in.Addend))), true
	case rRiscvJumpSlot:
		return store64(uint64(in.Sym)), true
	case rRiscvCopy, rRiscvIRelative,
		rRiscvTLSDTPMod32, rRiscvTLSDTPMod64,
		rRiscvTLSDTPRel32, rRiscvTLSDTPRel64,
		rRiscvTLSTPRel32, rRiscvTLSTPRel64:
		// Reserved: the original port never implements these either.
		return nil, false
	default:
		return nil, false
	}
}

func store32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func store64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
