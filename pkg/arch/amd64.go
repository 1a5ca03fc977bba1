package arch

import "github.com/kbelf-go/kbelf/types"

// x86-64 relocation types, named per the psABI. Only the subset spec.md
// §6 lists is applied; the rest are enumerated so they fail cleanly as
// "unsupported relocation" instead of an opaque unknown type.
const (
	rAMD64None     = 0
	rAMD64_64      = 1
	rAMD64PC32     = 2
	rAMD64GOT32    = 3
	rAMD64PLT32    = 4
	rAMD64Copy     = 5
	rAMD64GlobDat  = 6
	rAMD64JumpSlot = 7
	rAMD64Relative = 8
	rAMD64GOTPCRel = 9
	rAMD64_32      = 10
	rAMD64_32S     = 11
	rAMD64_16      = 12
	rAMD64PC16     = 13
	rAMD64_8       = 14
	rAMD64PC8      = 15
	rAMD64PC64     = 24
	rAMD64GOTOff64 = 25
	rAMD64GOTPC32  = 26
	rAMD64Size32   = 32
	rAMD64Size64   = 33
)

type amd64Port struct{}

// AMD64 is the x86-64 architecture port. It has no header flags to
// verify, matching the original port's always-true verify hook.
var AMD64 Port = amd64Port{}

func (amd64Port) Name() string           { return "amd64" }
func (amd64Port) Machine() types.Machine { return types.EMX8664 }

func (amd64Port) Verify(FileInfo) bool { return true }

func (amd64Port) Apply(in RelocInput) ([]byte, bool) {
	switch in.Type {
	case rAMD64None:
		return nil, true
	case rAMD64_64:
		return store64(uint64(int64(in.Sym) + int64(in.Addend))), true
	case rAMD64PC32:
		return store32(uint32(int64(in.Sym) + int64(in.Addend) - int64(in.PC))), true
	case rAMD64Copy:
		// The original port stubs this as a no-op rather than copying
		// symbol-sized data into place; preserved as-is.
		return nil, true
	case rAMD64GlobDat, rAMD64JumpSlot:
		return store64(uint64(in.Sym)), true
	case rAMD64Relative:
		return store64(uint64(int64(in.Base) + int64(in.Addend))), true
	case rAMD64_32, rAMD64_32S:
		return store32(uint32(int64(in.Sym) + int64(in.Addend))), true
	case rAMD64_16:
		return store16(uint16(int64(in.Sym) + int64(in.Addend))), true
	case rAMD64_8:
		return []byte{byte(int64(in.Sym) + int64(in.Addend))}, true
	case rAMD64PC16, rAMD64PC8, rAMD64PC64, rAMD64GOTOff64, rAMD64GOTPC32,
		rAMD64Size32, rAMD64Size64, rAMD64GOT32, rAMD64PLT32, rAMD64GOTPCRel:
		// Enumerated but unimplemented, matching the original port's scope.
		return nil, false
	default:
		return nil, false
	}
}

func store16(v uint16) []byte {
	b := make([]byte, 2)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	return b
}
