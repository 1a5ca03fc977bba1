package types

import "encoding/binary"

// FileHeader is the common (word-size-independent) view of an ELF file
// header, decoded from either Header32 or Header64.
type FileHeader struct {
	Class      Class
	Data       Data
	Version    Version
	Type       Type
	Machine    Machine
	Entry      Addr
	PhOff      Addr
	ShOff      Addr
	Flags      uint32
	EhSize     uint16
	PhEntSize  uint16
	PhNum      uint16
	ShEntSize  uint16
	ShNum      uint16
	ShStrIndex uint16
}

// Header32 is the raw on-disk ELF32 file header.
type Header32 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Header64 is the raw on-disk ELF64 file header.
type Header64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

const (
	Header32Size = 52
	Header64Size = 64
)

// SectHeader32Size/SectHeader64Size are the compiled-in section header
// entry sizes, used only to validate a file's Shentsize field (§4.2):
// section headers themselves are never parsed or consulted at load time.
const (
	SectHeader32Size = 40
	SectHeader64Size = 64
)

// ByteOrder is fixed: this library only accepts little-endian input, the
// only endianness kbelf ever supported.
var ByteOrder binary.ByteOrder = binary.LittleEndian

// Ident byte offsets, matching the EI_* indices of the ELF specification.
const (
	EIMag0    = 0
	EIMag3    = 3
	EIClass   = 4
	EIData    = 5
	EIVersion = 6
)

// Type is the ELF file type (e_type).
type Type uint16

const (
	ETNone Type = 0
	ETRel  Type = 1
	ETExec Type = 2
	ETDyn  Type = 3
	ETCore Type = 4
)

var typeStrings = []intName{
	{uint32(ETNone), "ETNone"},
	{uint32(ETRel), "ETRel"},
	{uint32(ETExec), "ETExec"},
	{uint32(ETDyn), "ETDyn"},
	{uint32(ETCore), "ETCore"},
}

func (t Type) String() string   { return stringName(uint32(t), typeStrings, false) }
func (t Type) GoString() string { return stringName(uint32(t), typeStrings, true) }
