package types

// Special section indices (SHN_*).
const (
	ShnUndef  = 0x0000
	ShnAbs    = 0xfff1
	ShnCommon = 0xfff2
)

// SymBind is a symbol's binding (the high nibble of st_info).
type SymBind byte

const (
	StbLocal  SymBind = 0
	StbGlobal SymBind = 1
	StbWeak   SymBind = 2
)

var symBindStrings = []intName{
	{uint32(StbLocal), "StbLocal"},
	{uint32(StbGlobal), "StbGlobal"},
	{uint32(StbWeak), "StbWeak"},
}

func (b SymBind) String() string { return stringName(uint32(b), symBindStrings, false) }

// SymType is a symbol's type (the low nibble of st_info).
type SymType byte

const (
	SttNotype  SymType = 0
	SttObject  SymType = 1
	SttFunc    SymType = 2
	SttSection SymType = 3
	SttFile    SymType = 4
)

var symTypeStrings = []intName{
	{uint32(SttNotype), "SttNotype"},
	{uint32(SttObject), "SttObject"},
	{uint32(SttFunc), "SttFunc"},
	{uint32(SttSection), "SttSection"},
	{uint32(SttFile), "SttFile"},
}

func (t SymType) String() string { return stringName(uint32(t), symTypeStrings, false) }

// STBind extracts the binding from a symbol's st_info byte.
func STBind(info byte) SymBind { return SymBind(info >> 4) }

// STType extracts the type from a symbol's st_info byte.
func STType(info byte) SymType { return SymType(info & 0xf) }

// STInfo combines a binding and type into an st_info byte.
func STInfo(bind SymBind, typ SymType) byte { return byte(bind)<<4 | byte(typ)&0xf }

// SymEntry is the common view of one dynamic symbol table entry.
type SymEntry struct {
	Name    uint32
	Info    byte
	Other   byte
	Section uint16
	Value   Addr
	Size    uint64
}

func (s SymEntry) Bind() SymBind { return STBind(s.Info) }
func (s SymEntry) Type() SymType { return STType(s.Info) }

// SymEntry32 is the raw on-disk ELF32 symbol table entry.
type SymEntry32 struct {
	Name    uint32
	Value   uint32
	Size    uint32
	Info    byte
	Other   byte
	Section uint16
}

// SymEntry64 is the raw on-disk ELF64 symbol table entry. Unlike the
// 32-bit layout, Value/Size sit after Info/Other/Section.
type SymEntry64 struct {
	Name    uint32
	Info    byte
	Other   byte
	Section uint16
	Value   uint64
	Size    uint64
}

const (
	SymEntry32Size = 16
	SymEntry64Size = 24
)
