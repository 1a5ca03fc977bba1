package types

// ProgHeader is the common view of a program header entry (a segment
// descriptor), decoded from either ProgHeader32 or ProgHeader64.
type ProgHeader struct {
	Type   ProgType
	Flags  ProgFlag
	Offset Addr
	Vaddr  Addr
	Paddr  Addr
	Filesz Addr
	Memsz  Addr
	Align  Addr
}

// ProgHeader32 is the raw on-disk ELF32 program header.
type ProgHeader32 struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// ProgHeader64 is the raw on-disk ELF64 program header. Unlike the 32-bit
// layout, Flags sits directly after Type.
type ProgHeader64 struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

const (
	ProgHeader32Size = 32
	ProgHeader64Size = 56
)

// ProgType is the program header's p_type field.
type ProgType uint32

const (
	PTUnused  ProgType = 0
	PTLoad    ProgType = 1
	PTDynamic ProgType = 2
	PTInterp  ProgType = 3
	PTNote    ProgType = 4
	PTShlib   ProgType = 5
	PTPhdr    ProgType = 6
	PTTLS     ProgType = 7
)

var progTypeStrings = []intName{
	{uint32(PTUnused), "PTUnused"},
	{uint32(PTLoad), "PTLoad"},
	{uint32(PTDynamic), "PTDynamic"},
	{uint32(PTInterp), "PTInterp"},
	{uint32(PTNote), "PTNote"},
	{uint32(PTShlib), "PTShlib"},
	{uint32(PTPhdr), "PTPhdr"},
	{uint32(PTTLS), "PTTLS"},
}

func (t ProgType) String() string   { return stringName(uint32(t), progTypeStrings, false) }
func (t ProgType) GoString() string { return stringName(uint32(t), progTypeStrings, true) }

// ProgFlag is the program header's p_flags field.
type ProgFlag uint32

const (
	PFX ProgFlag = 0x1
	PFW ProgFlag = 0x2
	PFR ProgFlag = 0x4
)

func (f ProgFlag) Execute() bool { return f&PFX != 0 }
func (f ProgFlag) Write() bool   { return f&PFW != 0 }
func (f ProgFlag) Read() bool    { return f&PFR != 0 }

func (f ProgFlag) String() string {
	s := [3]byte{'-', '-', '-'}
	if f.Read() {
		s[0] = 'r'
	}
	if f.Write() {
		s[1] = 'w'
	}
	if f.Execute() {
		s[2] = 'x'
	}
	return string(s[:])
}
