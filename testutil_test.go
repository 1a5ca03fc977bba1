package kbelf

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kbelf-go/kbelf/host"
	"github.com/kbelf-go/kbelf/pkg/arch"
	"github.com/kbelf-go/kbelf/types"
)

// --- fake host.File: an in-memory file, the test-only analog of
// pkg/hostnative's os.File wrapper. ---

type memFile struct {
	data   []byte
	off    int64
	closed bool
}

func newMemFile(data []byte) *memFile { return &memFile{data: data} }

func (f *memFile) Read(buf []byte) error {
	if f.off < 0 || f.off > int64(len(f.data)) {
		return io.ErrUnexpectedEOF
	}
	n := copy(buf, f.data[f.off:])
	if n != len(buf) {
		return io.ErrUnexpectedEOF
	}
	f.off += int64(n)
	return nil
}

func (f *memFile) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(f.data)) {
		return io.ErrUnexpectedEOF
	}
	f.off = offset
	return nil
}

func (f *memFile) Close() error {
	f.closed = true
	return nil
}

// --- fake host.Host: a bump-allocating, same-address-space-ish host that
// lets tests control the V(real)/P/L bias independently, to exercise the
// three-way address translation with a genuine ET_DYN-style shift. ---

type region struct {
	laddr types.LAddr
	mem   []byte
}

type fakeHost struct {
	nextAddr types.LAddr
	regions  []region

	// vBias/pDelta let a test simulate a segment allocator that relocates
	// ET_DYN V(real) away from V(requested), and a physical address space
	// distinct from the loader's own.
	vBias  types.AddrDiff
	pDelta types.PAddr

	builtins []*host.BuiltinLibrary

	// libsByName backs FindLib/Open: basename -> raw file bytes.
	libsByName map[string][]byte

	findLibCalls map[string]int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		nextAddr:     0x500000,
		libsByName:   make(map[string][]byte),
		findLibCalls: make(map[string]int),
	}
}

func (h *fakeHost) registerLib(name string, data []byte) { h.libsByName[basename(name)] = data }

func (h *fakeHost) liveRegions() int { return len(h.regions) }

func (h *fakeHost) SegAlloc(pid int, segs []host.Segment) bool {
	for i := range segs {
		mem := make([]byte, segs[i].Size)
		laddr := h.nextAddr
		h.nextAddr += types.LAddr(alignUp64(segs[i].Size, 16) + 16)
		segs[i].LAddr = laddr
		segs[i].PAddr = types.PAddr(laddr) + h.pDelta
		segs[i].VAddrReal = segs[i].VAddrReq + types.Addr(h.vBias)
		h.regions = append(h.regions, region{laddr: laddr, mem: mem})
	}
	return true
}

func alignUp64(n uint64, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }

func (h *fakeHost) SegFree(pid int, segs []host.Segment) {
	for _, s := range segs {
		for i, r := range h.regions {
			if r.laddr == s.LAddr {
				h.regions = append(h.regions[:i], h.regions[i+1:]...)
				break
			}
		}
	}
}

func (h *fakeHost) Open(path string) (host.File, error) {
	data, ok := h.libsByName[basename(path)]
	if !ok {
		return nil, errNotFound(path)
	}
	return newMemFile(data), nil
}

func (h *fakeHost) FindLib(name string) (host.File, error) {
	h.findLibCalls[name]++
	data, ok := h.libsByName[basename(name)]
	if !ok {
		return nil, nil
	}
	return newMemFile(data), nil
}

func (h *fakeHost) BuiltinLibs() []*host.BuiltinLibrary { return h.builtins }

func (h *fakeHost) find(l types.LAddr) (*region, int) {
	for i := range h.regions {
		r := &h.regions[i]
		if l >= r.laddr && int(l-r.laddr) < len(r.mem) {
			return r, int(l - r.laddr)
		}
	}
	return nil, 0
}

func (h *fakeHost) CopyToUser(l types.LAddr, src []byte) error {
	r, off := h.find(l)
	if r == nil || off+len(src) > len(r.mem) {
		return errOutOfRange(l)
	}
	copy(r.mem[off:], src)
	return nil
}

func (h *fakeHost) CopyFromUser(dst []byte, l types.LAddr) error {
	r, off := h.find(l)
	if r == nil || off+len(dst) > len(r.mem) {
		return errOutOfRange(l)
	}
	copy(dst, r.mem[off:])
	return nil
}

func (h *fakeHost) StrlenFromUser(l types.LAddr) (int, error) {
	r, off := h.find(l)
	if r == nil {
		return 0, errOutOfRange(l)
	}
	for i := off; i < len(r.mem); i++ {
		if r.mem[i] == 0 {
			return i - off, nil
		}
	}
	return 0, errOutOfRange(l)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func errNotFound(path string) error    { return testErr("no such file: " + path) }
func errOutOfRange(l types.LAddr) error { return testErr("address out of range") }

// --- synthetic ELF assembly: every fixture below is built in memory with
// encoding/binary, never read from disk, since the loader's contract is
// against a host.Host, not a filesystem. ---

// segBuilder accumulates one PT_LOAD segment's file-resident bytes,
// tracking each write's virtual address so callers can cross-reference
// dynamic-table fields against their own content without hand counting
// offsets.
type segBuilder struct {
	vaddr types.Addr
	buf   bytes.Buffer
}

func newSegBuilder(vaddr types.Addr) *segBuilder { return &segBuilder{vaddr: vaddr} }

func (s *segBuilder) addr() types.Addr { return s.vaddr + types.Addr(s.buf.Len()) }

func (s *segBuilder) write(b []byte) types.Addr {
	a := s.addr()
	s.buf.Write(b)
	return a
}

func (s *segBuilder) align(n int) {
	for s.buf.Len()%n != 0 {
		s.buf.WriteByte(0)
	}
}

func (s *segBuilder) bytes() []byte { return s.buf.Bytes() }

func encodeDynEntries(entries []types.DynEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		binary.Write(&buf, types.ByteOrder, &types.DynEntry64{Tag: int64(e.Tag), Val: e.Value})
	}
	binary.Write(&buf, types.ByteOrder, &types.DynEntry64{Tag: int64(types.DTNull), Val: 0})
	return buf.Bytes()
}

func encodeStrTab(names ...string) ([]byte, map[string]uint32) {
	buf := []byte{0}
	offsets := make(map[string]uint32, len(names))
	for _, n := range names {
		offsets[n] = uint32(len(buf))
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf, offsets
}

func encodeSym(sym types.SymEntry) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, types.ByteOrder, &types.SymEntry64{
		Name: sym.Name, Info: sym.Info, Other: sym.Other, Section: sym.Section,
		Value: uint64(sym.Value), Size: sym.Size,
	})
	return buf.Bytes()
}

func encodeHash(nchain uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, types.ByteOrder, uint32(1))
	binary.Write(&buf, types.ByteOrder, nchain)
	return buf.Bytes()
}

func encodeRela(offset types.Addr, sym, relType uint32, addend int64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, types.ByteOrder, &types.RelaEntry64{
		Offset: uint64(offset), Info: types.R64Info(sym, relType), Addend: addend,
	})
	return buf.Bytes()
}

// loadSeg is one PT_LOAD segment to be emitted by buildELF.
type loadSeg struct {
	vaddr types.Addr
	data  []byte
	memsz uint64
	flags types.ProgFlag
}

// buildELF assembles a minimal little-endian ELF64 image: a file header, a
// program header per load segment (plus one PT_DYNAMIC header if dynSize
// is nonzero), and each segment's file-resident bytes back to back.
func buildELF(machine types.Machine, typ types.Type, entry types.Addr, loads []loadSeg, dynVaddr types.Addr, dynSize uint64, flags uint32) []byte {
	phCount := len(loads)
	if dynSize > 0 {
		phCount++
	}

	phOff := int64(types.Header64Size)
	phTotal := int64(phCount) * int64(types.ProgHeader64Size)
	dataOff := phOff + phTotal

	offsets := make([]int64, len(loads))
	cur := dataOff
	for i, l := range loads {
		offsets[i] = cur
		cur += int64(len(l.data))
	}

	var buf bytes.Buffer

	var ident [16]byte
	copy(ident[:4], types.ELFMAG[:])
	ident[types.EIClass] = byte(types.Class64)
	ident[types.EIData] = byte(types.Data2LSB)
	ident[types.EIVersion] = byte(types.EVCurrent)

	hdr := types.Header64{
		Ident: ident, Type: uint16(typ), Machine: uint16(machine), Version: 1,
		Entry: uint64(entry), Phoff: uint64(phOff), Shoff: 0, Flags: flags,
		Ehsize: types.Header64Size, Phentsize: types.ProgHeader64Size, Phnum: uint16(phCount),
		Shentsize: 0, Shnum: 0, Shstrndx: 0,
	}
	binary.Write(&buf, types.ByteOrder, &hdr)

	for i, l := range loads {
		ph := types.ProgHeader64{
			Type: uint32(types.PTLoad), Flags: uint32(l.flags),
			Offset: uint64(offsets[i]), Vaddr: uint64(l.vaddr), Paddr: uint64(l.vaddr),
			Filesz: uint64(len(l.data)), Memsz: l.memsz, Align: 0x1000,
		}
		binary.Write(&buf, types.ByteOrder, &ph)
	}
	if dynSize > 0 {
		ph := types.ProgHeader64{
			Type: uint32(types.PTDynamic), Flags: uint32(types.PFR | types.PFW),
			Offset: 0, Vaddr: uint64(dynVaddr), Paddr: uint64(dynVaddr),
			Filesz: 0, Memsz: dynSize, Align: 8,
		}
		binary.Write(&buf, types.ByteOrder, &ph)
	}

	for _, l := range loads {
		buf.Write(l.data)
	}

	return buf.Bytes()
}

var amd64Target = Target{Class: types.Class64, Machine: types.EMX8664, Port: arch.AMD64}
