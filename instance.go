package kbelf

import (
	"github.com/pkg/errors"

	"github.com/kbelf-go/kbelf/host"
	"github.com/kbelf-go/kbelf/internal/klog"
	"github.com/kbelf-go/kbelf/types"
)

// Instance is a loaded image of one File (§4.3): it owns segments,
// records the three-way V/P/L address mappings, and parses the dynamic
// table into typed fields.
type Instance struct {
	host host.Host

	path string
	name string
	pid  int

	segments []host.Segment

	entry types.Addr

	initFunc, finiFunc               types.Addr
	preinitArray, initArray, finiArray types.Addr
	preinitLen, initLen, finiLen      int

	dynamicL   types.LAddr
	dynamicLen int
	dynstrL    types.LAddr
	dynstrLen  int
	dynsymL    types.LAddr
	dynsymLen  int

	class types.Class
}

func progLoadable(p types.ProgHeader) bool {
	return p.Type == types.PTLoad && p.Memsz > 0
}

// Load builds an Instance from file, tagging every segment allocation
// with pid (opaque to the core, forwarded to host.SegAlloc/SegFree).
func Load(h host.Host, file *File, pid int) (*Instance, error) {
	inst := &Instance{
		host:  h,
		path:  file.Path(),
		name:  file.Name(),
		pid:   pid,
		class: file.target.Class,
	}

	n := file.ProgLen()
	if n == 0 {
		return nil, errors.Wrap(ErrStructuralNoSegments, file.Path())
	}

	var progs []types.ProgHeader
	loadable := 0
	for i := 0; i < n; i++ {
		p, err := file.ProgGet(i)
		if err != nil {
			return nil, errors.Wrapf(ErrShortRead, "reading program header %d of %s: %v", i, file.Path(), err)
		}
		progs = append(progs, p)
		if progLoadable(p) {
			loadable++
		}
	}

	inst.segments = make([]host.Segment, 0, loadable)
	for _, p := range progs {
		if !progLoadable(p) {
			continue
		}
		if p.Memsz < p.Filesz {
			inst.destroy()
			return nil, errors.Wrap(ErrOversizedSegment, file.Path())
		}
		inst.segments = append(inst.segments, host.Segment{
			PID:        pid,
			VAddrReq:   p.Vaddr,
			Size:       uint64(p.Memsz),
			Read:       p.Flags.Read(),
			Write:      p.Flags.Write(),
			Execute:    p.Flags.Execute(),
			FileOffset: int64(p.Offset),
			FileSize:   int64(p.Filesz),
		})
	}

	if !h.SegAlloc(pid, inst.segments) {
		inst.destroy()
		return nil, errors.Wrap(ErrSegAllocFailed, file.Path())
	}

	if err := inst.copySegmentBodies(file, progs); err != nil {
		inst.unload()
		return nil, err
	}

	if file.header.Entry != 0 {
		inst.entry = inst.vaddrToVaddrReal(file.header.Entry)
	}

	if err := inst.locateDynamic(progs); err != nil {
		inst.unload()
		return nil, err
	}
	if err := inst.parseDynamic(); err != nil {
		inst.unload()
		return nil, err
	}
	if err := inst.validateDynPairs(); err != nil {
		inst.unload()
		return nil, err
	}

	return inst, nil
}

func (inst *Instance) copySegmentBodies(file *File, progs []types.ProgHeader) error {
	li := 0
	for _, p := range progs {
		if !progLoadable(p) {
			continue
		}
		seg := &inst.segments[li]
		if p.Filesz > 0 {
			if err := file.fd.Seek(int64(p.Offset)); err != nil {
				return errors.Wrap(ErrShortRead, err.Error())
			}
			buf := make([]byte, p.Filesz)
			if err := file.fd.Read(buf); err != nil {
				return errors.Wrap(ErrShortRead, err.Error())
			}
			if err := inst.host.CopyToUser(seg.LAddr, buf); err != nil {
				return errors.Wrap(err, "loading segment body")
			}
		}
		if uint64(p.Filesz) < uint64(p.Memsz) {
			tail := make([]byte, uint64(p.Memsz)-uint64(p.Filesz))
			if err := inst.host.CopyToUser(seg.LAddr+types.LAddr(p.Filesz), tail); err != nil {
				return errors.Wrap(err, "zeroing segment tail")
			}
		}
		li++
	}
	return nil
}

func (inst *Instance) locateDynamic(progs []types.ProgHeader) error {
	entSize := int(dynEntrySize(inst.class))
	for _, p := range progs {
		if p.Type == types.PTDynamic {
			inst.dynamicL = inst.getLAddr(p.Vaddr)
			inst.dynamicLen = int(uint64(p.Memsz)) / entSize
			return nil
		}
	}
	// No PT_DYNAMIC segment: a static executable with no dynamic section,
	// not an error — dynamicLen stays 0.
	return nil
}

func dynEntrySize(c types.Class) int {
	if c == types.Class32 {
		return types.DynEntry32Size
	}
	return types.DynEntry64Size
}

// readDynEntry reads the i'th dynamic entry via CopyFromUser, never by a
// direct pointer dereference, per §9's cross-address-space mandate.
func (inst *Instance) readDynEntry(i int) (types.DynTag, uint64, error) {
	entSize := dynEntrySize(inst.class)
	base := inst.dynamicL + types.LAddr(i*entSize)
	buf := make([]byte, entSize)
	if err := inst.host.CopyFromUser(buf, base); err != nil {
		return 0, 0, err
	}
	if inst.class == types.Class32 {
		tag := int32(types.ByteOrder.Uint32(buf[0:4]))
		val := types.ByteOrder.Uint32(buf[4:8])
		return types.DynTag(tag), uint64(val), nil
	}
	tag := int64(types.ByteOrder.Uint64(buf[0:8]))
	val := types.ByteOrder.Uint64(buf[8:16])
	return types.DynTag(tag), val, nil
}

func (inst *Instance) parseDynamic() error {
	for i := 0; i < inst.dynamicLen; i++ {
		tag, val, err := inst.readDynEntry(i)
		if err != nil {
			return errors.Wrap(err, "reading dynamic entry")
		}
		switch tag {
		case types.DTNull:
			inst.dynamicLen = i
			return nil
		case types.DTSymtab:
			inst.dynsymL = inst.getLAddr(types.Addr(val))
		case types.DTStrtab:
			inst.dynstrL = inst.getLAddr(types.Addr(val))
		case types.DTStrSz:
			inst.dynstrLen = int(val)
		case types.DTInit:
			inst.initFunc = inst.getVAddr(types.Addr(val))
		case types.DTFini:
			inst.finiFunc = inst.getVAddr(types.Addr(val))
		case types.DTHash:
			nchain, err := inst.readHashNChain(types.Addr(val))
			if err != nil {
				return errors.Wrap(err, "reading DT_HASH")
			}
			inst.dynsymLen = nchain
		case types.DTInitArray:
			inst.initArray = inst.getVAddr(types.Addr(val))
		case types.DTInitArraySz:
			inst.initLen = int(val) / addrSize(inst.class)
		case types.DTFiniArray:
			inst.finiArray = inst.getVAddr(types.Addr(val))
		case types.DTFiniArraySz:
			inst.finiLen = int(val) / addrSize(inst.class)
		case types.DTPreinitArray:
			inst.preinitArray = inst.getVAddr(types.Addr(val))
		case types.DTPreinitArraySz:
			inst.preinitLen = int(val) / addrSize(inst.class)
		}
	}
	return nil
}

func addrSize(c types.Class) int {
	if c == types.Class32 {
		return 4
	}
	return 8
}

// readHashNChain returns word index 1 of the DT_HASH table (nchain), the
// dynamic symbol table's length — kbelf never has a dedicated tag for it.
func (inst *Instance) readHashNChain(hashVAddr types.Addr) (int, error) {
	l := inst.getLAddr(hashVAddr)
	buf := make([]byte, 8)
	if err := inst.host.CopyFromUser(buf, l); err != nil {
		return 0, err
	}
	return int(types.ByteOrder.Uint32(buf[4:8])), nil
}

func (inst *Instance) validateDynPairs() error {
	pairs := []struct {
		a, b bool
	}{
		{inst.dynsymL != 0, inst.dynsymLen != 0},
		{inst.dynstrL != 0, inst.dynstrLen != 0},
		{inst.initArray != 0, inst.initLen != 0},
		{inst.finiArray != 0, inst.finiLen != 0},
		{inst.preinitArray != 0, inst.preinitLen != 0},
	}
	for _, p := range pairs {
		if p.a != p.b {
			return ErrUnbalancedDynPair
		}
	}
	return nil
}

// --- Address translation (§4.3) ---
//
// Each translator performs a linear scan through the segment vector; n is
// small enough that this is not a performance concern. getLAddr, getPAddr
// and getVAddr take a requested V; VaddrToPaddr and VaddrToLaddr take a
// real V; the P→* and L→* queries match their input against the P/L
// ranges a segment was actually given.

func (inst *Instance) findByVReq(v types.Addr) *host.Segment {
	for i := range inst.segments {
		s := &inst.segments[i]
		if v >= s.VAddrReq && uint64(v-s.VAddrReq) < s.Size {
			return s
		}
	}
	return nil
}

func (inst *Instance) findByVReal(v types.Addr) *host.Segment {
	for i := range inst.segments {
		s := &inst.segments[i]
		if v >= s.VAddrReal && uint64(v-s.VAddrReal) < s.Size {
			return s
		}
	}
	return nil
}

func (inst *Instance) findByP(p types.PAddr) *host.Segment {
	for i := range inst.segments {
		s := &inst.segments[i]
		if p >= s.PAddr && uint64(p-s.PAddr) < s.Size {
			return s
		}
	}
	return nil
}

func (inst *Instance) findByL(l types.LAddr) *host.Segment {
	for i := range inst.segments {
		s := &inst.segments[i]
		if l >= s.LAddr && uint64(l-s.LAddr) < s.Size {
			return s
		}
	}
	return nil
}

// getLAddr is V(requested) → L.
func (inst *Instance) getLAddr(v types.Addr) types.LAddr {
	if s := inst.findByVReq(v); s != nil {
		return types.LAddr(v-s.VAddrReq) + s.LAddr
	}
	return 0
}

// getPAddr is V(requested) → P.
func (inst *Instance) getPAddr(v types.Addr) types.PAddr {
	if s := inst.findByVReq(v); s != nil {
		return types.PAddr(v-s.VAddrReq) + s.PAddr
	}
	return 0
}

// getVAddr is V(requested) → V(real).
func (inst *Instance) getVAddr(v types.Addr) types.Addr {
	if s := inst.findByVReq(v); s != nil {
		return v - s.VAddrReq + s.VAddrReal
	}
	return 0
}

// vaddrToVaddrReal is getVAddr under another name, used where a call site
// already holds a real/requested V and needs the "what does this become"
// query spelled out per spec terminology (V→V_real).
func (inst *Instance) vaddrToVaddrReal(v types.Addr) types.Addr { return inst.getVAddr(v) }

// VaddrToPaddr is V(real) → P.
func (inst *Instance) VaddrToPaddr(v types.Addr) types.PAddr {
	if s := inst.findByVReal(v); s != nil {
		return types.PAddr(v-s.VAddrReal) + s.PAddr
	}
	return 0
}

// VaddrToLaddr is V(real) → L.
func (inst *Instance) VaddrToLaddr(v types.Addr) types.LAddr {
	if s := inst.findByVReal(v); s != nil {
		return types.LAddr(v-s.VAddrReal) + s.LAddr
	}
	return 0
}

// PaddrToVaddr is P → V(real).
func (inst *Instance) PaddrToVaddr(p types.PAddr) types.Addr {
	if s := inst.findByP(p); s != nil {
		return types.Addr(p-s.PAddr) + s.VAddrReal
	}
	return 0
}

// PaddrToLaddr is P → L.
func (inst *Instance) PaddrToLaddr(p types.PAddr) types.LAddr {
	if s := inst.findByP(p); s != nil {
		return types.LAddr(p-s.PAddr) + s.LAddr
	}
	return 0
}

// LaddrToVaddr is L → V(real).
func (inst *Instance) LaddrToVaddr(l types.LAddr) types.Addr {
	if s := inst.findByL(l); s != nil {
		return types.Addr(l-s.LAddr) + s.VAddrReal
	}
	return 0
}

// LaddrToPaddr is L → P.
func (inst *Instance) LaddrToPaddr(l types.LAddr) types.PAddr {
	if s := inst.findByL(l); s != nil {
		return types.PAddr(l-s.LAddr) + s.PAddr
	}
	return 0
}

// Entrypoint returns the real virtual entrypoint address, or 0 if none.
func (inst *Instance) Entrypoint() types.Addr { return inst.entry }

// Path returns the source file's path.
func (inst *Instance) Path() string { return inst.path }

// Name returns the basename substring of Path.
func (inst *Instance) Name() string { return inst.name }

// Segments returns the loaded segments, for callers that need to map
// memory themselves (e.g. setting up page tables from Segment.PAddr).
func (inst *Instance) Segments() []host.Segment { return inst.segments }

// DynSymCount returns the number of entries in the dynamic symbol table,
// derived from DT_HASH's nchain rather than a dedicated size tag.
func (inst *Instance) DynSymCount() int { return inst.dynsymLen }

// readDynSym reads the i'th dynamic symbol table entry via CopyFromUser.
func (inst *Instance) readDynSym(i int) (types.SymEntry, error) {
	sz := symEntrySize(inst.class)
	buf := make([]byte, sz)
	if err := inst.host.CopyFromUser(buf, inst.dynsymL+types.LAddr(i*sz)); err != nil {
		return types.SymEntry{}, err
	}
	if inst.class == types.Class32 {
		return types.SymEntry{
			Name:    types.ByteOrder.Uint32(buf[0:4]),
			Value:   types.Addr(types.ByteOrder.Uint32(buf[4:8])),
			Size:    uint64(types.ByteOrder.Uint32(buf[8:12])),
			Info:    buf[12],
			Other:   buf[13],
			Section: types.ByteOrder.Uint16(buf[14:16]),
		}, nil
	}
	return types.SymEntry{
		Name:    types.ByteOrder.Uint32(buf[0:4]),
		Info:    buf[4],
		Other:   buf[5],
		Section: types.ByteOrder.Uint16(buf[6:8]),
		Value:   types.Addr(types.ByteOrder.Uint64(buf[8:16])),
		Size:    types.ByteOrder.Uint64(buf[16:24]),
	}, nil
}

func symEntrySize(c types.Class) int {
	if c == types.Class32 {
		return types.SymEntry32Size
	}
	return types.SymEntry64Size
}

// readDynStrAt reads a nul-terminated string out of the dynamic string
// table at the given byte offset, via StrlenFromUser + CopyFromUser —
// never a direct pointer dereference into target memory.
func (inst *Instance) readDynStrAt(offset uint32) (string, error) {
	l := inst.dynstrL + types.LAddr(offset)
	n, err := inst.host.StrlenFromUser(l)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if err := inst.host.CopyFromUser(buf, l); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

// SymbolValue resolves a symbol's effective value: SHN_ABS entries are
// returned unchanged; otherwise the value is translated through this
// Instance's V(requested)→V(real) mapping, since the library itself may
// have been relocated relative to what the symbol table says.
func (inst *Instance) SymbolValue(sym types.SymEntry) types.Addr {
	if sym.Section == types.ShnAbs {
		return sym.Value
	}
	return inst.getVAddr(sym.Value)
}

// relocTags holds the REL/RELA triples the Relocation Context re-scans
// the dynamic table for at perform time (§4.4's driver), kept separate
// from the Load-time dynamic fields since they are consumed by a
// different component.
type relocTags struct {
	relL, relSz, relEnt    uint64
	relaL, relaSz, relaEnt uint64
}

// gatherRelocTags re-scans the dynamic table for the REL/RELA triples. A load
// error here is not raised at Load time: an object with no relocations
// at all is perfectly valid, and §5 Supplemented Features 4 treats a
// partial triple as a warning, not a hard failure, since REL/RELA/ENT
// form a three-way grouping rather than the strict pair invariant 3
// enforces elsewhere.
func (inst *Instance) gatherRelocTags() (relocTags, error) {
	var rt relocTags
	for i := 0; i < inst.dynamicLen; i++ {
		tag, val, err := inst.readDynEntry(i)
		if err != nil {
			return rt, err
		}
		switch tag {
		case types.DTRel:
			rt.relL = uint64(inst.getLAddr(types.Addr(val)))
		case types.DTRelSz:
			rt.relSz = val
		case types.DTRelEnt:
			rt.relEnt = val
		case types.DTRela:
			rt.relaL = uint64(inst.getLAddr(types.Addr(val)))
		case types.DTRelaSz:
			rt.relaSz = val
		case types.DTRelaEnt:
			rt.relaEnt = val
		}
	}
	if (rt.relL != 0 || rt.relSz != 0 || rt.relEnt != 0) &&
		!(rt.relL != 0 && rt.relSz != 0 && rt.relEnt != 0) {
		klog.Warnf("instance %s has a partial DT_REL triple", inst.path)
	}
	if (rt.relaL != 0 || rt.relaSz != 0 || rt.relaEnt != 0) &&
		!(rt.relaL != 0 && rt.relaSz != 0 && rt.relaEnt != 0) {
		klog.Warnf("instance %s has a partial DT_RELA triple", inst.path)
	}
	return rt, nil
}

// loadBias is the ET_DYN base-address shift, computed from the first
// segment only: all segments of one object share a single shift.
func (inst *Instance) loadBias() types.AddrDiff {
	if len(inst.segments) == 0 {
		return 0
	}
	return types.AddrDiff(int64(inst.segments[0].VAddrReal) - int64(inst.segments[0].VAddrReq))
}

// --- Init/fini enumeration (§4.3) ---

func (inst *Instance) PreinitLen() int { return inst.preinitLen }

func (inst *Instance) PreinitGet(i int) types.Addr {
	if i < 0 || i >= inst.preinitLen {
		return 0
	}
	return inst.readAddrArray(inst.preinitArray, i)
}

func (inst *Instance) InitLen() int {
	n := inst.initLen
	if inst.initFunc != 0 {
		n++
	}
	return n
}

func (inst *Instance) InitGet(i int) types.Addr {
	if inst.initFunc != 0 {
		if i == 0 {
			return inst.initFunc
		}
		i--
	}
	if i < 0 || i >= inst.initLen {
		return 0
	}
	return inst.readAddrArray(inst.initArray, i)
}

// FiniLen counts the fini function itself (!!finiFunc) plus the
// DT_FINI_ARRAY entries — the fini side must gate on its own function
// pointer, not the init side's.
func (inst *Instance) FiniLen() int {
	n := inst.finiLen
	if inst.finiFunc != 0 {
		n++
	}
	return n
}

func (inst *Instance) FiniGet(i int) types.Addr {
	if inst.finiFunc != 0 {
		if i == 0 {
			return inst.finiFunc
		}
		i--
	}
	if i < 0 || i >= inst.finiLen {
		return 0
	}
	return inst.readAddrArray(inst.finiArray, i)
}

// readAddrArray reads the i'th Addr-sized element of an array whose base
// is a real virtual address, via CopyFromUser — never a direct pointer
// dereference.
func (inst *Instance) readAddrArray(vbaseReal types.Addr, i int) types.Addr {
	l := inst.VaddrToLaddr(vbaseReal)
	sz := addrSize(inst.class)
	l += types.LAddr(i * sz)
	buf := make([]byte, sz)
	if err := inst.host.CopyFromUser(buf, l); err != nil {
		return 0
	}
	if sz == 4 {
		return types.Addr(types.ByteOrder.Uint32(buf))
	}
	return types.Addr(types.ByteOrder.Uint64(buf))
}

// Unload releases the segments (via host.SegFree) and the handle, per
// §3's lifecycle table.
func (inst *Instance) unload() {
	if inst == nil {
		return
	}
	if len(inst.segments) > 0 {
		inst.host.SegFree(inst.pid, inst.segments)
	}
	klog.Debugf("unloaded instance %s", inst.path)
}

// Unload is the exported form of unload, used once Load has returned
// successfully.
func (inst *Instance) Unload() { inst.unload() }

// destroy releases only the handle, leaving segments live — used when
// ownership of segments is being transferred to a caller that will free
// them itself. Load calls it on the failure paths where no segments are
// allocated yet (an oversized segment, a failed SegAlloc); it is also kept
// for API parity with the original's kbelf_inst_destroy and for callers
// composing their own cleanup paths.
func (inst *Instance) destroy() {}

// Destroy is the exported form of destroy.
func (inst *Instance) Destroy() { inst.destroy() }

// NeededLibs returns every DT_NEEDED name this instance's dynamic table
// lists, in table order.
func (inst *Instance) NeededLibs() ([]string, error) {
	var needed []string
	for i := 0; i < inst.dynamicLen; i++ {
		tag, val, err := inst.readDynEntry(i)
		if err != nil {
			return nil, errors.Wrap(err, "reading dynamic entry")
		}
		if tag != types.DTNeeded {
			continue
		}
		name, err := inst.readDynStrAt(uint32(val))
		if err != nil {
			return nil, errors.Wrap(err, "reading DT_NEEDED name")
		}
		needed = append(needed, name)
	}
	return needed, nil
}

var ErrStructuralNoSegments = newFormatError(KindStructural, "no loadable segments", nil)
