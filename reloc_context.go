package kbelf

import (
	"github.com/pkg/errors"

	"github.com/kbelf-go/kbelf/host"
	"github.com/kbelf-go/kbelf/internal/klog"
	"github.com/kbelf-go/kbelf/pkg/arch"
	"github.com/kbelf-go/kbelf/types"
)

// relocMember is one (File, Instance) pair the Relocation Context drives
// relocations for. The File is kept alongside the Instance since applying
// a relocation needs the architecture port, and the file's target carries
// it.
type relocMember struct {
	file *File
	inst *Instance
}

// RelocContext is the Relocation Context (§4.4): it gathers built-in
// libraries and loaded instances, resolves symbols across all of them in
// a fixed precedence order, and applies every object's relocations
// in-place via the host's cross-address-space accessors. It is not
// transactional — a failure partway through leaves earlier instances
// already relocated, matching the original's abort-in-place contract.
type RelocContext struct {
	builtins []*host.BuiltinLibrary
	members  []relocMember
}

// NewRelocContext returns an empty Relocation Context.
func NewRelocContext() *RelocContext {
	return &RelocContext{}
}

// Add registers a loaded instance (and the File Context it came from) for
// relocation. Order matters only for symbol resolution precedence among
// instances (registration order, after built-ins).
func (r *RelocContext) Add(file *File, inst *Instance) error {
	if file == nil || inst == nil {
		return errors.New("reloc: nil file or instance")
	}
	r.members = append(r.members, relocMember{file: file, inst: inst})
	return nil
}

// AddBuiltin registers a host-declared built-in library. Built-ins are
// always searched before any loaded instance, regardless of add order
// relative to Add.
func (r *RelocContext) AddBuiltin(lib *host.BuiltinLibrary) error {
	if lib == nil {
		return errors.New("reloc: nil builtin library")
	}
	r.builtins = append(r.builtins, lib)
	return nil
}

// findSymbol looks up name across every built-in library (in registration
// order) and then every loaded instance's dynamic symbol table (also in
// registration order). A built-in or a global instance symbol resolves
// immediately; a weak instance symbol is remembered but only wins if no
// global definition turns up anywhere in the scan. Local and undefined
// symbols never participate in resolution.
//
// TODO: proper handling of "symbolic" linking, where a file's own symbols
// are preferred over the default search order.
func (r *RelocContext) findSymbol(name string) (types.Addr, bool) {
	for _, lib := range r.builtins {
		for _, sym := range lib.Symbols {
			if sym.Name == name {
				return sym.VAddr, true
			}
		}
	}

	var (
		weakVal   types.Addr
		foundWeak bool
	)
	for _, m := range r.members {
		n := m.inst.DynSymCount()
		for y := 1; y < n; y++ {
			sym, err := m.inst.readDynSym(y)
			if err != nil {
				klog.Warnf("reloc: reading symbol %d of %s: %v", y, m.inst.Name(), err)
				continue
			}
			if sym.Section == types.ShnUndef {
				continue
			}
			// TODO: proper handling of local symbols beyond a flat skip.
			if sym.Bind() == types.StbLocal {
				continue
			}
			symName, err := m.inst.readDynStrAt(sym.Name)
			if err != nil {
				klog.Warnf("reloc: reading symbol name %d of %s: %v", y, m.inst.Name(), err)
				continue
			}
			if symName != name {
				continue
			}
			val := m.inst.SymbolValue(sym)
			if sym.Bind() != types.StbWeak {
				return val, true
			}
			if !foundWeak {
				weakVal = val
				foundWeak = true
			}
		}
	}

	return weakVal, foundWeak
}

// Perform applies every registered instance's relocations, in add order.
// Only RELA tables are driven, matching the core's supported subset; a
// REL-only object fails with ErrUnsupportedReloc since the core carries
// no addend-less apply path. Perform is idempotent on success and is
// safe to call again after adding more members, though already-applied
// relocations are simply written again.
func (r *RelocContext) Perform() error {
	for _, m := range r.members {
		if err := r.performMember(m); err != nil {
			return errors.Wrapf(err, "relocating %s", m.inst.Name())
		}
	}
	return nil
}

func (r *RelocContext) performMember(m relocMember) error {
	rt, err := m.inst.gatherRelocTags()
	if err != nil {
		return errors.Wrap(err, "gathering relocation tags")
	}

	if rt.relL != 0 && rt.relSz != 0 && rt.relEnt != 0 {
		// The core never implements REL application (no addend to carry);
		// an object that actually needs it fails cleanly here rather than
		// silently skipping relocations.
		return errors.Wrap(ErrUnsupportedReloc, "DT_REL is present but unsupported")
	}

	if rt.relaL == 0 || rt.relaSz == 0 || rt.relaEnt == 0 {
		return nil
	}

	port := m.file.target.Port
	class := m.file.target.Class
	entSize := relaEntrySize(class)
	if rt.relaEnt != uint64(entSize) {
		return errors.New("invalid RELA entry size")
	}

	count := int(rt.relaSz) / entSize
	base := m.inst.loadBias()

	for i := 0; i < count; i++ {
		offset, info, addend, err := readRelaEntry(m.inst.host, types.LAddr(rt.relaL), i, class)
		if err != nil {
			return errors.Wrapf(err, "reading RELA entry %d", i)
		}

		var (
			relType uint32
			symIdx  uint32
		)
		if class == types.Class32 {
			symIdx = types.R32Sym(info)
			relType = types.R32Type(info)
		} else {
			symIdx = types.R64Sym(info)
			relType = types.R64Type(info)
		}

		var symval types.Addr
		if symIdx != 0 {
			st, err := m.inst.readDynSym(int(symIdx))
			if err != nil {
				return errors.Wrapf(err, "resolving symbol %d", symIdx)
			}
			symName, err := m.inst.readDynStrAt(st.Name)
			if err != nil {
				return errors.Wrapf(err, "resolving symbol %d", symIdx)
			}
			val, found := r.findSymbol(symName)
			if !found {
				return errors.Wrapf(ErrSymbolNotFound, "symbol %q", symName)
			}
			symval = val
		}

		laddr := m.inst.getLAddr(offset)
		pc := m.inst.vaddrToVaddrReal(offset)

		klog.Debugf("applying relocation %d @ 0x%x: symval 0x%x, addend 0x%x", relType, uint64(laddr), uint64(symval), uint64(addend))

		value, ok := port.Apply(arch.RelocInput{
			Type:   relType,
			Sym:    symval,
			Addend: types.AddrDiff(addend),
			Base:   base,
			PC:     pc,
		})
		if !ok {
			return errors.Wrapf(ErrUnsupportedReloc, "type 0x%x", relType)
		}
		if len(value) == 0 {
			continue
		}
		if err := m.inst.host.CopyToUser(laddr, value); err != nil {
			return errors.Wrap(err, "writing relocation")
		}
	}

	return nil
}

func relaEntrySize(c types.Class) int {
	if c == types.Class32 {
		return types.RelaEntry32Size
	}
	return types.RelaEntry64Size
}

// readRelaEntry reads the i'th RELA entry out of a table at relaL via
// CopyFromUser, decoding the class-dependent layout.
func readRelaEntry(h host.Host, relaL types.LAddr, i int, class types.Class) (offset types.Addr, info uint64, addend int64, err error) {
	sz := relaEntrySize(class)
	buf := make([]byte, sz)
	if err := h.CopyFromUser(buf, relaL+types.LAddr(i*sz)); err != nil {
		return 0, 0, 0, err
	}
	if class == types.Class32 {
		offset = types.Addr(types.ByteOrder.Uint32(buf[0:4]))
		info = uint64(types.ByteOrder.Uint32(buf[4:8]))
		addend = int64(int32(types.ByteOrder.Uint32(buf[8:12])))
		return offset, info, addend, nil
	}
	offset = types.Addr(types.ByteOrder.Uint64(buf[0:8]))
	info = types.ByteOrder.Uint64(buf[8:16])
	addend = int64(types.ByteOrder.Uint64(buf[16:24]))
	return offset, info, addend, nil
}
