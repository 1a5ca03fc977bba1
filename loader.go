package kbelf

import (
	"github.com/pkg/errors"

	"github.com/kbelf-go/kbelf/host"
	"github.com/kbelf-go/kbelf/internal/klog"
	"github.com/kbelf-go/kbelf/types"
)

// DynLoader is the Dynamic Loader (§4.5): it owns one executable and the
// transitive closure of its DT_NEEDED libraries, drives their loading and
// relocation, and exposes the combined preinit/init/fini schedule and
// entrypoint to the embedder. A DynLoader is single-use: Load may only
// succeed once.
type DynLoader struct {
	host   host.Host
	target Target
	pid    int

	execFile *File
	execInst *Instance

	libFiles []*File
	libInsts []*Instance

	builtins []*host.BuiltinLibrary

	// initOrder holds indices into libFiles/libInsts, in a valid linear
	// extension of the depends-on partial order, restricted to the
	// libraries that actually have preinit/init/fini functions.
	initOrder        []int
	initLen, finiLen int

	entrypoint types.Addr
}

// NewDynLoader returns an empty Dynamic Loader for pid, targeting the
// given architecture.
func NewDynLoader(h host.Host, target Target, pid int) *DynLoader {
	return &DynLoader{host: h, target: target, pid: pid}
}

// SetExec opens path (or adopts fd) as the process's executable. It may
// be called at most once.
func (d *DynLoader) SetExec(path string, fd host.File) error {
	if d.execFile != nil {
		return errors.New("loader: executable already set")
	}
	f, err := Open(d.host, d.target, path, fd)
	if err != nil {
		return errors.Wrapf(err, "loader: set exec %s", path)
	}
	d.execFile = f
	return nil
}

func (d *DynLoader) checkLib(needed string) bool {
	name := basename(needed)
	for _, b := range d.builtins {
		if basename(b.Path) == name {
			return true
		}
	}
	for _, f := range d.libFiles {
		if f.Name() == name {
			return true
		}
	}
	return false
}

func (d *DynLoader) findBuiltin(needed string) *host.BuiltinLibrary {
	name := basename(needed)
	for _, b := range d.host.BuiltinLibs() {
		if basename(b.Path) == name {
			return b
		}
	}
	return nil
}

func (d *DynLoader) addLib(f *File) {
	d.libFiles = append(d.libFiles, f)
	d.libInsts = append(d.libInsts, nil)
}

// checkDeps scans inst's DT_NEEDED entries and, for each not already
// satisfied, resolves it against the host's built-in registry first and
// its external library finder second, mirroring check_deps's built-in
// before find_lib precedence.
func (d *DynLoader) checkDeps(inst *Instance) error {
	needed, err := inst.NeededLibs()
	if err != nil {
		return errors.Wrap(err, "reading DT_NEEDED")
	}
	for _, name := range needed {
		if d.checkLib(name) {
			continue
		}
		if b := d.findBuiltin(name); b != nil {
			d.builtins = append(d.builtins, b)
			continue
		}
		fd, err := d.host.FindLib(name)
		if err != nil {
			return errors.Wrapf(err, "resolving library %q", name)
		}
		if fd == nil {
			return errors.Wrapf(ErrLibraryNotFound, "%q", name)
		}
		f, err := Open(d.host, d.target, name, fd)
		if err != nil {
			return errors.Wrapf(err, "opening library %q", name)
		}
		d.addLib(f)
	}
	return nil
}

func hasInitFuncs(inst *Instance) bool {
	return inst.PreinitLen() > 0 || inst.InitLen() > 0 || inst.FiniLen() > 0
}

// directDeps returns the indices into d.libInsts that libInsts[i] directly
// needs, skipping any DT_NEEDED name satisfied by a built-in instead.
func (d *DynLoader) directDeps(i int) []int {
	needed, err := d.libInsts[i].NeededLibs()
	if err != nil {
		klog.Warnf("loader: reading dependencies of %s: %v", d.libFiles[i].Name(), err)
		return nil
	}
	var deps []int
	for _, n := range needed {
		nm := basename(n)
		for j, f := range d.libFiles {
			if f.Name() == nm {
				deps = append(deps, j)
				break
			}
		}
	}
	return deps
}

// topoOrder computes a linear extension of the depends-on partial order
// over the loaded libraries, restricted to those with init/fini
// functions, via a DFS post-order traversal: each library is pushed to
// the post-order list only after every library it (directly or
// indirectly) depends on has already been visited, so the post-order
// itself already places every dependency before everything that depends
// on it — the same relation the original's recursive comparator
// enforced, computed in one traversal instead of the original's pairwise
// depends_on-plus-merge-sort. A library already on the current DFS path
// is treated as visited rather than recursed into again, bounding cycles.
func (d *DynLoader) topoOrder() []int {
	n := len(d.libInsts)
	visited := make([]bool, n)
	postorder := make([]int, 0, n)

	var visit func(i int)
	visit = func(i int) {
		visited[i] = true
		for _, dep := range d.directDeps(i) {
			if !visited[dep] {
				visit(dep)
			}
		}
		postorder = append(postorder, i)
	}
	for i := 0; i < n; i++ {
		if !visited[i] {
			visit(i)
		}
	}

	order := make([]int, 0, n)
	for _, idx := range postorder {
		if hasInitFuncs(d.libInsts[idx]) {
			order = append(order, idx)
		}
	}
	return order
}

// Load loads the executable, resolves and loads its transitive library
// dependencies, computes the initialisation order, and relocates every
// object. On any failure every instance loaded so far is unloaded and
// every File Context this loader opened is closed (via Destroy) before
// the error is returned; no partial image is left observable (§4.5
// Failure semantics).
func (d *DynLoader) Load() error {
	if d.execFile == nil {
		return ErrNoExecutable
	}

	execInst, err := Load(d.host, d.execFile, d.pid)
	if err != nil {
		d.Destroy()
		return errors.Wrapf(err, "loading executable %s", d.execFile.Path())
	}
	d.execInst = execInst

	if err := d.checkDeps(execInst); err != nil {
		d.Destroy()
		return errors.Wrap(err, "satisfying executable dependencies")
	}

	for i := 0; i < len(d.libFiles); i++ {
		if d.libInsts[i] == nil {
			inst, err := Load(d.host, d.libFiles[i], d.pid)
			if err != nil {
				d.Destroy()
				return errors.Wrapf(err, "loading library %s", d.libFiles[i].Path())
			}
			d.libInsts[i] = inst
		}
		if err := d.checkDeps(d.libInsts[i]); err != nil {
			d.Destroy()
			return errors.Wrapf(err, "satisfying dependencies of %s", d.libFiles[i].Name())
		}
	}

	d.initOrder = d.topoOrder()

	d.initLen = execInst.InitLen()
	d.finiLen = execInst.FiniLen()
	for _, inst := range d.libInsts {
		d.initLen += inst.InitLen()
		d.finiLen += inst.FiniLen()
	}

	reloc := NewRelocContext()
	for _, b := range d.builtins {
		if err := reloc.AddBuiltin(b); err != nil {
			d.Destroy()
			return err
		}
	}
	if err := reloc.Add(d.execFile, execInst); err != nil {
		d.Destroy()
		return err
	}
	for i := range d.libInsts {
		if err := reloc.Add(d.libFiles[i], d.libInsts[i]); err != nil {
			d.Destroy()
			return err
		}
	}
	if err := reloc.Perform(); err != nil {
		d.Destroy()
		return errors.Wrap(err, "performing relocations")
	}

	d.entrypoint = execInst.Entrypoint()
	klog.Infof("loaded %s: entry 0x%x, %d libraries", d.execFile.Name(), uint64(d.entrypoint), len(d.libInsts))
	return nil
}

// Unload unloads the process image (segments only); the File Contexts
// and their handles stay open until Destroy.
func (d *DynLoader) Unload() {
	if d.execInst != nil {
		d.execInst.Unload()
		d.execInst = nil
	}
	for i, inst := range d.libInsts {
		if inst != nil {
			inst.Unload()
			d.libInsts[i] = nil
		}
	}
}

// Destroy unloads the process image (if loaded) and closes every File
// Context this loader opened.
func (d *DynLoader) Destroy() {
	d.Unload()
	if d.execFile != nil {
		d.execFile.Close()
		d.execFile = nil
	}
	for _, f := range d.libFiles {
		f.Close()
	}
	d.libFiles = nil
	d.libInsts = nil
}

// PreinitLen returns the number of pre-initialisation functions — the
// executable's own, since only it may carry DT_PREINIT_ARRAY.
func (d *DynLoader) PreinitLen() int {
	if d.execInst == nil {
		return 0
	}
	return d.execInst.PreinitLen()
}

// PreinitGet returns the i'th pre-initialisation function's address.
func (d *DynLoader) PreinitGet(i int) types.Addr {
	if d.execInst == nil {
		return 0
	}
	return d.execInst.PreinitGet(i)
}

// InitLen returns the total number of initialisation functions across the
// executable and every loaded library.
func (d *DynLoader) InitLen() int { return d.initLen }

// InitGet returns the i'th initialisation function's address, in running
// order: the executable's own functions first, then each library's, in
// the computed dependency order.
func (d *DynLoader) InitGet(i int) types.Addr {
	if i < 0 || i >= d.initLen || d.execInst == nil {
		return 0
	}
	n := d.execInst.InitLen()
	if i < n {
		return d.execInst.InitGet(i)
	}
	i -= n
	for _, idx := range d.initOrder {
		inst := d.libInsts[idx]
		n := inst.InitLen()
		if i < n {
			return inst.InitGet(i)
		}
		i -= n
	}
	return 0
}

// FiniLen returns the total number of finalisation functions across the
// executable and every loaded library.
func (d *DynLoader) FiniLen() int { return d.finiLen }

// FiniGet returns the i'th finalisation function's address. Finalisation
// order is the exact reverse of initialisation order.
func (d *DynLoader) FiniGet(i int) types.Addr {
	if i < 0 || i >= d.finiLen || d.execInst == nil {
		return 0
	}
	i = d.finiLen - i - 1
	n := d.execInst.FiniLen()
	if i < n {
		return d.execInst.FiniGet(i)
	}
	i -= n
	for _, idx := range d.initOrder {
		inst := d.libInsts[idx]
		n := inst.FiniLen()
		if i < n {
			return inst.FiniGet(i)
		}
		i -= n
	}
	return 0
}

// Entrypoint returns the process's entrypoint address, valid after Load
// succeeds.
func (d *DynLoader) Entrypoint() types.Addr { return d.entrypoint }

// Executable returns the loaded executable instance, or nil before Load.
func (d *DynLoader) Executable() *Instance { return d.execInst }

// Libraries returns the loaded library instances, in registration order
// (not initialisation order).
func (d *DynLoader) Libraries() []*Instance { return d.libInsts }
