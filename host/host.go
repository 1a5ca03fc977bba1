// Package host defines the embedding interface the loader is written
// against: every platform-dependent operation — allocation, segment
// placement, file I/O, and cross-address-space memory access — is
// abstracted behind this interface so the core never assumes a shared
// address space or a conventional OS loader underneath it.
package host

import "github.com/kbelf-go/kbelf/types"

// Segment describes one loadable region, shared between the core and the
// host's segment allocator. The core fills in the requested fields before
// calling SegAlloc; the host fills in the real/physical/load fields and
// returns success.
type Segment struct {
	// Cookie is opaque to the core; the host may stash its own allocation
	// handle here and get it back unmodified on SegFree.
	Cookie interface{}
	// PID is the identifier passed to NewDynLoader or Load, otherwise
	// unused by the core.
	PID int

	LAddr      types.LAddr
	PAddr      types.PAddr
	VAddrReal  types.Addr
	VAddrReq   types.Addr
	Size       uint64
	FileOffset int64
	FileSize   int64

	Read, Write, Execute bool
}

// BuiltinSymbol is one exported symbol of a BuiltinLibrary.
type BuiltinSymbol struct {
	Name  string
	PAddr types.PAddr
	VAddr types.Addr
}

// BuiltinLibrary is an immutable, host-declared pseudo-library whose
// symbols resolve to fixed target addresses instead of a loaded image —
// the mechanism used to expose kernel or ABI functions to a dynamically
// linked program without loading a real shared object for them.
type BuiltinLibrary struct {
	// Path is used only for basename matching against DT_NEEDED entries.
	Path    string
	Symbols []BuiltinSymbol
}

// Host is every platform-dependent capability the core consumes. A host
// embedding this library implements Host once and passes it to every
// entry point (File Context, Instance, Relocation Context, Dynamic
// Loader).
type Host interface {
	// SegAlloc places segs in the target's address space, filling in
	// LAddr, PAddr, and VAddrReal on each element. The host may place
	// segments non-contiguously and may relocate them relative to
	// VAddrReq for ET_DYN files. Returns false (and leaves segs
	// unmodified, conceptually) on failure — never a partial success.
	SegAlloc(pid int, segs []Segment) bool
	// SegFree releases segments previously produced by a successful
	// SegAlloc call.
	SegFree(pid int, segs []Segment)

	// Open returns a handle for the named file, or an error. The handle is
	// owned by the core until Close is called on it.
	Open(path string) (File, error)

	// FindLib resolves a DT_NEEDED name to an opened file, or returns
	// (nil, nil) if no such library exists — a resolution failure, not an
	// I/O error.
	FindLib(name string) (File, error)

	// BuiltinLibs returns the host's statically declared built-in
	// library registry, checked before FindLib is ever called. May be
	// empty.
	BuiltinLibs() []*BuiltinLibrary

	// CopyToUser writes src into the target's memory at l.
	CopyToUser(l types.LAddr, src []byte) error
	// CopyFromUser reads len(dst) bytes from the target's memory at l.
	CopyFromUser(dst []byte, l types.LAddr) error
	// StrlenFromUser returns the length of the nul-terminated string at l,
	// or an error if no terminator is found within mapped memory.
	StrlenFromUser(l types.LAddr) (int, error)
}

// File is the minimal binary file handle the host hands back from Open
// and FindLib. Read and Seek report failure the way the original C
// interface did: a short read is a failure, not a partial success.
type File interface {
	// Read reads exactly len(buf) bytes, or returns an error.
	Read(buf []byte) error
	// Seek sets the absolute file offset.
	Seek(offset int64) error
	// Close releases the handle. The core closes every handle it holds,
	// whether it opened it (directly or via FindLib) or the caller
	// supplied it through SetExec's fd parameter: on a rejected Open and
	// when the File Context is closed.
	Close() error
}
