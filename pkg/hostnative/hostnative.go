// Package hostnative is a reference host.Host implementation for loading
// and running an ELF image in the current process's own address space —
// the same "loader and target share memory" model the original library's
// kbelfx_libc.c example used, reworked onto golang.org/x/sys/unix's
// Mmap/Munmap instead of libc's malloc/free. Like kbelfx_libc.c, every
// segment stays mapped read-write regardless of its recorded r/w/x flags:
// the core writes segment bodies and applies relocations after SegAlloc
// returns (instance.go's copySegmentBodies, reloc_context.go's
// performMember), and host.Host has no post-load finalize hook at which
// to tighten permissions down to what the segment actually asked for
// without breaking that write-after-alloc ordering.
package hostnative

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/kbelf-go/kbelf/host"
	"github.com/kbelf-go/kbelf/internal/klog"
	"github.com/kbelf-go/kbelf/types"
)

// nativeSegment is one mmap'd allocation and the synthetic load-address
// base it was assigned. LAddr values handed out by this adapter are not
// real pointers — they are opaque keys into this table — so that
// CopyToUser/CopyFromUser never need unsafe.Pointer arithmetic.
type nativeSegment struct {
	base types.LAddr
	mem  []byte
}

// Adapter implements host.Host for same-process, same-address-space
// loading: a built binary loading a plugin, an interpreter loading a
// dynamically linked module, and similar single-process embeddings.
type Adapter struct {
	mu sync.Mutex

	libDirs  []string
	builtins []*host.BuiltinLibrary

	segs     []nativeSegment
	nextBase types.LAddr
}

// New returns an Adapter that searches libDirs (in order) for DT_NEEDED
// libraries FindLib cannot otherwise resolve, and exposes builtins to
// every Relocation Context built over this host.
func New(libDirs []string, builtins []*host.BuiltinLibrary) *Adapter {
	return &Adapter{
		libDirs:  libDirs,
		builtins: builtins,
		nextBase: types.LAddr(unix.Getpagesize()),
	}
}

// SegAlloc mmaps one anonymous region spanning every segment's requested
// range and slices it up per segment, mirroring kbelfx_seg_alloc's single
// malloc-for-the-whole-span strategy. Unlike that example, every path
// returns an explicit bool — the original's missing `return true` on the
// success path is not reproduced here.
func (a *Adapter) SegAlloc(pid int, segs []host.Segment) bool {
	if len(segs) == 0 {
		return false
	}

	addrMin := segs[0].VAddrReq
	addrMax := segs[0].VAddrReq + types.Addr(segs[0].Size)
	for _, s := range segs[1:] {
		if s.VAddrReq < addrMin {
			addrMin = s.VAddrReq
		}
		if end := s.VAddrReq + types.Addr(s.Size); end > addrMax {
			addrMax = end
		}
	}

	size := int(addrMax - addrMin)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		klog.Warnf("hostnative: mmap %d bytes: %v", size, err)
		return false
	}

	a.mu.Lock()
	base := a.nextBase
	a.nextBase += types.LAddr(alignUp(size, unix.Getpagesize()))
	a.segs = append(a.segs, nativeSegment{base: base, mem: mem})
	a.mu.Unlock()

	for i := range segs {
		off := segs[i].VAddrReq - addrMin
		segs[i].LAddr = base + types.LAddr(off)
		segs[i].PAddr = types.PAddr(segs[i].LAddr)
		segs[i].VAddrReal = segs[i].VAddrReq
	}
	// The whole allocation is released through any one of its segments;
	// stash the backing slice on the first so SegFree can find it without
	// a table lookup, matching alloc_cookie's role in the original.
	segs[0].Cookie = mem

	return true
}

// SegFree releases the allocation SegAlloc produced for segs, via the
// cookie stashed on segs[0].
func (a *Adapter) SegFree(pid int, segs []host.Segment) {
	if len(segs) == 0 {
		return
	}
	mem, ok := segs[0].Cookie.([]byte)
	if !ok || mem == nil {
		return
	}
	if err := unix.Munmap(mem); err != nil {
		klog.Warnf("hostnative: munmap: %v", err)
	}

	a.mu.Lock()
	for i, s := range a.segs {
		if &s.mem[0] == &mem[0] {
			a.segs = append(a.segs[:i], a.segs[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
}

// Open opens path for reading.
func (a *Adapter) Open(path string) (host.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &nativeFile{f: f}, nil
}

// FindLib searches libDirs (in order) for name's basename, returning
// (nil, nil) — not an error — if it is nowhere to be found, per the Host
// contract's resolution-failure-is-not-an-I/O-error rule.
func (a *Adapter) FindLib(name string) (host.File, error) {
	base := filepath.Base(name)
	for _, dir := range a.libDirs {
		candidate := filepath.Join(dir, base)
		f, err := os.Open(candidate)
		if err == nil {
			return &nativeFile{f: f}, nil
		}
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "opening %s", candidate)
		}
	}
	return nil, nil
}

// BuiltinLibs returns the adapter's configured built-in library registry.
func (a *Adapter) BuiltinLibs() []*host.BuiltinLibrary { return a.builtins }

func (a *Adapter) find(l types.LAddr) (*nativeSegment, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.segs {
		s := &a.segs[i]
		if l >= s.base && int(l-s.base) < len(s.mem) {
			return s, int(l - s.base), true
		}
	}
	return nil, 0, false
}

// CopyToUser writes src into the mapped segment containing l.
func (a *Adapter) CopyToUser(l types.LAddr, src []byte) error {
	s, off, ok := a.find(l)
	if !ok || off+len(src) > len(s.mem) {
		return errors.Errorf("hostnative: address 0x%x out of range", uint64(l))
	}
	copy(s.mem[off:], src)
	return nil
}

// CopyFromUser reads len(dst) bytes starting at l from the mapped segment
// containing it.
func (a *Adapter) CopyFromUser(dst []byte, l types.LAddr) error {
	s, off, ok := a.find(l)
	if !ok || off+len(dst) > len(s.mem) {
		return errors.Errorf("hostnative: address 0x%x out of range", uint64(l))
	}
	copy(dst, s.mem[off:])
	return nil
}

// StrlenFromUser scans for a nul terminator starting at l, bounded by the
// containing segment's end.
func (a *Adapter) StrlenFromUser(l types.LAddr) (int, error) {
	s, off, ok := a.find(l)
	if !ok {
		return 0, errors.Errorf("hostnative: address 0x%x out of range", uint64(l))
	}
	for i := off; i < len(s.mem); i++ {
		if s.mem[i] == 0 {
			return i - off, nil
		}
	}
	return 0, errors.Errorf("hostnative: no nul terminator found from 0x%x", uint64(l))
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// nativeFile adapts *os.File to host.File: Read reads exactly len(buf)
// bytes (a short read is a failure, not a partial success) and Seek is
// always absolute.
type nativeFile struct {
	f *os.File
}

func (nf *nativeFile) Read(buf []byte) error {
	_, err := io.ReadFull(nf.f, buf)
	return err
}

func (nf *nativeFile) Seek(offset int64) error {
	_, err := nf.f.Seek(offset, io.SeekStart)
	return err
}

func (nf *nativeFile) Close() error { return nf.f.Close() }
