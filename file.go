package kbelf

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/kbelf-go/kbelf/host"
	"github.com/kbelf-go/kbelf/internal/klog"
	"github.com/kbelf-go/kbelf/pkg/arch"
	"github.com/kbelf-go/kbelf/types"
)

// Target pins the two things a build of this library is compiled against
// in the original C library — the ELF word-size class and the machine —
// plus the architecture port that knows how to verify and relocate for
// that machine. A host embeds one Target per architecture it supports.
type Target struct {
	Class   types.Class
	Machine types.Machine
	Port    arch.Port
}

// File is the File Context (§4.2): it opens an ELF file, validates its
// header, and streams program headers on demand. It never caches program
// or section headers — only the header itself, bounding the resident
// footprint regardless of file size.
type File struct {
	host   host.Host
	fd     host.File
	path   string
	name   string // basename substring of path
	target Target

	header types.FileHeader
}

// basename returns the substring of path after the last '/' or '\\',
// mirroring kbelf_file_open's own basename scan (both separators are
// checked so Windows-style paths work too).
func basename(path string) string {
	cut := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' || path[i] == '\\' {
			cut = i
		}
	}
	if cut < 0 {
		return path
	}
	return path[cut+1:]
}

// Open adopts fd (if non-nil) or asks h to open path, reads and validates
// the ELF header, and runs the target's architecture-specific flag
// verification. On any failure the handle is closed and a *FormatError
// (wrapped with context) is returned.
func Open(h host.Host, target Target, path string, fd host.File) (*File, error) {
	if fd == nil {
		var err error
		fd, err = h.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", path)
		}
	}

	f := &File{
		host:   h,
		fd:     fd,
		path:   path,
		name:   basename(path),
		target: target,
	}

	if err := f.readHeader(); err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "open %s", path)
	}

	if !target.Port.Verify(arch.FileInfo{Flags: f.header.Flags}) {
		fd.Close()
		return nil, errors.Wrapf(ErrUnsupportedABI, "open %s", path)
	}

	return f, nil
}

func (f *File) readHeader() error {
	switch f.target.Class {
	case types.Class32:
		return f.readHeader32()
	case types.Class64:
		return f.readHeader64()
	default:
		return ErrUnsupportedClass
	}
}

func (f *File) readHeader32() error {
	var raw types.Header32
	if err := readStruct(f.fd, &raw); err != nil {
		return err
	}
	if err := validateIdent(raw.Ident[:], types.Class32); err != nil {
		return err
	}
	if types.Type(raw.Type) != types.ETExec && types.Type(raw.Type) != types.ETDyn {
		return ErrUnsupportedType
	}
	if types.Machine(raw.Machine) != f.target.Machine {
		return ErrUnsupportedMachine
	}
	if raw.Version != 1 {
		return ErrUnsupportedVersion
	}
	if raw.Ehsize != types.Header32Size {
		return ErrHeaderSize
	}
	if raw.Phentsize != types.ProgHeader32Size {
		return newFormatError(KindMalformed, "invalid program header entry size", nil)
	}
	if raw.Shentsize != 0 && raw.Shentsize != types.SectHeader32Size {
		return newFormatError(KindMalformed, "invalid section header entry size", nil)
	}

	f.header = types.FileHeader{
		Class: types.Class32, Data: types.Data2LSB, Version: types.Version(raw.Ident[types.EIVersion]),
		Type: types.Type(raw.Type), Machine: types.Machine(raw.Machine),
		Entry: types.Addr(raw.Entry), PhOff: types.Addr(raw.Phoff), ShOff: types.Addr(raw.Shoff),
		Flags: raw.Flags, EhSize: raw.Ehsize, PhEntSize: raw.Phentsize, PhNum: raw.Phnum,
		ShEntSize: raw.Shentsize, ShNum: raw.Shnum, ShStrIndex: raw.Shstrndx,
	}
	return nil
}

func (f *File) readHeader64() error {
	var raw types.Header64
	if err := readStruct(f.fd, &raw); err != nil {
		return err
	}
	if err := validateIdent(raw.Ident[:], types.Class64); err != nil {
		return err
	}
	if types.Type(raw.Type) != types.ETExec && types.Type(raw.Type) != types.ETDyn {
		return ErrUnsupportedType
	}
	if types.Machine(raw.Machine) != f.target.Machine {
		return ErrUnsupportedMachine
	}
	if raw.Version != 1 {
		return ErrUnsupportedVersion
	}
	if raw.Ehsize != types.Header64Size {
		return ErrHeaderSize
	}
	if raw.Phentsize != types.ProgHeader64Size {
		return newFormatError(KindMalformed, "invalid program header entry size", nil)
	}
	if raw.Shentsize != 0 && raw.Shentsize != types.SectHeader64Size {
		return newFormatError(KindMalformed, "invalid section header entry size", nil)
	}

	f.header = types.FileHeader{
		Class: types.Class64, Data: types.Data2LSB, Version: types.Version(raw.Ident[types.EIVersion]),
		Type: types.Type(raw.Type), Machine: types.Machine(raw.Machine),
		Entry: types.Addr(raw.Entry), PhOff: types.Addr(raw.Phoff), ShOff: types.Addr(raw.Shoff),
		Flags: raw.Flags, EhSize: raw.Ehsize, PhEntSize: raw.Phentsize, PhNum: raw.Phnum,
		ShEntSize: raw.Shentsize, ShNum: raw.Shnum, ShStrIndex: raw.Shstrndx,
	}
	return nil
}

func validateIdent(ident []byte, wantClass types.Class) error {
	if ident[types.EIMag0] != types.ELFMAG[0] || ident[types.EIMag0+1] != types.ELFMAG[1] ||
		ident[types.EIMag0+2] != types.ELFMAG[2] || ident[types.EIMag0+3] != types.ELFMAG[3] {
		return ErrBadMagic
	}
	if types.Class(ident[types.EIClass]) != wantClass {
		return ErrUnsupportedClass
	}
	if types.Data(ident[types.EIData]) != types.Data2LSB {
		return ErrUnsupportedEndian
	}
	if ident[types.EIVersion] != 1 {
		return ErrUnsupportedVersion
	}
	return nil
}

// readStruct reads binary.Size(v) bytes from fd at its current offset and
// decodes them little-endian into v. A short read surfaces as ErrShortRead,
// matching the host contract that a partial read is a failure, not a
// partial success.
func readStruct(fd host.File, v interface{}) error {
	n := binary.Size(v)
	if n < 0 {
		return errors.New("unrepresentable struct size")
	}
	buf := make([]byte, n)
	if err := fd.Read(buf); err != nil {
		return errors.Wrap(ErrShortRead, err.Error())
	}
	r := &byteReader{buf: buf}
	if err := binary.Read(r, types.ByteOrder, v); err != nil {
		return errors.Wrap(err, "decode header")
	}
	return nil
}

// byteReader adapts a byte slice to io.Reader for binary.Read, avoiding a
// bytes.Reader import purely for this.
type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.off:])
	r.off += n
	if n == 0 && len(p) > 0 {
		return 0, errors.New("short header buffer")
	}
	return n, nil
}

// Header returns the parsed file header.
func (f *File) Header() types.FileHeader { return f.header }

// Path returns the path the file was opened with.
func (f *File) Path() string { return f.path }

// Name returns the basename substring of Path.
func (f *File) Name() string { return f.name }

// ProgLen returns the program header entry count.
func (f *File) ProgLen() int { return int(f.header.PhNum) }

// ProgGet seeks to the i'th program header and reads it, per §4.2. Out of
// range and I/O errors both fail.
func (f *File) ProgGet(i int) (types.ProgHeader, error) {
	if i < 0 || i >= f.ProgLen() {
		return types.ProgHeader{}, errors.Errorf("program header index %d out of range", i)
	}

	switch f.target.Class {
	case types.Class32:
		off := int64(f.header.PhOff) + int64(types.ProgHeader32Size)*int64(i)
		if err := f.fd.Seek(off); err != nil {
			return types.ProgHeader{}, errors.Wrap(ErrShortRead, err.Error())
		}
		var raw types.ProgHeader32
		if err := readStruct(f.fd, &raw); err != nil {
			return types.ProgHeader{}, err
		}
		return types.ProgHeader{
			Type: types.ProgType(raw.Type), Flags: types.ProgFlag(raw.Flags),
			Offset: types.Addr(raw.Offset), Vaddr: types.Addr(raw.Vaddr), Paddr: types.Addr(raw.Paddr),
			Filesz: types.Addr(raw.Filesz), Memsz: types.Addr(raw.Memsz), Align: types.Addr(raw.Align),
		}, nil
	case types.Class64:
		off := int64(f.header.PhOff) + int64(types.ProgHeader64Size)*int64(i)
		if err := f.fd.Seek(off); err != nil {
			return types.ProgHeader{}, errors.Wrap(ErrShortRead, err.Error())
		}
		var raw types.ProgHeader64
		if err := readStruct(f.fd, &raw); err != nil {
			return types.ProgHeader{}, err
		}
		return types.ProgHeader{
			Type: types.ProgType(raw.Type), Flags: types.ProgFlag(raw.Flags),
			Offset: types.Addr(raw.Offset), Vaddr: types.Addr(raw.Vaddr), Paddr: types.Addr(raw.Paddr),
			Filesz: types.Addr(raw.Filesz), Memsz: types.Addr(raw.Memsz), Align: types.Addr(raw.Align),
		}, nil
	default:
		return types.ProgHeader{}, ErrUnsupportedClass
	}
}

// Close releases the File Context. The underlying handle is always closed
// by this module — it is never host-retained past Close, matching the
// original's "KBELF calls kbelfx_close when kbelf_file_close is called"
// contract.
func (f *File) Close() error {
	if f == nil || f.fd == nil {
		return nil
	}
	err := f.fd.Close()
	klog.Debugf("closed file context for %s", f.path)
	return err
}
