package kbelf

import "github.com/pkg/errors"

// Kind is the error taxonomy of §7: the caller always just sees "load
// failed", but internally every failure carries one of these so tests and
// logs can tell them apart.
type Kind int

const (
	// KindMalformed covers a bad magic, version, class, endianness, or
	// header size — the container itself does not parse.
	KindMalformed Kind = iota
	// KindUnsupportedTarget covers a machine mismatch or an architecture
	// port flag mismatch.
	KindUnsupportedTarget
	// KindStructural covers overlapping/oversized segments and unbalanced
	// paired dynamic tags.
	KindStructural
	// KindResolution covers a library that cannot be located or a symbol
	// that cannot be resolved.
	KindResolution
	// KindIO covers a read or seek that failed or returned a short count.
	KindIO
	// KindResourceExhaustion covers an allocation or segment placement
	// failure.
	KindResourceExhaustion
	// KindUnsupportedRelocation covers an unknown relocation type for the
	// target architecture.
	KindUnsupportedRelocation
)

func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed container"
	case KindUnsupportedTarget:
		return "unsupported target"
	case KindStructural:
		return "structural violation"
	case KindResolution:
		return "resolution failure"
	case KindIO:
		return "I/O failure"
	case KindResourceExhaustion:
		return "resource exhaustion"
	case KindUnsupportedRelocation:
		return "unsupported relocation"
	default:
		return "unknown error"
	}
}

// FormatError is returned by File/Instance/Loader operations when the
// input does not have the shape this library accepts, mirroring the
// teacher's FormatError: a distinguishable error type instead of a bare
// string, carrying both a Kind (for callers) and a message (for logs).
type FormatError struct {
	Kind Kind
	Msg  string
	Val  interface{}
}

func (e *FormatError) Error() string {
	if e.Val != nil {
		return e.Msg + ": " + errors.Errorf("%v", e.Val).Error()
	}
	return e.Msg
}

func newFormatError(kind Kind, msg string, val interface{}) error {
	return &FormatError{Kind: kind, Msg: msg, Val: val}
}

// Sentinel errors for the common malformed-container rejections, usable
// with errors.Is.
var (
	ErrBadMagic            = newFormatError(KindMalformed, "invalid magic number", nil)
	ErrUnsupportedClass    = newFormatError(KindMalformed, "unsupported word size class", nil)
	ErrUnsupportedEndian   = newFormatError(KindMalformed, "unsupported byte order", nil)
	ErrUnsupportedVersion  = newFormatError(KindMalformed, "unsupported ELF version", nil)
	ErrUnsupportedType     = newFormatError(KindMalformed, "unsupported file type", nil)
	ErrUnsupportedMachine  = newFormatError(KindUnsupportedTarget, "unsupported machine", nil)
	ErrHeaderSize          = newFormatError(KindMalformed, "header size mismatch", nil)
	ErrUnsupportedABI      = newFormatError(KindUnsupportedTarget, "unsupported ABI flags", nil)
	ErrOversizedSegment    = newFormatError(KindStructural, "segment file size exceeds memory size", nil)
	ErrUnbalancedDynPair   = newFormatError(KindStructural, "paired dynamic tags are unbalanced", nil)
	ErrLibraryNotFound     = newFormatError(KindResolution, "needed library not found", nil)
	ErrSymbolNotFound      = newFormatError(KindResolution, "symbol not found", nil)
	ErrShortRead           = newFormatError(KindIO, "short read", nil)
	ErrOutOfMemory         = newFormatError(KindResourceExhaustion, "allocation failed", nil)
	ErrSegAllocFailed      = newFormatError(KindResourceExhaustion, "segment allocation failed", nil)
	ErrUnsupportedReloc    = newFormatError(KindUnsupportedRelocation, "unsupported relocation type", nil)
	ErrNoExecutable        = newFormatError(KindStructural, "no executable file set", nil)
)

func (e *FormatError) Is(target error) bool {
	fe, ok := target.(*FormatError)
	return ok && fe.Kind == e.Kind && fe.Msg == e.Msg
}
