// Package arch defines the architecture-port seam: the two operations a
// target needs to supply beyond the core's own address-space bookkeeping,
// header flag verification and relocation application.
package arch

import "github.com/kbelf-go/kbelf/types"

// FileInfo is the subset of a parsed ELF header a port's Verify needs —
// just the target-specific flags word, since everything else (class,
// endianness, machine) is already checked by the core before Verify runs.
type FileInfo struct {
	Flags uint32
}

// RelocInput is everything a port needs to apply one relocation. Base is
// the load bias of the defining Instance (its first segment's real V minus
// requested V), used by RELATIVE-style relocations; PC is the relocation's
// own real virtual address, used by PC-relative types.
type RelocInput struct {
	Type   uint32
	Sym    types.Addr
	Addend types.AddrDiff
	Base   types.AddrDiff
	PC     types.Addr
}

// Port abstracts everything relocation needs that varies by target
// architecture: flag verification at file-open time, and turning one
// decoded relocation into bytes at an address.
type Port interface {
	// Name identifies the port, used for CLI selection and log messages.
	Name() string
	// Machine is the ELF e_machine value this port accepts.
	Machine() types.Machine
	// Verify checks machine-specific header flags (e.g. RISC-V's compressed
	// instruction / float ABI bits). Called once per File Context after
	// the generic header checks pass.
	Verify(info FileInfo) bool
	// Apply computes the relocated value for in and returns the bytes to
	// write at the relocation's load address, or ok=false for an unknown
	// relocation type (a load-terminating error, per the core's contract).
	Apply(in RelocInput) (value []byte, ok bool)
}
