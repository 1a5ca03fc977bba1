package types

// Machine is the ELF e_machine field identifying the target architecture.
type Machine uint16

const (
	EMNone    Machine = 0
	EM386     Machine = 3
	EMX8664   Machine = 62
	EMRISCV   Machine = 243
	EMAArch64 Machine = 183
)

var machineStrings = []intName{
	{uint32(EMNone), "EMNone"},
	{uint32(EM386), "EM386"},
	{uint32(EMX8664), "EMX8664"},
	{uint32(EMRISCV), "EMRISCV"},
	{uint32(EMAArch64), "EMAArch64"},
}

func (m Machine) String() string   { return stringName(uint32(m), machineStrings, false) }
func (m Machine) GoString() string { return stringName(uint32(m), machineStrings, true) }
