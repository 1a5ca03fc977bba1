package kbelf

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kbelf-go/kbelf/types"
)

func openLoad(t *testing.T, h *fakeHost, raw []byte, path string) *Instance {
	t.Helper()
	f, err := Open(h, amd64Target, path, newMemFile(raw))
	require.NoError(t, err)
	inst, err := Load(h, f, 1)
	require.NoError(t, err)
	return inst
}

func TestLoad_NoLoadableSegments_Fails(t *testing.T) {
	raw := buildELF(types.EMX8664, types.ETExec, 0, nil, 0, 0, 0)
	h := newFakeHost()
	f, err := Open(h, amd64Target, "empty.elf", newMemFile(raw))
	require.NoError(t, err)

	inst, err := Load(h, f, 1)
	require.Error(t, err)
	require.Nil(t, inst)
}

func TestLoad_HelloWorld_NoDeps(t *testing.T) {
	loads := []loadSeg{{vaddr: 0x10000, data: make([]byte, 0x2000), memsz: 0x2000, flags: types.PFR | types.PFX}}
	raw := buildELF(types.EMX8664, types.ETExec, 0x10040, loads, 0, 0, 0)

	inst := openLoad(t, newFakeHost(), raw, "hello.elf")

	require.Equal(t, types.Addr(0x10040), inst.Entrypoint())
	require.Equal(t, 0, inst.PreinitLen())
	require.Equal(t, 0, inst.InitLen())
	require.Equal(t, 0, inst.FiniLen())
	needed, err := inst.NeededLibs()
	require.NoError(t, err)
	require.Empty(t, needed)
}

func TestLoad_OversizedSegmentRejected(t *testing.T) {
	loads := []loadSeg{{vaddr: 0x10000, data: make([]byte, 0x100), memsz: 0x80, flags: types.PFR}}
	raw := buildELF(types.EMX8664, types.ETExec, 0, loads, 0, 0, 0)
	h := newFakeHost()
	f, err := Open(h, amd64Target, "oversized.elf", newMemFile(raw))
	require.NoError(t, err)

	_, err = Load(h, f, 1)
	require.ErrorIs(t, err, ErrOversizedSegment)
}

// buildDynExec assembles a two-PT_LOAD-plus-dynamic executable: one code
// segment and one data segment holding whatever dynamic-table bytes the
// caller already encoded, cross-linked by a PT_DYNAMIC header.
func buildDynExec(codeVaddr types.Addr, dynVaddr types.Addr, dynData []byte, entriesOff types.Addr, entriesLen int) []byte {
	loads := []loadSeg{
		{vaddr: codeVaddr, data: make([]byte, 0x100), memsz: 0x100, flags: types.PFR | types.PFX},
		{vaddr: dynVaddr, data: dynData, memsz: uint64(len(dynData)), flags: types.PFR | types.PFW},
	}
	return buildELF(types.EMX8664, types.ETExec, 0, loads, entriesOff, uint64(entriesLen), 0)
}

func TestLoad_UnbalancedDynPairRejected(t *testing.T) {
	sb := newSegBuilder(0x20000)
	entries := encodeDynEntries([]types.DynEntry{
		{Tag: types.DTInitArray, Value: uint64(sb.addr())},
		// DT_INIT_ARRAYSZ deliberately omitted: an unbalanced pair.
	})
	entriesAddr := sb.write(entries)

	raw := buildDynExec(0x10000, 0x20000, sb.bytes(), entriesAddr, len(entries))
	h := newFakeHost()
	f, err := Open(h, amd64Target, "unbalanced.elf", newMemFile(raw))
	require.NoError(t, err)

	_, err = Load(h, f, 1)
	require.ErrorIs(t, err, ErrUnbalancedDynPair)
}

func TestLoad_InitFiniEnumeration(t *testing.T) {
	sb := newSegBuilder(0x20000)

	initArrayAddr := sb.write(encodeU64(0x2100))
	finiArrayAddr := sb.write(encodeU64(0x2200))

	entries := encodeDynEntries([]types.DynEntry{
		{Tag: types.DTInit, Value: 0x10050},
		{Tag: types.DTFini, Value: 0x10060},
		{Tag: types.DTInitArray, Value: uint64(initArrayAddr)},
		{Tag: types.DTInitArraySz, Value: 8},
		{Tag: types.DTFiniArray, Value: uint64(finiArrayAddr)},
		{Tag: types.DTFiniArraySz, Value: 8},
	})
	entriesAddr := sb.write(entries)

	raw := buildDynExec(0x10000, 0x20000, sb.bytes(), entriesAddr, len(entries))
	inst := openLoad(t, newFakeHost(), raw, "initfini.elf")

	require.Equal(t, 2, inst.InitLen())
	require.Equal(t, types.Addr(0x10050), inst.InitGet(0))
	require.Equal(t, types.Addr(0x2100), inst.InitGet(1))

	require.Equal(t, 2, inst.FiniLen())
	require.Equal(t, types.Addr(0x10060), inst.FiniGet(0))
	require.Equal(t, types.Addr(0x2200), inst.FiniGet(1))
}

func TestLoad_NeededLibsOrder(t *testing.T) {
	sb := newSegBuilder(0x20000)
	strTab, offs := encodeStrTab("libfoo.so", "libbar.so")
	strAddr := sb.write(strTab)

	entries := encodeDynEntries([]types.DynEntry{
		{Tag: types.DTNeeded, Value: uint64(offs["libfoo.so"])},
		{Tag: types.DTNeeded, Value: uint64(offs["libbar.so"])},
		{Tag: types.DTStrtab, Value: uint64(strAddr)},
		{Tag: types.DTStrSz, Value: uint64(len(strTab))},
	})
	entriesAddr := sb.write(entries)

	raw := buildDynExec(0x10000, 0x20000, sb.bytes(), entriesAddr, len(entries))
	inst := openLoad(t, newFakeHost(), raw, "needs.elf")

	needed, err := inst.NeededLibs()
	require.NoError(t, err)
	require.Equal(t, []string{"libfoo.so", "libbar.so"}, needed)
}

func TestLoad_DynSymCountFromHashNChain(t *testing.T) {
	sb := newSegBuilder(0x20000)
	hashAddr := sb.write(encodeHash(3))
	sb.align(8)
	symAddr := sb.write(make([]byte, 3*types.SymEntry64Size))

	entries := encodeDynEntries([]types.DynEntry{
		{Tag: types.DTHash, Value: uint64(hashAddr)},
		{Tag: types.DTSymtab, Value: uint64(symAddr)},
	})
	entriesAddr := sb.write(entries)

	raw := buildDynExec(0x10000, 0x20000, sb.bytes(), entriesAddr, len(entries))
	inst := openLoad(t, newFakeHost(), raw, "hash.elf")

	require.Equal(t, 3, inst.DynSymCount())
}

func TestAddressTranslation_RoundTrip_Identity(t *testing.T) {
	loads := []loadSeg{
		{vaddr: 0x10000, data: make([]byte, 0x1000), memsz: 0x1000, flags: types.PFR | types.PFX},
		{vaddr: 0x20000, data: make([]byte, 0x2000), memsz: 0x2000, flags: types.PFR | types.PFW},
	}
	raw := buildELF(types.EMX8664, types.ETExec, 0, loads, 0, 0, 0)
	inst := openLoad(t, newFakeHost(), raw, "roundtrip.elf")

	samples := []types.Addr{0x10000, 0x10001, 0x10fff, 0x20000, 0x21000, 0x21fff}
	for _, v := range samples {
		l := inst.getLAddr(v)
		p := inst.getPAddr(v)

		require.Equal(t, v, inst.LaddrToVaddr(l), "L->V round trip for 0x%x", uint64(v))
		require.Equal(t, v, inst.PaddrToVaddr(p), "P->V round trip for 0x%x", uint64(v))
		require.Equal(t, l, inst.PaddrToLaddr(p), "P->L must agree with V->L for 0x%x", uint64(v))
		require.Equal(t, p, inst.VaddrToPaddr(v), "V->P must agree with V(real)->P for 0x%x", uint64(v))
		require.Equal(t, l, inst.VaddrToLaddr(v), "V->L must agree with V(real)->L for 0x%x", uint64(v))
		require.Equal(t, p, inst.LaddrToPaddr(l), "L->P must agree with V->P for 0x%x", uint64(v))
	}
}

func TestAddressTranslation_RoundTrip_WithETDynBias(t *testing.T) {
	h := newFakeHost()
	h.vBias = 0x5000
	h.pDelta = 0x9000

	loads := []loadSeg{{vaddr: 0x10000, data: make([]byte, 0x1000), memsz: 0x1000, flags: types.PFR | types.PFW}}
	raw := buildELF(types.EMX8664, types.ETDyn, 0, loads, 0, 0, 0)
	inst := openLoad(t, h, raw, "biased.elf")

	for _, v := range []types.Addr{0x10000, 0x10500, 0x10fff} {
		vReal := v + 0x5000
		l := inst.getLAddr(v)
		p := inst.getPAddr(v)

		require.Equal(t, vReal, inst.LaddrToVaddr(l))
		require.Equal(t, vReal, inst.PaddrToVaddr(p))
		require.Equal(t, l, inst.VaddrToLaddr(vReal))
		require.Equal(t, p, inst.VaddrToPaddr(vReal))
		require.Equal(t, l, inst.PaddrToLaddr(p))
		require.Equal(t, p, inst.LaddrToPaddr(l))
	}
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	types.ByteOrder.PutUint64(b, v)
	return b
}
