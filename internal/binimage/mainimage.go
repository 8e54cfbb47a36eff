package binimage

import (
	"encoding/binary"

	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

// MainImage wraps the main ARM binary, plus the ModuleParams / AutoLoadEntry
// directory embedded near its tail (spec §3, §4.3, §4.8).
//
// AutoLoadListHookOffset locates the ModuleParams struct: a header-supplied
// file offset (spec §6 "autoload_list_hook_offset") at which this engine
// reads a 4-byte little-endian RAM address pointing at ModuleParams. The
// real console header encodes this indirection through a startup
// instruction rather than a plain pointer word; this engine assumes the
// pointer has already been resolved to a plain address by the caller
// supplying HookOffset, which is a documented simplification (see
// DESIGN.md).
type MainImage struct {
	base
	EntryAddress     uint32
	ModuleParams     patchdefs.ModuleParams
	AutoLoad         []patchdefs.AutoLoadEntry
	paramsFileOffset uint32 // derived at load time, not part of the on-disk format
}

// LoadMainImage parses data (the raw content of arm9.bin/arm7.bin) into a
// MainImage, locating and decoding its ModuleParams and AutoLoadEntry list.
func LoadMainImage(data []byte, entryAddress, ramAddress, autoLoadListHookOffset uint32) *MainImage {
	m := &MainImage{
		base:         base{ramBase: ramAddress, data: data},
		EntryAddress: entryAddress,
	}

	paramsAddr := binary.LittleEndian.Uint32(data[autoLoadListHookOffset : autoLoadListHookOffset+4])
	paramsOff := paramsAddr - ramAddress
	m.ModuleParams = patchdefs.DecodeModuleParams(data[paramsOff : paramsOff+patchdefs.ModuleParamsSize])

	listOff := m.ModuleParams.AutoloadListStart - ramAddress
	listEnd := m.ModuleParams.AutoloadListEnd - ramAddress
	count := int(listEnd-listOff) / patchdefs.AutoLoadEntrySize
	m.AutoLoad = patchdefs.DecodeAutoLoadList(data[listOff:listEnd], count)

	// Resolve each entry's file data offset: entries are listed in the
	// order their data was concatenated starting at AutoloadStart.
	dataOff := m.ModuleParams.AutoloadStart - ramAddress
	for i := range m.AutoLoad {
		m.AutoLoad[i].DataOff = dataOff
		dataOff += m.AutoLoad[i].Size
	}

	m.paramsFileOffset = paramsOff
	return m
}

// SyncModuleParams re-serialises ModuleParams and the AutoLoad list back
// into the image's byte buffer. Call this after mutating either, before
// the image is written out.
func (m *MainImage) SyncModuleParams() {
	copy(m.data[m.paramsFileOffset:], m.ModuleParams.Encode())

	listOff := m.ModuleParams.AutoloadListStart - m.ramBase
	encoded := patchdefs.EncodeAutoLoadList(m.AutoLoad)
	copy(m.data[listOff:], encoded)
	m.dirty = true
}

// ArenaLo reads the heap-base watermark word at addr (spec §6 "the address
// of the arenaLo variable").
func (m *MainImage) ArenaLo(addr uint32) uint32 {
	return m.ReadU32(addr)
}

// SetArenaLo raises the heap-base watermark after new code is installed.
func (m *MainImage) SetArenaLo(addr, value uint32) {
	m.WriteU32(addr, value)
}

// ExtendForNewCode grows the image by n bytes, keeping existing content in
// place at the start (spec §4.8 "extend the image by text_size + 12
// bytes").
func (m *MainImage) ExtendForNewCode(n int) {
	m.data = append(m.data, make([]byte, n)...)
	m.dirty = true
}
