package patchdefs

import "encoding/binary"

// NitroCodeBE is the sentinel word that marks the static footer / module
// params structure at the tail of a Nitro ARM9 image. Parsing does not check
// for it; the ModuleParams field of the same name is round-tripped as read.
const NitroCodeBE = 0xDEC0_0621

// ModuleParamsSize is the on-disk size of ModuleParams, u32 LE fields with
// no padding.
const ModuleParamsSize = 36

// ModuleParams is the auto-load directory header positioned near the tail
// of the main binary's data (spec §3 "MainBinaryModuleParams"). Addresses
// are absolute RAM addresses, not file offsets.
//
// This engine only ever reads/rewrites AutoloadStart, AutoloadListStart and
// AutoloadListEnd; the remaining fields are round-tripped bit-exactly
// because they sit inside the same fixed-layout structure.
type ModuleParams struct {
	AutoloadListStart   uint32
	AutoloadListEnd     uint32
	AutoloadStart       uint32
	StaticBSSStart      uint32
	StaticBSSEnd        uint32
	CompressedStaticEnd uint32
	SDKVersionID        uint32
	NitroCodeBE         uint32
	TwlNitroCodeLE      uint32
}

// DecodeModuleParams parses a 36-byte little-endian ModuleParams record.
func DecodeModuleParams(b []byte) ModuleParams {
	le := binary.LittleEndian
	return ModuleParams{
		AutoloadListStart:   le.Uint32(b[0:4]),
		AutoloadListEnd:     le.Uint32(b[4:8]),
		AutoloadStart:       le.Uint32(b[8:12]),
		StaticBSSStart:      le.Uint32(b[12:16]),
		StaticBSSEnd:        le.Uint32(b[16:20]),
		CompressedStaticEnd: le.Uint32(b[20:24]),
		SDKVersionID:        le.Uint32(b[24:28]),
		NitroCodeBE:         le.Uint32(b[28:32]),
		TwlNitroCodeLE:      le.Uint32(b[32:36]),
	}
}

// Encode serializes ModuleParams back to its 36-byte little-endian form.
func (m ModuleParams) Encode() []byte {
	b := make([]byte, ModuleParamsSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:4], m.AutoloadListStart)
	le.PutUint32(b[4:8], m.AutoloadListEnd)
	le.PutUint32(b[8:12], m.AutoloadStart)
	le.PutUint32(b[12:16], m.StaticBSSStart)
	le.PutUint32(b[16:20], m.StaticBSSEnd)
	le.PutUint32(b[20:24], m.CompressedStaticEnd)
	le.PutUint32(b[24:28], m.SDKVersionID)
	le.PutUint32(b[28:32], m.NitroCodeBE)
	le.PutUint32(b[32:36], m.TwlNitroCodeLE)
	return b
}

// AutoLoadEntrySize is the on-disk size of one AutoLoadEntry: three packed
// little-endian u32 fields (spec §6).
const AutoLoadEntrySize = 12

// AutoLoadEntry describes one segment the console's loader copies into
// place at runtime (spec §3).
type AutoLoadEntry struct {
	Address uint32
	Size    uint32
	BSSSize uint32
	DataOff uint32 // file offset of this entry's raw data; not serialized
}

// DecodeAutoLoadList parses count consecutive AutoLoadEntry triples
// starting at b[0]. DataOff is left zero; callers that need it compute it
// from context (binimage.LoadMainImage does, from AutoloadStart and the
// entry sizes).
func DecodeAutoLoadList(b []byte, count int) []AutoLoadEntry {
	le := binary.LittleEndian
	entries := make([]AutoLoadEntry, count)
	for i := range entries {
		off := i * AutoLoadEntrySize
		entries[i] = AutoLoadEntry{
			Address: le.Uint32(b[off : off+4]),
			Size:    le.Uint32(b[off+4 : off+8]),
			BSSSize: le.Uint32(b[off+8 : off+12]),
		}
	}
	return entries
}

// EncodeAutoLoadList serializes entries back to their packed triple form.
func EncodeAutoLoadList(entries []AutoLoadEntry) []byte {
	le := binary.LittleEndian
	b := make([]byte, len(entries)*AutoLoadEntrySize)
	for i, e := range entries {
		off := i * AutoLoadEntrySize
		le.PutUint32(b[off:off+4], e.Address)
		le.PutUint32(b[off+4:off+8], e.Size)
		le.PutUint32(b[off+8:off+12], e.BSSSize)
	}
	return b
}
