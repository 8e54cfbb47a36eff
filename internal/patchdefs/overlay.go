package patchdefs

import (
	"encoding/binary"
	"io"
)

// OverlayFlagCompressed is the low bit of OverlayTableEntry.Flag (the top
// byte of the on-disk CompressedAndFlag word), marking a compressed overlay
// payload.
const OverlayFlagCompressed = 0x01

// overlayTableEntryRaw is the on-disk 32-byte little-endian layout, one
// entry per overlay, concatenated with no padding (spec §6 "binary layouts
// preserved bit-exactly").
type overlayTableEntryRaw struct {
	ID                uint32
	RAMAddress        uint32
	RAMSize           uint32
	BSSSize           uint32
	StaticInitStart   uint32
	StaticInitEnd     uint32
	FileID            uint32
	CompressedAndFlag uint32 // bits 0-23: compressed size, bits 24-31: flag byte
}

const OverlayTableEntrySize = 32

// OverlayTableEntry is the decoded form of one overlay table row (spec §3).
type OverlayTableEntry struct {
	ID              uint32
	RAMAddress      uint32
	RAMSize         uint32
	BSSSize         uint32
	StaticInitStart uint32
	StaticInitEnd   uint32
	FileID          uint32
	CompressedSize  uint32
	Flag            uint8
}

func (e *OverlayTableEntry) fromRaw(r overlayTableEntryRaw) {
	e.ID = r.ID
	e.RAMAddress = r.RAMAddress
	e.RAMSize = r.RAMSize
	e.BSSSize = r.BSSSize
	e.StaticInitStart = r.StaticInitStart
	e.StaticInitEnd = r.StaticInitEnd
	e.FileID = r.FileID
	e.CompressedSize = r.CompressedAndFlag & 0x00FF_FFFF
	e.Flag = uint8(r.CompressedAndFlag >> 24)
}

func (e *OverlayTableEntry) toRaw() overlayTableEntryRaw {
	return overlayTableEntryRaw{
		ID:                e.ID,
		RAMAddress:        e.RAMAddress,
		RAMSize:           e.RAMSize,
		BSSSize:           e.BSSSize,
		StaticInitStart:   e.StaticInitStart,
		StaticInitEnd:     e.StaticInitEnd,
		FileID:            e.FileID,
		CompressedAndFlag: (e.CompressedSize & 0x00FF_FFFF) | (uint32(e.Flag) << 24),
	}
}

// Compressed reports whether OverlayFlagCompressed is set.
func (e *OverlayTableEntry) Compressed() bool {
	return e.Flag&OverlayFlagCompressed != 0
}

// ClearCompression zeroes Flag and CompressedSize: this tool always ships an
// uncompressed product, so any overlay it loads has its compression marker
// stripped (spec §3).
func (e *OverlayTableEntry) ClearCompression() {
	e.Flag = 0
	e.CompressedSize = 0
}

// ReadOverlayTable decodes a flat array of OverlayTableEntry from r.
func ReadOverlayTable(r io.Reader, count int) ([]OverlayTableEntry, error) {
	entries := make([]OverlayTableEntry, count)
	for i := range entries {
		var raw overlayTableEntryRaw
		if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}
		entries[i].fromRaw(raw)
	}
	return entries, nil
}

// WriteOverlayTable encodes entries back to their flat on-disk form.
func WriteOverlayTable(w io.Writer, entries []OverlayTableEntry) error {
	for _, e := range entries {
		raw := e.toRaw()
		if err := binary.Write(w, binary.LittleEndian, &raw); err != nil {
			return err
		}
	}
	return nil
}
