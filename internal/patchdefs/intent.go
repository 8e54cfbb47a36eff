package patchdefs

import "encoding/binary"

// Kind is the patch operation a PatchIntent performs (spec §3, §4.4).
type Kind int

const (
	Jump Kind = iota
	Call
	Hook
	Over
)

func (k Kind) String() string {
	switch k {
	case Jump:
		return "jump"
	case Call:
		return "call"
	case Hook:
		return "hook"
	case Over:
		return "over"
	default:
		return "unknown"
	}
}

// LabelBound is the SectionIndex sentinel for label-bound intents (as
// opposed to section-bound ones, which carry a real ELF section index).
const LabelBound = -1

// PatchIntent is one declared patch operation extracted from a user object
// file. Discovery produces it with SrcAddress/SrcThumb left zero; the
// post-link Resolver fills those in once the linked ELF exists (spec §3).
//
// Intents live in one flat slice of *PatchIntent in discovery order. Every
// later pass (Resolver, overlap check, Applier) walks that slice and
// mutates the intents through the shared pointers; intents are not copied
// by value or addressed by slice index.
type PatchIntent struct {
	SrcAddress      uint32
	SrcDestination  Destination
	DestAddress     uint32 // always even; the THUMB bit lives in DestThumb
	DestDestination Destination
	Kind            Kind
	IsSet           bool
	SrcThumb        bool
	DestThumb       bool
	SectionIndex    int // LabelBound (-1) for label-bound intents
	SectionSize     uint32
	SectionData     []byte // Over intents only: the linked section's raw bytes
	Symbol          string
	Owner           *SourceObject
}

// Size is the destination write-range size used by the overlap check
// (spec §4.7): the full section for Over patches, one instruction slot
// (4 bytes) for everything else.
func (p *PatchIntent) Size() uint32 {
	if p.Kind == Over {
		return p.SectionSize
	}
	return 4
}

// SectionBound reports whether this intent was discovered from a section
// name (".ncp_<kind>_<addr>...") rather than a symbol name.
func (p *PatchIntent) SectionBound() bool {
	return p.SectionIndex != LabelBound
}

// RtReplIntent marks a source-resident data block the linker places
// verbatim, flanked by <stem>_start/<stem>_end markers (spec §4.4). It is
// not a conventional patch: no binary edit is ever emitted for it.
type RtReplIntent struct {
	Symbol string
	Owner  *SourceObject
}

// AutogenArea is the per-destination trampoline buffer the linker reserves
// via a `ncp_autogendata[_<memname>]` symbol (spec §3, §4.5). The Applier
// appends veneers/bridges to Data as it walks intents, then the Resolver's
// earlier BaseAddress fixes where that buffer lands in the target image.
type AutogenArea struct {
	BaseAddress uint32
	WriteCursor uint32
	Data        []byte
}

// Reserve appends n zero bytes to the area and returns the address the
// caller should target with its bridge/veneer, advancing the cursor.
func (a *AutogenArea) Reserve(n int) uint32 {
	addr := a.WriteCursor
	a.Data = append(a.Data, make([]byte, n)...)
	a.WriteCursor += uint32(n)
	return addr
}

// WriteU32At stores v at addr, an address previously handed out by Reserve.
func (a *AutogenArea) WriteU32At(addr uint32, v uint32) {
	off := addr - a.BaseAddress
	binary.LittleEndian.PutUint32(a.Data[off:off+4], v)
}

// WriteBytesAt copies src into the area starting at addr.
func (a *AutogenArea) WriteBytesAt(addr uint32, src []byte) {
	off := addr - a.BaseAddress
	copy(a.Data[off:], src)
}

// NewCodePayload is one destination's linked new-code output, split into
// text and bss halves (spec §3, populated by the Resolver's payload pass).
type NewCodePayload struct {
	TextBytes []byte
	TextSize  uint32
	TextAlign uint32
	BSSSize   uint32
	BSSAlign  uint32
}
