// Package layout provides a small byte-range placer used to fit
// autogenerated code/data inside a fixed-size window (an overlay's Append
// region, spec §4.8) and detect when it does not fit.
//
// Adapted from wf-tools/go/relocation: same alignment/fit arithmetic as
// Region.Place there, trimmed to the single-entry-per-window case this
// module actually needs (PlaceInWindow never places more than one Extent
// into a freshly-made Region), and extended with the Extent type and
// PlaceInWindow helper the Applier calls directly.
package layout

import (
	"fmt"

	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
)

// RegionPlaceable is something that can be fit into a Region: it knows its
// own size and alignment and can record the offset it was placed at.
type RegionPlaceable interface {
	SetOffset(uint64)
	Size() uint64
	Alignment() uint64
}

// Region is a byte range [offset, offset+size) that a single RegionPlaceable
// can be fit into.
type Region struct {
	offset uint64
	size   uint64
}

func NewRegion(offset, size uint64) *Region {
	return &Region{offset: offset, size: size}
}

func (r *Region) Offset() uint64 {
	return r.offset
}

func (r *Region) Size() uint64 {
	return r.size
}

// Place assigns entry the lowest offset inside r that satisfies its
// alignment and leaves room for its full size. It returns false without
// mutating entry if it does not fit.
func (r *Region) Place(entry RegionPlaceable) (uint64, bool) {
	offset := r.offset
	if align := entry.Alignment(); align > 1 {
		offset += align - 1
		offset -= offset % align
	}
	if offset+entry.Size() > r.offset+r.size {
		return 0, false
	}
	entry.SetOffset(offset)
	return offset, true
}

// Extent is a RegionPlaceable wrapping a fixed-size, fixed-alignment chunk
// of autogenerated code or data (a trampoline, a veneer, an .ncp_over
// payload) so it can be handed to a Region for placement inside a window of
// bytes carved out of the main image or an overlay.
type Extent struct {
	offset uint64
	length uint64
	align  uint64
	Label  string // diagnostic only, not used for placement
}

func NewExtent(label string, length uint64, align uint64) *Extent {
	return &Extent{length: length, align: align, Label: label}
}

func (e *Extent) Offset() uint64     { return e.offset }
func (e *Extent) SetOffset(o uint64) { e.offset = o }
func (e *Extent) Size() uint64       { return e.length }
func (e *Extent) Alignment() uint64  { return e.align }

// PlaceInWindow tries to place extent inside a single window of the given
// size starting at base. It returns the absolute address on success, or an
// Overflow error (spec §7, §4.8) naming the extent and the window it did not
// fit in.
func PlaceInWindow(windowName string, base, size uint64, extent *Extent) (uint64, error) {
	region := NewRegion(base, size)
	offset, ok := region.Place(extent)
	if !ok {
		return 0, ncperr.New(ncperr.Overflow,
			fmt.Sprintf("%s is too small to fit %s (%d bytes needed)", windowName, extent.Label, extent.Size()))
	}
	return offset, nil
}
