// Package binimage is the mutable view over a ROM binary — either the main
// ARM image (with its auto-load directory) or one overlay — exposing typed
// read/write at absolute RAM addresses (spec §4.3).
//
// Grounded on the original's ArmBin/OverlayBin pair: two variants sharing a
// small capability set rather than a class hierarchy (spec §9 "do not model
// with deep inheritance") — here, a shared Image interface with two
// implementations.
package binimage

import (
	"encoding/binary"

	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
)

// Image is the capability set both the main binary and an overlay expose:
// typed read/write, raw byte writes, and the mutable backing buffer (spec
// §4.3).
type Image interface {
	RAMBase() uint32
	Data() []byte
	SetData(data []byte)
	Dirty() bool
	ReadU8(addr uint32) uint8
	ReadU16(addr uint32) uint16
	ReadU32(addr uint32) uint32
	WriteU8(addr uint32, v uint8)
	WriteU16(addr uint32, v uint16)
	WriteU32(addr uint32, v uint32)
	WriteBytes(addr uint32, src []byte)
}

// base implements the address-translation and dirty-tracking logic common
// to both image kinds; MainImage/Overlay embed it and add their own extra
// state on top.
type base struct {
	ramBase uint32
	data    []byte
	dirty   bool
}

func (b *base) RAMBase() uint32  { return b.ramBase }
func (b *base) Data() []byte     { return b.data }
func (b *base) SetData(d []byte) { b.data = d; b.dirty = true }
func (b *base) Dirty() bool      { return b.dirty }

func (b *base) offset(addr uint32) uint32 {
	if addr < b.ramBase {
		// Writes/reads below the image's own RAM base are a programming
		// error, not a recoverable condition (spec §4.3): every caller
		// computes addresses from data this engine itself produced.
		panic(ncperr.New(ncperr.MalformedInput, "address below image RAM base").Error())
	}
	return addr - b.ramBase
}

func (b *base) ReadU8(addr uint32) uint8 {
	return b.data[b.offset(addr)]
}

func (b *base) ReadU16(addr uint32) uint16 {
	off := b.offset(addr)
	return binary.LittleEndian.Uint16(b.data[off : off+2])
}

func (b *base) ReadU32(addr uint32) uint32 {
	off := b.offset(addr)
	return binary.LittleEndian.Uint32(b.data[off : off+4])
}

func (b *base) WriteU8(addr uint32, v uint8) {
	b.data[b.offset(addr)] = v
	b.dirty = true
}

func (b *base) WriteU16(addr uint32, v uint16) {
	off := b.offset(addr)
	binary.LittleEndian.PutUint16(b.data[off:off+2], v)
	b.dirty = true
}

func (b *base) WriteU32(addr uint32, v uint32) {
	off := b.offset(addr)
	binary.LittleEndian.PutUint32(b.data[off:off+4], v)
	b.dirty = true
}

func (b *base) WriteBytes(addr uint32, src []byte) {
	off := b.offset(addr)
	copy(b.data[off:], src)
	b.dirty = true
}
