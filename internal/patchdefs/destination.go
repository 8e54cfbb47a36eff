// Package patchdefs holds the data model shared by every stage of the patch
// engine: regions, source objects, patch intents, autogen areas, the overlay
// table, and the main binary's auto-load directory (spec §3).
package patchdefs

import "strconv"

// Destination identifies which binary a region, intent, or payload targets:
// the main ARM image, or one numbered overlay. Mirrors the original
// implementation's convention of -1 == main image, >= 0 == overlay ID,
// kept as a distinct type instead of a bare int so call sites read as
// intent rather than arithmetic.
type Destination int32

// MainImage is the sentinel Destination for the main ARM binary.
const MainImage Destination = -1

// Overlay constructs the Destination for overlay id.
func Overlay(id int) Destination {
	return Destination(id)
}

func (d Destination) IsMain() bool {
	return d == MainImage
}

func (d Destination) OverlayID() (int, bool) {
	if d.IsMain() {
		return 0, false
	}
	return int(d), true
}

func (d Destination) String() string {
	if d.IsMain() {
		return "arm"
	}
	return "ov" + strconv.Itoa(int(d))
}

// MemName is the linker-script MEMORY region name for this destination,
// ("arm" or "ov<N>").
func (d Destination) MemName() string {
	return d.String()
}
