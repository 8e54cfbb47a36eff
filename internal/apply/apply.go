// Package apply is the Patch Applier (spec §4.8): it writes jumps, calls,
// hooks and overrides into the target binaries, then installs the
// accumulated new-code payload — extending the main image's auto-load
// directory or growing/replacing an overlay.
//
// Grounded on the original's PatchMaker::applyPatchesToRom, kept as one
// intent-driven loop followed by one per-destination install pass rather
// than split across many small visitor types (spec §9 "keep the phase
// structure flat").
package apply

import (
	"fmt"

	"github.com/Isaac0-dev/NCPatcher/internal/binimage"
	"github.com/Isaac0-dev/NCPatcher/internal/layout"
	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
	"github.com/Isaac0-dev/NCPatcher/internal/ncplog"
	"github.com/Isaac0-dev/NCPatcher/internal/opcode"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

const (
	sizeOfHookBridge          = 20
	sizeOfArm2ThumbJumpBridge = 8

	ldrPCMinus4 = 0xE51F_F004 // LDR PC, [PC,#-4]
)

// Loader lazily materialises the main image or one overlay on first touch
// (spec §4.8 "lazy-loaded into cache on first touch").
type Loader interface {
	Main() (*binimage.MainImage, error)
	Overlay(id int) (*binimage.Overlay, error)
}

// Applier owns the image cache and the overlay table for one target
// processor's run.
type Applier struct {
	loader       Loader
	isARM9       bool
	ovt          map[int]*patchdefs.OverlayTableEntry
	mainCache    *binimage.MainImage
	overlayCache map[int]*binimage.Overlay
}

// New builds an Applier. ovt is mutated in place as overlays are appended
// to or replaced.
func New(loader Loader, ovt map[int]*patchdefs.OverlayTableEntry, isARM9 bool) *Applier {
	return &Applier{
		loader:       loader,
		isARM9:       isARM9,
		ovt:          ovt,
		overlayCache: map[int]*binimage.Overlay{},
	}
}

func (a *Applier) image(dest patchdefs.Destination) (binimage.Image, error) {
	if dest.IsMain() {
		return a.mainImage()
	}
	id, _ := dest.OverlayID()
	return a.overlayImage(id)
}

func (a *Applier) mainImage() (*binimage.MainImage, error) {
	if a.mainCache == nil {
		m, err := a.loader.Main()
		if err != nil {
			return nil, err
		}
		a.mainCache = m
	}
	return a.mainCache, nil
}

func (a *Applier) overlayImage(id int) (*binimage.Overlay, error) {
	if ov, ok := a.overlayCache[id]; ok {
		return ov, nil
	}
	ov, err := a.loader.Overlay(id)
	if err != nil {
		return nil, err
	}
	a.overlayCache[id] = ov
	return ov, nil
}

// TouchedOverlays reports the overlays that were both loaded and left dirty
// this run (spec §9 "loaded-and-dirty only") — the incremental rebuild
// collaborator uses this to skip untouched overlays on the next pass.
func (a *Applier) TouchedOverlays() []int {
	var ids []int
	for id, ov := range a.overlayCache {
		if ov.Dirty() {
			ids = append(ids, id)
		}
	}
	return ids
}

func interworkFail(kind, symbol, path string, srcThumb, destThumb bool) error {
	mode := func(t bool) string {
		if t {
			return "THUMB"
		}
		return "ARM"
	}
	return ncperr.New(ncperr.UnsupportedInterwork,
		fmt.Sprintf("injecting %s from %s to %s is not supported, at %s (%s)",
			kind, mode(destThumb), mode(srcThumb), symbol, path))
}

// ApplyIntents walks intents in discovery order, writing each patch into its
// destination image (spec §4.8). autogenAreas is keyed by the intent's
// SrcDestination — the region that owns the trampoline/bridge budget.
func (a *Applier) ApplyIntents(intents []*patchdefs.PatchIntent, autogenAreas map[patchdefs.Destination]*patchdefs.AutogenArea) error {
	for _, p := range intents {
		img, err := a.image(p.DestDestination)
		if err != nil {
			return err
		}

		switch p.Kind {
		case patchdefs.Jump:
			if err := applyJump(img, p, autogenAreas); err != nil {
				return err
			}
		case patchdefs.Call:
			if err := applyCall(img, p, a.isARM9); err != nil {
				return err
			}
		case patchdefs.Hook:
			if err := applyHook(img, p, autogenAreas); err != nil {
				return err
			}
		case patchdefs.Over:
			img.WriteBytes(p.DestAddress, p.SectionData)
		}
	}
	return nil
}

func applyJump(img binimage.Image, p *patchdefs.PatchIntent, autogenAreas map[patchdefs.Destination]*patchdefs.AutogenArea) error {
	switch {
	case !p.DestThumb && !p.SrcThumb: // ARM -> ARM
		img.WriteU32(p.DestAddress, opcode.ArmBranch(opcode.B, p.DestAddress, p.SrcAddress))

	case !p.DestThumb && p.SrcThumb: // ARM -> THUMB, via a veneer
		area := autogenAreas[p.SrcDestination]
		if area == nil {
			return ncperr.New(ncperr.MalformedInput, "no autogen area reserved for "+p.Symbol)
		}
		bridge := area.Reserve(sizeOfArm2ThumbJumpBridge)
		img.WriteU32(p.DestAddress, opcode.ArmBranch(opcode.B, p.DestAddress, bridge))
		area.WriteU32At(bridge, ldrPCMinus4)
		area.WriteU32At(bridge+4, p.SrcAddress|1)

	case p.DestThumb && !p.SrcThumb: // THUMB -> ARM
		writeThumbTrampoline(img, p.DestAddress, opcode.TBLX1, p.DestAddress, p.SrcAddress)

	default: // THUMB -> THUMB
		writeThumbTrampoline(img, p.DestAddress, opcode.TBL1, p.DestAddress, p.SrcAddress)
	}
	return nil
}

// writeThumbTrampoline writes the four-halfword PUSH {LR} / BL(X) / POP {PC}
// bridge a THUMB jump target needs, since a THUMB B/BL cannot itself return
// control the way a direct branch does (spec §4.8 "THUMB→ARM").
func writeThumbTrampoline(img binimage.Image, at uint32, suffix uint16, from, to uint32) {
	branch := opcode.ThumbBranch(suffix, from, to)
	buf := make([]byte, 8)
	putU16(buf[0:], opcode.TPushLR)
	putU16(buf[2:], uint16(branch))
	putU16(buf[4:], uint16(branch>>16))
	putU16(buf[6:], opcode.TPopPC)
	img.WriteBytes(at, buf)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func applyCall(img binimage.Image, p *patchdefs.PatchIntent, isARM9 bool) error {
	if p.DestThumb != p.SrcThumb && !isARM9 {
		return ncperr.New(ncperr.UnsupportedInterwork,
			fmt.Sprintf("cannot create thumb-interworking veneer: BLX not supported on armv4, at %s (%s)", p.Symbol, p.Owner.Path))
	}

	switch {
	case !p.DestThumb && !p.SrcThumb: // ARM -> ARM
		img.WriteU32(p.DestAddress, opcode.ArmBranch(opcode.BL, p.DestAddress, p.SrcAddress))
	case !p.DestThumb && p.SrcThumb: // ARM -> THUMB
		op := opcode.BLX | (((p.SrcAddress % 4) >> 1) << 23)
		img.WriteU32(p.DestAddress, opcode.ArmBranch(op, p.DestAddress, p.SrcAddress))
	case p.DestThumb && !p.SrcThumb: // THUMB -> ARM
		img.WriteU32(p.DestAddress, opcode.ThumbBranch(opcode.TBLX1, p.DestAddress, p.SrcAddress))
	default: // THUMB -> THUMB
		img.WriteU32(p.DestAddress, opcode.ThumbBranch(opcode.TBL1, p.DestAddress, p.SrcAddress))
	}
	return nil
}

func applyHook(img binimage.Image, p *patchdefs.PatchIntent, autogenAreas map[patchdefs.Destination]*patchdefs.AutogenArea) error {
	if p.DestThumb || p.SrcThumb {
		return interworkFail("hook", p.Symbol, p.Owner.Path, p.SrcThumb, p.DestThumb)
	}

	original := img.ReadU32(p.DestAddress)

	area := autogenAreas[p.SrcDestination]
	if area == nil {
		return ncperr.New(ncperr.MalformedInput, "no autogen area reserved for "+p.Symbol)
	}
	bridge := area.Reserve(sizeOfHookBridge)

	ncplog.Debugf("hook dest: %08X", bridge)

	img.WriteU32(p.DestAddress, opcode.ArmBranch(opcode.B, p.DestAddress, bridge))

	area.WriteU32At(bridge, opcode.PushHook)
	area.WriteU32At(bridge+4, opcode.ArmBranch(opcode.BL, bridge+4, p.SrcAddress))
	area.WriteU32At(bridge+8, opcode.PopHook)
	area.WriteU32At(bridge+12, opcode.FixupArmBranch(original, p.DestAddress, bridge+12))
	area.WriteU32At(bridge+16, opcode.ArmBranch(opcode.B, bridge+16, p.DestAddress+4))

	return nil
}

// alignPad returns the padding needed to round size up to a multiple of
// align (0 if align is 0 or 1, matching the original's unguarded modulo
// which only ever runs with a nonzero bssAlign in practice).
func alignPad(size, align uint32) uint32 {
	if align < 2 {
		return 0
	}
	rem := size % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

// InstallNewCode performs the post-intent-loop install pass (spec §4.8): it
// extends the main image's auto-load directory, or grows/replaces an
// overlay, for every destination that accumulated new code.
func (a *Applier) InstallNewCode(
	newCode map[patchdefs.Destination]*patchdefs.NewCodePayload,
	autogenAreas map[patchdefs.Destination]*patchdefs.AutogenArea,
	newCodeBase map[patchdefs.Destination]uint32,
	regions map[patchdefs.Destination]*patchdefs.Region,
	arenaLoAddress uint32,
) error {
	for dest, payload := range newCode {
		if dest.IsMain() {
			if err := a.installMain(payload, autogenAreas[dest], newCodeBase[dest], arenaLoAddress); err != nil {
				return err
			}
			continue
		}

		region, ok := regions[dest]
		if !ok {
			id, _ := dest.OverlayID()
			return ncperr.New(ncperr.Config, fmt.Sprintf("region of overlay %d set to add code could not be found", id))
		}

		switch region.Mode {
		case patchdefs.Append:
			if err := a.installOverlayAppend(dest, payload, autogenAreas[dest], region); err != nil {
				return err
			}
		case patchdefs.Replace:
			if err := a.installOverlayReplace(dest, payload, autogenAreas[dest], newCodeBase[dest], region); err != nil {
				return err
			}
		case patchdefs.Create:
			return ncperr.New(ncperr.NotImplemented, "creating new overlays is not yet supported")
		}
	}
	return nil
}

// newCodeBytes reassembles one destination's text image: the linker's text
// output, with its trailing autogen placeholder overwritten by the bridges
// and veneers accumulated while walking intents (spec §4.5's
// ncp_autogendata reservation, spec §4.8 "copy text bytes (and auto-gen
// tail) into the freed space").
func newCodeBytes(payload *patchdefs.NewCodePayload, area *patchdefs.AutogenArea) []byte {
	if area == nil || len(area.Data) == 0 {
		return payload.TextBytes
	}
	out := make([]byte, len(payload.TextBytes))
	copy(out, payload.TextBytes[:len(payload.TextBytes)-len(area.Data)])
	copy(out[len(payload.TextBytes)-len(area.Data):], area.Data)
	return out
}

func (a *Applier) installMain(payload *patchdefs.NewCodePayload, area *patchdefs.AutogenArea, newCodeBase, arenaLoAddress uint32) error {
	if payload.TextSize+payload.BSSSize == 0 {
		return nil
	}

	m, err := a.mainImage()
	if err != nil {
		return err
	}

	textSize := payload.TextSize
	m.ExtendForNewCode(int(textSize) + patchdefs.AutoLoadEntrySize)

	heapReloc := newCodeBase + textSize + alignPad(textSize, payload.BSSAlign) + payload.BSSSize
	m.SetArenaLo(arenaLoAddress, heapReloc)

	ramBase := m.RAMBase()
	oldListStart := m.ModuleParams.AutoloadListStart
	oldListEnd := m.ModuleParams.AutoloadListEnd
	binListStart := oldListStart - ramBase
	binAutoloadStart := m.ModuleParams.AutoloadStart - ramBase

	m.AutoLoad = append([]patchdefs.AutoLoadEntry{{
		Address: newCodeBase,
		Size:    textSize,
		BSSSize: payload.BSSSize,
		DataOff: binAutoloadStart,
	}}, m.AutoLoad...)

	data := m.Data()
	// Slide the existing auto-loadable code forward to make room, then
	// drop the new code (text + autogen tail) into the gap it vacated.
	copy(data[int(binAutoloadStart)+int(textSize):], data[binAutoloadStart:binListStart])
	code := newCodeBytes(payload, area)
	copy(data[binAutoloadStart:], code)
	m.SetData(data)

	m.ModuleParams.AutoloadListStart = oldListStart + textSize
	m.ModuleParams.AutoloadListEnd = oldListEnd + textSize + patchdefs.AutoLoadEntrySize
	m.SyncModuleParams()

	return nil
}

func (a *Applier) installOverlayAppend(dest patchdefs.Destination, payload *patchdefs.NewCodePayload, area *patchdefs.AutogenArea, region *patchdefs.Region) error {
	id, _ := dest.OverlayID()
	ov, err := a.overlayImage(id)
	if err != nil {
		return err
	}
	entry := a.ovt[id]
	if entry == nil {
		return ncperr.New(ncperr.Config, fmt.Sprintf("overlay %d has no overlay-table entry", id))
	}
	entry.ClearCompression()

	oldSize := uint32(len(ov.Data()))
	totalSize := oldSize + entry.BSSSize + payload.TextSize + payload.BSSSize
	extent := layout.NewExtent(fmt.Sprintf("overlay %d new code", id), uint64(totalSize), 1)
	if _, err := layout.PlaceInWindow(fmt.Sprintf("overlay %d", id), 0, uint64(region.Length), extent); err != nil {
		return err
	}

	if payload.TextSize > 0 {
		ov.AppendZeroed(int(entry.BSSSize)) // keep the original BSS as real data
		ov.AppendBytes(newCodeBytes(payload, area))
		entry.RAMSize = oldSize + entry.BSSSize + payload.TextSize
		entry.BSSSize = payload.BSSSize
	} else {
		entry.BSSSize += payload.BSSSize
	}
	return nil
}

func (a *Applier) installOverlayReplace(dest patchdefs.Destination, payload *patchdefs.NewCodePayload, area *patchdefs.AutogenArea, newCodeBase uint32, region *patchdefs.Region) error {
	id, _ := dest.OverlayID()
	ov, err := a.overlayImage(id)
	if err != nil {
		return err
	}
	entry := a.ovt[id]
	if entry == nil {
		return ncperr.New(ncperr.Config, fmt.Sprintf("overlay %d has no overlay-table entry", id))
	}

	entry.RAMAddress = newCodeBase
	entry.RAMSize = payload.TextSize
	entry.BSSSize = payload.BSSSize
	entry.StaticInitStart = 0
	entry.StaticInitEnd = 0
	entry.ClearCompression()

	totalSize := payload.TextSize + payload.BSSSize
	if uint64(totalSize) > uint64(region.Length) {
		return ncperr.New(ncperr.Overflow,
			fmt.Sprintf("overlay %d exceeds max length of %d bytes, got %d bytes", id, region.Length, totalSize))
	}

	if payload.TextSize == 0 {
		ov.Replace(nil)
	} else {
		ov.Replace(newCodeBytes(payload, area))
	}
	return nil
}
