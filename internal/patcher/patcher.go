// Package patcher is the top-level orchestration and external-interface
// layer (spec §5, §6): it owns one target processor's run end to end —
// loading (with first-run backups) the ROM binaries, driving discovery,
// linker-script synthesis, the external link, post-link resolution and the
// Patch Applier, then writing every touched file back.
//
// Grounded on the original's PatchMaker::makeTarget, kept as the same
// strictly sequential phase list rather than split into a pipeline
// abstraction (spec §5 "single-threaded, strictly sequential").
package patcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Isaac0-dev/NCPatcher/internal/apply"
	"github.com/Isaac0-dev/NCPatcher/internal/binimage"
	"github.com/Isaac0-dev/NCPatcher/internal/discovery"
	"github.com/Isaac0-dev/NCPatcher/internal/elfview"
	"github.com/Isaac0-dev/NCPatcher/internal/ldscript"
	"github.com/Isaac0-dev/NCPatcher/internal/linker"
	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
	"github.com/Isaac0-dev/NCPatcher/internal/ncplog"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
	"github.com/Isaac0-dev/NCPatcher/internal/resolve"
)

// ProcessorHeader is one processor's slice of the parsed ROM header (spec §6
// "entry_address, ram_address, autoload_list_hook_offset for each
// processor").
type ProcessorHeader struct {
	EntryAddress uint32
	RAMAddress   uint32
}

// RomHeader is the subset of the console header this engine needs, supplied
// by an external collaborator that parses the full header (spec §6).
type RomHeader struct {
	ARM9                       ProcessorHeader
	ARM7                       ProcessorHeader
	ARM9AutoLoadListHookOffset uint32
	ARM7AutoLoadListHookOffset uint32
}

// Target is one processor's build configuration (spec §6).
type Target struct {
	ARM9            bool
	Regions         []*patchdefs.Region
	SymbolsFile     string
	ExtraLDFlags    []string
	ToolchainPrefix string
	BuildDir        string
	BackupDir       string
	RomDir          string
	ArenaLoAddress  uint32
}

func (t *Target) binName() string {
	if t.ARM9 {
		return "arm9.bin"
	}
	return "arm7.bin"
}

func (t *Target) ovtName() string {
	if t.ARM9 {
		return "arm9ovt.bin"
	}
	return "arm7ovt.bin"
}

func (t *Target) overlayPrefix() string {
	if t.ARM9 {
		return "overlay9"
	}
	return "overlay7"
}

func (t *Target) ldscriptName() string {
	if t.ARM9 {
		return "ldscript9.x"
	}
	return "ldscript7.x"
}

func (t *Target) elfName() string {
	if t.ARM9 {
		return "arm9.elf"
	}
	return "arm7.elf"
}

// Engine runs one processor target's full patch pass. It caches every image
// it loads for the duration of Run and implements apply.Loader directly.
type Engine struct {
	target *Target
	header *RomHeader

	arm *binimage.MainImage

	ovt       []patchdefs.OverlayTableEntry
	ovtBackup []patchdefs.OverlayTableEntry // non-nil only when this run captured a fresh backup

	overlays map[int]*binimage.Overlay
}

// NewEngine builds an Engine for one target/header pair.
func NewEngine(target *Target, header *RomHeader) *Engine {
	return &Engine{
		target:   target,
		header:   header,
		overlays: map[int]*binimage.Overlay{},
	}
}

// Run performs one full patch pass over objects, the compiled object files
// tagged with their owning regions (spec §6 "opaque set of compiled object
// file paths").
func (e *Engine) Run(ctx context.Context, objects []*patchdefs.SourceObject) ([]int, error) {
	stage := "Failed to apply patches for ARM9 target."
	if !e.target.ARM9 {
		stage = "Failed to apply patches for ARM7 target."
	}

	touched, err := e.run(ctx, objects)
	if err != nil {
		return nil, ncperr.WithContext(stage, err)
	}
	return touched, nil
}

func (e *Engine) run(ctx context.Context, objects []*patchdefs.SourceObject) ([]int, error) {
	if len(objects) == 0 {
		return nil, ncperr.New(ncperr.Config, "there are no source files to link")
	}

	if err := os.MkdirAll(e.target.BuildDir, 0o755); err != nil {
		return nil, ncperr.Wrap(ncperr.IOWrite, "could not create build directory", err)
	}
	if err := os.MkdirAll(filepath.Join(e.target.BackupDir, e.target.overlayPrefix()), 0o755); err != nil {
		return nil, ncperr.Wrap(ncperr.IOWrite, "could not create backup directory", err)
	}

	if err := e.loadArm(); err != nil {
		return nil, err
	}
	if err := e.loadOverlayTable(); err != nil {
		return nil, err
	}

	newCodeBase := e.computeNewCodeBase()

	ncplog.Info("Gathering patches from objects...")
	disc, err := discovery.Run(objects, e.loadObjectELF)
	if err != nil {
		return nil, err
	}
	ncplog.DumpIntents(disc.Intents)

	regionByDest := map[patchdefs.Destination]*patchdefs.Region{}
	objectRegion := map[string]*patchdefs.Region{}
	objectPaths := make([]string, 0, len(objects))
	for _, obj := range objects {
		regionByDest[obj.Region.Destination] = obj.Region
		objectRegion[obj.Path] = obj.Region
		objectPaths = append(objectPaths, obj.Path)
	}

	scriptPath := filepath.Join(e.target.BuildDir, e.target.ldscriptName())
	elfPath := filepath.Join(e.target.BuildDir, e.target.elfName())

	script := ldscript.Generate(&ldscript.Input{
		SymbolsFile:   e.target.SymbolsFile,
		ObjectPaths:   objectPaths,
		OutputELFPath: elfPath,
		Regions:       e.target.Regions,
		NewCodeBase:   newCodeBase,
		ObjectRegion:  objectRegion,
	}, disc)

	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return nil, ncperr.Wrap(ncperr.IOWrite, "could not write linker script", err)
	}

	ncplog.Info("Linking...")
	if err := linker.Run(ctx, linker.Options{
		ToolchainPrefix: e.target.ToolchainPrefix,
		ScriptPath:      scriptPath,
		ExtraLDFlags:    e.target.ExtraLDFlags,
		WorkDir:         e.target.BuildDir,
	}); err != nil {
		return nil, err
	}

	view, err := e.loadLinkedELF(elfPath)
	if err != nil {
		return nil, err
	}

	res, err := resolve.Run(view, disc.Intents)
	if err != nil {
		return nil, err
	}

	ncplog.Info("Patching the binaries...")
	ovtByID := map[int]*patchdefs.OverlayTableEntry{}
	for i := range e.ovt {
		ovtByID[int(e.ovt[i].ID)] = &e.ovt[i]
	}

	applier := apply.New(e, ovtByID, e.target.ARM9)
	if err := applier.ApplyIntents(disc.Intents, res.AutogenAreas); err != nil {
		return nil, err
	}
	if err := applier.InstallNewCode(res.NewCode, res.AutogenAreas, newCodeBase, regionByDest, e.target.ArenaLoAddress); err != nil {
		return nil, err
	}

	touched := applier.TouchedOverlays()
	touchedSet := map[int]bool{}
	for _, id := range touched {
		touchedSet[id] = true
	}
	for id := range e.overlays {
		if !touchedSet[id] {
			delete(e.overlays, id)
		}
	}

	if err := e.saveAll(); err != nil {
		return nil, err
	}

	return touched, nil
}

// computeNewCodeBase mirrors the original's fetchNewcodeAddr: the main
// image's new code lands at the current arenaLo watermark; an overlay's new
// code lands after its existing content in Append mode, at its configured
// (or current) address in Replace mode, and at its configured address in
// Create mode (spec §4.8 "new code base computation").
func (e *Engine) computeNewCodeBase() map[patchdefs.Destination]uint32 {
	base := map[patchdefs.Destination]uint32{
		patchdefs.MainImage: e.arm.ArenaLo(e.target.ArenaLoAddress),
	}
	for _, region := range e.target.Regions {
		if region.Destination.IsMain() {
			continue
		}
		id, _ := region.Destination.OverlayID()
		var entry *patchdefs.OverlayTableEntry
		for i := range e.ovt {
			if int(e.ovt[i].ID) == id {
				entry = &e.ovt[i]
				break
			}
		}
		if entry == nil {
			continue
		}
		switch region.Mode {
		case patchdefs.Append:
			base[region.Destination] = entry.RAMAddress + entry.RAMSize + entry.BSSSize
		case patchdefs.Replace:
			if region.Address == patchdefs.AutoAddress {
				base[region.Destination] = entry.RAMAddress
			} else {
				base[region.Destination] = region.Address
			}
		case patchdefs.Create:
			base[region.Destination] = region.Address
		}
	}
	return base
}

func (e *Engine) loadObjectELF(obj *patchdefs.SourceObject) (*elfview.View, error) {
	f, err := os.Open(obj.Path)
	if err != nil {
		return nil, ncperr.Wrap(ncperr.IOFind, "could not open "+obj.Path, err)
	}
	defer f.Close()
	return elfview.Load(f, obj.Path)
}

func (e *Engine) loadLinkedELF(path string) (*elfview.View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ncperr.Wrap(ncperr.IOFind, "could not open linked ELF "+path, err)
	}
	defer f.Close()
	return elfview.Load(f, path)
}

// --- apply.Loader ---

func (e *Engine) Main() (*binimage.MainImage, error) { return e.arm, nil }

func (e *Engine) Overlay(id int) (*binimage.Overlay, error) {
	if ov, ok := e.overlays[id]; ok {
		return ov, nil
	}
	return e.loadOverlay(id)
}

// --- load/save, with the original's dual-path backup semantics ---

func (e *Engine) loadArm() error {
	binName := e.target.binName()
	entryAddress, ramAddress, hookOffset := e.processorHeaderFields()

	bakPath := filepath.Join(e.target.BackupDir, binName)
	if data, err := os.ReadFile(bakPath); err == nil {
		e.arm = binimage.LoadMainImage(data, entryAddress, ramAddress, hookOffset)
		return nil
	}

	data, err := os.ReadFile(filepath.Join(e.target.RomDir, binName))
	if err != nil {
		return ncperr.Wrap(ncperr.IOFind, "could not find "+binName, err)
	}
	e.arm = binimage.LoadMainImage(data, entryAddress, ramAddress, hookOffset)
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return ncperr.Wrap(ncperr.IOWrite, "could not write backup of "+binName, err)
	}
	return nil
}

func (e *Engine) processorHeaderFields() (entryAddress, ramAddress, hookOffset uint32) {
	if e.target.ARM9 {
		return e.header.ARM9.EntryAddress, e.header.ARM9.RAMAddress, e.header.ARM9AutoLoadListHookOffset
	}
	return e.header.ARM7.EntryAddress, e.header.ARM7.RAMAddress, e.header.ARM7AutoLoadListHookOffset
}

func (e *Engine) loadOverlayTable() error {
	ncplog.Info("Loading overlay table...")

	ovtName := e.target.ovtName()
	bakPath := filepath.Join(e.target.BackupDir, ovtName)

	data, err := os.ReadFile(bakPath)
	hadBackup := err == nil
	if !hadBackup {
		data, err = os.ReadFile(filepath.Join(e.target.RomDir, ovtName))
		if err != nil {
			return ncperr.Wrap(ncperr.IOFind, "could not find "+ovtName, err)
		}
	}

	count := len(data) / patchdefs.OverlayTableEntrySize
	entries, err := patchdefs.ReadOverlayTable(bytes.NewReader(data), count)
	if err != nil {
		return ncperr.Wrap(ncperr.MalformedInput, "malformed "+ovtName, err)
	}
	e.ovt = entries

	if !hadBackup {
		e.ovtBackup = append([]patchdefs.OverlayTableEntry(nil), e.ovt...)
	}
	return nil
}

func (e *Engine) loadOverlay(id int) (*binimage.Overlay, error) {
	var entry *patchdefs.OverlayTableEntry
	for i := range e.ovt {
		if int(e.ovt[i].ID) == id {
			entry = &e.ovt[i]
			break
		}
	}
	if entry == nil {
		return nil, ncperr.New(ncperr.Config, fmt.Sprintf("overlay %d has no overlay-table entry", id))
	}

	relName := filepath.Join(e.target.overlayPrefix(), fmt.Sprintf("%s_%d.bin", e.target.overlayPrefix(), id))
	bakPath := filepath.Join(e.target.BackupDir, relName)

	if data, err := os.ReadFile(bakPath); err == nil {
		ov := binimage.LoadOverlay(id, data, entry.RAMAddress, entry.Compressed())
		entry.Flag = 0
		e.clearBackupFlag(id)
		e.overlays[id] = ov
		return ov, nil
	}

	data, err := os.ReadFile(filepath.Join(e.target.RomDir, relName))
	if err != nil {
		return nil, ncperr.Wrap(ncperr.IOFind, "could not find "+relName, err)
	}
	ov := binimage.LoadOverlay(id, data, entry.RAMAddress, entry.Compressed())
	entry.Flag = 0
	e.clearBackupFlag(id)
	if err := os.MkdirAll(filepath.Dir(bakPath), 0o755); err != nil {
		return nil, ncperr.Wrap(ncperr.IOWrite, "could not create overlay backup directory", err)
	}
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return nil, ncperr.Wrap(ncperr.IOWrite, "could not write backup of "+relName, err)
	}
	e.overlays[id] = ov
	return ov, nil
}

// clearBackupFlag mirrors an overlay's compressed-flag clear into the
// backed-up overlay-table snapshot, when one was captured this run. The
// backup keeps the .bin file it points at decompressed, so its OVT entry
// must agree.
func (e *Engine) clearBackupFlag(id int) {
	for i := range e.ovtBackup {
		if int(e.ovtBackup[i].ID) == id {
			e.ovtBackup[i].Flag = 0
			return
		}
	}
}

func (e *Engine) saveAll() error {
	prefix := e.target.overlayPrefix()
	for id, ov := range e.overlays {
		relName := filepath.Join(prefix, fmt.Sprintf("%s_%d.bin", prefix, id))
		if err := os.WriteFile(filepath.Join(e.target.RomDir, relName), ov.Data(), 0o644); err != nil {
			return ncperr.Wrap(ncperr.IOWrite, "could not write "+relName, err)
		}
	}

	if err := writeOverlayTable(filepath.Join(e.target.RomDir, e.target.ovtName()), e.ovt); err != nil {
		return err
	}
	if e.ovtBackup != nil {
		if err := writeOverlayTable(filepath.Join(e.target.BackupDir, e.target.ovtName()), e.ovtBackup); err != nil {
			return err
		}
	}

	if err := os.WriteFile(filepath.Join(e.target.RomDir, e.target.binName()), e.arm.Data(), 0o644); err != nil {
		return ncperr.Wrap(ncperr.IOWrite, "could not write "+e.target.binName(), err)
	}
	return nil
}

func writeOverlayTable(path string, entries []patchdefs.OverlayTableEntry) error {
	var buf bytes.Buffer
	if err := patchdefs.WriteOverlayTable(&buf, entries); err != nil {
		return ncperr.Wrap(ncperr.IOWrite, "could not encode "+filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return ncperr.Wrap(ncperr.IOWrite, "could not write "+filepath.Base(path), err)
	}
	return nil
}
