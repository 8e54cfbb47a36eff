// Command ncpatcher is the CLI surface of the patch engine (spec §6, "for
// completeness, not part of the core"): it loads a JSON build description,
// builds one patcher.Engine per configured processor target, and reports
// success or a fatal error the way the core engine's error taxonomy
// prescribes (spec §7).
//
// Config loading, incremental-rebuild bookkeeping and console-header
// parsing are explicit out-of-scope collaborators of the core (spec §1);
// this file is the thinnest possible stand-in for them, using nothing more
// than flag and encoding/json since no example repo in the retrieval pack
// reaches for a config/flag framework for a job this small.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
	"github.com/Isaac0-dev/NCPatcher/internal/ncplog"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
	"github.com/Isaac0-dev/NCPatcher/internal/patcher"
)

// regionConfig is the JSON-friendly form of patchdefs.Region.
type regionConfig struct {
	Destination int    `json:"destination"` // -1 == main image
	Mode        string `json:"mode"`        // "append" | "replace" | "create"
	Address     uint32 `json:"address"`
	Length      uint32 `json:"length"`
}

func (r regionConfig) toRegion() (*patchdefs.Region, error) {
	var mode patchdefs.Mode
	switch r.Mode {
	case "append":
		mode = patchdefs.Append
	case "replace":
		mode = patchdefs.Replace
	case "create":
		mode = patchdefs.Create
	default:
		return nil, ncperr.New(ncperr.Config, "unknown region mode "+r.Mode)
	}
	return &patchdefs.Region{
		Destination: patchdefs.Destination(r.Destination),
		Mode:        mode,
		Address:     r.Address,
		Length:      r.Length,
	}, nil
}

// objectConfig ties one compiled object file to the region (by index into
// its target's Regions list) it belongs to.
type objectConfig struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	RegionIndex int    `json:"region_index"`
}

type targetConfig struct {
	Regions        []regionConfig `json:"regions"`
	Objects        []objectConfig `json:"objects"`
	SymbolsFile    string         `json:"symbols_file"`
	ExtraLDFlags   []string       `json:"extra_ld_flags"`
	BuildDir       string         `json:"build_dir"`
	BackupDir      string         `json:"backup_dir"`
	ArenaLoAddress uint32         `json:"arena_lo_address"`
	EntryAddress   uint32         `json:"entry_address"`
	RAMAddress     uint32         `json:"ram_address"`
	AutoLoadHook   uint32         `json:"autoload_list_hook_offset"`
}

// config is the top-level JSON build description this CLI reads.
type config struct {
	ToolchainPrefix string        `json:"toolchain_prefix"`
	RomDir          string        `json:"rom_dir"`
	ARM9            *targetConfig `json:"arm9"`
	ARM7            *targetConfig `json:"arm7"`
}

func main() {
	verbose := flag.Bool("verbose", false, "print debug diagnostics")
	flag.BoolVar(verbose, "v", false, "print debug diagnostics (shorthand)")
	flag.Parse()

	ncplog.SetVerbose(*verbose)

	configPath := "ncpatcher.json"
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	if err := run(configPath); err != nil {
		var ctxErr *ncperr.Contextual
		if ok := asContextual(err, &ctxErr); ok {
			ncplog.Errorf(ctxErr.Context, ctxErr.Cause)
		} else {
			ncplog.Errorf("", err)
		}
		os.Exit(1)
	}
}

func asContextual(err error, target **ncperr.Contextual) bool {
	c, ok := err.(*ncperr.Contextual)
	if ok {
		*target = c
	}
	return ok
}

func run(configPath string) error {
	f, err := os.Open(configPath)
	if err != nil {
		return ncperr.Wrap(ncperr.IOFind, "could not open "+configPath, err)
	}
	defer f.Close()

	var cfg config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return ncperr.Wrap(ncperr.MalformedInput, "could not parse "+configPath, err)
	}

	if cfg.ARM9 != nil {
		if err := runTarget(true, &cfg); err != nil {
			return err
		}
	}
	if cfg.ARM7 != nil {
		if err := runTarget(false, &cfg); err != nil {
			return err
		}
	}
	return nil
}

func runTarget(isARM9 bool, cfg *config) error {
	tc := cfg.ARM7
	if isARM9 {
		tc = cfg.ARM9
	}

	regions := make([]*patchdefs.Region, len(tc.Regions))
	for i, rc := range tc.Regions {
		region, err := rc.toRegion()
		if err != nil {
			return err
		}
		regions[i] = region
	}

	objects := make([]*patchdefs.SourceObject, len(tc.Objects))
	for i, oc := range tc.Objects {
		if oc.RegionIndex < 0 || oc.RegionIndex >= len(regions) {
			return ncperr.New(ncperr.Config, fmt.Sprintf("object %s references out-of-range region %d", oc.Path, oc.RegionIndex))
		}
		objects[i] = &patchdefs.SourceObject{ID: oc.ID, Path: oc.Path, Region: regions[oc.RegionIndex]}
	}

	target := &patcher.Target{
		ARM9:            isARM9,
		Regions:         regions,
		SymbolsFile:     tc.SymbolsFile,
		ExtraLDFlags:    tc.ExtraLDFlags,
		ToolchainPrefix: cfg.ToolchainPrefix,
		BuildDir:        tc.BuildDir,
		BackupDir:       tc.BackupDir,
		RomDir:          cfg.RomDir,
		ArenaLoAddress:  tc.ArenaLoAddress,
	}

	header := &patcher.RomHeader{}
	if isARM9 {
		header.ARM9 = patcher.ProcessorHeader{EntryAddress: tc.EntryAddress, RAMAddress: tc.RAMAddress}
		header.ARM9AutoLoadListHookOffset = tc.AutoLoadHook
	} else {
		header.ARM7 = patcher.ProcessorHeader{EntryAddress: tc.EntryAddress, RAMAddress: tc.RAMAddress}
		header.ARM7AutoLoadListHookOffset = tc.AutoLoadHook
	}

	engine := patcher.NewEngine(target, header)
	touched, err := engine.Run(context.Background(), objects)
	if err != nil {
		return err
	}

	label := "ARM7"
	if isARM9 {
		label = "ARM9"
	}
	ncplog.Infof("%s target patched, %d overlay(s) touched", label, len(touched))
	return nil
}
