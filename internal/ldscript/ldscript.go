// Package ldscript synthesises the single linker script that lays new code
// into the correct memory regions (spec §4.5). Output is built with a plain
// strings.Builder the same way the original's createLinkerScript builds up
// one big std::string, and every set-like input is walked as an
// already-sorted slice so two runs over the same intents produce
// byte-identical text (spec §8 property 4).
package ldscript

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Isaac0-dev/NCPatcher/internal/discovery"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

// sortRegionsOverlaysFirst orders regions by descending destination, so
// overlays (id >= 0) precede the main image (-1), matching the original's
// std::sort(..., destination > destination) comparator.
func sortRegionsOverlaysFirst(regions []*patchdefs.Region) {
	slices.SortFunc(regions, func(a, b *patchdefs.Region) int {
		return int(b.Destination) - int(a.Destination)
	})
}

// SizeOfHookBridge and SizeOfArm2ThumbJumpBridge are the autogen-data
// reservations the Applier later fills in (spec §4.5 "reserved-byte
// computation").
const (
	SizeOfHookBridge          = 20
	SizeOfArm2ThumbJumpBridge = 8
)

// Input is everything the synthesiser needs beyond the discovered intents.
type Input struct {
	SymbolsFile   string
	ObjectPaths   []string // relative to the build directory, in job order
	OutputELFPath string
	Regions       []*patchdefs.Region
	NewCodeBase   map[patchdefs.Destination]uint32 // §4.5 "new-code base computation"
	ObjectRegion  map[string]*patchdefs.Region      // object path -> owning region, for per-region input globs
}

type memoryEntry struct {
	name   string
	origin uint32
	length uint32
}

type regionEntry struct {
	dest            patchdefs.Destination
	memName         string
	region          *patchdefs.Region
	sectionPatches  []*patchdefs.PatchIntent
	autogenDataSize uint32
}

type overPatch struct {
	intent  *patchdefs.PatchIntent
	memName string
}

// Generate builds the full linker script text for one target processor's
// pass.
func Generate(in *Input, disc *discovery.Result) string {
	var memoryEntries []memoryEntry
	memoryEntries = append(memoryEntries, memoryEntry{"bin", 0, 0x100000})

	// Overlays must come before the arm region (spec §4.5 "Regions are
	// emitted in an order such that overlay regions precede the main
	// region").
	orderedRegions := append([]*patchdefs.Region(nil), in.Regions...)
	sortRegionsOverlaysFirst(orderedRegions)

	var regionEntries []*regionEntry
	regionByDest := map[patchdefs.Destination]*regionEntry{}
	for _, region := range orderedRegions {
		memName := region.Destination.MemName()
		base := in.NewCodeBase[region.Destination]
		memoryEntries = append(memoryEntries, memoryEntry{memName, base, region.Length})

		re := &regionEntry{dest: region.Destination, memName: memName, region: region}
		regionEntries = append(regionEntries, re)
		regionByDest[region.Destination] = re
	}

	var overPatches []overPatch
	for _, intent := range disc.Intents {
		if intent.Kind == patchdefs.Over {
			memName := "over_" + fmt.Sprintf("%08x", intent.DestAddress)
			if id, ok := intent.DestDestination.OverlayID(); ok {
				memName += fmt.Sprintf("_%d", id)
			}
			memoryEntries = append(memoryEntries, memoryEntry{memName, intent.DestAddress, intent.SectionSize})
			overPatches = append(overPatches, overPatch{intent: intent, memName: memName})
			continue
		}

		re, ok := regionByDest[intent.Owner.Region.Destination]
		if !ok {
			continue
		}
		if intent.SectionBound() {
			re.sectionPatches = append(re.sectionPatches, intent)
		}
		switch {
		case intent.Kind == patchdefs.Hook:
			re.autogenDataSize += SizeOfHookBridge
		case intent.Kind == patchdefs.Jump && !intent.DestThumb && intent.SrcThumb:
			re.autogenDataSize += SizeOfArm2ThumbJumpBridge
		}
	}

	if len(disc.SetOwners) > 0 {
		memoryEntries = append(memoryEntries, memoryEntry{"ncp_set", 0, 0x100000})
	}

	var o strings.Builder
	o.Grow(65536)

	o.WriteString("/* NCPatcher: Auto-generated linker script */\n\nINCLUDE \"")
	o.WriteString(filepath.ToSlash(in.SymbolsFile))
	o.WriteString("\"\n\nINPUT (\n")
	for _, p := range in.ObjectPaths {
		o.WriteString("\t\"")
		o.WriteString(filepath.ToSlash(p))
		o.WriteString("\"\n")
	}
	o.WriteString(")\n\nOUTPUT (\"")
	o.WriteString(filepath.ToSlash(in.OutputELFPath))
	o.WriteString("\")\n\nMEMORY {\n")

	for _, m := range memoryEntries {
		fmt.Fprintf(&o, "\t%s (rwx): ORIGIN = 0x%08X, LENGTH = 0x%08X\n", m.name, m.origin, m.length)
	}

	o.WriteString("}\n\nSECTIONS {\n")

	for _, re := range regionEntries {
		writeRegionSections(&o, re, in, disc)
	}

	for _, p := range overPatches {
		fmt.Fprintf(&o, "\t%s : { KEEP(* (%s)) } > %s AT > bin\n", p.intent.Symbol, p.intent.Symbol, p.memName)
	}
	if len(overPatches) > 0 {
		o.WriteString("\n")
	}

	for _, dest := range disc.SetOwners {
		if dest.IsMain() {
			o.WriteString("\t.ncp_set : { KEEP(* (.ncp_set)) } > ncp_set AT > bin\n")
			continue
		}
		id, _ := dest.OverlayID()
		fmt.Fprintf(&o, "\t.ncp_set_ov%d : {\n", id)
		for _, objPath := range in.ObjectPaths {
			if region, ok := in.ObjectRegion[objPath]; ok && region.Destination == dest {
				fmt.Fprintf(&o, "\t\t KEEP(\"%s\" (.ncp_set))\n\t} > ncp_set AT > bin\n", filepath.ToSlash(objPath))
			}
		}
	}
	if len(disc.SetOwners) > 0 {
		o.WriteString("\n")
	}

	o.WriteString("\t/DISCARD/ : {*(.*)}\n}\n")

	if len(disc.Externs) > 0 {
		o.WriteString("\nEXTERN (\n")
		for _, e := range disc.Externs {
			o.WriteString("\t")
			o.WriteString(e)
			o.WriteString("\n")
		}
		o.WriteString(")\n")
	}

	return o.String()
}

func writeRegionSections(o *strings.Builder, re *regionEntry, in *Input, disc *discovery.Result) {
	fmt.Fprintf(o, "\t.%s.text : ALIGN(4) {\n", re.memName)

	for _, p := range re.sectionPatches {
		fmt.Fprintf(o, "\t\t%s = .;\n\t\tKEEP(* (%s))\n", strings.TrimPrefix(p.Symbol, "."), p.Symbol)
	}
	for _, rt := range disc.RtRepls {
		if rt.Owner.Region != re.region {
			continue
		}
		stem := strings.TrimPrefix(rt.Symbol, ".")
		fmt.Fprintf(o, "\t\t%s_start = .;\n\t\t* (%s)\n\t\t%s_end = .;\n", stem, rt.Symbol, stem)
	}

	if re.dest.IsMain() {
		o.WriteString("\t\t* (.text)\n" +
			"\t\t* (.rodata)\n" +
			"\t\t* (.init_array)\n" +
			"\t\t* (.data)\n" +
			"\t\t* (.text.*)\n" +
			"\t\t* (.rodata.*)\n" +
			"\t\t* (.init_array.*)\n" +
			"\t\t* (.data.*)\n")
		if re.autogenDataSize != 0 {
			fmt.Fprintf(o, "\t\t. = ALIGN(4);\n\t\tncp_autogendata = .;\n\t\tFILL(0)\n\t\t. = ncp_autogendata + %d;\n", re.autogenDataSize)
		}
	} else {
		for _, objPath := range in.ObjectPaths {
			region, ok := in.ObjectRegion[objPath]
			if !ok || region != re.region {
				continue
			}
			for _, secInc := range []string{"text", "rodata", "init_array", "data", "text.*", "rodata.*", "init_array.*", "data.*"} {
				fmt.Fprintf(o, "\t\t\"%s\" (.%s)\n", filepath.ToSlash(objPath), secInc)
			}
		}
		if re.autogenDataSize != 0 {
			fmt.Fprintf(o, "\t\t. = ALIGN(4);\n\t\tncp_autogendata_%s = .;\n\t\tFILL(0)\n\t\t. = ncp_autogendata_%s + %d;\n",
				re.memName, re.memName, re.autogenDataSize)
		}
	}

	fmt.Fprintf(o, "\t\t. = ALIGN(4);\n\t} > %s AT > bin\n\n\t.%s.bss : ALIGN(4) {\n", re.memName, re.memName)

	if re.dest.IsMain() {
		o.WriteString("\t\t* (.bss)\n\t\t* (.bss.*)\n")
	} else {
		for _, objPath := range in.ObjectPaths {
			region, ok := in.ObjectRegion[objPath]
			if !ok || region != re.region {
				continue
			}
			fmt.Fprintf(o, "\t\t\"%s\" (.bss)\n\t\t\"%s\" (.bss.*)\n", filepath.ToSlash(objPath), filepath.ToSlash(objPath))
		}
	}

	fmt.Fprintf(o, "\t\t. = ALIGN(4);\n\t} > %s AT > bin\n\n", re.memName)
}
