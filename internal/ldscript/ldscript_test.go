package ldscript

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Isaac0-dev/NCPatcher/internal/discovery"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

func TestGenerateIsDeterministic(t *testing.T) {
	mainRegion := &patchdefs.Region{Destination: patchdefs.MainImage, Length: 0x8000}
	obj := &patchdefs.SourceObject{ID: "a.o", Path: "a.o", Region: mainRegion}

	intent := &patchdefs.PatchIntent{
		Kind:            patchdefs.Jump,
		DestAddress:     0x0200_1000,
		DestDestination: patchdefs.MainImage,
		Symbol:          ".ncp_jump_02001000",
		SectionIndex:    0,
		Owner:           obj,
	}

	in := &Input{
		SymbolsFile:   "symbols.x",
		ObjectPaths:   []string{"a.o"},
		OutputELFPath: "build/arm9.elf",
		Regions:       []*patchdefs.Region{mainRegion},
		NewCodeBase:   map[patchdefs.Destination]uint32{patchdefs.MainImage: 0x0203_5000},
		ObjectRegion:  map[string]*patchdefs.Region{"a.o": mainRegion},
	}
	disc := &discovery.Result{Intents: []*patchdefs.PatchIntent{intent}}

	first := Generate(in, disc)
	second := Generate(in, disc)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "INCLUDE \"symbols.x\"")
	assert.Contains(t, first, "MEMORY {")
	assert.Contains(t, first, "arm (rwx): ORIGIN = 0x02035000")
	assert.Contains(t, first, "ncp_jump_02001000 = .;")
	assert.Contains(t, first, "/DISCARD/")
}

func TestGenerateOverlaysPrecedeMain(t *testing.T) {
	mainRegion := &patchdefs.Region{Destination: patchdefs.MainImage, Length: 0x8000}
	ovRegion := &patchdefs.Region{Destination: patchdefs.Overlay(3), Length: 0x4000}

	in := &Input{
		SymbolsFile: "symbols.x",
		Regions:     []*patchdefs.Region{mainRegion, ovRegion},
		NewCodeBase: map[patchdefs.Destination]uint32{
			patchdefs.MainImage:    0x0203_5000,
			patchdefs.Overlay(3):   0x0237_1000,
		},
	}
	disc := &discovery.Result{}

	out := Generate(in, disc)
	assert.Less(t, indexOf(out, "ov3 (rwx)"), indexOf(out, "arm (rwx)"))
}

func TestGenerateExternBlock(t *testing.T) {
	in := &Input{SymbolsFile: "symbols.x"}
	disc := &discovery.Result{Externs: []string{"ncp_call_2004000"}}
	out := Generate(in, disc)
	assert.Contains(t, out, "EXTERN (\n\tncp_call_2004000\n)")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
