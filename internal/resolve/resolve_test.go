package resolve

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isaac0-dev/NCPatcher/internal/elfview"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

func TestSymbolPassResolvesSectionBoundIntent(t *testing.T) {
	obj := &patchdefs.SourceObject{Path: "a.o", Region: &patchdefs.Region{Destination: patchdefs.MainImage}}
	// SrcThumb is set by discovery from the real FUNC symbol; the matched
	// symbol here is the linker-script location-counter label, whose value
	// having its LSB set is incidental, not a thumb-mode bit.
	intent := &patchdefs.PatchIntent{
		Symbol:          ".ncp_jump_02001000",
		DestDestination: patchdefs.MainImage,
		SrcThumb:        false,
		Owner:           obj,
	}
	view := &elfview.View{
		Symbols: []*elfview.Symbol{
			{Name: "ncp_jump_02001000", Value: 0x0203_5001, SectionIndex: 3},
		},
	}

	res, err := Run(view, []*patchdefs.PatchIntent{intent})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0203_5000), intent.SrcAddress)
	assert.False(t, intent.SrcThumb)
	assert.NotNil(t, res)
}

func TestSectionPassResolvesOver(t *testing.T) {
	obj := &patchdefs.SourceObject{Path: "a.o", Region: &patchdefs.Region{Destination: patchdefs.MainImage}}
	intent := &patchdefs.PatchIntent{
		Kind:            patchdefs.Over,
		Symbol:          ".ncp_over_02004000",
		DestDestination: patchdefs.MainImage,
		Owner:           obj,
	}
	view := &elfview.View{
		Sections: []*elfview.Section{
			{Index: 5, Name: ".ncp_over_02004000", Address: 0x0200_4000, Size: 8},
		},
	}

	_, err := Run(view, []*patchdefs.PatchIntent{intent})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0200_4000), intent.SrcAddress)
	assert.Equal(t, 5, intent.SectionIndex)
}

func TestSectionPassResolvesNcpSetTable(t *testing.T) {
	obj := &patchdefs.SourceObject{Path: "a.o", Region: &patchdefs.Region{Destination: patchdefs.MainImage}}
	intent := &patchdefs.PatchIntent{
		Symbol:          "ncp_setjump_02005000",
		DestDestination: patchdefs.MainImage,
		IsSet:           true,
		SectionIndex:    patchdefs.LabelBound,
		Owner:           obj,
	}

	tableData := make([]byte, 8)
	binary.LittleEndian.PutUint32(tableData[4:], 0x0203_7001) // thumb target

	view := &elfview.View{
		Symbols: []*elfview.Symbol{
			{Name: "ncp_setjump_02005000", Value: 0x0200_5004}, // points 4 bytes into the table
		},
		Sections: []*elfview.Section{
			{Index: 2, Name: ".ncp_set", Address: 0x0200_5000, Data: tableData},
		},
	}

	_, err := Run(view, []*patchdefs.PatchIntent{intent})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0203_7000), intent.SrcAddress)
	assert.True(t, intent.SrcThumb)
}

func TestCheckOverlapsDetectsConflict(t *testing.T) {
	obj := &patchdefs.SourceObject{Path: "a.o"}
	a := &patchdefs.PatchIntent{Symbol: "a", DestAddress: 0x0200_4000, DestDestination: patchdefs.MainImage, Kind: patchdefs.Over, SectionSize: 8, Owner: obj}
	b := &patchdefs.PatchIntent{Symbol: "b", DestAddress: 0x0200_4004, DestDestination: patchdefs.MainImage, Kind: patchdefs.Over, SectionSize: 8, Owner: obj}

	err := checkOverlaps([]*patchdefs.PatchIntent{a, b})
	assert.Error(t, err)
}

func TestCheckOverlapsAllowsAdjacent(t *testing.T) {
	obj := &patchdefs.SourceObject{Path: "a.o"}
	a := &patchdefs.PatchIntent{Symbol: "a", DestAddress: 0x0200_4000, DestDestination: patchdefs.MainImage, Kind: patchdefs.Over, SectionSize: 8, Owner: obj}
	b := &patchdefs.PatchIntent{Symbol: "b", DestAddress: 0x0200_4008, DestDestination: patchdefs.MainImage, Kind: patchdefs.Over, SectionSize: 4, Owner: obj}

	err := checkOverlaps([]*patchdefs.PatchIntent{a, b})
	assert.NoError(t, err)
}

func TestPayloadPassSplitsTextAndBSS(t *testing.T) {
	view := &elfview.View{
		Sections: []*elfview.Section{
			{Name: ".arm.text", Size: 100, Data: make([]byte, 100)},
			{Name: ".arm.bss", Size: 20},
			{Name: ".ov3.text", Size: 50, Data: make([]byte, 50)},
		},
	}
	res, err := Run(view, nil)
	require.NoError(t, err)

	main := res.NewCode[patchdefs.MainImage]
	require.NotNil(t, main)
	assert.Equal(t, uint32(100), main.TextSize)
	assert.Equal(t, uint32(20), main.BSSSize)

	ov3 := res.NewCode[patchdefs.Overlay(3)]
	require.NotNil(t, ov3)
	assert.Equal(t, uint32(50), ov3.TextSize)
}
