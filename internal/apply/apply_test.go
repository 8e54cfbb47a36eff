package apply

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isaac0-dev/NCPatcher/internal/binimage"
	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
	"github.com/Isaac0-dev/NCPatcher/internal/opcode"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

type fakeLoader struct {
	main     *binimage.MainImage
	overlays map[int]*binimage.Overlay
}

func (f *fakeLoader) Main() (*binimage.MainImage, error) { return f.main, nil }
func (f *fakeLoader) Overlay(id int) (*binimage.Overlay, error) {
	return f.overlays[id], nil
}

func newTestOverlay(ramBase uint32, size int) *binimage.Overlay {
	return binimage.LoadOverlay(0, make([]byte, size), ramBase, false)
}

func TestApplyJumpArmToArm(t *testing.T) {
	ov := newTestOverlay(0x0200_0000, 0x100)
	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, nil, true)

	intent := &patchdefs.PatchIntent{
		Kind: patchdefs.Jump, Symbol: "ncp_jump_02000010",
		DestAddress: 0x0200_0010, DestDestination: patchdefs.Overlay(0),
		SrcAddress: 0x0200_0080, Owner: &patchdefs.SourceObject{Path: "a.o"},
	}

	require.NoError(t, a.ApplyIntents([]*patchdefs.PatchIntent{intent}, nil))

	got := ov.ReadU32(0x0200_0010)
	assert.Equal(t, opcode.ArmBranch(opcode.B, 0x0200_0010, 0x0200_0080), got)
}

func TestApplyJumpArmToThumbEmitsVeneer(t *testing.T) {
	ov := newTestOverlay(0x0200_0000, 0x100)
	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, nil, true)

	intent := &patchdefs.PatchIntent{
		Kind: patchdefs.Jump, Symbol: "ncp_tjump_02000010",
		DestAddress: 0x0200_0010, DestDestination: patchdefs.Overlay(0),
		SrcAddress: 0x0203_5000, SrcThumb: true, SrcDestination: patchdefs.Overlay(0),
		Owner: &patchdefs.SourceObject{Path: "a.o"},
	}
	area := &patchdefs.AutogenArea{BaseAddress: 0x0200_0F00, WriteCursor: 0x0200_0F00}
	areas := map[patchdefs.Destination]*patchdefs.AutogenArea{patchdefs.Overlay(0): area}

	require.NoError(t, a.ApplyIntents([]*patchdefs.PatchIntent{intent}, areas))

	assert.Equal(t, opcode.ArmBranch(opcode.B, 0x0200_0010, 0x0200_0F00), ov.ReadU32(0x0200_0010))
	require.Len(t, area.Data, 8)
	assert.Equal(t, uint32(0xE51F_F004), binary.LittleEndian.Uint32(area.Data[0:4]))
	assert.Equal(t, uint32(0x0203_5001), binary.LittleEndian.Uint32(area.Data[4:8]))
}

func TestApplyHookWritesBridge(t *testing.T) {
	ov := newTestOverlay(0x0200_0000, 0x100)
	ov.WriteU32(0x0200_0010, 0x1234_5678) // original instruction, not a branch: fixup is a no-op

	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, nil, true)

	intent := &patchdefs.PatchIntent{
		Kind: patchdefs.Hook, Symbol: "ncp_hook_02000010",
		DestAddress: 0x0200_0010, DestDestination: patchdefs.Overlay(0),
		SrcAddress: 0x0200_0090, SrcDestination: patchdefs.Overlay(0),
		Owner: &patchdefs.SourceObject{Path: "a.o"},
	}
	area := &patchdefs.AutogenArea{BaseAddress: 0x0200_0F00, WriteCursor: 0x0200_0F00}
	areas := map[patchdefs.Destination]*patchdefs.AutogenArea{patchdefs.Overlay(0): area}

	require.NoError(t, a.ApplyIntents([]*patchdefs.PatchIntent{intent}, areas))

	require.Len(t, area.Data, 20)
	assert.Equal(t, opcode.PushHook, binary.LittleEndian.Uint32(area.Data[0:4]))
	assert.Equal(t, opcode.PopHook, binary.LittleEndian.Uint32(area.Data[8:12]))
	assert.Equal(t, uint32(0x1234_5678), binary.LittleEndian.Uint32(area.Data[12:16])) // fixup leaves non-branch untouched
	assert.Equal(t, opcode.ArmBranch(opcode.B, 0x0200_0010, 0x0200_0F00), ov.ReadU32(0x0200_0010))
}

func TestApplyCallFailsInterworkOnARM7(t *testing.T) {
	ov := newTestOverlay(0x0200_0000, 0x100)
	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, nil, false) // ARM7

	intent := &patchdefs.PatchIntent{
		Kind: patchdefs.Call, Symbol: "ncp_tcall_02000010",
		DestAddress: 0x0200_0010, DestDestination: patchdefs.Overlay(0),
		SrcAddress: 0x0203_5000, SrcThumb: true,
		Owner: &patchdefs.SourceObject{Path: "a.o"},
	}

	err := a.ApplyIntents([]*patchdefs.PatchIntent{intent}, nil)
	require.Error(t, err)
	var e *ncperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ncperr.UnsupportedInterwork, e.Kind)
}

func TestApplyOverCopiesSectionBytes(t *testing.T) {
	ov := newTestOverlay(0x0200_0000, 0x100)
	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, nil, true)

	intent := &patchdefs.PatchIntent{
		Kind: patchdefs.Over, Symbol: ".ncp_over_02000020",
		DestAddress: 0x0200_0020, DestDestination: patchdefs.Overlay(0),
		SectionData: []byte{0xAA, 0xBB, 0xCC, 0xDD},
	}

	require.NoError(t, a.ApplyIntents([]*patchdefs.PatchIntent{intent}, nil))
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, ov.Data()[0x20:0x24])
}

func TestInstallOverlayAppendOverflows(t *testing.T) {
	ov := newTestOverlay(0x0230_0000, 8)
	entry := &patchdefs.OverlayTableEntry{ID: 0}
	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, map[int]*patchdefs.OverlayTableEntry{0: entry}, true)

	payload := &patchdefs.NewCodePayload{TextBytes: make([]byte, 100), TextSize: 100}
	newCode := map[patchdefs.Destination]*patchdefs.NewCodePayload{patchdefs.Overlay(0): payload}
	regions := map[patchdefs.Destination]*patchdefs.Region{
		patchdefs.Overlay(0): {Destination: patchdefs.Overlay(0), Mode: patchdefs.Append, Length: 16},
	}

	err := a.InstallNewCode(newCode, nil, nil, regions, 0)
	require.Error(t, err)
	var e *ncperr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ncperr.Overflow, e.Kind)
}

func TestInstallOverlayAppendGrowsAndZeroFillsBSS(t *testing.T) {
	ov := newTestOverlay(0x0230_0000, 4)
	entry := &patchdefs.OverlayTableEntry{ID: 0, BSSSize: 2, Flag: patchdefs.OverlayFlagCompressed, CompressedSize: 40}
	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, map[int]*patchdefs.OverlayTableEntry{0: entry}, true)

	payload := &patchdefs.NewCodePayload{TextBytes: []byte{1, 2, 3, 4}, TextSize: 4, BSSSize: 8}
	newCode := map[patchdefs.Destination]*patchdefs.NewCodePayload{patchdefs.Overlay(0): payload}
	regions := map[patchdefs.Destination]*patchdefs.Region{
		patchdefs.Overlay(0): {Destination: patchdefs.Overlay(0), Mode: patchdefs.Append, Length: 64},
	}

	require.NoError(t, a.InstallNewCode(newCode, nil, nil, regions, 0))

	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2, 3, 4}, ov.Data())
	assert.False(t, entry.Compressed())
	assert.Equal(t, uint32(10), entry.RAMSize)
	assert.Equal(t, uint32(8), entry.BSSSize)
}

func buildMainImageForInstall(t *testing.T) (*binimage.MainImage, uint32, uint32) {
	t.Helper()
	ramBase := uint32(0x0200_0000)
	data := make([]byte, 0x400)

	autoloadStart := ramBase + 0x300
	autoloadListStart := ramBase + 0x310
	autoloadListEnd := autoloadListStart + patchdefs.AutoLoadEntrySize
	moduleParamsAddr := autoloadListEnd

	for i := 0x300; i < 0x310; i++ {
		data[i] = 0xEE // marker for the pre-existing autoload entry's data
	}

	mp := patchdefs.ModuleParams{AutoloadListStart: autoloadListStart, AutoloadListEnd: autoloadListEnd, AutoloadStart: autoloadStart}
	copy(data[moduleParamsAddr-ramBase:], mp.Encode())

	entry := patchdefs.AutoLoadEntry{Address: autoloadStart, Size: 16, BSSSize: 0}
	copy(data[autoloadListStart-ramBase:], patchdefs.EncodeAutoLoadList([]patchdefs.AutoLoadEntry{entry}))

	arenaLoOffset := uint32(0x08)
	hookOff := uint32(0x10)
	binary.LittleEndian.PutUint32(data[hookOff:], moduleParamsAddr)

	m := binimage.LoadMainImage(data, ramBase, ramBase, hookOff)
	return m, ramBase, arenaLoOffset
}

func TestInstallMainExtendsAutoloadDirectory(t *testing.T) {
	m, ramBase, arenaLoOffset := buildMainImageForInstall(t)
	arenaLoAddr := ramBase + arenaLoOffset

	a := New(&fakeLoader{main: m}, nil, true)

	newCodeBase := ramBase + 0x0500
	text := make([]byte, 16)
	for i := range text {
		text[i] = 0xCC
	}
	payload := &patchdefs.NewCodePayload{TextBytes: text, TextSize: 16, BSSSize: 4, BSSAlign: 4}
	newCode := map[patchdefs.Destination]*patchdefs.NewCodePayload{patchdefs.MainImage: payload}
	newCodeBaseMap := map[patchdefs.Destination]uint32{patchdefs.MainImage: newCodeBase}

	require.NoError(t, a.InstallNewCode(newCode, nil, newCodeBaseMap, nil, arenaLoAddr))

	assert.Equal(t, newCodeBase+16+4, m.ArenaLo(arenaLoAddr))

	require.Len(t, m.AutoLoad, 2)
	assert.Equal(t, newCodeBase, m.AutoLoad[0].Address)
	assert.Equal(t, uint32(16), m.AutoLoad[0].Size)
	assert.Equal(t, ramBase+0x300, m.AutoLoad[1].Address)

	data := m.Data()
	assert.Equal(t, byte(0xCC), data[0x300])
	assert.Equal(t, byte(0xEE), data[0x310]) // old entry's data slid forward by textSize

	assert.Equal(t, ramBase+0x310+16, m.ModuleParams.AutoloadListStart)
}

func TestInstallOverlayReplace(t *testing.T) {
	ov := newTestOverlay(0x0230_0000, 4)
	entry := &patchdefs.OverlayTableEntry{ID: 0, StaticInitStart: 1, StaticInitEnd: 2}
	a := New(&fakeLoader{overlays: map[int]*binimage.Overlay{0: ov}}, map[int]*patchdefs.OverlayTableEntry{0: entry}, true)

	payload := &patchdefs.NewCodePayload{TextBytes: []byte{9, 9}, TextSize: 2, BSSSize: 4}
	newCode := map[patchdefs.Destination]*patchdefs.NewCodePayload{patchdefs.Overlay(0): payload}
	regions := map[patchdefs.Destination]*patchdefs.Region{
		patchdefs.Overlay(0): {Destination: patchdefs.Overlay(0), Mode: patchdefs.Replace, Length: 64},
	}
	newCodeBase := map[patchdefs.Destination]uint32{patchdefs.Overlay(0): 0x0231_0000}

	require.NoError(t, a.InstallNewCode(newCode, nil, newCodeBase, regions, 0))

	assert.Equal(t, []byte{9, 9}, ov.Data())
	assert.Equal(t, uint32(0x0231_0000), entry.RAMAddress)
	assert.Equal(t, uint32(0), entry.StaticInitStart)
	assert.Equal(t, uint32(0), entry.StaticInitEnd)
}
