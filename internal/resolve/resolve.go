// Package resolve re-opens the linked ELF and fills in the final source
// addresses, THUMB-ness, autogen area bases, new-code payloads, and detects
// overlapping patches (spec §4.7).
package resolve

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/Isaac0-dev/NCPatcher/internal/elfview"
	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

// Result carries everything the Applier needs out of one linked ELF.
type Result struct {
	AutogenAreas map[patchdefs.Destination]*patchdefs.AutogenArea
	NewCode      map[patchdefs.Destination]*patchdefs.NewCodePayload
}

// Run performs the symbol, section, and payload passes over view, mutating
// intents in place, then checks for overlaps. A detected overlap is a
// fatal PatchConflict naming both symbols and their owning files (spec
// §4.7, §8 property 5).
func Run(view *elfview.View, intents []*patchdefs.PatchIntent) (*Result, error) {
	res := &Result{
		AutogenAreas: map[patchdefs.Destination]*patchdefs.AutogenArea{},
		NewCode:      map[patchdefs.Destination]*patchdefs.NewCodePayload{},
	}

	symbolPass(view, intents, res)
	if err := sectionPass(view, intents); err != nil {
		return nil, err
	}
	payloadPass(view, res)

	if err := checkOverlaps(intents); err != nil {
		return nil, err
	}

	return res, nil
}

func symbolPass(view *elfview.View, intents []*patchdefs.PatchIntent, res *Result) {
	view.EachSymbol(func(sym *elfview.Symbol) {
		for _, intent := range intents {
			if intent.Kind == patchdefs.Over {
				continue // resolved in the section pass
			}
			var expected string
			if intent.SectionBound() {
				expected = strings.TrimPrefix(intent.Symbol, ".")
			} else {
				expected = intent.Symbol
			}
			if expected == sym.Name {
				intent.SrcAddress = sym.Value &^ 1
				if !intent.SectionBound() {
					intent.SrcThumb = sym.Value&1 != 0
				}
				intent.SectionIndex = int(sym.SectionIndex)
			}
		}

		if strings.HasPrefix(sym.Name, "ncp_autogendata") {
			dest := patchdefs.MainImage
			rest := strings.TrimPrefix(sym.Name, "ncp_autogendata")
			if strings.HasPrefix(rest, "_ov") {
				id, err := strconv.Atoi(strings.TrimPrefix(rest, "_ov"))
				if err == nil {
					dest = patchdefs.Overlay(id)
				}
			}
			res.AutogenAreas[dest] = &patchdefs.AutogenArea{
				BaseAddress: sym.Value,
				WriteCursor: sym.Value,
			}
		}
	})
}

func sectionPass(view *elfview.View, intents []*patchdefs.PatchIntent) error {
	var setSections []*elfview.Section
	view.EachSection(func(sec *elfview.Section) {
		for _, intent := range intents {
			if intent.Kind == patchdefs.Over && intent.Symbol == sec.Name {
				intent.SrcAddress = sec.Address
				intent.SectionIndex = sec.Index
				intent.SectionData = sec.Data
			}
		}
		if strings.HasPrefix(sec.Name, ".ncp_set") {
			setSections = append(setSections, sec)
		}
	})

	for _, sec := range setSections {
		for _, intent := range intents {
			if !intent.IsSet {
				continue
			}
			relOff := intent.SrcAddress - sec.Address
			if relOff > uint32(len(sec.Data)) || relOff+4 > uint32(len(sec.Data)) {
				return ncperr.New(ncperr.MalformedInput, "ncp_set entry out of bounds in section "+sec.Name)
			}
			raw := binary.LittleEndian.Uint32(sec.Data[relOff : relOff+4])
			intent.SrcAddress = raw &^ 1
			intent.SrcThumb = raw&1 != 0
		}
	}
	return nil
}

func payloadPass(view *elfview.View, res *Result) {
	view.EachSection(func(sec *elfview.Section) {
		var dest patchdefs.Destination
		var isBSS bool

		switch {
		case strings.HasPrefix(sec.Name, ".arm"):
			dest = patchdefs.MainImage
			isBSS = strings.TrimPrefix(sec.Name, ".arm") == ".bss"
		case strings.HasPrefix(sec.Name, ".ov"):
			rest := strings.TrimPrefix(sec.Name, ".ov")
			dotIdx := strings.Index(rest, ".")
			if dotIdx < 0 {
				return
			}
			id, err := strconv.Atoi(rest[:dotIdx])
			if err != nil {
				return
			}
			dest = patchdefs.Overlay(id)
			isBSS = rest[dotIdx:] == ".bss"
		default:
			return
		}

		payload, ok := res.NewCode[dest]
		if !ok {
			payload = &patchdefs.NewCodePayload{}
			res.NewCode[dest] = payload
		}
		if isBSS {
			payload.BSSSize = sec.Size
			payload.BSSAlign = sec.AddrAlign
		} else {
			payload.TextBytes = sec.Data
			payload.TextSize = sec.Size
			payload.TextAlign = sec.AddrAlign
		}
	})
}

func checkOverlaps(intents []*patchdefs.PatchIntent) error {
	for i := 0; i < len(intents); i++ {
		a := intents[i]
		for j := i + 1; j < len(intents); j++ {
			b := intents[j]
			if a.DestDestination != b.DestDestination {
				continue
			}
			if overlaps(a.DestAddress, a.DestAddress+a.Size(), b.DestAddress, b.DestAddress+b.Size()) {
				return ncperr.New(ncperr.PatchConflict,
					a.Symbol+" ("+a.Owner.Path+") overlaps with "+b.Symbol+" ("+b.Owner.Path+")")
			}
		}
	}
	return nil
}

func overlaps(aStart, aEnd, bStart, bEnd uint32) bool {
	return aStart < bEnd && bStart < aEnd
}
