// Package discovery walks compiled object files looking for the patch
// naming grammar (spec §4.4, §6) and turns matches into
// patchdefs.PatchIntent / patchdefs.RtReplIntent records.
package discovery

import (
	"strconv"
	"strings"

	"github.com/Isaac0-dev/NCPatcher/internal/elfview"
	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
	"github.com/Isaac0-dev/NCPatcher/internal/ncplog"
	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

// kindToken decodes one recognised "<kind>" naming-grammar token into its
// PatchIntent shape. rtrepl is handled separately since it produces no
// PatchIntent at all.
type kindToken struct {
	kind    patchdefs.Kind
	isSet   bool
	isThumb bool
}

var kindTokens = map[string]kindToken{
	"jump":     {patchdefs.Jump, false, false},
	"call":     {patchdefs.Call, false, false},
	"hook":     {patchdefs.Hook, false, false},
	"over":     {patchdefs.Over, false, false},
	"setjump":  {patchdefs.Jump, true, false},
	"setcall":  {patchdefs.Call, true, false},
	"sethook":  {patchdefs.Hook, true, false},
	"tjump":    {patchdefs.Jump, false, true},
	"tcall":    {patchdefs.Call, false, true},
	"thook":    {patchdefs.Hook, false, true},
	"tsetjump": {patchdefs.Jump, true, true},
	"tsetcall": {patchdefs.Call, true, true},
	"tsethook": {patchdefs.Hook, true, true},
}

// Result is everything Discovery extracts across all objects of one run.
type Result struct {
	Intents   []*patchdefs.PatchIntent
	RtRepls   []*patchdefs.RtReplIntent
	Externs   []string            // label-bound symbols, sorted, for the EXTERN block
	SetOwners []patchdefs.Destination // destinations owning a .ncp_set section, sorted
}

// Run discovers patch intents from every object in objects. A per-object
// ELF parse failure is fatal (IoError/MalformedInput, propagated from
// elfview.Load); a malformed individual name is a warning and the intent is
// skipped, per spec §4.4's "warnings never raise" rule.
func Run(objects []*patchdefs.SourceObject, loadELF func(*patchdefs.SourceObject) (*elfview.View, error)) (*Result, error) {
	res := &Result{}
	externSet := map[string]struct{}{}
	setOwnerSet := map[patchdefs.Destination]struct{}{}

	for _, obj := range objects {
		view, err := loadELF(obj)
		if err != nil {
			return nil, ncperr.WithContext("could not load object "+obj.Path, err)
		}

		sectionIntents := map[int]*patchdefs.PatchIntent{}

		view.EachSection(func(sec *elfview.Section) {
			if !strings.HasPrefix(sec.Name, ".ncp_") {
				return
			}
			rest := strings.TrimPrefix(sec.Name, ".ncp_")

			if strings.HasPrefix(sec.Name, ".ncp_set") {
				setOwnerSet[obj.Region.Destination] = struct{}{}
				return
			}

			if kind, ok := parseKind(rest); ok {
				if kind == "rtrepl" {
					res.RtRepls = append(res.RtRepls, &patchdefs.RtReplIntent{
						Symbol: sec.Name,
						Owner:  obj,
					})
					return
				}
				intent, err := buildIntent(kind, rest, obj, sec.Index, sec.Size, sec.Name)
				if err != nil {
					ncplog.Warn("%s: %s: %v", obj.Path, sec.Name, err)
					return
				}
				sectionIntents[sec.Index] = intent
				res.Intents = append(res.Intents, intent)
			} else {
				ncplog.Warn("%s: %s: unrecognised patch section kind", obj.Path, sec.Name)
			}
		})

		view.EachSymbol(func(sym *elfview.Symbol) {
			if sym.Name == "" || sym.Name == "ncp_dest" {
				return
			}
			if !strings.HasPrefix(sym.Name, "ncp_") {
				return
			}
			rest := strings.TrimPrefix(sym.Name, "ncp_")
			kind, ok := parseKind(rest)
			if !ok {
				return
			}
			if kind == "rtrepl" {
				return
			}

			intent, err := buildIntent(kind, rest, obj, patchdefs.LabelBound, 0, sym.Name)
			if err != nil {
				ncplog.Warn("%s: %s: %v", obj.Path, sym.Name, err)
				return
			}
			if intent.Kind == patchdefs.Over {
				ncplog.Warn("%s: %s: 'over' patches must be section-bound", obj.Path, sym.Name)
				return
			}
			externSet[sym.Name] = struct{}{}
			res.Intents = append(res.Intents, intent)
		})

		// Recover src_thumb for section-bound intents from FUNC symbols
		// defined in the matching section (spec §4.4: "the low bit of the
		// symbol value on ARM ELFs encodes THUMB mode").
		view.EachSymbol(func(sym *elfview.Symbol) {
			if sym.Type != elfview.STTFunc {
				return
			}
			intent, ok := sectionIntents[int(sym.SectionIndex)]
			if !ok {
				return
			}
			intent.SrcThumb = sym.Value&1 != 0
		})
	}

	for _, intent := range res.Intents {
		if intent.Kind == patchdefs.Over {
			intent.SrcDestination = intent.DestDestination
		} else {
			intent.SrcDestination = intent.Owner.Region.Destination
		}
	}

	res.Externs = sortedStrings(externSet)
	res.SetOwners = sortedDestinations(setOwnerSet)
	return res, nil
}

// parseKind splits "<kind>_<addr>[_ov<N>]" into its kind token, returning ok
// = false if rest does not begin with a recognised token.
func parseKind(rest string) (string, bool) {
	for token := range kindTokens {
		if rest == token || strings.HasPrefix(rest, token+"_") {
			return token, true
		}
	}
	if rest == "rtrepl" || strings.HasPrefix(rest, "rtrepl_") {
		return "rtrepl", true
	}
	return "", false
}

func buildIntent(kindTok, rest string, obj *patchdefs.SourceObject, sectionIndex int, sectionSize uint32, symbol string) (*patchdefs.PatchIntent, error) {
	tok, known := kindTokens[kindTok]
	if !known {
		return nil, ncperr.New(ncperr.MalformedInput, "unknown patch kind '"+kindTok+"'")
	}

	body := strings.TrimPrefix(rest, kindTok+"_")
	addrPart, dest, err := parseAddrAndOverlay(body)
	if err != nil {
		return nil, err
	}

	return &patchdefs.PatchIntent{
		DestAddress:     addrPart &^ 1,
		DestDestination: dest,
		Kind:            tok.kind,
		IsSet:           tok.isSet,
		DestThumb:       tok.isThumb,
		SectionIndex:    sectionIndex,
		SectionSize:     sectionSize,
		Symbol:          symbol,
		Owner:           obj,
	}, nil
}

// parseAddrAndOverlay parses "<hexOrDec>[_ov<dec>]".
func parseAddrAndOverlay(body string) (uint32, patchdefs.Destination, error) {
	addrStr := body
	dest := patchdefs.MainImage

	if idx := strings.Index(body, "_ov"); idx >= 0 {
		addrStr = body[:idx]
		ovStr := body[idx+len("_ov"):]
		id, err := strconv.Atoi(ovStr)
		if err != nil {
			return 0, dest, ncperr.Wrap(ncperr.MalformedInput, "invalid overlay id '"+ovStr+"'", err)
		}
		dest = patchdefs.Overlay(id)
	}

	// Addresses in the naming grammar are bare hex digits (an optional "0x"
	// prefix is also accepted), e.g. "02001000" for 0x02001000 — not
	// decimal, even though the digits alone would parse as one.
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 32)
	if err != nil {
		return 0, dest, ncperr.Wrap(ncperr.MalformedInput, "invalid address '"+addrStr+"'", err)
	}
	return uint32(addr), dest, nil
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sortStrings(out)
	return out
}

func sortedDestinations(set map[patchdefs.Destination]struct{}) []patchdefs.Destination {
	out := make([]patchdefs.Destination, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sortDestinations(out)
	return out
}
