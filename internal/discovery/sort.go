package discovery

import (
	"slices"

	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

// sortStrings and sortDestinations give the extern list and the ncp_set
// owner list a fixed order, so the linker script that consumes them is
// byte-identical across runs (spec §8 property 4) — a map's own iteration
// order is never used to feed script generation.
func sortStrings(s []string) {
	slices.Sort(s)
}

func sortDestinations(d []patchdefs.Destination) {
	slices.SortFunc(d, func(a, b patchdefs.Destination) int {
		return int(a) - int(b)
	})
}
