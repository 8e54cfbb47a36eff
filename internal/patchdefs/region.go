package patchdefs

// Mode determines how a Region's new-code base address is computed.
type Mode int

const (
	// Append places new code after an overlay's existing text+bss.
	Append Mode = iota
	// Replace discards an overlay's existing contents and writes new code
	// at the region's configured address (or the overlay's current
	// address, if the configured address is the AutoAddress sentinel).
	Replace
	// Create would allocate a brand-new overlay slot. Rejected at apply
	// time (spec §4.8, §1 non-goals) — kept as a named mode so
	// configuration can express the intent and get a clear NotImplemented
	// error instead of silently behaving like Replace.
	Create
)

func (m Mode) String() string {
	switch m {
	case Append:
		return "append"
	case Replace:
		return "replace"
	case Create:
		return "create"
	default:
		return "unknown"
	}
}

// AutoAddress is the sentinel Region.Address meaning "use the overlay's
// current RAM address" in Replace mode.
const AutoAddress uint32 = 0xFFFF_FFFF

// Region is one configured span of code space that a set of source objects
// targets. Immutable for the duration of a run (spec §3).
type Region struct {
	Destination Destination
	Mode        Mode
	Address     uint32 // meaningful for Replace/Create; AutoAddress selects "current"
	Length      uint32
}

// SourceObject is a compiled relocatable object tagged with the region it
// belongs to (spec §3, §6 "opaque set of compiled object file paths").
type SourceObject struct {
	ID     string
	Path   string
	Region *Region
}
