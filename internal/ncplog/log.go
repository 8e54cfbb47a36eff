// Package ncplog is the small leveled writer every other package logs
// through, in place of the original tool's Log::out/Log::info/OWARN/OERROR
// stream helpers.
package ncplog

import (
	"fmt"
	"io"
	"os"

	"github.com/Isaac0-dev/NCPatcher/internal/patchdefs"
)

var (
	out     io.Writer = os.Stdout
	errOut  io.Writer = os.Stderr
	verbose bool
)

// SetOutput redirects normal, warning and debug output; used by tests.
func SetOutput(w io.Writer) { out = w }

// SetErrorOutput redirects fatal-error output; used by tests.
func SetErrorOutput(w io.Writer) { errOut = w }

// SetVerbose toggles the --verbose/-v CLI flag's effect on Debugf/DumpIntents.
func SetVerbose(v bool) { verbose = v }

// Verbose reports whether verbose output was requested.
func Verbose() bool { return verbose }

// Info prints a stage-transition message ("Loading overlay table...").
func Info(msg string) {
	fmt.Fprintln(out, msg)
}

// Infof is Info with formatting.
func Infof(format string, args ...any) {
	fmt.Fprintf(out, format+"\n", args...)
}

// Warn prints a non-fatal diagnostic (skipped intent, malformed name) that
// never aborts the run.
func Warn(format string, args ...any) {
	fmt.Fprintf(out, "[warning] "+format+"\n", args...)
}

// Errorf prints a fatal error's message, with an optional stage context
// line printed first (see ncperr.Contextual).
func Errorf(context string, err error) {
	if context != "" {
		fmt.Fprintln(errOut, context)
	}
	fmt.Fprintf(errOut, "%v\n", err)
}

// Debugf prints only when verbose mode is on.
func Debugf(format string, args ...any) {
	if !verbose {
		return
	}
	fmt.Fprintf(out, format+"\n", args...)
}

// DumpIntents prints a column-aligned table of every discovered patch
// intent when verbose mode is on, restoring the original tool's per-object
// diagnostic listing (dropped from this tool's distilled feature set, but
// cheap to keep for anyone debugging a naming-grammar mismatch).
func DumpIntents(intents []*patchdefs.PatchIntent) {
	if !verbose || len(intents) == 0 {
		return
	}

	widthKind, widthSymbol, widthOwner := len("KIND"), len("SYMBOL"), len("OBJECT")
	for _, p := range intents {
		if n := len(p.Kind.String()); n > widthKind {
			widthKind = n
		}
		if n := len(p.Symbol); n > widthSymbol {
			widthSymbol = n
		}
		if p.Owner != nil {
			if n := len(p.Owner.Path); n > widthOwner {
				widthOwner = n
			}
		}
	}

	fmt.Fprintf(out, "%-*s  %-*s  %-10s  %-10s  %s\n",
		widthKind, "KIND", widthSymbol, "SYMBOL", "DEST", "SRC", "OBJECT")
	for _, p := range intents {
		owner := ""
		if p.Owner != nil {
			owner = p.Owner.Path
		}
		fmt.Fprintf(out, "%-*s  %-*s  %-10s  0x%08X  %s\n",
			widthKind, p.Kind.String(), widthSymbol, p.Symbol,
			p.DestDestination.String(), p.SrcAddress, owner)
	}
}
