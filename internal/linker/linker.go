// Package linker spawns the external toolchain linker (spec §4.6). No
// process-management library appears anywhere in the retrieval pack, so
// this is one of the few components that reaches for the standard library's
// os/exec directly, the same way the original's Process::start wraps a
// plain subprocess invocation.
package linker

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/Isaac0-dev/NCPatcher/internal/ncperr"
)

// Options configures one link invocation.
type Options struct {
	ToolchainPrefix string
	ScriptPath      string
	ExtraLDFlags    []string
	WorkDir         string
}

// Run invokes "<prefix>gcc -Wl,--gc-sections,-T<script>[,<flags>]" with cwd
// set to opts.WorkDir, capturing combined stdout+stderr. A non-zero exit is
// a fatal LinkFailure carrying the captured output (spec §4.6, §7).
func Run(ctx context.Context, opts Options) error {
	wlArg := "-Wl,--gc-sections,-T" + opts.ScriptPath
	if len(opts.ExtraLDFlags) > 0 {
		wlArg += "," + strings.Join(opts.ExtraLDFlags, ",")
	}

	cmd := exec.CommandContext(ctx, opts.ToolchainPrefix+"gcc", wlArg)
	cmd.Dir = opts.WorkDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return ncperr.Wrap(ncperr.LinkFailure, out.String(), err)
	}
	return nil
}
