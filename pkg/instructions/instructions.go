// Package instructions writes the per-worker instructions file the
// orchestrator drops into a worktree on spawn. The core never
// interprets this file again once written.
package instructions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Spec describes the content of a worker's instructions file. Owned
// and OffLimits paths are opaque to the core; they are passed through
// verbatim from the caller.
type Spec struct {
	Task     string
	Owned    []string
	OffLimits []string
}

const filename = "TASK_INSTRUCTIONS.md"

// Write renders spec into worktreePath/TASK_INSTRUCTIONS.md.
func Write(worktreePath string, spec Spec) error {
	var b strings.Builder

	b.WriteString("# Task\n\n")
	b.WriteString(spec.Task)
	b.WriteString("\n\n")

	if len(spec.Owned) > 0 {
		b.WriteString("# Owned paths\n\n")
		b.WriteString("You may modify these paths freely:\n\n")
		for _, p := range spec.Owned {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}

	if len(spec.OffLimits) > 0 {
		b.WriteString("# Off-limits paths\n\n")
		b.WriteString("Do not modify these paths:\n\n")
		for _, p := range spec.OffLimits {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}

	b.WriteString("# Before opening a pull request\n\n")
	b.WriteString("Run this repository's local build, test, and lint checks and make sure " +
		"they pass. Only open a pull request once they do.\n")

	return os.WriteFile(filepath.Join(worktreePath, filename), []byte(b.String()), 0o644)
}
