// Package diffutil renders unified, line-level diffs of config and rule
// file reloads so an operator can see exactly what changed, grounded on
// sergi/go-diff's diffmatchpatch (the same library the source ecosystem
// uses for text diffing).
package diffutil

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Unified computes a line-oriented diff between old and new, returning one
// "+ "/"- " prefixed line per added/removed line followed by a final
// "(N added, M removed)" count line. An empty string means no change.
func Unified(old, new string) string {
	if old == new {
		return ""
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var sb strings.Builder
	added, removed := 0, 0
	for _, d := range diffs {
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				added++
				fmt.Fprintf(&sb, "+ %s", line)
			case diffmatchpatch.DiffDelete:
				removed++
				fmt.Fprintf(&sb, "- %s", line)
			}
		}
	}
	if !strings.HasSuffix(sb.String(), "\n") && sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteString(fmt.Sprintf("(%d added, %d removed)", added, removed))
	return sb.String()
}
