package engine

import (
	"fmt"
	"strings"

	"github.com/kitamura-tetsuo/auto-coder/internal/selector"
)

// FixPrompt asks a backend to repair a PR whose checks are failing. The
// branch is already checked out and synced when the prompt runs.
func FixPrompt(c selector.Candidate, mainBranch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The checked-out branch belongs to pull request #%d: %s\n", c.Number, c.Title)
	fmt.Fprintf(&b, "Its CI checks are failing, or it cannot be merged into %s cleanly.\n\n", mainBranch)
	b.WriteString("Investigate the failures, fix the code, and make the test suite pass.\n")
	b.WriteString("Do not commit or push; leave the changes in the working tree.\n")
	if c.Body != "" {
		fmt.Fprintf(&b, "\nPull request description:\n%s\n", c.Body)
	}
	return b.String()
}

// ImplementPrompt asks a backend to implement an issue on the current
// branch.
func ImplementPrompt(c selector.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement GitHub issue #%d: %s\n\n", c.Number, c.Title)
	if c.Body != "" {
		fmt.Fprintf(&b, "Issue description:\n%s\n\n", c.Body)
	}
	b.WriteString("Write the implementation and tests on the current branch.\n")
	b.WriteString("Do not commit or push; leave the changes in the working tree.\n")
	return b.String()
}
