package gatekeeper

import (
	"regexp"
	"strings"
)

// MaxSanitizedLength bounds error text crossing the sandbox boundary.
const MaxSanitizedLength = 512

// Patterns for host details that must never reach guest code.
var (
	// Absolute Unix paths with at least two components ("/usr/lib/...").
	unixPathPattern = regexp.MustCompile(`(/[\w.~-]+){2,}/?`)
	// Windows drive paths ("C:\Users\...").
	windowsPathPattern = regexp.MustCompile(`[A-Za-z]:\\[^\s"']+`)
	// Go stack frame references ("pkg/file.go:123").
	frameRefPattern = regexp.MustCompile(`[\w./-]+\.go:\d+`)
)

// SanitizeError strips host topology from an error message: filesystem
// paths, stack frame identifiers, and all but the final line of multi-line
// tracebacks. The result is bounded in length but keeps enough signal for
// the model to retry or self-correct.
func SanitizeError(msg string) string {
	// Keep only the final non-empty line of a multi-line message.
	msg = strings.TrimSpace(msg)
	lines := strings.Split(msg, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			msg = line
			break
		}
	}

	msg = frameRefPattern.ReplaceAllString(msg, "<frame>")
	msg = unixPathPattern.ReplaceAllString(msg, "<path>")
	msg = windowsPathPattern.ReplaceAllString(msg, "<path>")

	if len(msg) > MaxSanitizedLength {
		msg = msg[:MaxSanitizedLength] + "..."
	}
	if msg == "" {
		msg = "capability failed"
	}
	return msg
}
