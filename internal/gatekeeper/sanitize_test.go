package gatekeeper

import (
	"strings"
	"testing"
)

func TestSanitizeError_StripsUnixPaths(t *testing.T) {
	got := SanitizeError("open /usr/local/lib/python3.11/os.py failed")
	if strings.Contains(got, "/usr/local") {
		t.Errorf("path leaked: %q", got)
	}
	if !strings.Contains(got, "<path>") {
		t.Errorf("expected <path> placeholder, got %q", got)
	}
}

func TestSanitizeError_StripsWindowsPaths(t *testing.T) {
	got := SanitizeError(`cannot read C:\Users\svc\secrets.txt`)
	if strings.Contains(got, `C:\Users`) {
		t.Errorf("path leaked: %q", got)
	}
}

func TestSanitizeError_StripsGoFrames(t *testing.T) {
	got := SanitizeError("error at internal/skill/math.go:42: division by zero")
	if strings.Contains(got, "math.go:42") {
		t.Errorf("frame reference leaked: %q", got)
	}
	if !strings.Contains(got, "division by zero") {
		t.Errorf("signal lost: %q", got)
	}
}

func TestSanitizeError_KeepsFinalLineOfTraceback(t *testing.T) {
	traceback := "Traceback (most recent call last):\n" +
		"  File \"<string>\", line 3, in <module>\n" +
		"ZeroDivisionError: division by zero"
	got := SanitizeError(traceback)
	if strings.Contains(got, "Traceback") {
		t.Errorf("traceback header kept: %q", got)
	}
	if !strings.Contains(got, "ZeroDivisionError") {
		t.Errorf("final line lost: %q", got)
	}
}

func TestSanitizeError_CapsLength(t *testing.T) {
	got := SanitizeError(strings.Repeat("a", 4096))
	if len(got) > MaxSanitizedLength+3 {
		t.Errorf("length = %d, want <= %d", len(got), MaxSanitizedLength+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated message should end with ellipsis: %q", got[len(got)-10:])
	}
}

func TestSanitizeError_EmptyFallback(t *testing.T) {
	if got := SanitizeError("   \n  "); got != "capability failed" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestSanitizeError_PlainMessageUntouched(t *testing.T) {
	msg := "division by zero"
	if got := SanitizeError(msg); got != msg {
		t.Errorf("got %q, want %q", got, msg)
	}
}
