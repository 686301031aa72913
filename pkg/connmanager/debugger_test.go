package connmanager

import (
	"runtime"
	"testing"
)

// TestDebuggerAttachedReportsFalseForOrdinaryTestProcess exercises the real
// detector rather than a fake: a `go test` process run without a tracer
// (the normal CI/developer-laptop case) must report false, regardless of
// platform.
func TestDebuggerAttachedReportsFalseForOrdinaryTestProcess(t *testing.T) {
	if debuggerAttached() {
		t.Skip("a debugger or tracer is actually attached to this test process")
	}
}

func TestDebuggerAttachedIsFalseOffLinux(t *testing.T) {
	if runtime.GOOS == "linux" {
		t.Skip("only meaningful off Linux, where the detector always returns false")
	}
	if debuggerAttached() {
		t.Fatal("debuggerAttached() = true on a non-Linux platform, want false")
	}
}
