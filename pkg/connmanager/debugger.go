package connmanager

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
)

// debuggerAttached reports whether a tracer (a debugger such as delve or
// gdb, or strace) is attached to the current process. It is a best-effort
// check: on Linux it reads the TracerPid field from /proc/self/status; on
// every other platform it always reports false, since there is no portable
// equivalent and this library targets server deployments, not developer
// workstations, on those platforms.
func debuggerAttached() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	const key = "TracerPid:"
	idx := bytes.Index(data, []byte(key))
	if idx == -1 {
		return false
	}
	rest := data[idx+len(key):]
	if end := bytes.IndexByte(rest, '\n'); end != -1 {
		rest = rest[:end]
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
	if err != nil {
		return false
	}
	return pid != 0
}
