package interp

import (
	"os"
	"sync"
)

// WasmEnv names the environment variable that points tests and benchmarks
// at a Python WASM binary.
const WasmEnv = "PYEDIT_WASM"

var (
	testRuntime     *Runtime
	testRuntimeOnce sync.Once
	testRuntimeErr  error
)

// TestWasmPath returns the interpreter binary configured for tests, or ""
// when none is available.
func TestWasmPath() string {
	path := os.Getenv(WasmEnv)
	if path == "" {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// GetTestRuntime returns a Runtime shared across tests so the interpreter
// is compiled once per test binary.
func GetTestRuntime() (*Runtime, error) {
	testRuntimeOnce.Do(func() {
		testRuntime, testRuntimeErr = NewRuntime(WithDiskCache())
	})
	return testRuntime, testRuntimeErr
}

// CloseTestRuntime closes the shared test runtime.
func CloseTestRuntime() {
	if testRuntime != nil {
		testRuntime.Close()
		testRuntime = nil
		testRuntimeOnce = sync.Once{}
	}
}
