package interp

// Language describes a WASM-compiled interpreter and the guest-side driver
// that speaks the pyedit protocol.
type Language interface {
	// Name identifies the language and keys the compiled-module cache.
	Name() string

	// Module returns the WASM binary of the interpreter.
	Module() ([]byte, error)

	// Driver returns the guest program that runs the command loop.
	Driver() string

	// Args returns the command line that starts the driver inside the module.
	Args(driver string) []string
}
