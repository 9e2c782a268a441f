// Package python provides the Python language adapter for pyedit.
package python

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"
)

//go:embed driver.py
var driver string

// ErrNoModule is returned when no interpreter binary path was configured.
var ErrNoModule = errors.New("python: no wasm module configured")

// Python implements interp.Language for a WASI build of the Python
// interpreter loaded from disk.
type Python struct {
	path string

	once sync.Once
	bin  []byte
	err  error
}

// New returns a Python adapter that reads the interpreter from wasmPath on
// first use.
func New(wasmPath string) *Python {
	return &Python{path: wasmPath}
}

// FromBytes returns an adapter backed by an in-memory interpreter binary.
func FromBytes(bin []byte) *Python {
	p := &Python{bin: bin}
	p.once.Do(func() {})
	return p
}

func (p *Python) Name() string {
	return "python"
}

// Module returns the interpreter binary, reading it once.
func (p *Python) Module() ([]byte, error) {
	p.once.Do(func() {
		if p.path == "" {
			p.err = ErrNoModule
			return
		}
		p.bin, p.err = os.ReadFile(p.path)
		if p.err != nil {
			p.err = fmt.Errorf("python: read module: %w", p.err)
		}
	})
	return p.bin, p.err
}

// Driver returns the guest command loop.
func (p *Python) Driver() string {
	return driver
}

func (p *Python) Args(driver string) []string {
	return []string{"python", "-c", driver}
}
