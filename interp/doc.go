// Package interp hosts a WebAssembly Python interpreter inside wazero and
// exposes it as a long-lived handle.
//
// # Overview
//
// A [Runtime] owns the wazero runtime and caches compiled interpreter
// modules. [Runtime.Start] instantiates one [Interpreter], whose globals
// persist across calls:
//
//	rt, err := interp.NewRuntime(interp.WithDiskCache())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	py, err := rt.Start(ctx, python.New("python.wasm"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer py.Close()
//
//	py.Evaluate(ctx, `x = 40`)
//	v, _ := py.Evaluate(ctx, `x + 2`) // "42"
//
// # Output
//
// Guest stdout and stderr are written to the sinks of [Interpreter.Streams].
// Callers that need the text of one evaluation bracket it with Begin and End.
//
// # Packages
//
// With [WithPackages] and [WithInstaller], [Interpreter.LoadModule] installs
// a pure-Python distribution into a directory mounted at /packages and makes
// it importable in the running interpreter.
//
// # Language Interface
//
// A [Language] supplies the interpreter binary and a guest driver speaking
// the command protocol. See [github.com/caffeineduck/pyedit/language/python].
package interp
