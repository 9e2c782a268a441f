// Package pyedit is the execution backend of a browser Python editor.
//
// # Overview
//
// pyedit runs user source in a WebAssembly build of the Python interpreter
// hosted by wazero, captures what the interpreter writes to its standard
// streams, and reports every run as an ordered stream of console events.
//
// # Basic Usage
//
//	rt, _ := interp.NewRuntime(interp.WithDiskCache())
//	defer rt.Close()
//
//	log := output.NewLog(0)
//	c := coordinator.New(coordinator.FromInterp(interp.Loader{
//	    Runtime:  rt,
//	    Language: python.New("python.wasm"),
//	}), log)
//	c.Initialize(ctx)
//	<-c.Loaded()
//
//	res := c.Run(ctx, `print("hello")`)
//	for _, e := range res.Events {
//	    fmt.Println(e)
//	}
//
// # Adapters
//
// The same coordinator backs the HTTP API in [server], the MCP tools in
// [mcpserver] and the pyedit command's console.
//
// See the [coordinator], [capture], [interp], [output] and [hostfunc]
// packages for detailed API documentation.
package pyedit

// Version is the pyedit release, reported by the CLI and the MCP server.
const Version = "0.3.0"
