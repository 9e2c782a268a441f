// Package mcpserver exposes one editor session as MCP tools so a model can
// run Python the way a user at the editor would.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/caffeineduck/pyedit"
	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/output"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Instructions is published to clients on initialize.
const Instructions = `Tools for a persistent Python session.

python_run executes code; variables, functions and imports persist between calls.
The result lists console events in order: system lines are timestamped, output lines are not.
python_install makes a pure-Python package from PyPI importable.
python_state reports whether the interpreter has finished loading.
python_log returns console events after a sequence number.`

type handler struct {
	coord *coordinator.Coordinator
	log   *output.Log
}

// NewServer builds an MCP server around c. log must be the sink c emits to.
func NewServer(c *coordinator.Coordinator, log *output.Log) *mcp.Server {
	h := &handler{coord: c, log: log}

	s := mcp.NewServer(&mcp.Implementation{Name: "pyedit", Version: pyedit.Version}, &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	})

	mcp.AddTool(s, &mcp.Tool{
		Name: "python_run",
		Description: `Run Python source in the session and return its console events.

If the last statement is an expression and nothing was printed, its value is shown.
Only one run executes at a time; a call made while another is running is rejected, not queued.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "python_install",
		Description: "Install a pure-Python package from PyPI into the session (e.g. attrs, or attrs==23.2.0).",
	}, h.installHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "python_state",
		Description: "Report the session lifecycle state: uninitialized, loading, ready, failed or running.",
	}, h.stateHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "python_log",
		Description: "Return console events with a sequence number greater than after.",
	}, h.logHandler)

	return s
}

type runParams struct {
	Code string `json:"code" jsonschema:"Python source to execute."`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	res := h.coord.Run(ctx, params.Code)
	text := render(res.Events)
	if res.Error != nil {
		return errorResult(text)
	}
	return textResult(text)
}

type installParams struct {
	Name string `json:"name" jsonschema:"Package requirement, a name with an optional ==version."`
}

func (h *handler) installHandler(ctx context.Context, req *mcp.CallToolRequest, params installParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.Name) == "" {
		return errorResult("name is required")
	}
	before := h.log.Last()
	err := h.coord.LoadModule(ctx, params.Name)
	text := render(h.log.Since(before))
	if err != nil {
		return errorResult(text)
	}
	return textResult(text)
}

type stateParams struct{}

func (h *handler) stateHandler(ctx context.Context, req *mcp.CallToolRequest, _ stateParams) (*mcp.CallToolResult, any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", h.coord.State())
	fmt.Fprintf(&b, "ready: %t\n", h.coord.IsReady())
	if err := h.coord.LoadError(); err != nil {
		fmt.Fprintf(&b, "error: %s\n", coordinator.FormatError(err))
	}
	return textResult(b.String())
}

type logParams struct {
	After uint64 `json:"after,omitempty" jsonschema:"Only events with a greater sequence number are returned. Default 0."`
}

func (h *handler) logHandler(ctx context.Context, req *mcp.CallToolRequest, params logParams) (*mcp.CallToolResult, any, error) {
	events := h.log.Since(params.After)
	if len(events) == 0 {
		return textResult(fmt.Sprintf("no events after %d", params.After))
	}
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "%d %s\n", e.Seq, e)
	}
	return textResult(b.String())
}

func render(events []coordinator.Event) string {
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
