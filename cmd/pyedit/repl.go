package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/history"
	"github.com/caffeineduck/pyedit/output"
	"github.com/chzyer/readline"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
)

const (
	mainPrompt = ">>> "
	contPrompt = "... "
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive console with persistent state",
	Long: `Start an interactive Python console backed by one interpreter.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end a line with \, or open a block with :)

Console commands:
  :install NAME...  install packages from PyPI
  :state            show the environment state
  :history [N]      list the last N runs of this console
  :help             show this list

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "Line history file (default: ~/.pyedit_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".pyedit_history")
	}

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	store, err := e.openHistory()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            mainPrompt,
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	ctx := cmd.Context()
	c := e.coordinator(output.NewWriter(rl.Stdout()))
	defer c.Close()

	fmt.Fprintln(rl.Stderr(), "loading Python...")
	c.Initialize(ctx)
	if err := waitLoaded(ctx, c); err != nil {
		return err
	}
	fmt.Fprintln(rl.Stderr(), "pyedit console (type 'exit' to quit, :help for commands)")

	con := newConsole(c, rl.Stdout(), store)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				con.reset()
				rl.SetPrompt(mainPrompt)
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(rl.Stdout())
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		prompt, quit := con.feed(ctx, line)
		if quit {
			return nil
		}
		rl.SetPrompt(prompt)
	}
}

// console turns input lines into runs and console commands.
type console struct {
	c        *coordinator.Coordinator
	out      io.Writer
	store    *history.Store
	session  string
	buf      strings.Builder
	compound bool
}

func newConsole(c *coordinator.Coordinator, out io.Writer, store *history.Store) *console {
	return &console{
		c:       c,
		out:     out,
		store:   store,
		session: "repl-" + xid.New().String(),
	}
}

func (s *console) reset() {
	s.buf.Reset()
	s.compound = false
}

// feed consumes one line and returns the next prompt. quit is true when the
// user asked to leave.
func (s *console) feed(ctx context.Context, line string) (prompt string, quit bool) {
	switch {
	case strings.HasSuffix(line, `\`):
		s.buf.WriteString(strings.TrimSuffix(line, `\`))
		s.buf.WriteString("\n")
		return contPrompt, false
	case s.compound && strings.TrimSpace(line) != "":
		s.buf.WriteString(line)
		s.buf.WriteString("\n")
		return contPrompt, false
	case !s.compound && strings.HasSuffix(strings.TrimRight(line, " \t"), ":"):
		s.compound = true
		s.buf.WriteString(line)
		s.buf.WriteString("\n")
		return contPrompt, false
	}

	if !s.compound {
		s.buf.WriteString(line)
	}
	src := s.buf.String()
	s.reset()
	return mainPrompt, s.dispatch(ctx, src)
}

func (s *console) dispatch(ctx context.Context, src string) bool {
	trimmed := strings.TrimSpace(src)
	switch {
	case trimmed == "":
		return false
	case trimmed == "exit" || trimmed == "quit":
		return true
	case strings.HasPrefix(trimmed, ":"):
		s.command(ctx, strings.Fields(trimmed))
		return false
	}

	if !strings.Contains(trimmed, "\n") {
		src = trimmed
	}
	res := s.c.Run(ctx, src)
	if s.store != nil && !res.Rejected() {
		if err := s.store.Save(ctx, history.FromResult(s.session, src, res)); err != nil {
			fmt.Fprintf(s.out, "history: %v\n", err)
		}
	}
	return false
}

func (s *console) command(ctx context.Context, fields []string) {
	switch fields[0] {
	case ":help":
		fmt.Fprintln(s.out, ":install NAME...  install packages from PyPI")
		fmt.Fprintln(s.out, ":state            show the environment state")
		fmt.Fprintln(s.out, ":history [N]      list recent runs")
	case ":state":
		fmt.Fprintf(s.out, "state: %s\n", s.c.State())
	case ":install":
		if len(fields) < 2 {
			fmt.Fprintln(s.out, "usage: :install NAME...")
			return
		}
		for _, name := range fields[1:] {
			// Outcome is reported as an event.
			_ = s.c.LoadModule(ctx, name)
		}
	case ":history":
		s.history(ctx, fields[1:])
	default:
		fmt.Fprintf(s.out, "unknown command %s (try :help)\n", fields[0])
	}
}

func (s *console) history(ctx context.Context, args []string) {
	if s.store == nil {
		fmt.Fprintln(s.out, "history is disabled")
		return
	}
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(s.out, "invalid count %q\n", args[0])
			return
		}
		limit = n
	}

	runs, err := s.store.List(ctx, history.Filter{SessionID: s.session, Limit: limit})
	if err != nil {
		fmt.Fprintf(s.out, "history: %v\n", err)
		return
	}
	if len(runs) == 0 {
		fmt.Fprintln(s.out, "no runs yet")
		return
	}
	for i := len(runs) - 1; i >= 0; i-- {
		run := runs[i]
		first, _, _ := strings.Cut(run.Source, "\n")
		fmt.Fprintf(s.out, "%s  %-8s %s\n", run.ID, run.Outcome, first)
	}
}
