package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/history"
	"github.com/caffeineduck/pyedit/output"
	"github.com/spf13/cobra"
)

// cliSession is the history session id for one-shot runs.
const cliSession = "cli"

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run Python code once",
	Long: `Run Python code from a file, an inline string (-c), or stdin.

Output is printed as events: captured stdout or stderr, the value of a
trailing expression, or a traceback. System events carry a timestamp.

Examples:
  pyedit run script.py
  pyedit run -c 'print(1 + 1)'
  echo '2 ** 10' | pyedit run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().Bool("json", false, "Print events as JSON lines")
	cmd.Flags().Bool("record", false, "Save the run to history")
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("no code provided: use -c 'code', a file, or stdin")
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	record, _ := cmd.Flags().GetBool("record")

	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	var sink coordinator.Sink = output.NewWriter(out)
	if asJSON {
		sink = jsonSink(out)
	}

	c := e.coordinator(sink)
	defer c.Close()

	c.Initialize(ctx)
	if err := waitLoaded(ctx, c); err != nil {
		return err
	}

	res := c.Run(ctx, source)

	if record {
		if err := saveRun(cmd, e, cliSession, source, res); err != nil {
			e.logger.Warn("failed to record run", "error", err)
		}
	}

	if res.Error != nil {
		return errRunFailed
	}
	return nil
}

func jsonSink(w io.Writer) coordinator.Sink {
	enc := json.NewEncoder(w)
	return coordinator.SinkFunc(func(e coordinator.Event) {
		_ = enc.Encode(e)
	})
}

func saveRun(cmd *cobra.Command, e *env, sessionID, source string, res coordinator.Result) error {
	store, err := e.openHistory()
	if err != nil || store == nil {
		return err
	}
	defer store.Close()
	return store.Save(cmd.Context(), history.FromResult(sessionID, source, res))
}
