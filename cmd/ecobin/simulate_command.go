package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"ecobin/internal/logging"
	"ecobin/internal/simulate"
)

func newSimulateCommand(ctx *commandContext) *cobra.Command {
	var (
		asJSON  bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:         "simulate <scenario.yaml>...",
		Short:       "Replay scripted detections and card taps through the session loops",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		Args:        cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewNop()
			if verbose {
				var err error
				if logger, err = ctx.cliLogger(nil); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			failed := 0
			results := make([]*simulate.Result, 0, len(args))
			for _, path := range args {
				sc, err := simulate.Load(path)
				if err != nil {
					return err
				}
				result, err := simulate.Run(cmd.Context(), sc, simulate.Options{Logger: logger})
				if err != nil {
					return fmt.Errorf("run %s: %w", path, err)
				}
				if !result.Passed() {
					failed++
				}
				results = append(results, result)
				if !asJSON {
					printSimulation(out, result, shouldColorize(out))
				}
			}
			if asJSON {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scenarios failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print full results as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log loop activity to stderr")
	return cmd
}

func printSimulation(out io.Writer, result *simulate.Result, colorize bool) {
	for _, line := range renderSectionHeader(result.Scenario, colorize) {
		fmt.Fprintln(out, line)
	}
	rows := make([][]string, 0, len(result.Trace))
	for _, entry := range result.Trace {
		rows = append(rows, []string{strconv.FormatInt(entry.AtMillis, 10), string(entry.Type), truncate(string(entry.Payload), 72)})
	}
	if len(rows) > 0 {
		fmt.Fprint(out, renderTable([]string{"ms", "Event", "Payload"}, rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft}, colorize))
	}
	for _, line := range result.Errors {
		fmt.Fprintln(out, renderStatusLine("Error", statusWarn, line, colorize))
	}
	if result.Passed() {
		fmt.Fprintln(out, renderStatusLine("Result", statusOK, "passed", colorize))
	} else {
		for _, failure := range result.Failures {
			fmt.Fprintln(out, renderStatusLine("Failure", statusError, failure, colorize))
		}
	}
	fmt.Fprintln(out)
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
