package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewRunsCmd создаёт группу команд для runs на сервере.
func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage runs executed by workers",
	}

	cmd.AddCommand(
		newRunsListCmd(clientFn, outputFn),
		newRunsStartCmd(clientFn, outputFn),
		newRunsShowCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"ID", "FLOW", "VERSION", "STATUS", "ERROR", "CREATED"}

func runRow(r *RunResponse) []string {
	return []string{r.ID, r.FlowName, strconv.Itoa(r.Version), r.Status, r.Error, r.CreatedAt}
}

func newRunsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListRunsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}

			rows := make([][]string, len(runs))
			for i := range runs {
				rows[i] = runRow(&runs[i])
			}

			outputFn().Print(runHeaders, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.FlowName, "flow", "", "Filter by flow name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (PENDING, RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newRunsStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int
	var inputs inputFlags

	cmd := &cobra.Command{
		Use:   "start FLOW",
		Short: "Request a run of a stored flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			req := CreateRunRequest{}
			if cmd.Flags().Changed("version") {
				req.Version = &version
			}

			values, err := inputs.values()
			if err != nil {
				return err
			}
			req.Inputs = values

			run, err := clientFn().CreateRun(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run requested: %s", run.ID))
			out.Print(runHeaders, [][]string{runRow(run)}, run)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Flow version (latest if not specified)")
	inputs.register(cmd)

	return cmd
}

func newRunsShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a run with node results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			run, err := clientFn().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(run)
				return nil
			}

			out.Table(runHeaders, [][]string{runRow(run)})
			if len(run.Nodes) > 0 {
				out.Raw([]byte("\n"))
				rows := make([][]string, len(run.Nodes))
				for i, n := range run.Nodes {
					rows[i] = []string{n.Node, n.Kind, n.Status, strconv.Itoa(n.Attempts), n.ErrorKind, n.Error}
				}
				out.Table(nodeHeaders, rows)
			}
			return nil
		},
	}
}

var nodeHeaders = []string{"NODE", "KIND", "STATUS", "ATTEMPTS", "ERROR_KIND", "ERROR"}

// inputFlags — флаги run inputs: --input KEY=VALUE и --inputs FILE.
type inputFlags struct {
	pairs []string
	file  string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.pairs, "input", nil, "Input value as KEY=VALUE, VALUE is parsed as YAML (repeatable)")
	cmd.Flags().StringVar(&f.file, "inputs", "", "YAML or JSON file with run inputs")
}

// values собирает inputs: сначала файл, затем --input поверх.
func (f *inputFlags) values() (map[string]any, error) {
	var values map[string]any

	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %w", err)
		}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parse inputs file: %w", err)
		}
	}

	for _, kv := range f.pairs {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}
		if values == nil {
			values = make(map[string]any)
		}
		values[key] = parseInputValue(raw)
	}

	return values, nil
}

// parseInputValue разбирает значение как YAML-скаляр или коллекцию.
// Значение, которое не является корректным YAML, остаётся строкой.
func parseInputValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}
