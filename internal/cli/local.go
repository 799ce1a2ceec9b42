package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
	"github.com/shaiso/genflow/internal/orchestrator"
	"github.com/shaiso/genflow/internal/repo"
	"github.com/shaiso/genflow/internal/steps"
)

// Env — окружение локальных команд.
type Env struct {
	// Output — форматирование вывода.
	Output func() *Output

	// Logger — логгер для orchestrator (в stderr).
	Logger func() *slog.Logger

	// LLM — клиент llm_service. nil — узлы llm_service завершаются ошибкой конфигурации.
	LLM func() steps.ChatCompleter
}

// OpenAIFromEnv создаёт клиент OpenAI из OPENAI_API_KEY (и OPENAI_BASE_URL).
// Без ключа возвращает nil.
func OpenAIFromEnv() steps.ChatCompleter {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil
	}

	cfg := openai.DefaultConfig(key)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// registry собирает реестр шагов для локального запуска.
func (e Env) registry() *steps.Registry {
	var llm steps.ChatCompleter
	if e.LLM != nil {
		llm = e.LLM()
	}
	return steps.DefaultRegistry(steps.BuiltinFunctions(), llm)
}

// NewLocalCmds создаёт команды, работающие с файлами без сервера.
func NewLocalCmds(env Env) []*cobra.Command {
	return []*cobra.Command{
		newComposeCmd(env),
		newValidateCmd(env),
		newGraphCmd(env),
		newLocalRunCmd(env),
		newHistoryCmd(env),
	}
}

func newComposeCmd(env Env) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "compose FILE",
		Short: "Inline sub-flows and print the flat flow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := env.Output()

			set, err := LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			flow, err := set.Compose()
			if err != nil {
				return err
			}

			if out.JSONMode() && outFile == "" {
				out.JSON(flow.Doc())
				return nil
			}

			data, err := domain.EncodeDoc(flow.Doc())
			if err != nil {
				return err
			}
			if outFile != "" {
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("write composed flow: %w", err)
				}
				out.Success(fmt.Sprintf("Composed flow written to %s (%d nodes)", outFile, len(flow.Nodes)))
				return nil
			}
			out.Raw(data)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "output", "o", "", "Write the composed document to a file")

	return cmd
}

func newValidateCmd(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a flow document: composition, node kinds, references and cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := env.Output()

			set, err := LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			flow, err := set.Compose()
			if err != nil {
				return err
			}
			graph, err := engine.CheckFlow(flow, env.registry())
			if err != nil {
				return err
			}
			free, err := engine.FreeInputs(flow)
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(map[string]any{
					"name":      flow.Name,
					"nodes":     graph.Size(),
					"sub_flows": len(set.Subs),
					"inputs":    free,
				})
				return nil
			}

			msg := fmt.Sprintf("%s: OK (%d nodes, %d sub-flows)", args[0], graph.Size(), len(set.Subs))
			if len(free) > 0 {
				msg += ", inputs: " + strings.Join(free, ", ")
			}
			out.Success(msg)
			return nil
		},
	}
}

func newGraphCmd(env Env) *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "graph FILE",
		Short: "Print execution layers of a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := env.Output()

			set, err := LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			flow, err := set.Compose()
			if err != nil {
				return err
			}
			graph, err := engine.CheckFlow(flow, nil)
			if err != nil {
				return err
			}

			if dot {
				out.Raw([]byte(graphDOT(flow.Name, graph)))
				return nil
			}

			rows := make([][]string, 0, graph.Size())
			for layer, nodes := range graph.Layers {
				for _, n := range nodes {
					deps := make([]string, len(n.DependsOn))
					for i, d := range n.DependsOn {
						deps[i] = d.Name
					}
					rows = append(rows, []string{strconv.Itoa(layer), n.Name, n.Def.Kind, strings.Join(deps, ",")})
				}
			}

			out.Print([]string{"LAYER", "NODE", "KIND", "DEPENDS_ON"}, rows, map[string]any{
				"order":  graph.OrderNames(),
				"layers": graph.LayerNames(),
			})
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "Print the graph in Graphviz DOT format")

	return cmd
}

// graphDOT рендерит граф в формате DOT.
func graphDOT(name string, graph *engine.Graph) string {
	var b strings.Builder
	if name == "" {
		name = "flow"
	}
	fmt.Fprintf(&b, "digraph %q {\n\trankdir=LR;\n", name)
	for _, n := range graph.Order {
		fmt.Fprintf(&b, "\t%q [label=%q];\n", n.Name, n.Name+"\\n"+n.Def.Kind)
	}
	for _, n := range graph.Order {
		for _, d := range n.Dependents {
			fmt.Fprintf(&b, "\t%q -> %q;\n", n.Name, d.Name)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func newLocalRunCmd(env Env) *cobra.Command {
	var (
		inputs          inputFlags
		dbPath          string
		concurrency     int
		continueOnError bool
		timeout         time.Duration
		showOutputs     bool
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Compose and execute a flow document locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := env.Output()
			ctx := cmd.Context()

			values, err := inputs.values()
			if err != nil {
				return err
			}

			set, err := LoadFile(ctx, args[0])
			if err != nil {
				return err
			}
			flow, err := set.Compose()
			if err != nil {
				return err
			}

			cfg := orchestrator.Config{
				Registry:        env.registry(),
				Logger:          env.Logger(),
				Concurrency:     concurrency,
				ContinueOnError: continueOnError,
				DefaultTimeout:  timeout,
			}
			if dbPath != "" {
				store, err := repo.OpenSQLite(ctx, dbPath)
				if err != nil {
					return err
				}
				defer store.Close()
				cfg.Recorder = store
			}

			result, runErr := orchestrator.New(cfg).Run(ctx, flow, values)

			if out.JSONMode() {
				out.JSON(localRunJSON(result))
				return runErr
			}

			out.Table(localNodeHeaders, localNodeRows(result.Order, result.Nodes))
			if showOutputs {
				data, err := yaml.Marshal(result.Outputs)
				if err != nil {
					return err
				}
				out.Raw([]byte("\n"))
				out.Raw(data)
			}
			out.Success(fmt.Sprintf("Run %s %s", result.RunID(), result.Status))
			return runErr
		},
	}

	inputs.register(cmd)
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite file to record the run in")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum concurrently running nodes (default 8)")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "Skip only dependents of failed nodes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Default per-attempt node timeout")
	cmd.Flags().BoolVar(&showOutputs, "outputs", false, "Print node outputs after the run")

	return cmd
}

func newHistoryCmd(env Env) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "history RUN_ID",
		Short: "Show a run recorded by \"genflow run --db\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := env.Output()
			ctx := cmd.Context()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}

			store, err := repo.OpenSQLite(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(ctx, id)
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("run %s not found in %s", id, dbPath)
			}
			if err != nil {
				return err
			}
			results, err := store.ListNodeResults(ctx, id)
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(map[string]any{"run": run, "nodes": results})
				return nil
			}

			out.Table(
				[]string{"ID", "FLOW", "STATUS", "DURATION", "ERROR"},
				[][]string{{run.ID.String(), run.FlowName, string(run.Status), run.Duration().String(), run.Error}},
			)
			out.Raw([]byte("\n"))

			order := make([]string, len(results))
			nodes := make(map[string]domain.NodeResult, len(results))
			for i, r := range results {
				order[i] = r.Node
				nodes[r.Node] = r
			}
			out.Table(localNodeHeaders, localNodeRows(order, nodes))
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "genflow.db", "SQLite file with recorded runs")

	return cmd
}

var localNodeHeaders = []string{"NODE", "KIND", "STATUS", "ATTEMPTS", "DURATION", "ERROR"}

func localNodeRows(order []string, nodes map[string]domain.NodeResult) [][]string {
	rows := make([][]string, 0, len(order))
	for _, name := range order {
		n := nodes[name]
		rows = append(rows, []string{
			name, n.Kind, string(n.Status), strconv.Itoa(n.Attempts),
			n.Duration().Round(time.Millisecond).String(), n.Error,
		})
	}
	return rows
}

// localRunJSON — представление результата run для --json.
func localRunJSON(result *orchestrator.Result) map[string]any {
	v := map[string]any{
		"run_id":  result.RunID(),
		"status":  result.Status,
		"order":   result.Order,
		"nodes":   result.Nodes,
		"outputs": result.Outputs,
	}
	if result.Err != nil {
		v["error"] = result.Err.Error()
	}
	return v
}

// discardLogger — логгер, который ничего не пишет.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
