package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shaiso/genflow/internal/telemetry"
)

// NewRootCmd создаёт корневую команду genflow.
func NewRootCmd(version string) *cobra.Command {
	var (
		apiURL     string
		jsonOutput bool
		quiet      bool
	)

	rootCmd := &cobra.Command{
		Use:           "genflow",
		Short:         "genflow — declarative node-graph workflow engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Do not log run progress")

	clientFn := func() *Client { return NewClient(apiURL) }
	outputFn := func() *Output {
		return NewOutput(rootCmd.OutOrStdout(), rootCmd.ErrOrStderr(), jsonOutput)
	}
	env := Env{
		Output: outputFn,
		Logger: func() *slog.Logger {
			if quiet {
				return discardLogger()
			}
			// Логи в stderr, чтобы не смешивать их с выводом команды
			return telemetry.NewLogger(rootCmd.ErrOrStderr(), telemetry.FormatText, telemetry.LogLevel())
		},
		LLM: OpenAIFromEnv,
	}

	rootCmd.AddCommand(NewLocalCmds(env)...)
	rootCmd.AddCommand(
		NewFlowCmd(clientFn, outputFn),
		NewRunsCmd(clientFn, outputFn),
	)

	return rootCmd
}
