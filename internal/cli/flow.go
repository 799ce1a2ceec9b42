package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/genflow/internal/domain"
)

// NewFlowCmd создаёт группу команд для управления сохранёнными flows.
func NewFlowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Manage stored flows",
	}

	cmd.AddCommand(
		newFlowListCmd(clientFn, outputFn),
		newFlowSaveCmd(clientFn, outputFn),
		newFlowShowCmd(clientFn, outputFn),
		newFlowVersionsCmd(clientFn, outputFn),
		newFlowActiveCmd(clientFn, outputFn, "activate", true),
		newFlowActiveCmd(clientFn, outputFn, "deactivate", false),
		newFlowDeleteCmd(clientFn, outputFn),
	)

	return cmd
}

func flowRow(f *FlowResponse) []string {
	return []string{f.ID, f.Name, strconv.FormatBool(f.IsActive), f.CreatedAt}
}

func versionRow(v *FlowVersionResponse) []string {
	return []string{v.Name, strconv.Itoa(v.Version), strconv.Itoa(len(v.Doc.Nodes)), v.Doc.Schedule, v.CreatedAt}
}

var (
	flowHeaders    = []string{"ID", "NAME", "ACTIVE", "CREATED"}
	versionHeaders = []string{"NAME", "VERSION", "NODES", "SCHEDULE", "CREATED"}
)

func newFlowListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			flows, err := clientFn().ListFlows(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, len(flows))
			for i := range flows {
				rows[i] = flowRow(&flows[i])
			}

			outputFn().Print(flowHeaders, rows, flows)
			return nil
		},
	}
}

func newFlowSaveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var withSubFlows bool

	cmd := &cobra.Command{
		Use:   "save FILE",
		Short: "Save a flow document as a new version",
		Long: `Save a flow document as a new version.

The server composes the document with the stored versions of its sub-flows,
so sub-flows must be saved first. --with-subflows loads the sub-flow files
the same way "genflow compose" does and saves them before the document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var docs []*domain.FlowDoc
			if withSubFlows {
				set, err := LoadFile(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, alias := range set.SaveOrder() {
					// Сервер ищет под-flow по алиасу
					sub := *set.Subs[alias]
					sub.Name = alias
					docs = append(docs, &sub)
				}
				docs = append(docs, set.Base)
			} else {
				doc, err := readDoc(args[0])
				if err != nil {
					return err
				}
				docs = append(docs, doc)
			}

			saved := make([]FlowVersionResponse, 0, len(docs))
			for _, doc := range docs {
				version, err := client.SaveFlow(cmd.Context(), doc)
				if err != nil {
					return fmt.Errorf("save %s: %w", doc.Name, err)
				}
				out.Success(fmt.Sprintf("Flow %s saved as version %d", version.Name, version.Version))
				saved = append(saved, *version)
			}

			rows := make([][]string, len(saved))
			for i := range saved {
				rows[i] = versionRow(&saved[i])
			}
			out.Print(versionHeaders, rows, saved)
			return nil
		},
	}

	cmd.Flags().BoolVar(&withSubFlows, "with-subflows", false, "Save sub-flow files before the document")

	return cmd
}

func newFlowShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a flow document (latest version by default)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			fv, err := clientFn().GetFlowVersion(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}

			if out.JSONMode() {
				out.JSON(fv)
				return nil
			}

			data, err := domain.EncodeDoc(&fv.Doc)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("# %s version %d", fv.Name, fv.Version))
			out.Raw(data)
			return nil
		},
	}

	cmd.Flags().IntVar(&version, "version", 0, "Flow version (latest if not specified)")

	return cmd
}

func newFlowVersionsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "versions NAME",
		Short: "List flow versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			versions, err := clientFn().ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			rows := make([][]string, len(versions))
			for i := range versions {
				rows[i] = versionRow(&versions[i])
			}

			outputFn().Print(versionHeaders, rows, versions)
			return nil
		},
	}
}

// newFlowActiveCmd создаёт activate/deactivate. Неактивные flows не запускаются по расписанию.
func newFlowActiveCmd(clientFn func() *Client, outputFn func() *Output, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: fmt.Sprintf("Set is_active=%t for a flow", active),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()

			flow, err := clientFn().UpdateFlow(cmd.Context(), args[0], UpdateFlowRequest{IsActive: &active})
			if err != nil {
				return err
			}

			out.Success("Flow updated")
			out.Print(flowHeaders, [][]string{flowRow(flow)}, flow)
			return nil
		},
	}
}

func newFlowDeleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a flow with all its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientFn().DeleteFlow(cmd.Context(), args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Flow deleted: %s", args[0]))
			return nil
		},
	}
}
