package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/spf13/cobra"
)

const defaultBedrockRegion = "us-east-1"

func newModelsCmd(c *cli) *cobra.Command {
	var (
		region    string
		providers bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List Bedrock foundation models, or the registered providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if providers {
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tDEFAULT MODEL")
				for _, name := range provider.Factories() {
					fmt.Fprintf(w, "%s\t%s\n", name, provider.DefaultModel(name))
				}
				return w.Flush()
			}

			if region == "" {
				region = c.cfg.Provider.Region
			}
			if region == "" {
				region = defaultBedrockRegion
			}
			models, err := provider.ListBedrockModels(cmd.Context(), region)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tNAME\tSTREAMING\tLIFECYCLE")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", m.ID, m.Provider, m.Name, m.Streaming, m.Lifecycle)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&region, "region", "", "AWS region (default: provider.region or us-east-1)")
	cmd.Flags().BoolVar(&providers, "providers", false, "list registered providers and their default models instead")
	cmd.Flags().BoolVar(&asJSON, "json", false, "render JSON output")
	return cmd
}
