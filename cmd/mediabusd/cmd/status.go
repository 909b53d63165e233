package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd is a placeholder: a full deployment would query a running bus
// over its control plane (out of scope here — see SPEC_FULL.md §6). Kept as
// a stub so the CLI's command surface matches what an operator expects from
// `serve`/`detect`.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running bus's status (not implemented in this build)",
	RunE: func(_ *cobra.Command, _ []string) error {
		return fmt.Errorf("status: no control plane configured; run 'mediabusd serve' in the foreground and read its logs")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
