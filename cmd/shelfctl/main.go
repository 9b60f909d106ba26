// shelfctl is the operator CLI for a shelfsync deployment. It talks to the
// HTTP API; it never touches the database directly.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiURL        string
	operatorToken string
)

func main() {
	root := &cobra.Command{
		Use:           "shelfctl",
		Short:         "Manage shelfsync clients and trigger syncs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				apiURL = os.Getenv("SHELFSYNC_API_URL")
			}
			if apiURL == "" {
				apiURL = "http://localhost:8080"
			}
			if operatorToken == "" {
				operatorToken = os.Getenv("SHELFSYNC_OPERATOR_TOKEN")
			}
			if operatorToken == "" {
				return fmt.Errorf("operator token required (--token or SHELFSYNC_OPERATOR_TOKEN)")
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&apiURL, "api-url", "", "API base URL (default $SHELFSYNC_API_URL or http://localhost:8080)")
	root.PersistentFlags().StringVar(&operatorToken, "token", "", "operator bearer token (default $SHELFSYNC_OPERATOR_TOKEN)")

	root.AddCommand(
		newClientsCmd(),
		newSyncCmd(),
		newResyncCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
