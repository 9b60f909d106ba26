package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newClientsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Manage registered clients",
	}
	cmd.AddCommand(newClientsCreateCmd(), newClientsListCmd(), newClientsGetCmd(),
		newClientsRotateKeyCmd(), newClientsDeleteCmd())
	return cmd
}

func newClientsCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a client from a JSON definition",
		Long: `Register a client. The definition file carries name, sync interval, and
source configs, matching the POST /api/v1/clients request body. The API key
is printed once; it is not recoverable afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			var created struct {
				Client struct {
					ExternalID string `json:"external_id"`
					Name       string `json:"name"`
				} `json:"client"`
				APIKey string `json:"api_key"`
			}
			if err := doJSON(http.MethodPost, "/api/v1/clients", body, &created); err != nil {
				return err
			}

			fmt.Printf("Created client %s (%s)\n", created.Client.Name, created.Client.ExternalID)
			fmt.Printf("API key (shown once): %s\n", created.APIKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to client definition JSON")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newClientsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Clients []struct {
					ExternalID   string  `json:"external_id"`
					Name         string  `json:"name"`
					ItemCount    int     `json:"item_count"`
					LastSyncedAt *string `json:"last_synced_at"`
				} `json:"clients"`
			}
			if err := doJSON(http.MethodGet, "/api/v1/clients", nil, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tITEMS\tLAST SYNCED")
			for _, c := range resp.Clients {
				last := "never"
				if c.LastSyncedAt != nil {
					last = *c.LastSyncedAt
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ExternalID, c.Name, c.ItemCount, last)
			}
			return w.Flush()
		},
	}
}

func newClientsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <client-id>",
		Short: "Show one client with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if err := doJSON(http.MethodGet, "/api/v1/clients/"+args[0], nil, &raw); err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, raw, "", "  "); err != nil {
				return err
			}
			fmt.Println(out.String())
			return nil
		},
	}
}

func newClientsRotateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <client-id>",
		Short: "Issue a fresh API key, invalidating the old one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				APIKey string `json:"api_key"`
			}
			if err := doJSON(http.MethodPost, "/api/v1/clients/"+args[0]+"/rotate-key", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("New API key (shown once): %s\n", resp.APIKey)
			return nil
		},
	}
}

func newClientsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <client-id>",
		Short: "Delete a client and its cached items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := doJSON(http.MethodDelete, "/api/v1/clients/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("Deleted", args[0])
			return nil
		},
	}
}

// doJSON runs one authenticated API call and decodes the JSON response into
// out (nil out discards the body). API error payloads become Go errors.
func doJSON(method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, apiURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
