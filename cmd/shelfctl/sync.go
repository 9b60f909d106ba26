package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var sourceKind string
	var force bool
	cmd := &cobra.Command{
		Use:   "sync <client-id>",
		Short: "Run a sync pass, streaming progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if sourceKind != "" {
				q.Set("source", sourceKind)
			}
			if force {
				q.Set("force", "true")
			}
			path := "/api/v1/clients/" + args[0] + "/sync"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			return streamSync(path)
		},
	}
	cmd.Flags().StringVar(&sourceKind, "source", "", "restrict the pass to one source kind (folder|table)")
	cmd.Flags().BoolVar(&force, "force", false, "reprocess every item regardless of modification markers")
	return cmd
}

func newResyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync <client-id> <remote-id>",
		Short: "Reprocess a single item unconditionally",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamSync("/api/v1/clients/" + args[0] + "/items/" + args[1] + "/resync")
		},
	}
}

// streamSync posts to a streaming sync endpoint and prints each NDJSON
// progress line as it arrives
func streamSync(path string) error {
	req, err := http.NewRequest(http.MethodPost, apiURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+operatorToken)

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

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var failed bool
	for scanner.Scan() {
		line := scanner.Bytes()
		var envelope struct {
			Type  string          `json:"type"`
			Error string          `json:"error"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			fmt.Println(string(line))
			continue
		}

		switch envelope.Type {
		case "initial_list":
			var data struct {
				Items []struct {
					Name          string `json:"name"`
					Status        string `json:"status"`
					StatusMessage string `json:"status_message"`
				} `json:"items"`
			}
			json.Unmarshal(envelope.Data, &data)
			fmt.Printf("Listing complete: %d items\n", len(data.Items))
			for _, it := range data.Items {
				fmt.Printf("  %-10s %s (%s)\n", it.Status, it.Name, it.StatusMessage)
			}
		case "item_update":
			var data struct {
				RemoteID      string `json:"remote_id"`
				Status        string `json:"status"`
				StatusMessage string `json:"status_message"`
			}
			json.Unmarshal(envelope.Data, &data)
			fmt.Printf("  %-10s %s (%s)\n", data.Status, data.RemoteID, data.StatusMessage)
		case "result":
			if envelope.Error != "" {
				failed = true
				fmt.Println("Sync finished with errors:", envelope.Error)
			} else {
				fmt.Println("Sync complete")
			}
		default:
			fmt.Println(string(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if failed {
		return fmt.Errorf("sync reported errors")
	}
	return nil
}
