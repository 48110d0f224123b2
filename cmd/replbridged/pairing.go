package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage sender pairing requests on the running daemon",
	}
	cmd.AddCommand(pairingListCmd(), pairingApproveCmd(), pairingDenyCmd())
	return cmd
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List senders awaiting pairing approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := daemonBaseURL()
			if err != nil {
				return err
			}

			resp, err := http.Get(base + "/pairing/list")
			if err != nil {
				return fmt.Errorf("GET /pairing/list: %w (is the daemon running?)", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("pairing list: daemon returned %s", resp.Status)
			}

			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode pairing list response: %w", err)
			}
			pretty, _ := json.MarshalIndent(body, "", "  ")
			fmt.Println(string(pretty))
			return nil
		},
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := daemonBaseURL()
			if err != nil {
				return err
			}

			approvedBy := os.Getenv("USER")
			if approvedBy == "" {
				approvedBy = "cli"
			}
			body, err := json.Marshal(map[string]string{"code": args[0], "approved_by": approvedBy})
			if err != nil {
				return fmt.Errorf("marshal approve request: %w", err)
			}

			resp, err := http.Post(base+"/pairing/approve", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("POST /pairing/approve: %w (is the daemon running?)", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("pairing approve: daemon returned %s", resp.Status)
			}

			fmt.Printf("approved %s\n", args[0])
			return nil
		},
	}
}

func pairingDenyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <code>",
		Short: "Deny a pending pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := daemonBaseURL()
			if err != nil {
				return err
			}

			deniedBy := os.Getenv("USER")
			if deniedBy == "" {
				deniedBy = "cli"
			}
			body, err := json.Marshal(map[string]string{"code": args[0], "denied_by": deniedBy})
			if err != nil {
				return fmt.Errorf("marshal deny request: %w", err)
			}

			resp, err := http.Post(base+"/pairing/deny", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("POST /pairing/deny: %w (is the daemon running?)", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("pairing deny: daemon returned %s", resp.Status)
			}

			fmt.Printf("denied %s\n", args[0])
			return nil
		},
	}
}
