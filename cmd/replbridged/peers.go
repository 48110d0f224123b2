package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replbridge/internal/config"
)

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect and exercise configured LAN peer agents",
	}
	cmd.AddCommand(peersListCmd(), peersPingCmd())
	return cmd
}

func peersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured peer agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.AgentComms.Enabled || len(cfg.AgentComms.Peers) == 0 {
				fmt.Println("(no peers configured)")
				return nil
			}
			for _, p := range cfg.AgentComms.Peers {
				fmt.Printf("%-16s %s:%d\n", p.Name, p.Host, p.Port)
			}
			return nil
		},
	}
}

func peersPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping <name>",
		Short: "Send a status ping to a configured peer via the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := daemonBaseURL()
			if err != nil {
				return err
			}

			body, err := json.Marshal(map[string]string{
				"peer": args[0],
				"type": "status",
				"text": "ping",
			})
			if err != nil {
				return fmt.Errorf("marshal ping request: %w", err)
			}

			resp, err := http.Post(base+"/agent/send", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("POST /agent/send: %w (is the daemon running?)", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("ping %s: daemon returned %s", args[0], resp.Status)
			}

			fmt.Printf("pinged %s\n", args[0])
			return nil
		},
	}
}
