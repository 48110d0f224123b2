package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replbridge/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

// daemonBaseURL loads cfgFile just far enough to know which local address
// to reach the running daemon on.
func daemonBaseURL() (string, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	host := cfg.Daemon.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Daemon.Port), nil
}

func runStatus() error {
	base, err := daemonBaseURL()
	if err != nil {
		return err
	}

	resp, err := http.Get(base + "/status")
	if err != nil {
		return fmt.Errorf("GET /status: %w (is the daemon running?)", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	pretty, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("format status response: %w", err)
	}
	fmt.Println(string(pretty))
	return nil
}
