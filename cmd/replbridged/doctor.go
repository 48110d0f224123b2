package main

import (
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/replbridge/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("replbridged doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Printf("  Agent:    %s\n", cfg.Agent.Name)
	fmt.Printf("  Daemon:   %s:%d (tmux session %q)\n", cfg.Daemon.Host, cfg.Daemon.Port, cfg.Daemon.TmuxSession)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Chat.Telegram.Enabled, cfg.Channels.Chat.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Chat.Discord.Enabled, cfg.Channels.Chat.Discord.Token != "")
	checkChannel("WhatsApp", cfg.Channels.Chat.WhatsApp.Enabled, cfg.Channels.Chat.WhatsApp.SendURL != "")
	for _, p := range cfg.Channels.Email.Providers {
		checkChannel("Email/"+p.Name, true, p.SMTPHost != "" && p.Password != "")
	}

	fmt.Println()
	fmt.Println("  Optional subsystems:")
	checkEnabled("Scheduler", len(cfg.Scheduler.Tasks) > 0)
	checkEnabled("Agent comms (LAN peers)", cfg.AgentComms.Enabled)
	checkEnabled("Network relay", cfg.Network.Enabled)
	checkEnabled("Tailscale listener", cfg.Tailscale.Enabled)
	checkEnabled("Telemetry (OTLP traces)", cfg.Telemetry.Enabled)
	for _, sc := range cfg.Sidecars {
		fmt.Printf("    %-24s %s\n", "Sidecar/"+sc.Name+":", sc.Command)
	}

	if cfg.Database.Enabled && cfg.Database.PostgresDSN != "" {
		fmt.Println()
		fmt.Println("  Postgres audit mirror:")
		db, dbErr := sql.Open("pgx", cfg.Database.PostgresDSN)
		if dbErr == nil {
			dbErr = db.Ping()
		}
		if dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else {
			defer db.Close()
			fmt.Printf("    %-12s reachable\n", "Status:")
		}
	}

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("tmux")
	checkBinary("git")

	fmt.Println()
	stateDir := config.ExpandHome(cfg.Daemon.StateDir)
	fmt.Printf("  State dir: %s", stateDir)
	if _, err := os.Stat(stateDir); err != nil {
		fmt.Println(" (NOT FOUND — created on `serve`)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkEnabled(name string, enabled bool) {
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	fmt.Printf("    %-24s %s\n", name+":", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
