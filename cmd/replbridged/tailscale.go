package main

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/replbridge/internal/config"
)

// startTailscale joins the configured tailnet and serves mux over it
// alongside the daemon's plain-loopback listener, so LAN Peer Comms and
// hook deliveries keep working across NAT without port-forwarding (spec's
// "operators who have Tailscale available" path; the plain listener
// remains primary). A failure to join is logged, not fatal — the daemon
// still works locally and for any operator who skipped tsnet entirely.
func startTailscale(ctx context.Context, cfg config.TailscaleConfig, mux *http.ServeMux) func() {
	srv := &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       config.ExpandHome(cfg.StateDir),
		AuthKey:   cfg.AuthKey,
		Ephemeral: cfg.Ephemeral,
	}
	if srv.Hostname == "" {
		srv.Hostname = "replbridge"
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tailscale.listen_failed", "error", err)
		srv.Close()
		return func() {}
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tailscale.serve_failed", "error", err)
		}
	}()
	slog.Info("tailscale.listening", "hostname", srv.Hostname)

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
