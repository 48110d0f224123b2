package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/replbridge/internal/access"
	"github.com/nextlevelbuilder/replbridge/internal/bridge"
	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/channels"
	"github.com/nextlevelbuilder/replbridge/internal/channels/discord"
	"github.com/nextlevelbuilder/replbridge/internal/channels/email"
	"github.com/nextlevelbuilder/replbridge/internal/channels/telegram"
	"github.com/nextlevelbuilder/replbridge/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/replbridge/internal/config"
	"github.com/nextlevelbuilder/replbridge/internal/httpapi"
	"github.com/nextlevelbuilder/replbridge/internal/logging"
	"github.com/nextlevelbuilder/replbridge/internal/network"
	"github.com/nextlevelbuilder/replbridge/internal/peer"
	"github.com/nextlevelbuilder/replbridge/internal/router"
	"github.com/nextlevelbuilder/replbridge/internal/scheduler"
	"github.com/nextlevelbuilder/replbridge/internal/secrets"
	"github.com/nextlevelbuilder/replbridge/internal/sidecar"
	"github.com/nextlevelbuilder/replbridge/internal/state"
	statepg "github.com/nextlevelbuilder/replbridge/internal/state/pg"
	"github.com/nextlevelbuilder/replbridge/internal/telemetry"
	"github.com/nextlevelbuilder/replbridge/internal/transcript"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REPL bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolveConfigPath(), verbose)
		},
	}
}

// runtime wires every subsystem together and implements the narrow
// interfaces scheduler.Injector/Deliverer, httpapi.HookNotifier/
// StatusProvider, and peer/network.Injector expect, matching the single
// glue-object shape the teacher's gateway wiring builds in cmd/gateway.go.
type runtime struct {
	cfg     *config.Config
	session bridge.ReplSession
	br      *bridge.Bridge
	cap     *transcript.Capturer
	hookCh  chan transcript.AssistantResponse

	channelMgr *channels.Manager
	router     *router.Router
	access     *access.Controller
	channelSt  *state.ChannelState
	consumeBus *bus.MessageBus
	peerMgr    *peer.Manager // set in runServe once agent_comms is wired; nil otherwise

	startedAt time.Time
}

func runServe(cfgPath string, verbose bool) error {
	if verbose {
		os.Setenv("REPLBRIDGE_LOG_LEVEL", "debug")
	}
	logging.Setup()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Daemon.LogJSON {
		os.Setenv("REPLBRIDGE_LOG_JSON", "1")
		logging.Setup()
	}

	stateDir := config.ExpandHome(cfg.Daemon.StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", stateDir, err)
	}

	rt, err := buildRuntime(cfg, stateDir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry.init_failed", "error", err)
		telemetryShutdown = func(context.Context) error { return nil }
	}
	defer telemetryShutdown(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg errgroup.Group

	if err := rt.channelMgr.StartAll(ctx); err != nil {
		slog.Error("channels start failed", "error", err)
	}

	sidecars := startSidecars(ctx, cfg.Sidecars)

	wg.Go(func() error {
		rt.consumeInbound(ctx)
		return nil
	})

	wg.Go(func() error {
		rt.pollIdleOutput(ctx)
		return nil
	})

	var sched *scheduler.Scheduler
	if len(cfg.Scheduler.Tasks) > 0 {
		sched = scheduler.New(cfg.Scheduler.Tasks, rt, rt)
		wg.Go(func() error {
			sched.Run(ctx, time.Second)
			return nil
		})
	}

	var peerMgr *peer.Manager
	if cfg.AgentComms.Enabled {
		peerCommsLog, err := state.NewPeerCommsLog(stateDir)
		if err != nil {
			slog.Error("peer comms log init failed", "error", err)
		} else {
			peers := make([]peer.Peer, 0, len(cfg.AgentComms.Peers))
			for _, p := range cfg.AgentComms.Peers {
				peers = append(peers, peer.Peer{Name: p.Name, Host: p.Host, Port: p.Port})
			}
			peerMgr = peer.New(cfg.AgentComms.SharedSecret, rt, peerCommsLog, peers)
			rt.peerMgr = peerMgr
			if len(peers) > 0 {
				wg.Go(func() error {
					runPeerHeartbeat(ctx, peerMgr, defaultPeerHeartbeatInterval)
					return nil
				})
			}
		}
	}

	var networkMgr *network.Manager
	if cfg.Network.Enabled {
		networkMgr, err = buildNetworkManager(cfg, stateDir, rt)
		if err != nil {
			slog.Error("network relay init failed", "error", err)
		} else {
			wg.Go(func() error {
				runNetworkPoll(ctx, networkMgr, cfg.Network.PollIntervalSeconds)
				return nil
			})
		}
	}

	if closeMirror := wireAuditMirror(cfg.Database, rt.access, rt.router); closeMirror != nil {
		defer closeMirror()
	}

	wg.Go(func() error {
		runApprovalAudit(ctx, rt.access, defaultApprovalAuditInterval)
		return nil
	})

	events := bus.NewMessageBus()
	httpSrv := httpapi.New(rt, rt, newPeerRouter(peerMgr, networkMgr), events)
	httpSrv.SetPairingApprover(rt.access)
	mux := httpSrv.BuildMux()
	wireWebhooks(mux, cfg, rt.channelMgr)

	var tsStop func()
	if cfg.Tailscale.Enabled {
		tsStop = startTailscale(ctx, cfg.Tailscale, mux)
	}

	go func() {
		sig := <-sigCh
		slog.Info("daemon.shutdown_initiated", "signal", sig)
		rt.channelMgr.StopAll(context.Background())
		for _, sc := range sidecars {
			sc.Stop()
		}
		if sched != nil {
			// Scheduler.Run returns on ctx.Done(); no separate Stop needed.
		}
		if tsStop != nil {
			tsStop()
		}
		cancel()
	}()

	slog.Info("daemon.starting",
		"agent", cfg.Agent.Name,
		"port", cfg.Daemon.Port,
		"channels", rt.channelMgr.GetEnabledChannels(),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Daemon.Host, cfg.Daemon.Port)
	if err := httpSrv.Start(ctx, addr); err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	return wg.Wait()
}

// wireAuditMirror opens the optional Postgres audit mirror (config.Database)
// and attaches it to both access and router, returning a close func — or
// nil if disabled or the connection could not be established, in which case
// the daemon runs on its JSON/JSONL files exactly as if Postgres were never
// configured.
func wireAuditMirror(cfg config.DatabaseConfig, accessCtrl *access.Controller, r *router.Router) func() {
	if !cfg.Enabled || cfg.PostgresDSN == "" {
		return nil
	}
	db, err := statepg.OpenDB(cfg.PostgresDSN)
	if err != nil {
		slog.Error("database.mirror_connect_failed", "error", err)
		return nil
	}
	mirror := statepg.NewMirror(db)
	accessCtrl.SetAuditMirror(mirror)
	r.SetAuditMirror(mirror)
	slog.Info("database.mirror_enabled")
	return func() { db.Close() }
}

// peerRouter implements httpapi.PeerMessenger by unifying LAN peer send
// with an Ed25519 relay fallback behind one sendToPeer (spec §4.8's
// "Routing fallback"): try the LAN peer first, and if that fails — peer
// unreachable, LAN comms disabled, or unknown to agent_comms — retry over
// the relay before giving up.
type peerRouter struct {
	lan   *peer.Manager
	relay *network.Manager
}

// newPeerRouter wires a peerRouter from whichever of lan/relay this daemon
// has enabled; either may be nil.
func newPeerRouter(lan *peer.Manager, relay *network.Manager) *peerRouter {
	return &peerRouter{lan: lan, relay: relay}
}

func (r *peerRouter) HandleInbound(ctx context.Context, bearerToken string, msg peer.AgentMessage) error {
	if r.lan == nil {
		return fmt.Errorf("agent_comms is disabled on this daemon")
	}
	return r.lan.HandleInbound(ctx, bearerToken, msg)
}

func (r *peerRouter) SendToPeer(ctx context.Context, peerName string, msg peer.AgentMessage) error {
	var lanErr error
	if r.lan != nil {
		if lanErr = r.lan.SendToPeer(ctx, peerName, msg); lanErr == nil {
			return nil
		}
		slog.Warn("peer.lan_send_failed", "peer", peerName, "error", lanErr)
	}

	if r.relay == nil {
		if lanErr != nil {
			return lanErr
		}
		return fmt.Errorf("peer %q unreachable: agent_comms and network relay are both disabled", peerName)
	}

	if err := r.relay.Send(ctx, network.RelayMessage{To: peerName, Type: msg.Type, Text: msg.Text}); err != nil {
		return fmt.Errorf("peer %q unreachable via LAN or relay: %w", peerName, err)
	}
	return nil
}

func buildRuntime(cfg *config.Config, stateDir string) (*runtime, error) {
	senders, err := state.NewSenderStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("sender store: %w", err)
	}
	channelSt, err := state.NewChannelState(stateDir)
	if err != nil {
		return nil, fmt.Errorf("channel state: %w", err)
	}
	deliveryLog, err := state.NewDeliveryLog(stateDir)
	if err != nil {
		return nil, fmt.Errorf("delivery log: %w", err)
	}

	accessCtrl := access.NewController(senders, cfg.Security.Owners, cfg.Security.Blocked)

	session := bridge.ReplSession{Name: cfg.Daemon.TmuxSession}
	br := bridge.New(cfg.Daemon.TmuxBin, 5*time.Second)

	transcriptPath := filepath.Join(stateDir, "transcript", cfg.Daemon.TmuxSession+".jsonl")
	offset := int64(0)
	snapshots, err := state.NewSnapshotStore(filepath.Join(stateDir, "snapshots"))
	if err == nil {
		if snap, ok, _ := snapshots.Load(cfg.Daemon.TmuxSession); ok {
			offset = snap.LastOffset
			if snap.TranscriptPath != "" {
				transcriptPath = snap.TranscriptPath
			}
		}
	}
	tailer := transcript.NewTailer(cfg.Daemon.TmuxSession, transcriptPath, offset)
	tailer.IncludeThinking = cfg.Daemon.TranscriptVerbose
	capturer := transcript.NewCapturer(session, br, tailer)

	channelMgr := channels.NewManager()
	msgBus := bus.NewMessageBus()
	registerChannels(channelMgr, msgBus, cfg, accessCtrl)

	rt := &runtime{
		cfg:        cfg,
		session:    session,
		br:         br,
		cap:        capturer,
		hookCh:     make(chan transcript.AssistantResponse, 8),
		channelMgr: channelMgr,
		router:     router.New(channelMgr, deliveryLog),
		access:     accessCtrl,
		channelSt:  channelSt,
		startedAt:  time.Now(),
	}
	rt.consumeBus = msgBus
	accessCtrl.SetNotifier(rt)
	return rt, nil
}

func registerChannels(mgr *channels.Manager, msgBus *bus.MessageBus, cfg *config.Config, accessCtrl *access.Controller) {
	if cfg.Channels.Chat.Telegram.Enabled && cfg.Channels.Chat.Telegram.Token != "" {
		ch, err := telegram.New(cfg.Channels.Chat.Telegram, msgBus, accessCtrl)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Chat.Discord.Enabled && cfg.Channels.Chat.Discord.Token != "" {
		ch, err := discord.New(cfg.Channels.Chat.Discord, msgBus, accessCtrl)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	}
	if cfg.Channels.Chat.WhatsApp.Enabled && cfg.Channels.Chat.WhatsApp.SendURL != "" {
		ch, err := whatsapp.New(cfg.Channels.Chat.WhatsApp, msgBus, accessCtrl)
		if err != nil {
			slog.Error("whatsapp channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", ch)
		}
	}
	for _, p := range cfg.Channels.Email.Providers {
		ch, err := email.New(p, msgBus, accessCtrl, nil)
		if err != nil {
			slog.Error("email provider init failed", "provider", p.Name, "error", err)
			continue
		}
		mgr.RegisterChannel("email:"+p.Name, ch)
	}
}

func buildNetworkManager(cfg *config.Config, stateDir string, injector network.Injector) (*network.Manager, error) {
	secretDir := filepath.Join(stateDir, "secrets")
	store, err := secrets.NewFileStore(secretDir)
	if err != nil {
		return nil, fmt.Errorf("secret store: %w", err)
	}
	identity, err := network.Bootstrap(store, cfg.Agent.Name)
	if err != nil {
		return nil, fmt.Errorf("identity bootstrap: %w", err)
	}
	nonces, err := network.NewNonceStore(filepath.Join(stateDir, "relay-nonces.db"))
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	peerCommsLog, err := state.NewPeerCommsLog(stateDir)
	if err != nil {
		return nil, fmt.Errorf("peer comms log: %w", err)
	}
	mgr := network.New(identity, cfg.Network.RelayURL, cfg.Network.OwnerEmail, nonces, injector, peerCommsLog)
	if status, err := mgr.Register(context.Background()); err != nil {
		slog.Warn("network.register_failed", "error", err)
	} else {
		slog.Info("network.registered", "status", status)
	}
	return mgr, nil
}

// defaultApprovalAuditInterval paces the approval-audit background task
// (spec §4.5/§4.6) that demotes expired safe-sender approvals back to
// pending; approvals expire on the order of days to months, so there's no
// need to check more often than this.
const defaultApprovalAuditInterval = time.Hour

// defaultPeerHeartbeatInterval paces the LAN peer heartbeat (spec's
// PeerState, "refreshed by a periodic heartbeat task").
const defaultPeerHeartbeatInterval = 30 * time.Second

func runApprovalAudit(ctx context.Context, accessCtrl *access.Controller, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			demoted, err := accessCtrl.RunApprovalAudit()
			if err != nil {
				slog.Warn("access.approval_audit_failed", "error", err)
				continue
			}
			if demoted > 0 {
				slog.Info("access.approval_audit_demoted", "count", demoted)
			}
		}
	}
}

func runPeerHeartbeat(ctx context.Context, mgr *peer.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.Heartbeat(ctx)
		}
	}
}

func runNetworkPoll(ctx context.Context, mgr *network.Manager, intervalSeconds int) {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mgr.PollInbox(ctx); err != nil {
				slog.Warn("network.poll_failed", "error", err)
			}
		}
	}
}

// wireWebhooks mounts each webhook-receiving channel adapter's HTTP handler
// onto the daemon's mux, alongside the core API routes BuildMux already
// registered.
func wireWebhooks(mux *http.ServeMux, cfg *config.Config, mgr *channels.Manager) {
	if !cfg.Channels.Chat.WhatsApp.Enabled {
		return
	}
	ch, ok := mgr.GetChannel("whatsapp")
	if !ok {
		return
	}
	wa, ok := ch.(interface{ WebhookHandler() http.HandlerFunc })
	if !ok {
		return
	}
	path := cfg.Channels.Chat.WhatsApp.WebhookPath
	if path == "" {
		path = "/hooks/whatsapp"
	}
	mux.HandleFunc(path, wa.WebhookHandler())
}

// startSidecars spawns every configured sidecar process, logging (not
// fataling) a start failure so one broken auxiliary process doesn't stop
// the daemon's primary REPL-bridging job.
func startSidecars(ctx context.Context, cfgs []config.SidecarConfig) []*sidecar.Sidecar {
	out := make([]*sidecar.Sidecar, 0, len(cfgs))
	for _, c := range cfgs {
		timeout := 30 * time.Second
		if c.StartupTimeout != "" {
			if d, err := time.ParseDuration(c.StartupTimeout); err == nil {
				timeout = d
			}
		}
		sc := sidecar.New(sidecar.Config{
			Name:           c.Name,
			Command:        c.Command,
			Args:           c.Args,
			Env:            c.Env,
			HealthURL:      c.HealthURL,
			StartupTimeout: timeout,
		})
		if err := sc.Start(ctx); err != nil {
			slog.Error("sidecar.start_failed", "name", c.Name, "error", err)
			continue
		}
		out = append(out, sc)
	}
	return out
}

// consumeInbound drains the channel bus and routes each inbound message
// through a REPL turn, delivering the captured response back to its
// origin.
func (rt *runtime) consumeInbound(ctx context.Context) {
	slog.Info("daemon.inbound_consumer_started")
	for {
		msg, ok := rt.consumeBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go rt.handleInboundMessage(ctx, msg)
	}
}

func (rt *runtime) handleInboundMessage(ctx context.Context, msg bus.InboundMessage) {
	rt.channelSt.Set(msg.Channel)

	prompt := fmt.Sprintf("[%s] %s: %s", msg.Channel, msg.SenderID, msg.Content)
	content, err := rt.Fire(ctx, prompt)
	if err != nil {
		slog.Warn("daemon.turn_failed", "channel", msg.Channel, "error", err)
		return
	}

	target := router.Target{Channel: msg.Channel, ChatID: msg.ChatID, Tone: router.ToneChat}
	fp := transcript.Fingerprint(content + msg.ChatID)
	if err := rt.router.Route(ctx, target, content, fp); err != nil {
		slog.Warn("daemon.route_failed", "channel", msg.Channel, "error", err)
	}
}

// pollIdleOutput catches proactive assistant output (a scheduled task's own
// terminal-only writes, or chatter with no matching inject) by tailing the
// transcript whenever no turn is in flight, and routing anything new to
// whichever channel last delivered (spec's ChannelState atom).
func (rt *runtime) pollIdleOutput(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.cap.State() != transcript.StateIdle {
				continue
			}
			found, err := rt.cap.Tailer.ReadNew()
			if err != nil {
				slog.Warn("daemon.idle_poll_failed", "error", err)
				continue
			}
			for _, resp := range found {
				channel := rt.channelSt.Current()
				if channel == "terminal" || channel == "" {
					continue
				}
				target := router.Target{Channel: channel, Tone: router.ToneChat}
				if err := rt.router.Route(ctx, target, resp.Content, resp.Fingerprint); err != nil {
					slog.Warn("daemon.idle_route_failed", "error", err)
				}
			}
		}
	}
}

// Fire implements scheduler.Injector: inject prompt, await the captured
// response across all four transcript capture layers.
func (rt *runtime) Fire(ctx context.Context, prompt string) (string, error) {
	if err := rt.br.InjectText(ctx, rt.session, prompt); err != nil {
		return "", fmt.Errorf("inject: %w", err)
	}
	if err := rt.cap.BeginTurn(); err != nil {
		slog.Warn("daemon.begin_turn_failed", "error", err)
	}
	resp, err := rt.cap.AwaitResponse(ctx, rt.hookCh, 0)
	if err != nil {
		return "", err
	}
	_ = rt.cap.EndTurn()
	return resp.Content, nil
}

// IsBusy implements scheduler.Injector and httpapi.StatusProvider.
func (rt *runtime) IsBusy() bool {
	return rt.cap.State() != transcript.StateIdle
}

// InjectLine implements peer.Injector and network.Injector: a
// fire-and-forget line into the REPL, no response awaited.
func (rt *runtime) InjectLine(ctx context.Context, text string) error {
	return rt.br.InjectText(ctx, rt.session, text)
}

// DeliverTaskResult implements scheduler.Deliverer. target is
// "channel/chatID", matching config.ScheduledTaskConfig.Target's
// documented format.
func (rt *runtime) DeliverTaskResult(ctx context.Context, taskName, target, content string) error {
	channel, chatID, ok := strings.Cut(target, "/")
	if !ok {
		return fmt.Errorf("scheduled task %s: target %q is not channel/chatID", taskName, target)
	}
	fp := transcript.Fingerprint(content + taskName)
	return rt.router.Route(ctx, router.Target{Channel: channel, ChatID: chatID, Tone: router.ToneChat}, content, fp)
}

// NotifyTranscriptChanged implements httpapi.HookNotifier (layer 1: a host
// hook tells the daemon the transcript file changed). Any new turns found
// are pushed to hookCh for a Fire in flight; if nothing is awaiting, they
// are routed to the active channel the same way pollIdleOutput routes
// idle-time output.
func (rt *runtime) NotifyTranscriptChanged(ctx context.Context, transcriptPath, hookEvent string) error {
	found, err := rt.cap.Tailer.ReadNew()
	if err != nil {
		return fmt.Errorf("notify transcript changed: %w", err)
	}
	if !rt.IsBusy() {
		channel := rt.channelSt.Current()
		if channel == "terminal" || channel == "" {
			return nil
		}
		for _, resp := range found {
			target := router.Target{Channel: channel, Tone: router.ToneChat}
			if err := rt.router.Route(ctx, target, resp.Content, resp.Fingerprint); err != nil {
				slog.Warn("daemon.idle_route_failed", "error", err)
			}
		}
		return nil
	}
	for _, resp := range found {
		select {
		case rt.hookCh <- resp:
		default:
		}
	}
	return nil
}

// Status implements httpapi.StatusProvider.
func (rt *runtime) Status(ctx context.Context) map[string]any {
	status := map[string]any{
		"agent":          rt.cfg.Agent.Name,
		"turn_state":     string(rt.cap.State()),
		"active_channel": rt.channelSt.Current(),
		"channels":       rt.channelMgr.GetStatus(),
		"uptime_seconds": int(time.Since(rt.startedAt).Seconds()),
	}
	if rt.peerMgr != nil {
		status["peers"] = rt.peerMgr.States()
	}
	return status
}
