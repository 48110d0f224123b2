// Package httpapi implements the daemon's local HTTP surface (spec §6.1):
// health/status, the hook-response notification from host tooling, and the
// LAN peer message/status/send trio, plus an optional live event feed over
// WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/replbridge/internal/bus"
	"github.com/nextlevelbuilder/replbridge/internal/errkind"
	"github.com/nextlevelbuilder/replbridge/internal/peer"
	"github.com/nextlevelbuilder/replbridge/internal/state"
)

// HookNotifier is the narrow Transcript Stream surface /hook/response
// drives: a host hook telling the daemon a transcript file changed.
type HookNotifier interface {
	NotifyTranscriptChanged(ctx context.Context, transcriptPath, hookEvent string) error
}

// StatusProvider reports the daemon's current session/peer/queue state for
// GET /status, and idle/busy + uptime for GET /agent/status.
type StatusProvider interface {
	Status(ctx context.Context) map[string]any
	IsBusy() bool
}

// PeerMessenger is the narrow internal/peer surface the agent/* endpoints
// drive.
type PeerMessenger interface {
	HandleInbound(ctx context.Context, bearerToken string, msg peer.AgentMessage) error
	SendToPeer(ctx context.Context, peerName string, msg peer.AgentMessage) error
}

// PairingApprover is the narrow internal/access surface the pairing/*
// endpoints drive, letting `replbridged pairing approve|list` operate
// against the running daemon's in-memory pending-code set instead of
// needing its own persisted state.
type PairingApprover interface {
	Approve(code, approvedBy string) error
	Deny(code, deniedBy string) error
	ListPending() []state.Sender
}

// Server serves the daemon's local HTTP API.
type Server struct {
	hooks    HookNotifier
	status   StatusProvider
	peers    PeerMessenger
	pairing  PairingApprover // optional, set via SetPairingApprover
	events   bus.EventPublisher
	startedAt time.Time

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient

	httpServer *http.Server
	mux        *http.ServeMux
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(event)
}

// New builds a Server. events may be nil to disable the /ws feed.
func New(hooks HookNotifier, status StatusProvider, peers PeerMessenger, events bus.EventPublisher) *Server {
	return &Server{
		hooks:     hooks,
		status:    status,
		peers:     peers,
		events:    events,
		startedAt: time.Now(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		clients:   make(map[string]*wsClient),
	}
}

// SetPairingApprover wires the pairing/* endpoints to approver. Unset
// (nil), those endpoints return 503 — a daemon with pairing disabled still
// serves health/status/hooks/peers.
func (s *Server) SetPairingApprover(approver PairingApprover) {
	s.pairing = approver
}

// BuildMux constructs (and caches) the server's route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/hook/response", s.handleHookResponse)
	mux.HandleFunc("/agent/message", s.handleAgentMessage)
	mux.HandleFunc("/agent/status", s.handleAgentStatus)
	mux.HandleFunc("/agent/send", s.handleAgentSend)
	mux.HandleFunc("/pairing/list", s.handlePairingList)
	mux.HandleFunc("/pairing/approve", s.handlePairingApprove)
	mux.HandleFunc("/pairing/deny", s.handlePairingDeny)
	if s.events != nil {
		mux.HandleFunc("/ws", s.handleWebSocket)
	}
	s.mux = mux
	return mux
}

// Start serves the API on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("httpapi.starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi server: %w", err)
	}
	return nil
}

// StartTestServer listens on a random local port and returns its address
// plus a start function, for use from tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}
	addr = ln.Addr().String()
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps a classified error to the HTTP status the wire protocol
// (spec §6.1/§6.2) expects: auth/validation failures are 4xx, everything
// else is a 5xx.
func statusFor(err error) int {
	kind, ok := errkind.Classify(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case errkind.AuthFailure:
		return http.StatusUnauthorized
	case errkind.ValidationFailure, errkind.PermanentRemote:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.status.Status(r.Context())
	snapshot["ok"] = true
	writeJSON(w, http.StatusOK, snapshot)
}

type hookResponseRequest struct {
	TranscriptPath string `json:"transcript_path"`
	HookEvent      string `json:"hook_event,omitempty"`
}

func (s *Server) handleHookResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req hookResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.TranscriptPath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("transcript_path is required"))
		return
	}
	if err := s.hooks.NotifyTranscriptChanged(r.Context(), req.TranscriptPath, req.HookEvent); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var msg peer.AgentMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	token := bearerToken(r)
	if err := s.peers.HandleInbound(r.Context(), token, msg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	busy := s.status.IsBusy()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"busy":           busy,
		"idle":           !busy,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

type agentSendRequest struct {
	Peer string `json:"peer"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req agentSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Peer == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("peer is required"))
		return
	}
	err := s.peers.SendToPeer(r.Context(), req.Peer, peer.AgentMessage{Type: req.Type, Text: req.Text})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePairingList(w http.ResponseWriter, r *http.Request) {
	if s.pairing == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("pairing is not enabled on this daemon"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pending": s.pairing.ListPending()})
}

type pairingApproveRequest struct {
	Code       string `json:"code"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

func (s *Server) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.pairing == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("pairing is not enabled on this daemon"))
		return
	}
	var req pairingApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("code is required"))
		return
	}
	if req.ApprovedBy == "" {
		req.ApprovedBy = "cli"
	}
	if err := s.pairing.Approve(req.Code, req.ApprovedBy); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type pairingDenyRequest struct {
	Code     string `json:"code"`
	DeniedBy string `json:"denied_by,omitempty"`
}

func (s *Server) handlePairingDeny(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.pairing == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("pairing is not enabled on this daemon"))
		return
	}
	var req pairingDenyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("code is required"))
		return
	}
	if req.DeniedBy == "" {
		req.DeniedBy = "cli"
	}
	if err := s.pairing.Deny(req.Code, req.DeniedBy); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("httpapi.ws_upgrade_failed", "error", err)
		return
	}
	id := fmt.Sprintf("%p", conn)
	client := &wsClient{conn: conn}

	s.mu.Lock()
	s.clients[id] = client
	s.mu.Unlock()
	s.events.Subscribe(id, client.send)

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		s.events.Unsubscribe(id)
		conn.Close()
	}()

	// Block on reads purely to detect client disconnect; the daemon never
	// expects inbound frames on this feed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
