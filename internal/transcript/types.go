// Package transcript implements the Transcript Stream: tailing a REPL
// session's JSONL transcript file for new assistant turns through four
// capture layers (hook push, short-interval retry, background poll, and
// tmux pane capture as a last resort), deduplicating by content fingerprint,
// and tracking each session's turn state machine.
package transcript

import "time"

// TurnState is the per-session state machine spec.md names: idle while
// nothing is in flight, awaiting-response after an inject, delivered once a
// captured response has been routed, then back to idle.
type TurnState string

const (
	StateIdle             TurnState = "idle"
	StateAwaitingResponse TurnState = "awaiting_response"
	StateDelivered        TurnState = "delivered"
)

// CaptureLayer names which of the four layers produced an AssistantResponse.
type CaptureLayer string

const (
	LayerHook           CaptureLayer = "hook"
	LayerRetry          CaptureLayer = "retry"
	LayerBackgroundPoll CaptureLayer = "background_poll"
	LayerPaneCapture    CaptureLayer = "pane_capture"
)

// AssistantResponse is one captured turn from a REPL session, ready for the
// channel router to deliver.
type AssistantResponse struct {
	SessionID   string
	Content     string
	Fingerprint string
	CapturedVia CaptureLayer
	Timestamp   time.Time
}

// TranscriptFile tracks a tailer's read cursor into one on-disk transcript.
type TranscriptFile struct {
	Path   string
	Offset int64
}
