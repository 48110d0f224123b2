package transcript

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
)

// transcriptLine is the shape of one TranscriptFile record (spec.md §3):
// `type` names the record kind at the top level, and the actual content
// lives under `message.content` as one or more typed blocks.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock is one element of message.content. Only `text` (always) and
// `thinking` (gated on Tailer.IncludeThinking) contribute to the captured
// AssistantResponse; `tool_use`/`tool_result` blocks are excluded per §4.2.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

// Tailer incrementally reads new JSONL lines appended to one transcript
// file and extracts assistant turns, tracking a byte offset so a restart
// resumes instead of redelivering the whole file.
type Tailer struct {
	SessionID string

	// IncludeThinking gates whether `thinking` content blocks are folded
	// into the captured text (§4.2: "included only when the channel's
	// verbose flag is set"). Off by default — chat/email recipients don't
	// want to see the assistant's internal reasoning.
	IncludeThinking bool

	mu     sync.Mutex
	path   string
	offset int64
}

// NewTailer creates a Tailer starting at offset (0 for a fresh session, or
// a restored PersistedSessionSnapshot.LastOffset).
func NewTailer(sessionID, path string, offset int64) *Tailer {
	return &Tailer{SessionID: sessionID, path: path, offset: offset}
}

// Offset returns the tailer's current read cursor, for snapshotting.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// ReadNew reads every complete JSONL line appended since the last call (or
// construction) and returns the assistant turns found among them. An
// incomplete trailing line (the writer hasn't flushed its newline yet) is
// left unread for the next call.
func (t *Tailer) ReadNew() ([]AssistantResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read transcript: %w: %s", errkind.SessionAbsent, t.path)
		}
		return nil, fmt.Errorf("open transcript %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat transcript %s: %w", t.path, err)
	}
	if info.Size() < t.offset {
		// Transcript was truncated or rotated out from under us — restart
		// from the top rather than seeking past EOF.
		slog.Warn("transcript.truncated_resetting_offset", "session", t.SessionID, "path", t.path)
		t.offset = 0
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek transcript %s: %w", t.path, err)
	}

	var responses []AssistantResponse
	reader := bufio.NewReader(f)
	consumed := t.offset

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			consumed += int64(len(line))
			if resp, ok := parseAssistantLine(t.SessionID, line, t.IncludeThinking); ok {
				responses = append(responses, resp)
			}
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read transcript %s: %w", t.path, err)
		}
	}

	t.offset = consumed
	return responses, nil
}

func parseAssistantLine(sessionID string, line []byte, includeThinking bool) (AssistantResponse, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return AssistantResponse{}, false
	}

	var tl transcriptLine
	if err := json.Unmarshal(line, &tl); err != nil {
		return AssistantResponse{}, false
	}
	if tl.Type != "assistant" {
		return AssistantResponse{}, false
	}

	text := extractText(tl.Message.Content, includeThinking)
	if text == "" {
		return AssistantResponse{}, false
	}

	return AssistantResponse{
		SessionID:   sessionID,
		Content:     text,
		Fingerprint: Fingerprint(text),
		CapturedVia: LayerHook,
		Timestamp:   time.Now(),
	}, true
}

// extractText concatenates every text part of message.content in order with
// a single newline separator (§4.2). thinking parts are folded in only when
// includeThinking is set; tool_use/tool_result parts never contribute.
func extractText(raw json.RawMessage, includeThinking bool) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, block := range blocks {
		switch block.Type {
		case "text":
			if t := strings.TrimSpace(block.Text); t != "" {
				parts = append(parts, t)
			}
		case "thinking":
			if includeThinking {
				if t := strings.TrimSpace(block.Thinking); t != "" {
					parts = append(parts, t)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// WatchFunc is called whenever the tailed file changes. It should call
// ReadNew and handle whatever turns come back; Watch itself never parses.
type WatchFunc func()

// Watch blocks until ctx is done, invoking onChange whenever the file is
// written to or, failing that, on a conservative fallback interval — the
// same inotify/kqueue-with-poll-fallback shape fsnotify's own examples use,
// since a file that hasn't been created yet (new session) can't be watched
// until it exists.
func Watch(ctx context.Context, path string, fallback time.Duration, onChange WatchFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create transcript watcher: %w", err)
	}
	defer watcher.Close()

	dir := parentDir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch transcript dir %s: %w", dir, err)
	}

	ticker := time.NewTicker(fallback)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name == path && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("transcript.watch_error", "error", err)
		case <-ticker.C:
			onChange()
		}
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
