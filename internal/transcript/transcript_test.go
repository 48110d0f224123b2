package transcript

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFingerprintNormalizesAndTrims(t *testing.T) {
	a := Fingerprint("hello world  ")
	b := Fingerprint("hello world")
	if a != b {
		t.Fatalf("expected trimmed content to fingerprint identically: %q vs %q", a, b)
	}
}

func TestFingerprintCollapsesInternalWhitespace(t *testing.T) {
	a := Fingerprint("  hi, dave  ")
	b := Fingerprint("hi,\n  dave")
	if a != b {
		t.Fatalf("expected internal whitespace runs to collapse identically: %q vs %q", a, b)
	}
}

func TestFingerprintDiffersForDifferentContent(t *testing.T) {
	if Fingerprint("one") == Fingerprint("two") {
		t.Fatal("expected different content to fingerprint differently")
	}
}

func TestStateMachineValidTransitions(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateAwaitingResponse); err != nil {
		t.Fatalf("idle -> awaiting: %v", err)
	}
	if err := sm.Transition(StateDelivered); err != nil {
		t.Fatalf("awaiting -> delivered: %v", err)
	}
	if err := sm.Transition(StateIdle); err != nil {
		t.Fatalf("delivered -> idle: %v", err)
	}
}

func TestStateMachineRejectsInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Transition(StateDelivered); err == nil {
		t.Fatal("expected idle -> delivered to be rejected")
	}
}

func TestStripStatusLineRemovesTrailingBar(t *testing.T) {
	pane := "Hello from the assistant.\nMore text here.\n\nesc to interrupt · ctrl+c to exit\n"
	got := StripStatusLine(pane)
	if got != "Hello from the assistant.\nMore text here." {
		t.Fatalf("got %q", got)
	}
}

func TestStripStatusLineKeepsContentWithoutNoise(t *testing.T) {
	pane := "just a normal response"
	if got := StripStatusLine(pane); got != pane {
		t.Fatalf("got %q", got)
	}
}

func TestTailerReadNewParsesAssistantLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")

	content := `{"type":"user","message":{"content":[{"type":"text","text":"hi"}]}}
{"type":"assistant","message":{"content":[{"type":"text","text":"  hi, dave  "}]}}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"bash"},{"type":"text","text":"second turn"}]}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	tailer := NewTailer("session-1", path, 0)
	found, err := tailer.ReadNew()
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("got %d responses, want 2: %+v", len(found), found)
	}
	if found[0].Content != "hi, dave" || found[1].Content != "second turn" {
		t.Fatalf("unexpected content: %+v", found)
	}

	// Calling again with no new writes should find nothing new.
	more, err := tailer.ReadNew()
	if err != nil {
		t.Fatalf("ReadNew second call: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("expected no new responses, got %+v", more)
	}
}

func TestTailerReadNewExcludesThinkingUnlessVerbose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")

	content := `{"type":"assistant","message":{"content":[{"type":"thinking","thinking":"mulling it over"},{"type":"text","text":"final answer"}]}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	quiet := NewTailer("session-1", path, 0)
	found, err := quiet.ReadNew()
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(found) != 1 || found[0].Content != "final answer" {
		t.Fatalf("expected thinking excluded by default, got %+v", found)
	}

	verbose := NewTailer("session-1", path, 0)
	verbose.IncludeThinking = true
	found, err = verbose.ReadNew()
	if err != nil {
		t.Fatalf("ReadNew verbose: %v", err)
	}
	if len(found) != 1 || found[0].Content != "mulling it over\nfinal answer" {
		t.Fatalf("expected thinking included when verbose, got %+v", found)
	}
}

func TestTailerReadNewSkipsNonAssistantTypes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")

	content := `{"type":"tool_result","message":{"content":[{"type":"text","text":"should not count"}]}}
{"type":"system","message":{"content":[{"type":"text","text":"also excluded"}]}}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	tailer := NewTailer("session-1", path, 0)
	found, err := tailer.ReadNew()
	if err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no assistant candidates, got %+v", found)
	}
}

func TestTailerReadNewResumesFromOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")

	first := `{"type":"assistant","message":{"content":[{"type":"text","text":"first"}]}}
`
	if err := os.WriteFile(path, []byte(first), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	tailer := NewTailer("session-1", path, 0)
	if _, err := tailer.ReadNew(); err != nil {
		t.Fatalf("ReadNew: %v", err)
	}
	offset := tailer.Offset()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.WriteString(`{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}` + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	resumed := NewTailer("session-1", path, offset)
	found, err := resumed.ReadNew()
	if err != nil {
		t.Fatalf("ReadNew resumed: %v", err)
	}
	if len(found) != 1 || found[0].Content != "second" {
		t.Fatalf("unexpected resumed read: %+v", found)
	}
}

func TestDedupCacheReportsRepeatSighting(t *testing.T) {
	d := newDedupCache()
	if d.seen("a") {
		t.Fatal("first sighting of a should not be seen")
	}
	if !d.seen("a") {
		t.Fatal("second sighting of a should be seen")
	}
}
