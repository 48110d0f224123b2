// Package router implements the Channel Router: fingerprint-deduped,
// rate-limited, retried delivery of an AssistantResponse to whichever
// channel last has the user's attention, with tone shaping appropriate to
// that channel.
package router

import "strings"

// Tone controls how a response is reshaped before it reaches a channel
// adapter.
type Tone string

const (
	// ToneTerminal passes content through unchanged — the operator is
	// looking at the raw REPL output already.
	ToneTerminal Tone = "terminal"
	// ToneChat trims trailing whitespace and collapses more than two
	// consecutive blank lines, since chat clients render those as
	// distracting empty bubbles.
	ToneChat Tone = "chat"
	// ToneSilent suppresses the external send entirely — the turn is still
	// recorded as delivered (spec's proactive-notification-opt-out path),
	// just never rendered on any channel.
	ToneSilent Tone = "silent"
)

// Shape returns the content to send (possibly reshaped) and whether it
// should actually be sent at all.
func Shape(content string, tone Tone) (string, bool) {
	switch tone {
	case ToneSilent:
		return "", false
	case ToneChat:
		return collapseBlankLines(strings.TrimRight(content, " \t\n")), true
	default: // ToneTerminal and unset
		return content, true
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blankRun := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankRun++
			if blankRun > 2 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
