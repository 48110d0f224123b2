package transcript

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// statusLineMarkers are substrings that only ever appear in a REPL's
// bottom-of-screen status bar, never in assistant prose, so a pane-capture
// line containing one is noise rather than content.
var statusLineMarkers = []string{
	"esc to interrupt",
	"ctrl+c to exit",
	"tokens used",
	"context left",
}

// StripStatusLine removes trailing pane-capture noise: blank lines, box
// drawing borders, and the REPL's own status bar. This only matters for the
// pane-capture layer — the hook and transcript-tailing layers read the
// JSONL transcript directly and never see rendered terminal chrome.
//
// A line is recognised as noise by its content (blank after trimming
// spaces, a border, or a status-bar marker), not by its column width;
// go-runewidth is used only by isBoxDrawing, to let zero-width runes inside
// a border pass.
func StripStatusLine(pane string) string {
	lines := strings.Split(pane, "\n")

	end := len(lines)
	for end > 0 {
		line := lines[end-1]
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			end--
			continue
		}
		if isBoxDrawing(trimmed) || containsStatusMarker(trimmed) {
			end--
			continue
		}
		break
	}

	return strings.Join(lines[:end], "\n")
}

func containsStatusMarker(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range statusLineMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// isBoxDrawing reports whether line is made up entirely of box-drawing or
// separator runes (a pane border); zero-width runes (combining marks,
// variation selectors) are skipped.
func isBoxDrawing(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		switch {
		case r == '-', r == '─', r == '━', r == '=', r == ' ':
			continue
		default:
			if runewidth.RuneWidth(r) == 0 {
				continue
			}
			return false
		}
	}
	return true
}
