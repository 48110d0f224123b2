package bridge

import "strings"

// SanitizeForInjection strips characters that would let an inbound message
// smuggle a second line (and therefore a second command) past tmux's
// literal send-keys mode: newlines, carriage returns, and other C0 control
// characters. tmux's "-l" flag already treats the string as literal text
// rather than key names, so this only needs to guard against control bytes,
// not tmux's own key-name syntax.
func SanitizeForInjection(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	for _, r := range text {
		switch {
		case r == '\n', r == '\r':
			b.WriteRune(' ')
		case r < 0x20 && r != '\t':
			// drop other C0 controls (bell, escape, ...)
		case r == 0x7f:
			// drop DEL
		default:
			b.WriteRune(r)
		}
	}

	return strings.TrimSpace(b.String())
}
