package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint returns a stable content hash for dedup across capture
// layers. Content is NFC-normalized first so the same response captured
// via the transcript file (pre-composed UTF-8) and via a pane capture
// (which can emit decomposed combining-character sequences depending on
// the terminal) fingerprints identically; leading/trailing whitespace is
// stripped and internal runs of whitespace are collapsed to a single
// space, so pane-wrap reflow (which can insert or remove line breaks mid
// sentence) fingerprints the same as the unwrapped transcript text.
func Fingerprint(content string) string {
	normalized := norm.NFC.String(content)
	collapsed := strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(collapsed))
	return hex.EncodeToString(sum[:])
}
