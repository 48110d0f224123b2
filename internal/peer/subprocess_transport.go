package peer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/nextlevelbuilder/replbridge/internal/errkind"
)

// SendViaSubprocess posts body to url using curl(1) instead of net/http,
// for hosts where the in-process network stack cannot reach LAN
// destinations reliably (spec §9's documented platform quirk). It is not
// the default transport: SendToPeer uses net/http only and never calls it.
func SendViaSubprocess(ctx context.Context, url, bearerToken string, body []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "curl",
		"-sS", "-X", "POST",
		"-H", "Content-Type: application/json",
		"-H", "Authorization: Bearer "+bearerToken,
		"--data-binary", "@-",
		"--max-time", fmt.Sprintf("%.0f", timeout.Seconds()),
		url,
	)
	cmd.Stdin = bytes.NewReader(body)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("curl fallback to %s failed: %s: %w", url, stderr.String(), errkind.TransientRemote)
	}
	return nil
}
