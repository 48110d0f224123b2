package email

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// pop3Client is a bare-bones POP3 command client over an already-established
// connection (plain or TLS — the caller dials). It implements only the
// subset of RFC 1939 popFetcher needs: USER/PASS, UIDL, RETR, QUIT.
type pop3Client struct {
	text *textproto.Conn
}

func newPop3Client(conn io.ReadWriteCloser) (*pop3Client, error) {
	text := textproto.NewConn(conn)
	// Server greeting.
	if _, err := text.ReadLine(); err != nil {
		return nil, fmt.Errorf("read pop3 greeting: %w", err)
	}
	return &pop3Client{text: text}, nil
}

func (c *pop3Client) cmd(format string, args ...any) (string, error) {
	id, err := c.text.Cmd(format, args...)
	if err != nil {
		return "", err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)

	line, err := c.text.ReadLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, "+OK") {
		return "", fmt.Errorf("pop3 command failed: %s", line)
	}
	return line, nil
}

func (c *pop3Client) login(username, password string) error {
	if _, err := c.cmd("USER %s", username); err != nil {
		return err
	}
	_, err := c.cmd("PASS %s", password)
	return err
}

// uidl returns a map of message number to its stable unique ID via the
// multi-line "UIDL" response (no argument).
func (c *pop3Client) uidl() (map[string]string, error) {
	if _, err := c.cmd("UIDL"); err != nil {
		return nil, err
	}
	lines, err := c.text.ReadDotLines()
	if err != nil {
		return nil, fmt.Errorf("read uidl body: %w", err)
	}

	result := make(map[string]string, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		result[fields[0]] = fields[1]
	}
	return result, nil
}

// retr fetches the full raw message for message number num.
func (c *pop3Client) retr(num string) (string, error) {
	if _, err := c.cmd("RETR %s", num); err != nil {
		return "", err
	}
	lines, err := c.text.ReadDotLines()
	if err != nil {
		return "", fmt.Errorf("read retr body: %w", err)
	}
	return strings.Join(lines, "\r\n"), nil
}

func (c *pop3Client) quit() {
	_, _ = c.cmd("QUIT")
	c.text.Close()
}

// parseRFC822 extracts From, Subject, and the plain-text body from a raw
// RFC 822 message. It does not handle MIME multipart — multipart bodies are
// passed through as-is, which is adequate for plain-text provider traffic.
func parseRFC822(raw string) (from, subject, body string) {
	reader := bufio.NewReader(strings.NewReader(raw))
	tp := textproto.NewReader(reader)
	header, err := tp.ReadMIMEHeader()
	if err != nil && header == nil {
		return "", "", raw
	}
	from = header.Get("From")
	subject = header.Get("Subject")

	rest, _ := io.ReadAll(reader)
	body = strings.TrimSpace(string(rest))
	return from, subject, body
}
