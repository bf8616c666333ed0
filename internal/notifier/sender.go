package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Sender delivers a digest over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, d Digest) error
}

// FileSender copies the digest into Dir as <target>-<date>.md.
type FileSender struct {
	Dir string
}

func (s FileSender) Name() string { return "file" }

func (s FileSender) Send(ctx context.Context, d Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(s.Dir) == "" {
		return errors.New("file sender: dir is required")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.md", sanitize(d.TargetID), d.To.Format("2006-01-02"))
	path := filepath.Join(s.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(d.Body), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// WebhookSender POSTs the digest as JSON.
type WebhookSender struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (s WebhookSender) Name() string { return "webhook" }

func (s WebhookSender) Send(ctx context.Context, d Digest) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}
	cl := s.Client
	if cl == nil {
		cl = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := cl.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}
	return nil
}

// SlackSender posts the digest to a Slack incoming webhook.
type SlackSender struct {
	WebhookURL string
	Client     *http.Client
}

func (s SlackSender) Name() string { return "slack" }

func (s SlackSender) Send(ctx context.Context, d Digest) error {
	msg := &slack.WebhookMessage{Text: d.Body}
	if s.Client != nil {
		return slack.PostWebhookCustomHTTPContext(ctx, s.WebhookURL, s.Client, msg)
	}
	return slack.PostWebhookContext(ctx, s.WebhookURL, msg)
}

// EmailSender sends the digest as a plain-text message over SMTP.
type EmailSender struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
	To       []string

	// send is smtp.SendMail; replaced in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s EmailSender) Name() string { return "email" }

func (s EmailSender) Send(ctx context.Context, d Digest) error {
	if len(s.To) == 0 {
		return errors.New("email sender: no recipients")
	}
	var auth smtp.Auth
	if s.Username != "" {
		host, _, _ := strings.Cut(s.Addr, ":")
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}

	// net/smtp has no context support; the worker's timeout bounds the wait, not the dial.
	errCh := make(chan error, 1)
	go func() { errCh <- send(s.Addr, auth, s.From, s.To, s.message(d)) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s EmailSender) message(d Digest) []byte {
	subject := d.Title
	if subject == "" {
		subject = "Digest " + d.TargetID
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/markdown; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(d.Body, "\n", "\r\n"))
	return b.Bytes()
}
