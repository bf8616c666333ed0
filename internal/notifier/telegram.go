package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// captionLimit is Telegram's media caption limit in characters.
const captionLimit = 1024

// TelegramSender uploads the digest to a chat as a markdown document.
type TelegramSender struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides https://api.telegram.org.
	APIURL string
	Client *http.Client
}

func (s TelegramSender) Name() string { return "telegram" }

func (s TelegramSender) Send(ctx context.Context, d Digest) error {
	if strings.TrimSpace(s.Token) == "" || s.ChatID == 0 {
		return errors.New("telegram sender: token and chat id are required")
	}
	cl := s.Client
	if cl == nil {
		cl = &http.Client{Timeout: time.Minute}
	}
	bot, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(s.APIURL),
		Token:   s.Token,
		Client:  cl,
		Offline: true,
	})
	if err != nil {
		return fmt.Errorf("telegram sender: %w", err)
	}

	doc := &tele.Document{
		File:     tele.FromReader(strings.NewReader(d.Body)),
		FileName: fmt.Sprintf("%s-%s.md", sanitize(d.TargetID), d.To.Format("2006-01-02")),
		MIME:     "text/markdown",
		Caption:  truncateRunes(telegramCaption(d), captionLimit),
	}
	opts := &tele.SendOptions{ThreadID: s.ThreadID}

	// telebot has no context support; the worker's timeout bounds the wait.
	errCh := make(chan error, 1)
	go func() {
		_, err := bot.Send(&tele.Chat{ID: s.ChatID}, doc, opts)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func telegramCaption(d Digest) string {
	title := d.Title
	if title == "" {
		title = "Digest " + d.TargetID
	}
	if d.From.IsZero() || d.To.IsZero() {
		return title
	}
	return fmt.Sprintf("%s\n%s to %s", title, d.From.Format(time.DateOnly), d.To.Format(time.DateOnly))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
