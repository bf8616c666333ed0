package app

import (
	"context"
	"fmt"
	"strings"

	"digestbot/internal/config"
	"digestbot/internal/notifier"
)

// credentialResolver is the subset of secrets.Resolver the sender builders need.
type credentialResolver interface {
	Resolve(ctx context.Context, ref *string) (string, bool)
}

// buildSenders turns the notifier sender blocks into Senders. Secret references are resolved
// here, so a reload picks up rotated credentials.
func buildSenders(ctx context.Context, cfg *config.Config, creds credentialResolver) ([]notifier.Sender, error) {
	n := cfg.Notifier
	var out []notifier.Sender

	if n.File != nil {
		out = append(out, notifier.FileSender{Dir: strings.TrimSpace(n.File.Dir)})
	}
	if n.Webhook != nil {
		out = append(out, notifier.WebhookSender{URL: strings.TrimSpace(n.Webhook.URL), Headers: n.Webhook.Headers})
	}
	if n.Slack != nil {
		url, ok := creds.Resolve(ctx, &n.Slack.WebhookURLRef)
		if !ok {
			return nil, fmt.Errorf("notifier.slack: webhook url %q not resolvable", n.Slack.WebhookURLRef)
		}
		out = append(out, notifier.SlackSender{WebhookURL: url})
	}
	if tg := n.Telegram; tg != nil {
		tok, ok := creds.Resolve(ctx, &tg.TokenRef)
		if !ok {
			return nil, fmt.Errorf("notifier.telegram: token %q not resolvable", tg.TokenRef)
		}
		out = append(out, notifier.TelegramSender{
			Token:    tok,
			ChatID:   tg.ChatID,
			ThreadID: tg.ThreadID,
			APIURL:   strings.TrimSpace(tg.APIURL),
		})
	}
	if e := n.Email; e != nil {
		s := notifier.EmailSender{
			Addr:     strings.TrimSpace(e.Addr),
			Username: strings.TrimSpace(e.Username),
			From:     strings.TrimSpace(e.From),
			To:       e.To,
		}
		if s.Username != "" {
			pw, ok := creds.Resolve(ctx, &e.PasswordRef)
			if !ok {
				return nil, fmt.Errorf("notifier.email: password %q not resolvable", e.PasswordRef)
			}
			s.Password = pw
		}
		out = append(out, s)
	}
	return out, nil
}
