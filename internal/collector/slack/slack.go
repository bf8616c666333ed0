// Package slack collects channel history, thread replies, permalinks and author profiles.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"digestbot/internal/artifact"
	"digestbot/internal/collector"
	"digestbot/internal/model"
	"digestbot/internal/task/engine"
	logx "digestbot/pkg/logx"
)

type Config struct {
	// APIURL overrides https://slack.com/api/ (tests).
	APIURL    string
	PageSize  int
	RPS       float64
	Burst     int
	Permalink bool

	HTTPClient *http.Client
}

type Collector struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, log logx.Logger) *Collector {
	if cfg.PageSize <= 0 || cfg.PageSize > 1000 {
		cfg.PageSize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{cfg: cfg, log: log.With(logx.String("comp", "collector.slack"))}
	if cfg.RPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(cfg.Burst, 1))
	}
	return c
}

func (c *Collector) Type() model.IntegrationType { return model.IntegrationSlack }

func (c *Collector) client(token string) *slack.Client {
	var opts []slack.Option
	if u := strings.TrimSpace(c.cfg.APIURL); u != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(u, "/")+"/"))
	}
	if c.cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(c.cfg.HTTPClient))
	}
	return slack.New(token, opts...)
}

// fetch holds per-Fetch state; user profiles are cached for the duration of one call.
type fetch struct {
	c     *Collector
	api   *slack.Client
	users map[string]*artifact.SlackUser
}

// Fetch collects every channel id in req and writes the slack artifact.
func (c *Collector) Fetch(ctx context.Context, req collector.Request) (collector.Result, error) {
	if strings.TrimSpace(req.Token) == "" {
		return collector.Result{}, engine.NoRetry(errors.New("slack: token required"))
	}
	f := &fetch{c: c, api: c.client(req.Token), users: map[string]*artifact.SlackUser{}}
	oldest := slackTS(req.Since())
	doc := map[string][]artifact.SlackMessage{}

	failed, err := collector.FetchEach(ctx, c.log, req.IDs(), func(ctx context.Context, channel string) error {
		msgs, err := f.channel(ctx, channel, oldest)
		if err != nil {
			return classify(err)
		}
		doc[channel] = msgs
		return nil
	})
	if err != nil {
		return collector.Result{Failed: failed}, err
	}

	path, err := collector.Write(req.OutDir, c.Type(), doc)
	if err != nil {
		return collector.Result{Failed: failed}, err
	}
	c.log.Info("slack collected", logx.Int("channels", len(doc)), logx.Int("failed", len(failed)), logx.String("path", path))
	return collector.Result{Path: path, Items: len(doc), Failed: failed}, nil
}

func (f *fetch) wait(ctx context.Context) error {
	if f.c.limiter == nil {
		return nil
	}
	return f.c.limiter.Wait(ctx)
}

func (f *fetch) channel(ctx context.Context, channel, oldest string) ([]artifact.SlackMessage, error) {
	out := []artifact.SlackMessage{}
	params := &slack.GetConversationHistoryParameters{ChannelID: channel, Oldest: oldest, Limit: f.c.cfg.PageSize}
	for {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := f.api.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("conversations.history: %w", err)
		}
		for _, m := range resp.Messages {
			if m.SubType == "channel_join" || m.SubType == "channel_leave" {
				continue
			}
			msg, err := f.message(ctx, channel, m)
			if err != nil {
				return nil, err
			}
			if m.ReplyCount > 0 {
				replies, err := f.replies(ctx, channel, m.Timestamp)
				if err != nil {
					return nil, err
				}
				msg.Thread = &artifact.Thread{Replies: replies}
			}
			out = append(out, msg)
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
	return out, nil
}

func (f *fetch) replies(ctx context.Context, channel, ts string) ([]artifact.SlackMessage, error) {
	out := []artifact.SlackMessage{}
	params := &slack.GetConversationRepliesParameters{ChannelID: channel, Timestamp: ts, Limit: f.c.cfg.PageSize}
	for {
		if err := f.wait(ctx); err != nil {
			return nil, err
		}
		msgs, hasMore, cursor, err := f.api.GetConversationRepliesContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("conversations.replies: %w", err)
		}
		for _, m := range msgs {
			// The parent is echoed as the first element of every page.
			if m.Timestamp == ts {
				continue
			}
			msg, err := f.message(ctx, channel, m)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}
		if !hasMore || cursor == "" {
			break
		}
		params.Cursor = cursor
	}
	return out, nil
}

func (f *fetch) message(ctx context.Context, channel string, m slack.Message) (artifact.SlackMessage, error) {
	msg := artifact.SlackMessage{TS: m.Timestamp, User: m.User, Text: m.Text, Reactions: []artifact.Reaction{}}
	for _, r := range m.Reactions {
		msg.Reactions = append(msg.Reactions, artifact.Reaction{Name: r.Name, Count: r.Count})
	}
	if f.c.cfg.Permalink {
		if err := f.wait(ctx); err != nil {
			return msg, err
		}
		link, err := f.api.GetPermalinkContext(ctx, &slack.PermalinkParameters{Channel: channel, Ts: m.Timestamp})
		if err != nil {
			f.c.log.Debug("permalink lookup failed", logx.String("channel", channel), logx.String("ts", m.Timestamp), logx.Err(err))
		}
		msg.Permalink = link
	}
	if m.User != "" {
		msg.UserInfo = f.user(ctx, m.User)
	}
	return msg, nil
}

// user resolves a profile once per fetch. Lookup failures leave the message with its raw id.
func (f *fetch) user(ctx context.Context, id string) *artifact.SlackUser {
	if u, ok := f.users[id]; ok {
		return u
	}
	var out *artifact.SlackUser
	if err := f.wait(ctx); err == nil {
		u, err := f.api.GetUserInfoContext(ctx, id)
		if err != nil {
			f.c.log.Debug("user lookup failed", logx.String("user", id), logx.Err(err))
		} else {
			out = &artifact.SlackUser{
				ID:          u.ID,
				Name:        u.Name,
				RealName:    u.RealName,
				DisplayName: u.Profile.DisplayNameNormalized,
				Profile:     artifact.SlackProfile{DisplayName: u.Profile.DisplayName, RealName: u.Profile.RealName},
			}
		}
	}
	f.users[id] = out
	return out
}

func slackTS(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + ".000000"
}

func classify(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return engine.RetryAfter(err, rl.RetryAfter)
	}
	switch {
	case strings.Contains(err.Error(), "invalid_auth"),
		strings.Contains(err.Error(), "not_authed"),
		strings.Contains(err.Error(), "channel_not_found"),
		strings.Contains(err.Error(), "not_in_channel"):
		return engine.NoRetry(err)
	}
	return err
}
