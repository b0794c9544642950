package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/pkg/audio"
)

// TwitchIRCURL is Twitch's IRC-over-WebSocket endpoint.
const TwitchIRCURL = "wss://irc-ws.chat.twitch.tv:443"

var _ Observer = (*TwitchObserver)(nil)

// TwitchOption configures a [TwitchObserver].
type TwitchOption func(*TwitchObserver)

// WithTwitchURL overrides the IRC endpoint. Used by tests.
func WithTwitchURL(url string) TwitchOption {
	return func(o *TwitchObserver) { o.url = url }
}

// WithTwitchCredentials logs in as nick with an OAuth token instead of
// anonymously. The "oauth:" prefix is added when missing.
func WithTwitchCredentials(nick, token string) TwitchOption {
	return func(o *TwitchObserver) {
		o.nick = strings.ToLower(nick)
		if token != "" && !strings.HasPrefix(token, "oauth:") {
			token = "oauth:" + token
		}
		o.token = token
	}
}

// WithTwitchBackoff sets the reconnect schedule.
func WithTwitchBackoff(b resilience.Backoff) TwitchOption {
	return func(o *TwitchObserver) { o.backoff = b }
}

// TwitchObserver reads a channel's chat over IRC. Without credentials it
// joins anonymously as a justinfan user, which is read-only.
type TwitchObserver struct {
	channel string
	nick    string
	token   string
	url     string
	backoff resilience.Backoff
}

// NewTwitchObserver creates an observer for channel (with or without '#').
func NewTwitchObserver(channel string, opts ...TwitchOption) (*TwitchObserver, error) {
	channel = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
	if channel == "" {
		return nil, errors.New("chat: twitch channel must not be empty")
	}
	o := &TwitchObserver{
		channel: channel,
		nick:    fmt.Sprintf("justinfan%d", 10000+rand.IntN(89999)),
		url:     TwitchIRCURL,
		backoff: resilience.Backoff{MaxAttempts: -1},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Platform implements [Observer].
func (o *TwitchObserver) Platform() audio.Platform { return audio.PlatformTwitch }

// Run implements [Observer].
func (o *TwitchObserver) Run(ctx context.Context, out chan<- Event) error {
	return reconnectLoop(ctx, "twitch", o.backoff, func(ctx context.Context) error {
		return o.session(ctx, out)
	})
}

func (o *TwitchObserver) session(ctx context.Context, out chan<- Event) error {
	conn, _, err := websocket.Dial(ctx, o.url, nil)
	if err != nil {
		return fmt.Errorf("chat: twitch dial: %w", err)
	}
	defer conn.CloseNow()

	login := []string{}
	if o.token != "" {
		login = append(login, "PASS "+o.token)
	}
	login = append(login, "NICK "+o.nick, "JOIN #"+o.channel)
	for _, line := range login {
		if err := conn.Write(ctx, websocket.MessageText, []byte(line+"\r\n")); err != nil {
			return fmt.Errorf("chat: twitch login: %w", err)
		}
	}
	slog.Info("chat: joined twitch channel", "channel", o.channel, "nick", o.nick)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("chat: twitch read: %w", err)
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "PING") {
				pong := "PONG" + strings.TrimPrefix(line, "PING") + "\r\n"
				if err := conn.Write(ctx, websocket.MessageText, []byte(pong)); err != nil {
					return fmt.Errorf("chat: twitch pong: %w", err)
				}
				continue
			}
			ev, ok := ParseIRCLine(line, o.channel)
			if !ok || ev.Username == o.nick {
				continue
			}
			if !send(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}

// ParseIRCLine extracts the author of a PRIVMSG to #channel. IRCv3 tags, if
// present, are skipped.
func ParseIRCLine(line, channel string) (Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "@") {
		i := strings.IndexByte(line, ' ')
		if i < 0 {
			return Event{}, false
		}
		line = line[i+1:]
	}
	if !strings.HasPrefix(line, ":") {
		return Event{}, false
	}
	prefix, rest, ok := strings.Cut(line[1:], " ")
	if !ok {
		return Event{}, false
	}
	target := "PRIVMSG #" + strings.ToLower(channel) + " :"
	if !strings.HasPrefix(rest, target) {
		return Event{}, false
	}
	nick, _, _ := strings.Cut(prefix, "!")
	if nick == "" {
		return Event{}, false
	}
	return Event{
		Username: strings.ToLower(nick),
		Platform: audio.PlatformTwitch,
		Text:     rest[len(target):],
		At:       time.Now(),
	}, true
}

// reconnectLoop runs session until ctx is done, waiting with backoff between
// failed sessions. A session that lasted longer than the maximum delay
// resets the attempt counter.
func reconnectLoop(ctx context.Context, platform string, b resilience.Backoff, session func(context.Context) error) error {
	attempt := 0
	for {
		start := time.Now()
		err := session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > b.Cap() {
			attempt = 0
		}
		attempt++
		if b.Exhausted(attempt) {
			return fmt.Errorf("chat: %s: giving up after %d attempts: %w", platform, attempt, err)
		}
		delay := b.Delay(attempt)
		slog.Warn("chat: connection lost, reconnecting", "platform", platform,
			"attempt", attempt, "backoff", delay, "err", err)
		if err := resilience.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}
