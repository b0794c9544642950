package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxmod/internal/resilience"
	"github.com/MrWong99/voxmod/pkg/audio"
)

// Kick's public Pusher endpoint.
const (
	KickPusherURL  = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=7.6.0&flash=false"
	KickChannelAPI = "https://kick.com/api/v2/channels/"

	kickChatEvent     = `App\Events\ChatMessageEvent`
	kickPingInterval  = 30 * time.Second
	kickLookupTimeout = 10 * time.Second
)

var _ Observer = (*KickObserver)(nil)

// KickOption configures a [KickObserver].
type KickOption func(*KickObserver)

// WithKickURL overrides the Pusher endpoint. Used by tests.
func WithKickURL(url string) KickOption {
	return func(o *KickObserver) { o.url = url }
}

// WithKickBackoff sets the reconnect schedule.
func WithKickBackoff(b resilience.Backoff) KickOption {
	return func(o *KickObserver) { o.backoff = b }
}

// WithKickPingInterval sets the keepalive interval. Default: 30s.
func WithKickPingInterval(d time.Duration) KickOption {
	return func(o *KickObserver) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

// KickObserver subscribes to a Kick chatroom over Pusher.
type KickObserver struct {
	chatroomID   int64
	url          string
	pingInterval time.Duration
	backoff      resilience.Backoff
}

// NewKickObserver creates an observer for the chatroom with the given id.
// [LookupKickChatroom] finds the id for a channel slug.
func NewKickObserver(chatroomID int64, opts ...KickOption) (*KickObserver, error) {
	if chatroomID <= 0 {
		return nil, errors.New("chat: kick chatroom id must be positive")
	}
	o := &KickObserver{
		chatroomID:   chatroomID,
		url:          KickPusherURL,
		pingInterval: kickPingInterval,
		backoff:      resilience.Backoff{MaxAttempts: -1},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Platform implements [Observer].
func (o *KickObserver) Platform() audio.Platform { return audio.PlatformKick }

// Channel returns the Pusher channel name.
func (o *KickObserver) Channel() string {
	return fmt.Sprintf("chatrooms.%d.v2", o.chatroomID)
}

// Run implements [Observer].
func (o *KickObserver) Run(ctx context.Context, out chan<- Event) error {
	return reconnectLoop(ctx, "kick", o.backoff, func(ctx context.Context) error {
		return o.session(ctx, out)
	})
}

type pusherMessage struct {
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Channel string          `json:"channel,omitempty"`
}

type kickChatMessage struct {
	Content string `json:"content"`
	Sender  struct {
		Username string `json:"username"`
	} `json:"sender"`
}

func (o *KickObserver) session(ctx context.Context, out chan<- Event) error {
	conn, _, err := websocket.Dial(ctx, o.url, nil)
	if err != nil {
		return fmt.Errorf("chat: kick dial: %w", err)
	}
	defer conn.CloseNow()

	sub := fmt.Sprintf(`{"event":"pusher:subscribe","data":{"auth":"","channel":%q}}`, o.Channel())
	if err := conn.Write(ctx, websocket.MessageText, []byte(sub)); err != nil {
		return fmt.Errorf("chat: kick subscribe: %w", err)
	}
	slog.Info("chat: subscribed to kick chatroom", "channel", o.Channel())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.keepalive(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("chat: kick read: %w", err)
		}
		ev, ok, err := ParsePusherMessage(data)
		if err != nil {
			slog.Debug("chat: ignoring malformed kick message", "err", err)
			continue
		}
		if !ok {
			continue
		}
		if !send(ctx, out, ev) {
			return ctx.Err()
		}
	}
}

// keepalive sends pusher:ping until ctx is done. A failed write closes the
// connection so the read loop ends.
func (o *KickObserver) keepalive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(o.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"pusher:ping","data":{}}`)); err != nil {
				if ctx.Err() == nil {
					slog.Warn("chat: kick ping failed", "err", err)
					conn.CloseNow()
				}
				return
			}
		}
	}
}

// ParsePusherMessage extracts the author of a chat message event. Other
// events report ok == false.
func ParsePusherMessage(data []byte) (ev Event, ok bool, err error) {
	var msg pusherMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false, fmt.Errorf("chat: decode pusher message: %w", err)
	}
	if msg.Event != kickChatEvent {
		return Event{}, false, nil
	}
	// Pusher double-encodes: data is a JSON string holding the payload.
	var payload string
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return Event{}, false, fmt.Errorf("chat: decode pusher data: %w", err)
	}
	var chatMsg kickChatMessage
	if err := json.Unmarshal([]byte(payload), &chatMsg); err != nil {
		return Event{}, false, fmt.Errorf("chat: decode kick chat message: %w", err)
	}
	if chatMsg.Sender.Username == "" {
		return Event{}, false, nil
	}
	return Event{
		Username: strings.ToLower(chatMsg.Sender.Username),
		Platform: audio.PlatformKick,
		Text:     chatMsg.Content,
		At:       time.Now(),
	}, true, nil
}

// LookupKickChatroom resolves a channel slug to its chatroom id through the
// public channel API. baseURL defaults to [KickChannelAPI].
func LookupKickChatroom(ctx context.Context, client *http.Client, baseURL, channel string) (int64, error) {
	if client == nil {
		client = &http.Client{Timeout: kickLookupTimeout}
	}
	if baseURL == "" {
		baseURL = KickChannelAPI
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/"+channel, nil)
	if err != nil {
		return 0, fmt.Errorf("chat: kick lookup: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "voxmod/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chat: kick lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chat: kick lookup %q: status %d", channel, resp.StatusCode)
	}

	var body struct {
		Chatroom struct {
			ID int64 `json:"id"`
		} `json:"chatroom"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("chat: kick lookup: decode: %w", err)
	}
	if body.Chatroom.ID <= 0 {
		return 0, fmt.Errorf("chat: kick lookup %q: no chatroom id", channel)
	}
	return body.Chatroom.ID, nil
}
