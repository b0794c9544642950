// Package chat observes live chat and feeds message authors into the
// recent-username window.
//
// An [Observer] connects to one platform's chat and emits an [Event] per
// message. [Pump] drains events into a [username.Window]. Observers reconnect
// with backoff on their own; [Observer.Run] returns only when its context is
// done or reconnection is exhausted.
//
// Usage:
//
//	obs, _ := chat.NewTwitchObserver("somechannel")
//	events := make(chan chat.Event, 64)
//	go obs.Run(ctx, events)
//	chat.Pump(ctx, events, window)
package chat

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxmod/internal/observe"
	"github.com/MrWong99/voxmod/internal/username"
	"github.com/MrWong99/voxmod/pkg/audio"
)

// Event is one observed chat message.
type Event struct {
	Username string
	Platform audio.Platform

	// Text is the message body. It is only logged at debug level.
	Text string

	At time.Time
}

// Observer streams chat events from one platform.
type Observer interface {
	// Run connects and sends events to out until ctx is done. It does not
	// close out.
	Run(ctx context.Context, out chan<- Event) error

	// Platform names the observed platform.
	Platform() audio.Platform
}

// Pump adds the author of every event to window until events is closed or
// ctx is done.
func Pump(ctx context.Context, events <-chan Event, window *username.Window) {
	metrics := observe.DefaultMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			metrics.ChatMessages.Add(ctx, 1, metric.WithAttributes(observe.Attr("platform", ev.Platform.String())))
			if window.Add(ev.Username) {
				metrics.WindowSize.Record(ctx, int64(window.Len()))
				observe.Logger(ctx).Debug("chat: new username", "username", ev.Username, "platform", ev.Platform)
			}
		}
	}
}

// send delivers ev unless ctx ends first.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
