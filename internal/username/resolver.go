package username

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/voxmod/internal/observe"
)

// methodNone labels resolutions where every stage missed.
const methodNone = "none"

// Resolver runs its matchers in order against a window snapshot and returns
// the first match. It is safe for concurrent use.
type Resolver struct {
	window   *Window
	matchers []Matcher
	metrics  *observe.Metrics
}

// NewResolver creates a resolver over window. Matchers are tried in the order
// given; with none, [DefaultMatchers] is used.
func NewResolver(window *Window, matchers ...Matcher) *Resolver {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Resolver{
		window:   window,
		matchers: matchers,
		metrics:  observe.DefaultMetrics(),
	}
}

// Window returns the window the resolver reads.
func (r *Resolver) Window() *Window { return r.window }

// Matchers returns the cascade in priority order.
func (r *Resolver) Matchers() []Matcher {
	return append([]Matcher(nil), r.matchers...)
}

// Resolve binds fragment to a recent chat username. The result always names
// an entry of the snapshot taken at the start of the call.
func (r *Resolver) Resolve(ctx context.Context, fragment string) (MatchResult, bool) {
	start := time.Now()
	log := observe.Logger(ctx)

	fragment = strings.TrimSpace(fragment)
	snapshot := r.window.Snapshot()
	if fragment == "" || len(snapshot) == 0 {
		log.Warn("username: nothing to resolve against", "fragment", fragment, "window", len(snapshot))
		r.metrics.RecordResolution(ctx, methodNone, time.Since(start).Seconds())
		return MatchResult{}, false
	}

	for _, m := range r.matchers {
		res, ok := m.AttemptMatch(ctx, fragment, snapshot)
		if !ok {
			continue
		}
		if !inWindow(res.Username, snapshot) {
			log.Warn("username: matcher returned a name outside the window",
				"fragment", fragment, "username", res.Username, "method", res.Method)
			continue
		}
		r.metrics.RecordResolution(ctx, res.Method.String(), time.Since(start).Seconds())
		log.Info("username: resolved", "fragment", fragment, "username", res.Username,
			"method", res.Method, "score", res.Score)
		return res, true
	}

	r.metrics.RecordResolution(ctx, methodNone, time.Since(start).Seconds())
	log.Warn("username: no match found", "fragment", fragment, "window", len(snapshot))
	return MatchResult{}, false
}

func inWindow(name string, snapshot []string) bool {
	for _, n := range snapshot {
		if n == name {
			return true
		}
	}
	return false
}
