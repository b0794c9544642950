// Package mock provides a scripted implementation of [audio.Source] for use in
// unit tests.
//
// The mock is safe for concurrent use. It records Start and Stop calls and
// replays a fixed list of chunks on every Start.
//
// Typical usage:
//
//	src := &mock.Source{Chunks: chunks, EndErr: io.ErrUnexpectedEOF}
//	ch, err := src.Start(ctx)
//	for c := range ch { ... }
//	err = src.Err() // io.ErrUnexpectedEOF
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxmod/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Source is a mock [audio.Source].
type Source struct {
	mu sync.Mutex

	// Chunks are delivered in order on every Start. Seq is overwritten with the
	// delivery index.
	Chunks []audio.Chunk

	// Interval is the delay between chunks. Zero delivers as fast as the
	// reader consumes.
	Interval time.Duration

	// HoldOpen keeps the channel open after all chunks have been delivered
	// until Stop is called or the context is cancelled.
	HoldOpen bool

	// EndErr is reported by Err when the chunk list is exhausted without a
	// Stop call.
	EndErr error

	// StartErr is returned by Start instead of starting.
	StartErr error

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	stop chan struct{}
	err  error
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan audio.Chunk, error) {
	s.mu.Lock()
	s.StartCalls++
	if s.StartErr != nil {
		err := s.StartErr
		s.mu.Unlock()
		return nil, err
	}
	stop := make(chan struct{})
	s.stop = stop
	s.err = nil
	chunks := append([]audio.Chunk(nil), s.Chunks...)
	interval := s.Interval
	hold := s.HoldOpen
	endErr := s.EndErr
	s.mu.Unlock()

	out := make(chan audio.Chunk)
	go func() {
		defer close(out)
		for i, c := range chunks {
			c.Seq = uint64(i)
			if c.ReceivedAt.IsZero() {
				c.ReceivedAt = time.Now()
			}
			if interval > 0 {
				select {
				case <-time.After(interval):
				case <-stop:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if hold {
			select {
			case <-stop:
			case <-ctx.Done():
			}
			return
		}
		s.mu.Lock()
		s.err = endErr
		s.mu.Unlock()
	}()
	return out, nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return nil
}

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
