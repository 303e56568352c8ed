package clock

import (
	"sync"
	"time"

	"github.com/example/canvas-sync/internal/types"
)

// Source owns the hybrid logical clock state of one writer. Every locally
// produced clock is strictly greater than every clock the writer previously
// produced or observed. The source is an explicitly constructed value handed
// to whoever stamps changes; there is no process-wide clock.
type Source struct {
	mu   sync.Mutex
	node string
	last types.HLC
	now  func() time.Time
}

// Option configures a Source.
type Option func(*Source)

// WithNow overrides the wall clock, which keeps tests deterministic.
func WithNow(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// New seeds a clock source for the given writer identity.
func New(nodeID string, opts ...Option) *Source {
	s := &Source{node: nodeID, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.last = types.HLC{Ts: s.wallNow(), C: 0, N: nodeID}
	return s
}

// Node returns the writer identity stamped onto every clock.
func (s *Source) Node() string { return s.node }

// Current returns the most recently produced clock without advancing it.
func (s *Source) Current() types.HLC {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Tick advances the clock for a local event. The result strictly exceeds the
// previous local clock even when the wall clock stalls or steps backwards.
func (s *Source) Tick() types.HLC {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.wallNow()
	if now > s.last.Ts {
		s.last = types.HLC{Ts: now, C: 0, N: s.node}
	} else {
		s.last = types.HLC{Ts: s.last.Ts, C: s.last.C + 1, N: s.node}
	}
	return s.last
}

// Observe merges a remote clock into the local one so the local clock never
// regresses relative to either input. The node identity always stays local.
func (s *Source) Observe(remote types.HLC) types.HLC {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.wallNow()
	switch {
	case now > s.last.Ts && now > remote.Ts:
		s.last = types.HLC{Ts: now, C: 0, N: s.node}
	case s.last.Ts == remote.Ts:
		s.last = types.HLC{Ts: s.last.Ts, C: maxCounter(s.last.C, remote.C) + 1, N: s.node}
	case s.last.Ts > remote.Ts:
		s.last = types.HLC{Ts: s.last.Ts, C: s.last.C + 1, N: s.node}
	default:
		s.last = types.HLC{Ts: remote.Ts, C: remote.C + 1, N: s.node}
	}
	return s.last
}

func (s *Source) wallNow() int64 {
	return s.now().UnixMilli()
}

func maxCounter(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
