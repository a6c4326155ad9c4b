package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const streamBuffer = 16

// MemoryFeed fans changes out to in-process subscribers. It serves
// single-instance deployments and is the local hub of PostgresFeed.
type MemoryFeed struct {
	mu      sync.RWMutex
	streams map[string]map[*memoryStream]struct{}
	closed  bool
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		streams: make(map[string]map[*memoryStream]struct{}),
	}
}

type memoryStream struct {
	feed *MemoryFeed
	code string
	ch   chan Change
	once sync.Once
}

func (s *memoryStream) Changes() <-chan Change {
	return s.ch
}

func (s *memoryStream) Close() error {
	s.feed.remove(s)
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context, code string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}

	s := &memoryStream{
		feed: f,
		code: code,
		ch:   make(chan Change, streamBuffer),
	}
	if f.streams[code] == nil {
		f.streams[code] = make(map[*memoryStream]struct{})
	}
	f.streams[code][s] = struct{}{}
	return s, nil
}

func (f *MemoryFeed) Publish(ctx context.Context, change Change) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}

	for s := range f.streams[change.Record.PairingCode] {
		select {
		case s.ch <- change:
		default:
			log.Warn().
				Str("pairingCode", change.Record.PairingCode).
				Msg("stream buffer full, dropping change")
		}
	}
	return nil
}

// Disconnect drops every stream of code, as a lost connection would.
func (f *MemoryFeed) Disconnect(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams[code] {
		s.closeLocked()
	}
}

func (f *MemoryFeed) Subscribers(code string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.streams[code])
}

func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, set := range f.streams {
		for s := range set {
			s.closeLocked()
		}
	}
	return nil
}

func (f *MemoryFeed) remove(s *memoryStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.closeLocked()
}

// closeLocked requires f.mu held for writing.
func (s *memoryStream) closeLocked() {
	s.once.Do(func() {
		if set, ok := s.feed.streams[s.code]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.feed.streams, s.code)
			}
		}
		close(s.ch)
	})
}
