package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/kioskshop/pairing-server-go/internal/redis"
)

// RedisFeed carries changes over Redis pub/sub, one channel per pairing code.
type RedisFeed struct {
	redis *redisclient.Client

	mu      sync.Mutex
	streams map[*redisStream]struct{}
	closed  bool
}

func NewRedisFeed(redisClient *redisclient.Client) *RedisFeed {
	return &RedisFeed{
		redis:   redisClient,
		streams: make(map[*redisStream]struct{}),
	}
}

type redisStream struct {
	feed   *RedisFeed
	code   string
	pubsub *redis.PubSub
	out    chan Change
	done   chan struct{}
	once   sync.Once
}

func (s *redisStream) Changes() <-chan Change {
	return s.out
}

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.feed.untrack(s)
	})
	return err
}

func (f *RedisFeed) Subscribe(ctx context.Context, code string) (Stream, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrFeedClosed
	}

	channel := redisclient.SessionChannel(code)
	pubsub := f.redis.Subscribe(ctx, channel)

	// Receive blocks until the server confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := &redisStream{
		feed:   f,
		code:   code,
		pubsub: pubsub,
		out:    make(chan Change, streamBuffer),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		pubsub.Close()
		return nil, ErrFeedClosed
	}
	f.streams[s] = struct{}{}
	f.mu.Unlock()

	log.Debug().
		Str("pairingCode", code).
		Str("channel", channel).
		Msg("redis pubsub subscribed")

	go s.run()
	return s, nil
}

func (s *redisStream) run() {
	defer close(s.out)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			change, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				log.Error().Err(err).Str("pairingCode", s.code).Msg("failed to unmarshal change")
				continue
			}

			select {
			case s.out <- change:
			case <-s.done:
				return
			}
		}
	}
}

func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	data, err := encodeChange(change)
	if err != nil {
		return err
	}

	channel := redisclient.SessionChannel(change.Record.PairingCode)
	return f.redis.Publish(ctx, channel, data).Err()
}

func (f *RedisFeed) untrack(s *redisStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, s)
}

// Close ends every open stream. The Redis client is owned by the caller.
func (f *RedisFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	streams := make([]*redisStream, 0, len(f.streams))
	for s := range f.streams {
		streams = append(streams, s)
	}
	f.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	return nil
}
