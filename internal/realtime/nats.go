package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSFeed carries changes on subject device_sessions.<code>.
type NATSFeed struct {
	conn *nats.Conn

	mu      sync.Mutex
	streams map[*natsStream]struct{}
	closed  bool
}

// NewNATSFeed connects with unlimited reconnects. Extra options (disconnect
// handlers, credentials) are appended to the defaults.
func NewNATSFeed(url string, opts ...nats.Option) (*NATSFeed, error) {
	defaults := []nats.Option{
		nats.Name("pairing-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSFeed{
		conn:    nc,
		streams: make(map[*natsStream]struct{}),
	}, nil
}

type natsStream struct {
	feed *NATSFeed
	sub  *nats.Subscription
	out  chan Change

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (s *natsStream) Changes() <-chan Change {
	return s.out
}

func (s *natsStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
		s.feed.untrack(s)
	})
	return err
}

func (s *natsStream) deliver(msg *nats.Msg) {
	change, err := decodeChange(msg.Data)
	if err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal change")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- change:
	default:
		// Never block the NATS client goroutine.
		log.Warn().Str("subject", msg.Subject).Msg("stream buffer full, dropping change")
	}
}

func (f *NATSFeed) Subscribe(ctx context.Context, code string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}

	s := &natsStream{
		feed: f,
		out:  make(chan Change, streamBuffer),
	}

	subject := SubjectName(code)
	sub, err := f.conn.Subscribe(subject, s.deliver)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	s.sub = sub

	// Flush so the subscription is registered before anyone publishes.
	if err := f.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}

	f.streams[s] = struct{}{}
	return s, nil
}

func (f *NATSFeed) Publish(ctx context.Context, change Change) error {
	data, err := encodeChange(change)
	if err != nil {
		return fmt.Errorf("marshaling change: %w", err)
	}
	return f.conn.Publish(SubjectName(change.Record.PairingCode), data)
}

func (f *NATSFeed) untrack(s *natsStream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, s)
}

func (f *NATSFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	streams := make([]*natsStream, 0, len(f.streams))
	for s := range f.streams {
		streams = append(streams, s)
	}
	f.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	f.conn.Close()
	return nil
}
