package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	listenerMinReconnect = 500 * time.Millisecond
	listenerMaxReconnect = 30 * time.Second
	listenerPingInterval = 90 * time.Second
)

// PostgresFeed uses LISTEN/NOTIFY on a single channel and filters by pairing
// code locally. It needs no broker beyond the session store itself.
type PostgresFeed struct {
	db       *sqlx.DB
	listener *pq.Listener
	hub      *MemoryFeed
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

func NewPostgresFeed(db *sqlx.DB, dsn string) (*PostgresFeed, error) {
	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("postgres listener connection lost")
		case pq.ListenerEventReconnected:
			log.Info().Msg("postgres listener reconnected")
		}
	})
	if err := listener.Listen(Table); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen %s: %w", Table, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &PostgresFeed{
		db:       db,
		listener: listener,
		hub:      NewMemoryFeed(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go f.run(ctx)
	return f, nil
}

func (f *PostgresFeed) run(ctx context.Context) {
	defer close(f.done)

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					log.Warn().Err(err).Msg("postgres listener ping failed")
				}
			}()

		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; missed notifications are covered by polling.
			if n == nil {
				continue
			}

			change, err := decodeChange([]byte(n.Extra))
			if err != nil {
				log.Error().Err(err).Msg("failed to unmarshal change")
				continue
			}
			if err := f.hub.Publish(ctx, change); err != nil {
				return
			}
		}
	}
}

func (f *PostgresFeed) Subscribe(ctx context.Context, code string) (Stream, error) {
	return f.hub.Subscribe(ctx, code)
}

func (f *PostgresFeed) Publish(ctx context.Context, change Change) error {
	data, err := encodeChange(change)
	if err != nil {
		return err
	}
	_, err = f.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Table, string(data))
	if err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (f *PostgresFeed) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		<-f.done
		f.hub.Close()
		err = f.listener.Close()
	})
	return err
}
