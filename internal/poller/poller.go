// Package poller re-reads a device session on a fixed interval as a fallback
// for lost realtime notifications.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/model"
)

// DefaultInterval replaces a non-positive polling interval.
const DefaultInterval = 3 * time.Second

type SessionReader interface {
	Get(ctx context.Context, code string) (*model.DeviceSession, error)
}

// ReaderFunc adapts a function to SessionReader.
type ReaderFunc func(ctx context.Context, code string) (*model.DeviceSession, error)

func (f ReaderFunc) Get(ctx context.Context, code string) (*model.DeviceSession, error) {
	return f(ctx, code)
}

type Poller struct {
	reader SessionReader
	now    func() time.Time
}

func New(reader SessionReader) *Poller {
	return &Poller{
		reader: reader,
		now:    time.Now,
	}
}

// StartPolling reads the session every interval until it is authenticated,
// then calls onAuthenticated once and stops. Read errors are logged and the
// next tick tries again. The returned stop is idempotent; a read still in
// flight when it is called is discarded.
func (p *Poller) StartPolling(code string, interval time.Duration, onAuthenticated func(identityRef string)) (stop func()) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	var active atomic.Bool
	active.Store(true)

	var once sync.Once
	stop = func() {
		once.Do(func() {
			active.Store(false)
			cancel()
		})
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for tick := 1; ; tick++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			session, err := p.reader.Get(ctx, code)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().
					Err(err).
					Str("pairingCode", code).
					Int("tick", tick).
					Msg("poll read failed")
				continue
			}
			if session == nil || !session.IsAuthenticated(p.now()) {
				continue
			}

			if !active.CompareAndSwap(true, false) {
				return
			}
			cancel()

			log.Info().
				Str("pairingCode", code).
				Int("tick", tick).
				Msg("poll observed authentication")
			onAuthenticated(session.IdentityRef())
			return
		}
	}()

	log.Debug().
		Str("pairingCode", code).
		Dur("interval", interval).
		Msg("polling started")

	return stop
}
