package realtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/config"
	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
)

type State int32

const (
	StateConnecting State = iota
	StateSubscribed
	StateNotified
	StateFailed
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateNotified:
		return "notified"
	case StateFailed:
		return "failed"
	case StateUnsubscribed:
		return "unsubscribed"
	}
	return "unknown"
}

// SessionDeleter removes an abandoned session after the hard timeout.
type SessionDeleter interface {
	DeleteByCode(ctx context.Context, code string)
}

type NotifierConfig struct {
	RetryDelay  time.Duration
	HardTimeout time.Duration
}

func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		RetryDelay:  2 * time.Second,
		HardTimeout: 10 * time.Minute,
	}
}

// Notifier watches the change feed of one pairing code per Subscribe call
// and reports the pending -> authenticated transition.
type Notifier struct {
	feed    Feed
	deleter SessionDeleter
	cfg     NotifierConfig
	now     func() time.Time
}

// NewNotifier replaces non-positive durations in cfg with the defaults.
func NewNotifier(feed Feed, deleter SessionDeleter, cfg NotifierConfig) *Notifier {
	defaults := DefaultNotifierConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = defaults.HardTimeout
	}
	return &Notifier{
		feed:    feed,
		deleter: deleter,
		cfg:     cfg,
		now:     time.Now,
	}
}

type watchOptions struct {
	onTimeout func()
}

type WatchOption func(*watchOptions)

// OnTimeout runs after the hard timeout has unsubscribed the watch and
// deleted the session.
func OnTimeout(fn func()) WatchOption {
	return func(o *watchOptions) {
		o.onTimeout = fn
	}
}

// Watch is a live subscription. The callback passed to Subscribe runs at
// most once and never after Unsubscribe returns.
type Watch struct {
	code    string
	state   atomic.Int32
	active  atomic.Bool
	lastErr atomic.Pointer[apperrors.AppError]
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *Watch) Code() string {
	return w.code
}

func (w *Watch) State() State {
	return State(w.state.Load())
}

// Err returns the most recent channel failure, or nil if the channel never
// failed.
func (w *Watch) Err() error {
	if err := w.lastErr.Load(); err != nil {
		return err
	}
	return nil
}

// Done is closed once the watch goroutine has exited.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Unsubscribe is idempotent and safe to call from the callback itself.
func (w *Watch) Unsubscribe() {
	w.active.Store(false)
	w.state.Store(int32(StateUnsubscribed))
	w.cancel()
}

// setState never leaves the terminal Unsubscribed state.
func (w *Watch) setState(s State) {
	for {
		cur := w.state.Load()
		if State(cur) == StateUnsubscribed {
			return
		}
		if w.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (n *Notifier) Subscribe(code string, onAuthenticated func(identityRef string), opts ...WatchOption) *Watch {
	var o watchOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watch{
		code:   code,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.active.Store(true)
	w.state.Store(int32(StateConnecting))

	go n.run(ctx, w, onAuthenticated, o)
	return w
}

var errStreamDropped = errors.New("realtime stream closed")

type streamResult int

const (
	streamNotified streamResult = iota
	streamDropped
	streamCancelled
	streamTimedOut
)

func (n *Notifier) run(ctx context.Context, w *Watch, onAuthenticated func(string), o watchOptions) {
	defer close(w.done)

	hardTimeout := time.NewTimer(n.cfg.HardTimeout)
	defer hardTimeout.Stop()

	for attempt := 1; ; attempt++ {
		w.setState(StateConnecting)

		stream, err := n.feed.Subscribe(ctx, w.code)
		var result streamResult
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			chErr := apperrors.Channel(err)
			w.lastErr.Store(chErr)
			log.Warn().
				Err(chErr).
				Str("pairingCode", w.code).
				Int("attempt", attempt).
				Dur("retryIn", n.cfg.RetryDelay).
				Msg("realtime subscription failed")
			result = streamDropped
		} else {
			w.setState(StateSubscribed)
			log.Debug().Str("pairingCode", w.code).Msg("realtime subscription established")

			result = n.consume(ctx, w, stream, hardTimeout.C, onAuthenticated)
			stream.Close()
			if result == streamDropped {
				chErr := apperrors.Channel(errStreamDropped)
				w.lastErr.Store(chErr)
				log.Warn().
					Err(chErr).
					Str("pairingCode", w.code).
					Dur("retryIn", n.cfg.RetryDelay).
					Msg("realtime channel dropped")
			}
		}

		if result == streamDropped {
			w.setState(StateFailed)
			result = waitRetry(ctx, hardTimeout.C, n.cfg.RetryDelay)
		}

		switch result {
		case streamNotified, streamCancelled:
			return
		case streamTimedOut:
			n.expire(w, o)
			return
		}
	}
}

func (n *Notifier) consume(ctx context.Context, w *Watch, stream Stream, hardTimeout <-chan time.Time, onAuthenticated func(string)) streamResult {
	for {
		select {
		case <-ctx.Done():
			return streamCancelled

		case <-hardTimeout:
			return streamTimedOut

		case change, ok := <-stream.Changes():
			if !ok {
				return streamDropped
			}
			if change.Type != ChangeUpdate || change.Record.PairingCode != w.code {
				continue
			}
			if !change.Record.IsAuthenticated(n.now()) {
				continue
			}

			if !w.active.CompareAndSwap(true, false) {
				return streamCancelled
			}
			w.setState(StateNotified)

			log.Info().Str("pairingCode", w.code).Msg("realtime authentication observed")
			onAuthenticated(change.Record.IdentityRef())
			return streamNotified
		}
	}
}

// waitRetry waits out the retry delay. It reports streamDropped when the caller
// should subscribe again.
func waitRetry(ctx context.Context, hardTimeout <-chan time.Time, d time.Duration) streamResult {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return streamCancelled
	case <-hardTimeout:
		return streamTimedOut
	case <-timer.C:
		return streamDropped
	}
}

func (n *Notifier) expire(w *Watch, o watchOptions) {
	if !w.active.CompareAndSwap(true, false) {
		return
	}
	w.state.Store(int32(StateUnsubscribed))
	w.cancel()

	log.Info().
		Str("pairingCode", w.code).
		Dur("timeout", n.cfg.HardTimeout).
		Msg("realtime watch timed out, deleting session")

	if n.deleter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.CleanupPassTimeout)
		n.deleter.DeleteByCode(ctx, w.code)
		cancel()
	}
	if o.onTimeout != nil {
		o.onTimeout()
	}
}
