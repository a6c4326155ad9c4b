// Package pairing coordinates the kiosk and mobile sides of a device pairing.
// The kiosk begins a pairing and watches it through both the realtime
// notifier and the poller; whichever observes authentication first wins.
package pairing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/config"
	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
	"github.com/kioskshop/pairing-server-go/internal/idgen"
	"github.com/kioskshop/pairing-server-go/internal/model"
	"github.com/kioskshop/pairing-server-go/internal/poller"
	"github.com/kioskshop/pairing-server-go/internal/realtime"
	"github.com/kioskshop/pairing-server-go/internal/repository"
)

const maxCodeAttempts = 3

// Lifecycle is the session lifecycle surface the orchestrator drives.
type Lifecycle interface {
	Create(ctx context.Context, code string) (*model.DeviceSession, error)
	CreatePreauthenticated(ctx context.Context, code, identityRef string) (*model.DeviceSession, error)
	Validate(ctx context.Context, code string) (*model.DeviceSession, error)
	MarkAuthenticated(ctx context.Context, code, identityRef string) error
	Get(ctx context.Context, code string) (*model.DeviceSession, error)
	DeleteByCode(ctx context.Context, code string)
}

// AppContext carries the app-level flags the pairing flow depends on.
type AppContext struct {
	KioskMode   bool
	DeviceLabel string
}

type Options struct {
	PollInterval  time.Duration
	App           AppContext
	CodeGenerator idgen.Generator
}

type Orchestrator struct {
	lifecycle Lifecycle
	notifier  *realtime.Notifier
	poller    *poller.Poller
	opts      Options

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(lifecycle Lifecycle, notifier *realtime.Notifier, p *poller.Poller, opts Options) *Orchestrator {
	if opts.CodeGenerator == nil {
		opts.CodeGenerator = idgen.UUID
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = poller.DefaultInterval
	}
	return &Orchestrator{
		lifecycle: lifecycle,
		notifier:  notifier,
		poller:    p,
		opts:      opts,
		handles:   make(map[string]*Handle),
	}
}

// BeginPairing creates a pending session under a fresh code and starts
// watching it. Only a kiosk may begin pairing.
func (o *Orchestrator) BeginPairing(ctx context.Context) (*Handle, error) {
	if !o.opts.App.KioskMode {
		return nil, apperrors.KioskModeDisabled()
	}

	session, err := o.createWithFreshCode(ctx, func(code string) (*model.DeviceSession, error) {
		return o.lifecycle.Create(ctx, code)
	})
	if err != nil {
		return nil, err
	}

	h := &Handle{
		PairingCode: session.PairingCode,
		ExpiresAt:   session.ExpiresAt,
		orch:        o,
		outcome:     OutcomeWaiting,
		done:        make(chan struct{}),
	}

	o.mu.Lock()
	o.handles[h.PairingCode] = h
	o.mu.Unlock()

	// Watchers may fire before both are assigned; settle waits on h.mu.
	h.mu.Lock()
	h.watch = o.notifier.Subscribe(h.PairingCode, h.observed("realtime"),
		realtime.OnTimeout(func() { h.settle(OutcomeExpired, "") }))
	h.stopPoll = o.poller.StartPolling(h.PairingCode, o.opts.PollInterval, h.observed("poll"))
	h.mu.Unlock()

	log.Info().
		Str("pairingCode", h.PairingCode).
		Str("device", o.opts.App.DeviceLabel).
		Time("expiresAt", h.ExpiresAt).
		Msg("pairing started")

	return h, nil
}

// CompletePairingFromOtherDevice is the mobile side. Validate runs first so
// a missing or expired session is reported without attempting the write.
func (o *Orchestrator) CompletePairingFromOtherDevice(ctx context.Context, code, identityRef string) error {
	if code == "" {
		return apperrors.MissingRequired("pairingCode")
	}
	if identityRef == "" {
		return apperrors.MissingRequired("identityRef")
	}

	if _, err := o.lifecycle.Validate(ctx, code); err != nil {
		log.Info().
			Err(err).
			Str("pairingCode", code).
			Msg("pairing completion rejected")
		return err
	}

	if err := o.lifecycle.MarkAuthenticated(ctx, code, identityRef); err != nil {
		log.Warn().
			Err(err).
			Str("pairingCode", code).
			Msg("pairing completion failed")
		return err
	}

	log.Info().Str("pairingCode", code).Msg("pairing completed from other device")
	return nil
}

// TransferSession hands an already signed-in identity to another device
// through a short-lived preauthenticated session.
func (o *Orchestrator) TransferSession(ctx context.Context, identityRef string) (*model.DeviceSession, error) {
	if identityRef == "" {
		return nil, apperrors.MissingRequired("identityRef")
	}

	session, err := o.createWithFreshCode(ctx, func(code string) (*model.DeviceSession, error) {
		return o.lifecycle.CreatePreauthenticated(ctx, code, identityRef)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("pairingCode", session.PairingCode).
		Time("expiresAt", session.ExpiresAt).
		Msg("session transfer created")
	return session, nil
}

// Lookup finds a waiting pairing, or a paired one until its session expires
// so a reconnecting kiosk can still read the outcome.
func (o *Orchestrator) Lookup(code string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.handles[code]
	return h, ok
}

// Active returns the number of pairings still waiting.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, h := range o.handles {
		if !h.settled.Load() {
			n++
		}
	}
	return n
}

// Close cancels every pairing still waiting and drops retained ones.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	handles := make([]*Handle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	cancelled := 0
	for _, h := range handles {
		if h.settle(OutcomeCancelled, "") {
			cancelled++
		}
		h.release()
	}
	if cancelled > 0 {
		log.Info().Int("count", cancelled).Msg("cancelled open pairings")
	}
}

func (o *Orchestrator) forget(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handles[h.PairingCode] == h {
		delete(o.handles, h.PairingCode)
	}
}

// retain keeps a paired handle visible until its session expires.
func (o *Orchestrator) retain(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.expiry = time.AfterFunc(time.Until(h.ExpiresAt), h.release)
}

// createWithFreshCode regenerates the code when it collides with an
// existing session.
func (o *Orchestrator) createWithFreshCode(ctx context.Context, create func(code string) (*model.DeviceSession, error)) (*model.DeviceSession, error) {
	var lastErr error
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := o.opts.CodeGenerator()
		if err != nil {
			return nil, apperrors.Internal("failed to generate pairing code").WithCause(err)
		}

		session, err := create(code)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, repository.ErrDuplicateCode) {
			return nil, err
		}

		lastErr = err
		log.Warn().
			Str("pairingCode", code).
			Int("attempt", attempt).
			Msg("pairing code collision, regenerating")
	}
	return nil, lastErr
}

type Outcome string

const (
	OutcomeWaiting   Outcome = "waiting"
	OutcomePaired    Outcome = "paired"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeExpired   Outcome = "expired"
)

// Handle is the kiosk's view of one pairing. It settles exactly once into
// paired, cancelled or expired.
type Handle struct {
	PairingCode string
	ExpiresAt   time.Time

	orch    *Orchestrator
	settled atomic.Bool

	mu        sync.Mutex
	watch     *realtime.Watch
	stopPoll  func()
	callbacks []func(identityRef string)
	outcome   Outcome
	identity  string
	done      chan struct{}
	expiry    *time.Timer
	released  bool
}

// OnPaired registers fn to receive the identity once paired. Registering
// after the pairing already happened invokes fn right away.
func (h *Handle) OnPaired(fn func(identityRef string)) {
	h.mu.Lock()
	switch h.outcome {
	case OutcomeWaiting:
		h.callbacks = append(h.callbacks, fn)
		h.mu.Unlock()
	case OutcomePaired:
		identity := h.identity
		h.mu.Unlock()
		fn(identity)
	default:
		h.mu.Unlock()
	}
}

// Done is closed when the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

func (h *Handle) IdentityRef() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identity
}

// Cancel tears down both watchers and deletes the session. It never fires
// OnPaired, is idempotent and does nothing once the pairing has settled.
func (h *Handle) Cancel() {
	h.settle(OutcomeCancelled, "")
}

func (h *Handle) observed(source string) func(identityRef string) {
	return func(identityRef string) {
		if h.settle(OutcomePaired, identityRef) {
			log.Info().
				Str("pairingCode", h.PairingCode).
				Str("source", source).
				Msg("pairing observed")
		}
	}
}

// settle is the single gate every terminal transition goes through. Only
// the first caller wins; it stops both watchers before anything else runs.
func (h *Handle) settle(outcome Outcome, identityRef string) bool {
	if !h.settled.CompareAndSwap(false, true) {
		return false
	}

	h.mu.Lock()
	if h.watch != nil {
		h.watch.Unsubscribe()
	}
	if h.stopPoll != nil {
		h.stopPoll()
	}
	h.outcome = outcome
	h.identity = identityRef
	callbacks := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	switch outcome {
	case OutcomePaired:
		// The authenticated session stays until cleanup removes it, so a
		// repeated completion still succeeds.
		h.orch.retain(h)
		for _, fn := range callbacks {
			fn(identityRef)
		}
	case OutcomeCancelled:
		h.orch.forget(h)
		ctx, cancel := context.WithTimeout(context.Background(), config.CleanupPassTimeout)
		h.orch.lifecycle.DeleteByCode(ctx, h.PairingCode)
		cancel()
	default:
		// The notifier already deleted the session when it timed out.
		h.orch.forget(h)
	}

	log.Info().
		Str("pairingCode", h.PairingCode).
		Str("outcome", string(outcome)).
		Msg("pairing settled")
	return true
}

// release drops a settled handle from the orchestrator. Idempotent.
func (h *Handle) release() {
	h.mu.Lock()
	h.released = true
	if h.expiry != nil {
		h.expiry.Stop()
	}
	h.mu.Unlock()
	h.orch.forget(h)
}
