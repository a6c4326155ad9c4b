package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/config"
	"github.com/kioskshop/pairing-server-go/internal/model"
)

// Cleaner is the bulk-delete surface of the lifecycle manager. Every method
// retries internally and swallows errors.
type Cleaner interface {
	ExpirePending(ctx context.Context) int64
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) int64
	DeleteOrphanedPending(ctx context.Context, olderThan time.Duration) int64
	DeleteByStatus(ctx context.Context, status model.SessionStatus) int64
	Stats(ctx context.Context) (*model.SessionStats, error)
}

type ActivityKind string

const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityScroll  ActivityKind = "scroll"
	ActivityTouch   ActivityKind = "touch"
)

func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityPointer, ActivityKey, ActivityScroll, ActivityTouch:
		return true
	}
	return false
}

const (
	TriggerStartup    = "startup"
	TriggerPeriodic   = "periodic"
	TriggerInactivity = "inactivity"
	TriggerHeartbeat  = "heartbeat"
	TriggerPageExit   = "page_exit"
	TriggerManual     = "manual"
	TriggerForced     = "forced_pending"
)

type SchedulerConfig struct {
	CleanupInterval   time.Duration
	MaxAge            time.Duration
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	OrphanThreshold   time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		CleanupInterval:   2 * time.Minute,
		SessionTimeout:    10 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		OrphanThreshold:   5 * time.Minute,
	}
}

func SchedulerConfigFrom(cfg *config.Config) SchedulerConfig {
	return SchedulerConfig{
		CleanupInterval:   cfg.CleanupInterval,
		MaxAge:            cfg.CleanupMaxAge,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OrphanThreshold:   cfg.OrphanThreshold,
	}
}

func (c SchedulerConfig) validate() error {
	if c.CleanupInterval <= 0 || c.SessionTimeout <= 0 || c.HeartbeatInterval <= 0 || c.OrphanThreshold <= 0 {
		return errors.New("cleanup intervals must be positive")
	}
	if c.MaxAge < 0 {
		return errors.New("cleanup max age must not be negative")
	}
	return nil
}

// CleanupReport is the user-visible result of a cleanup pass.
type CleanupReport struct {
	Trigger    string `json:"trigger"`
	Expired    int64  `json:"expired"`
	Deleted    int64  `json:"deleted"`
	Orphans    int64  `json:"orphans"`
	Pending    int64  `json:"pending"`
	DurationMs int64  `json:"durationMs"`
}

func (r CleanupReport) Total() int64 {
	return r.Deleted + r.Orphans + r.Pending
}

var ErrAlreadyInitialized = errors.New("cleanup scheduler already initialized")

// CleanupScheduler keeps the session store bounded. Initialize starts the
// periodic, inactivity and heartbeat triggers; Shutdown stops all of them
// and waits for in-flight passes, page-exit ones included.
type CleanupScheduler struct {
	cleaner Cleaner
	now     func() time.Time

	mu       sync.Mutex
	cfg      SchedulerConfig
	running  atomic.Bool
	done     chan struct{}
	cancel   context.CancelFunc
	ctx      context.Context
	activity chan struct{}
	wg       sync.WaitGroup

	lastActivity atomic.Int64
	pageExiting  atomic.Bool
}

func NewCleanupScheduler(cleaner Cleaner) *CleanupScheduler {
	return &CleanupScheduler{
		cleaner: cleaner,
		now:     time.Now,
		cfg:     DefaultSchedulerConfig(),
	}
}

func (s *CleanupScheduler) Initialize(cfg SchedulerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		return ErrAlreadyInitialized
	}

	s.cfg = cfg
	s.done = make(chan struct{})
	s.activity = make(chan struct{}, 1)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.lastActivity.Store(s.now().UnixNano())

	s.wg.Add(3)
	go s.runPeriodic()
	go s.runInactivity()
	go s.runHeartbeat()

	s.running.Store(true)

	log.Info().
		Dur("interval", cfg.CleanupInterval).
		Dur("sessionTimeout", cfg.SessionTimeout).
		Dur("heartbeat", cfg.HeartbeatInterval).
		Msg("cleanup scheduler started")
	return nil
}

// Shutdown is idempotent. After it returns no trigger fires and activity and
// page-exit calls are ignored.
func (s *CleanupScheduler) Shutdown() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return
	}
	s.running.Store(false)
	close(s.done)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("cleanup scheduler stopped")
}

func (s *CleanupScheduler) Running() bool {
	return s.running.Load()
}

// RecordActivity resets the inactivity timer and marks the kiosk as in use
// for the heartbeat.
func (s *CleanupScheduler) RecordActivity(kind ActivityKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}
	s.lastActivity.Store(s.now().UnixNano())

	select {
	case s.activity <- struct{}{}:
	default:
	}

	log.Debug().Str("kind", string(kind)).Msg("activity recorded")
}

func (s *CleanupScheduler) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// PageExit starts a best-effort cleanup and returns without waiting for it.
// The pass runs on its own deadline so the caller going away does not cut it short.
func (s *CleanupScheduler) PageExit(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return
	}

	// Beacons are unauthenticated; one pass at a time is enough.
	if !s.pageExiting.CompareAndSwap(false, true) {
		log.Debug().Str("reason", reason).Msg("page exit cleanup already running")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pageExiting.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), config.BeaconTimeout)
		defer cancel()

		start := s.now()
		deleted := s.cleaner.DeleteExpiredBefore(ctx, start)

		log.Info().
			Str("trigger", TriggerPageExit).
			Str("reason", reason).
			Int64("deleted", deleted).
			Dur("duration", s.now().Sub(start)).
			Msg("page exit cleanup finished")
	}()
}

// TriggerCleanup runs a full pass now, including orphaned pending sessions.
func (s *CleanupScheduler) TriggerCleanup(ctx context.Context) CleanupReport {
	cfg := s.config()
	report := sweep(ctx, s.cleaner, SweepOptions{
		Trigger: TriggerManual,
		MaxAge:  cfg.MaxAge,
		Orphans: cfg.OrphanThreshold,
	}, s.now)

	log.Info().
		Str("trigger", TriggerManual).
		Int64("total", report.Total()).
		Msg("manual cleanup finished")
	return report
}

// ForceCleanupPending deletes every pending session, stuck or not.
func (s *CleanupScheduler) ForceCleanupPending(ctx context.Context) CleanupReport {
	start := s.now()
	report := CleanupReport{
		Trigger: TriggerForced,
		Pending: s.cleaner.DeleteByStatus(ctx, model.SessionStatusPending),
	}
	report.DurationMs = s.now().Sub(start).Milliseconds()

	log.Warn().
		Str("trigger", TriggerForced).
		Int64("pending", report.Pending).
		Msg("forced pending cleanup finished")
	return report
}

func (s *CleanupScheduler) Stats(ctx context.Context) (*model.SessionStats, error) {
	return s.cleaner.Stats(ctx)
}

func (s *CleanupScheduler) config() SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *CleanupScheduler) runPeriodic() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	s.background(TriggerStartup)

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.background(TriggerPeriodic)
		}
	}
}

// runInactivity fires one pass after SessionTimeout without activity. The
// timer is not re-armed until the next activity.
func (s *CleanupScheduler) runInactivity() {
	defer s.wg.Done()

	timer := time.NewTimer(s.cfg.SessionTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.activity:
			timer.Reset(s.cfg.SessionTimeout)
		case <-timer.C:
			log.Info().Dur("idle", s.cfg.SessionTimeout).Msg("no activity, running cleanup")
			s.background(TriggerInactivity)
		}
	}
}

func (s *CleanupScheduler) runHeartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			idle := s.now().Sub(s.LastActivity())
			if idle > 2*s.cfg.HeartbeatInterval {
				continue
			}
			ctx, cancel := context.WithTimeout(s.ctx, config.CleanupPassTimeout)
			runCleanup(TriggerHeartbeat, "orphaned pending sessions", func() int64 {
				return s.cleaner.DeleteOrphanedPending(ctx, s.cfg.OrphanThreshold)
			})
			cancel()
		}
	}
}

func (s *CleanupScheduler) background(trigger string) {
	ctx, cancel := context.WithTimeout(s.ctx, config.CleanupPassTimeout)
	defer cancel()
	sweep(ctx, s.cleaner, SweepOptions{Trigger: trigger, MaxAge: s.cfg.MaxAge}, s.now)
}

type SweepOptions struct {
	Trigger string
	// MaxAge keeps sessions expired for less than this.
	MaxAge time.Duration
	// Orphans also deletes pending sessions older than this. Zero skips.
	Orphans time.Duration
}

// Sweep runs one cleanup pass: it expires stale pending sessions, deletes
// everything past expiry by more than MaxAge and, when asked, orphaned
// pending sessions. The scheduler and the ops CLI both use it.
func Sweep(ctx context.Context, cleaner Cleaner, opts SweepOptions) CleanupReport {
	return sweep(ctx, cleaner, opts, time.Now)
}

func sweep(ctx context.Context, cleaner Cleaner, opts SweepOptions, now func() time.Time) CleanupReport {
	start := now()
	report := CleanupReport{Trigger: opts.Trigger}

	report.Expired = runCleanup(opts.Trigger, "expired pending sessions", func() int64 {
		return cleaner.ExpirePending(ctx)
	})
	cutoff := start.Add(-opts.MaxAge)
	report.Deleted = runCleanup(opts.Trigger, "expired sessions", func() int64 {
		return cleaner.DeleteExpiredBefore(ctx, cutoff)
	})
	if opts.Orphans > 0 {
		report.Orphans = runCleanup(opts.Trigger, "orphaned pending sessions", func() int64 {
			return cleaner.DeleteOrphanedPending(ctx, opts.Orphans)
		})
	}

	report.DurationMs = now().Sub(start).Milliseconds()
	return report
}

func runCleanup(trigger, name string, fn func() int64) int64 {
	count := fn()
	if count > 0 {
		log.Info().
			Str("trigger", trigger).
			Int64("count", count).
			Msgf("cleaned up %s", name)
	}
	return count
}
