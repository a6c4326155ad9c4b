package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/config"
	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
	"github.com/kioskshop/pairing-server-go/internal/model"
	"github.com/kioskshop/pairing-server-go/internal/realtime"
	"github.com/kioskshop/pairing-server-go/internal/repository"
	"github.com/kioskshop/pairing-server-go/internal/retry"
)

// errRowChanged means the guarded update matched nothing; the next attempt re-reads.
var errRowChanged = errors.New("device session changed during update")

type LifecycleConfig struct {
	PairingWindow        time.Duration
	TransferWindow       time.Duration
	AuthRetryAttempts    int
	AuthRetryDelay       time.Duration
	CleanupRetryAttempts int
	CleanupRetryDelay    time.Duration
	OrphanThreshold      time.Duration
}

func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		PairingWindow:        10 * time.Minute,
		TransferWindow:       5 * time.Minute,
		AuthRetryAttempts:    3,
		AuthRetryDelay:       time.Second,
		CleanupRetryAttempts: config.CleanupRetryAttempts,
		CleanupRetryDelay:    config.CleanupRetryDelay,
		OrphanThreshold:      5 * time.Minute,
	}
}

func LifecycleConfigFrom(cfg *config.Config) LifecycleConfig {
	return LifecycleConfig{
		PairingWindow:        cfg.PairingWindow,
		TransferWindow:       cfg.TransferWindow,
		AuthRetryAttempts:    cfg.AuthRetryAttempts,
		AuthRetryDelay:       cfg.AuthRetryDelay,
		CleanupRetryAttempts: config.CleanupRetryAttempts,
		CleanupRetryDelay:    config.CleanupRetryDelay,
		OrphanThreshold:      cfg.OrphanThreshold,
	}
}

// LifecycleManager owns every read and write of device sessions.
type LifecycleManager struct {
	repo      repository.DeviceSessionRepository
	publisher realtime.Publisher
	cfg       LifecycleConfig
	now       func() time.Time
}

// NewLifecycleManager accepts a nil publisher; watchers then rely on polling.
func NewLifecycleManager(
	repo repository.DeviceSessionRepository,
	publisher realtime.Publisher,
	cfg LifecycleConfig,
) *LifecycleManager {
	return &LifecycleManager{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (m *LifecycleManager) Create(ctx context.Context, code string) (*model.DeviceSession, error) {
	if code == "" {
		return nil, apperrors.MissingRequired("pairingCode")
	}

	expiresAt := m.now().Add(m.cfg.PairingWindow)
	session, err := m.repo.Create(ctx, model.CreateDeviceSessionParams{
		PairingCode: code,
		Status:      model.SessionStatusPending,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, apperrors.Store(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("pairingCode", code).
		Time("expiresAt", expiresAt).
		Msg("device session created")

	return session, nil
}

// CreatePreauthenticated skips the pending phase for session transfer.
func (m *LifecycleManager) CreatePreauthenticated(ctx context.Context, code, identityRef string) (*model.DeviceSession, error) {
	if code == "" {
		return nil, apperrors.MissingRequired("pairingCode")
	}
	if identityRef == "" {
		return nil, apperrors.MissingRequired("identityRef")
	}

	expiresAt := m.now().Add(m.cfg.TransferWindow)
	session, err := m.repo.Create(ctx, model.CreateDeviceSessionParams{
		PairingCode: code,
		UserID:      &identityRef,
		Status:      model.SessionStatusAuthenticated,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, apperrors.Store(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("pairingCode", code).
		Time("expiresAt", expiresAt).
		Msg("preauthenticated device session created")

	return session, nil
}

// Validate distinguishes a missing code from an expired one before any write.
func (m *LifecycleManager) Validate(ctx context.Context, code string) (*model.DeviceSession, error) {
	session, err := m.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	if session == nil {
		return nil, apperrors.SessionNotFound()
	}
	if session.IsExpired(m.now()) || session.Status == model.SessionStatusExpired {
		return nil, apperrors.SessionExpired()
	}
	return session, nil
}

func (m *LifecycleManager) Get(ctx context.Context, code string) (*model.DeviceSession, error) {
	session, err := m.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, apperrors.Store(err)
	}
	return session, nil
}

// MarkAuthenticated performs the pending -> authenticated transition. Store
// failures are retried; a record already authenticated by the same identity
// counts as success.
func (m *LifecycleManager) MarkAuthenticated(ctx context.Context, code, identityRef string) error {
	if identityRef == "" {
		return apperrors.MissingRequired("identityRef")
	}

	policy := retry.Policy{
		Name:     "markAuthenticated",
		Attempts: m.cfg.AuthRetryAttempts,
		Delay:    retry.Fixed(m.cfg.AuthRetryDelay),
	}

	var updated *model.DeviceSession
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		session, err := m.repo.FindByCode(ctx, code)
		if err != nil {
			return fmt.Errorf("find device session: %w", err)
		}
		if session == nil {
			return retry.Permanent(apperrors.SessionNotFound())
		}

		now := m.now()
		if session.IsExpired(now) || session.Status == model.SessionStatusExpired {
			return retry.Permanent(apperrors.SessionExpired())
		}
		if session.Status == model.SessionStatusAuthenticated {
			if session.IdentityRef() == identityRef {
				log.Info().
					Str("pairingCode", code).
					Int("attempt", attempt).
					Msg("device session already authenticated")
				return nil
			}
			return retry.Permanent(apperrors.AlreadyPaired())
		}

		ok, err := m.repo.MarkAuthenticated(ctx, code, identityRef, now)
		if err != nil {
			return fmt.Errorf("update device session: %w", err)
		}
		if !ok {
			return errRowChanged
		}

		session.Status = model.SessionStatusAuthenticated
		session.UserID = &identityRef
		updated = session
		return nil
	})
	if err != nil {
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.Store(err)
	}

	if updated == nil {
		return nil
	}

	log.Info().
		Str("sessionId", updated.ID).
		Str("pairingCode", code).
		Msg("device session authenticated")

	m.publish(ctx, realtime.NewChange(realtime.ChangeUpdate, *updated))
	return nil
}

func (m *LifecycleManager) publish(ctx context.Context, change realtime.Change) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, change); err != nil {
		log.Warn().
			Err(err).
			Str("pairingCode", change.Record.PairingCode).
			Str("type", string(change.Type)).
			Msg("failed to publish device session change")
	}
}

// DeleteByCode never fails; cleanup must not break the caller's flow.
func (m *LifecycleManager) DeleteByCode(ctx context.Context, code string) {
	m.runCleanup(ctx, "deleteByCode", func(ctx context.Context) (int64, error) {
		return m.repo.DeleteByCode(ctx, code)
	})
}

func (m *LifecycleManager) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) int64 {
	return m.runCleanup(ctx, "deleteExpiredBefore", func(ctx context.Context) (int64, error) {
		return m.repo.DeleteExpiredBefore(ctx, cutoff)
	})
}

func (m *LifecycleManager) DeleteByStatus(ctx context.Context, status model.SessionStatus) int64 {
	if !status.Valid() {
		log.Warn().Str("status", string(status)).Msg("refusing bulk delete for unknown status")
		return 0
	}
	return m.runCleanup(ctx, "deleteByStatus", func(ctx context.Context) (int64, error) {
		return m.repo.DeleteByStatus(ctx, status)
	})
}

// DeleteOrphanedPending removes pending sessions nobody completed within
// olderThan, whatever their expiry. Zero uses the configured threshold.
func (m *LifecycleManager) DeleteOrphanedPending(ctx context.Context, olderThan time.Duration) int64 {
	if olderThan <= 0 {
		olderThan = m.cfg.OrphanThreshold
	}
	cutoff := m.now().Add(-olderThan)
	return m.runCleanup(ctx, "deleteOrphanedPending", func(ctx context.Context) (int64, error) {
		return m.repo.DeleteOrphanedPending(ctx, cutoff)
	})
}

// ExpirePending moves pending sessions past expiry to the expired status.
func (m *LifecycleManager) ExpirePending(ctx context.Context) int64 {
	now := m.now()
	return m.runCleanup(ctx, "expirePending", func(ctx context.Context) (int64, error) {
		return m.repo.MarkExpired(ctx, now)
	})
}

func (m *LifecycleManager) Stats(ctx context.Context) (*model.SessionStats, error) {
	stats, err := m.repo.Stats(ctx, m.now())
	if err != nil {
		return nil, apperrors.Store(err)
	}
	return stats, nil
}

func (m *LifecycleManager) runCleanup(ctx context.Context, name string, fn func(ctx context.Context) (int64, error)) int64 {
	policy := retry.Policy{
		Name:     name,
		Attempts: m.cfg.CleanupRetryAttempts,
		Delay:    retry.Exponential(m.cfg.CleanupRetryDelay, 4*m.cfg.CleanupRetryDelay),
	}

	var count int64
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		n, err := fn(ctx)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("op", name).Msg("cleanup failed")
		return 0
	}

	if count > 0 {
		log.Info().
			Str("op", name).
			Int64("count", count).
			Msg("cleanup completed")
	}
	return count
}
