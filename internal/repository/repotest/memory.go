// Package repotest provides an in-memory DeviceSessionRepository with
// failure and latency injection for tests.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kioskshop/pairing-server-go/internal/model"
	"github.com/kioskshop/pairing-server-go/internal/repository"
)

// ErrInjected is returned by operations armed with FailNext.
var ErrInjected = errors.New("repotest: injected store failure")

// Operation names accepted by FailNext, Calls and SetDelay.
const (
	OpFind          = "FindByCode"
	OpCreate        = "Create"
	OpMarkAuth      = "MarkAuthenticated"
	OpMarkExpired   = "MarkExpired"
	OpDeleteByCode  = "DeleteByCode"
	OpDeleteExpired = "DeleteExpiredBefore"
	OpDeleteStatus  = "DeleteByStatus"
	OpDeleteOrphans = "DeleteOrphanedPending"
	OpStats         = "Stats"
)

type Memory struct {
	mu       sync.Mutex
	rows     map[string]model.DeviceSession
	nextID   int
	failures map[string]int
	calls    map[string]int
	delays   map[string]time.Duration
}

var _ repository.DeviceSessionRepository = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		rows:     make(map[string]model.DeviceSession),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		delays:   make(map[string]time.Duration),
	}
}

// FailNext makes the next n calls of op return ErrInjected.
func (m *Memory) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
}

// SetDelay makes every call of op wait d (or until ctx is done) before running.
func (m *Memory) SetDelay(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[op] = d
}

func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Put stores s as-is, assigning an ID when empty.
func (m *Memory) Put(s model.DeviceSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		m.nextID++
		s.ID = fmt.Sprintf("mem-%d", m.nextID)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.rows[s.PairingCode] = s
}

func (m *Memory) Lookup(code string) (model.DeviceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[code]
	return s, ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	delay := m.delays[op]
	fail := m.failures[op] > 0
	if fail {
		m.failures[op]--
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return ErrInjected
	}
	return nil
}

func (m *Memory) FindByCode(ctx context.Context, code string) (*model.DeviceSession, error) {
	if err := m.enter(ctx, OpFind); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[code]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) Create(ctx context.Context, params model.CreateDeviceSessionParams) (*model.DeviceSession, error) {
	if err := m.enter(ctx, OpCreate); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[params.PairingCode]; exists {
		return nil, repository.ErrDuplicateCode
	}
	status := params.Status
	if status == "" {
		status = model.SessionStatusPending
	}
	m.nextID++
	s := model.DeviceSession{
		ID:          fmt.Sprintf("mem-%d", m.nextID),
		PairingCode: params.PairingCode,
		UserID:      params.UserID,
		Status:      status,
		CreatedAt:   time.Now(),
		ExpiresAt:   params.ExpiresAt,
	}
	m.rows[s.PairingCode] = s
	return &s, nil
}

func (m *Memory) MarkAuthenticated(ctx context.Context, code, userID string, now time.Time) (bool, error) {
	if err := m.enter(ctx, OpMarkAuth); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[code]
	if !ok || s.Status != model.SessionStatusPending || !s.ExpiresAt.After(now) {
		return false, nil
	}
	s.Status = model.SessionStatusAuthenticated
	s.UserID = &userID
	m.rows[code] = s
	return true, nil
}

func (m *Memory) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := m.enter(ctx, OpMarkExpired); err != nil {
		return 0, err
	}
	return m.update(func(s *model.DeviceSession) bool {
		if s.Status == model.SessionStatusPending && s.ExpiresAt.Before(now) {
			s.Status = model.SessionStatusExpired
			return true
		}
		return false
	}), nil
}

func (m *Memory) DeleteByCode(ctx context.Context, code string) (int64, error) {
	if err := m.enter(ctx, OpDeleteByCode); err != nil {
		return 0, err
	}
	return m.delete(func(s model.DeviceSession) bool { return s.PairingCode == code }), nil
}

func (m *Memory) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := m.enter(ctx, OpDeleteExpired); err != nil {
		return 0, err
	}
	return m.delete(func(s model.DeviceSession) bool { return s.ExpiresAt.Before(cutoff) }), nil
}

func (m *Memory) DeleteByStatus(ctx context.Context, status model.SessionStatus) (int64, error) {
	if err := m.enter(ctx, OpDeleteStatus); err != nil {
		return 0, err
	}
	return m.delete(func(s model.DeviceSession) bool { return s.Status == status }), nil
}

func (m *Memory) DeleteOrphanedPending(ctx context.Context, createdBefore time.Time) (int64, error) {
	if err := m.enter(ctx, OpDeleteOrphans); err != nil {
		return 0, err
	}
	return m.delete(func(s model.DeviceSession) bool {
		return s.Status == model.SessionStatusPending && s.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *Memory) Stats(ctx context.Context, now time.Time) (*model.SessionStats, error) {
	if err := m.enter(ctx, OpStats); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats model.SessionStats
	for _, s := range m.rows {
		stats.Total++
		switch s.Status {
		case model.SessionStatusPending:
			stats.Pending++
		case model.SessionStatusAuthenticated:
			stats.Authenticated++
		case model.SessionStatusExpired:
			stats.Expired++
		}
		if s.ExpiresAt.Before(now) {
			stats.PastExpiry++
		}
	}
	return &stats, nil
}

func (m *Memory) update(fn func(s *model.DeviceSession) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for code, s := range m.rows {
		if fn(&s) {
			m.rows[code] = s
			n++
		}
	}
	return n
}

func (m *Memory) delete(match func(s model.DeviceSession) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for code, s := range m.rows {
		if match(s) {
			delete(m.rows, code)
			n++
		}
	}
	return n
}
