package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
	"github.com/kioskshop/pairing-server-go/internal/model"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func authenticatedChange(code, identity string, expiresAt time.Time) Change {
	return NewChange(ChangeUpdate, model.DeviceSession{
		ID:          "id-" + code,
		PairingCode: code,
		UserID:      &identity,
		Status:      model.SessionStatusAuthenticated,
		CreatedAt:   time.Now(),
		ExpiresAt:   expiresAt,
	})
}

type callbackRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callbackRecorder) record(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, identity)
}

func (r *callbackRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type recordingDeleter struct {
	mu    sync.Mutex
	codes []string
}

func (d *recordingDeleter) DeleteByCode(ctx context.Context, code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes = append(d.codes, code)
}

func (d *recordingDeleter) deleted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.codes...)
}

// flakyFeed fails the first n Subscribe calls.
type flakyFeed struct {
	*MemoryFeed
	failures atomic.Int32
	attempts atomic.Int32
}

func (f *flakyFeed) Subscribe(ctx context.Context, code string) (Stream, error) {
	f.attempts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("channel error")
	}
	return f.MemoryFeed.Subscribe(ctx, code)
}

func testNotifierConfig() NotifierConfig {
	return NotifierConfig{
		RetryDelay:  10 * time.Millisecond,
		HardTimeout: time.Minute,
	}
}

func waitSubscribed(t *testing.T, feed *MemoryFeed, code string) {
	t.Helper()
	require.Eventually(t, func() bool { return feed.Subscribers(code) == 1 }, waitFor, tick)
}

func TestNotifier_NotifiesOnce(t *testing.T) {
	ctx := context.Background()
	feed := NewMemoryFeed()
	n := NewNotifier(feed, nil, testNotifierConfig())

	rec := &callbackRecorder{}
	w := n.Subscribe("ABC123", rec.record)
	defer w.Unsubscribe()

	waitSubscribed(t, feed, "ABC123")
	assert.Equal(t, StateSubscribed, w.State())

	change := authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute))
	require.NoError(t, feed.Publish(ctx, change))
	require.NoError(t, feed.Publish(ctx, change))

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("watch did not finish")
	}

	assert.Equal(t, []string{"user-42"}, rec.snapshot())
	assert.Equal(t, StateNotified, w.State())
	assert.Equal(t, 0, feed.Subscribers("ABC123"))
}

func TestNotifier_IgnoresNonAuthenticatingChanges(t *testing.T) {
	ctx := context.Background()
	feed := NewMemoryFeed()
	n := NewNotifier(feed, nil, testNotifierConfig())

	rec := &callbackRecorder{}
	w := n.Subscribe("ABC123", rec.record)
	defer w.Unsubscribe()
	waitSubscribed(t, feed, "ABC123")

	pending := NewChange(ChangeUpdate, model.DeviceSession{
		PairingCode: "ABC123",
		Status:      model.SessionStatusPending,
		ExpiresAt:   time.Now().Add(time.Minute),
	})
	require.NoError(t, feed.Publish(ctx, pending))

	inserted := authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute))
	inserted.Type = ChangeInsert
	require.NoError(t, feed.Publish(ctx, inserted))

	expired := authenticatedChange("ABC123", "user-42", time.Now().Add(-time.Second))
	require.NoError(t, feed.Publish(ctx, expired))

	noIdentity := authenticatedChange("ABC123", "", time.Now().Add(time.Minute))
	require.NoError(t, feed.Publish(ctx, noIdentity))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, StateSubscribed, w.State())

	require.NoError(t, feed.Publish(ctx, authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute))))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, tick)
}

func TestNotifier_RetriesFailedSubscription(t *testing.T) {
	ctx := context.Background()
	feed := &flakyFeed{MemoryFeed: NewMemoryFeed()}
	feed.failures.Store(2)
	n := NewNotifier(feed, nil, testNotifierConfig())

	rec := &callbackRecorder{}
	w := n.Subscribe("ABC123", rec.record)
	defer w.Unsubscribe()

	waitSubscribed(t, feed.MemoryFeed, "ABC123")
	assert.Equal(t, int32(3), feed.attempts.Load())
	assert.True(t, apperrors.HasCode(w.Err(), apperrors.ErrCodeChannel))

	require.NoError(t, feed.Publish(ctx, authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute))))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, tick)
}

func TestNotifier_ResubscribesAfterDrop(t *testing.T) {
	ctx := context.Background()
	feed := NewMemoryFeed()
	n := NewNotifier(feed, nil, testNotifierConfig())

	rec := &callbackRecorder{}
	w := n.Subscribe("ABC123", rec.record)
	defer w.Unsubscribe()
	waitSubscribed(t, feed, "ABC123")

	assert.NoError(t, w.Err())

	feed.Disconnect("ABC123")
	waitSubscribed(t, feed, "ABC123")
	require.Eventually(t, func() bool { return apperrors.HasCode(w.Err(), apperrors.ErrCodeChannel) }, waitFor, tick)
	require.Eventually(t, func() bool { return w.State() == StateSubscribed }, waitFor, tick)

	require.NoError(t, feed.Publish(ctx, authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute))))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, tick)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	feed := NewMemoryFeed()
	n := NewNotifier(feed, nil, testNotifierConfig())

	rec := &callbackRecorder{}
	w := n.Subscribe("ABC123", rec.record)
	waitSubscribed(t, feed, "ABC123")

	w.Unsubscribe()
	w.Unsubscribe()

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("watch did not stop")
	}

	_ = feed.Publish(ctx, authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute)))
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, rec.snapshot())
	assert.Equal(t, StateUnsubscribed, w.State())
	assert.Equal(t, 0, feed.Subscribers("ABC123"))
}

func TestNotifier_UnsubscribeWhileRetrying(t *testing.T) {
	feed := &flakyFeed{MemoryFeed: NewMemoryFeed()}
	feed.failures.Store(1000)
	n := NewNotifier(feed, nil, testNotifierConfig())

	w := n.Subscribe("ABC123", func(string) { t.Error("callback must not run") })
	require.Eventually(t, func() bool { return feed.attempts.Load() >= 2 }, waitFor, tick)

	w.Unsubscribe()
	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("watch did not stop")
	}
	assert.Equal(t, StateUnsubscribed, w.State())
}

func TestNotifier_HardTimeout(t *testing.T) {
	t.Run("unsubscribes and deletes the session", func(t *testing.T) {
		feed := NewMemoryFeed()
		deleter := &recordingDeleter{}
		n := NewNotifier(feed, deleter, NotifierConfig{RetryDelay: 10 * time.Millisecond, HardTimeout: 50 * time.Millisecond})

		var timedOut atomic.Bool
		rec := &callbackRecorder{}
		w := n.Subscribe("ABC123", rec.record, OnTimeout(func() { timedOut.Store(true) }))

		select {
		case <-w.Done():
		case <-time.After(waitFor):
			t.Fatal("hard timeout did not fire")
		}

		assert.True(t, timedOut.Load())
		assert.Equal(t, []string{"ABC123"}, deleter.deleted())
		assert.Equal(t, StateUnsubscribed, w.State())
		assert.Empty(t, rec.snapshot())
		assert.Equal(t, 0, feed.Subscribers("ABC123"))
	})

	t.Run("fires while subscription keeps failing", func(t *testing.T) {
		feed := &flakyFeed{MemoryFeed: NewMemoryFeed()}
		feed.failures.Store(1000)
		deleter := &recordingDeleter{}
		n := NewNotifier(feed, deleter, NotifierConfig{RetryDelay: 10 * time.Millisecond, HardTimeout: 60 * time.Millisecond})

		w := n.Subscribe("ABC123", func(string) {})
		select {
		case <-w.Done():
		case <-time.After(waitFor):
			t.Fatal("hard timeout did not fire")
		}
		assert.Equal(t, []string{"ABC123"}, deleter.deleted())
	})

	t.Run("does not fire after notification", func(t *testing.T) {
		ctx := context.Background()
		feed := NewMemoryFeed()
		deleter := &recordingDeleter{}
		n := NewNotifier(feed, deleter, NotifierConfig{RetryDelay: 10 * time.Millisecond, HardTimeout: 100 * time.Millisecond})

		rec := &callbackRecorder{}
		w := n.Subscribe("ABC123", rec.record)
		waitSubscribed(t, feed, "ABC123")
		require.NoError(t, feed.Publish(ctx, authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute))))
		<-w.Done()

		time.Sleep(150 * time.Millisecond)
		assert.Empty(t, deleter.deleted())
		assert.Equal(t, StateNotified, w.State())
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "notified", StateNotified.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unsubscribed", StateUnsubscribed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNewNotifier_DefaultsNonPositiveDurations(t *testing.T) {
	n := NewNotifier(NewMemoryFeed(), nil, NotifierConfig{RetryDelay: 0, HardTimeout: -time.Second})

	assert.Equal(t, DefaultNotifierConfig(), n.cfg)
}
