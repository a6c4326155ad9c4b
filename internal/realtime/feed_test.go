package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskshop/pairing-server-go/internal/model"
	redisclient "github.com/kioskshop/pairing-server-go/internal/redis"
)

func receive(t *testing.T, s Stream) Change {
	t.Helper()
	select {
	case c, ok := <-s.Changes():
		require.True(t, ok, "stream closed")
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func assertClosed(t *testing.T, s Stream) {
	t.Helper()
	select {
	case _, ok := <-s.Changes():
		assert.False(t, ok, "stream should be closed")
	case <-time.After(waitFor):
		t.Fatal("stream was not closed")
	}
}

// exerciseFeed runs the contract every backend must meet.
func exerciseFeed(t *testing.T, feed Feed) {
	ctx := context.Background()

	t.Run("delivers changes for the subscribed code only", func(t *testing.T) {
		s, err := feed.Subscribe(ctx, "CODE-A")
		require.NoError(t, err)
		defer s.Close()

		require.NoError(t, feed.Publish(ctx, authenticatedChange("CODE-B", "user-1", time.Now().Add(time.Minute))))
		require.NoError(t, feed.Publish(ctx, authenticatedChange("CODE-A", "user-2", time.Now().Add(time.Minute))))

		c := receive(t, s)
		assert.Equal(t, "CODE-A", c.Record.PairingCode)
		assert.Equal(t, "user-2", c.Record.IdentityRef())
		assert.Equal(t, ChangeUpdate, c.Type)
		assert.Equal(t, Table, c.Table)
		assert.Equal(t, model.SessionStatusAuthenticated, c.Record.Status)
	})

	t.Run("fans out to every subscriber of a code", func(t *testing.T) {
		s1, err := feed.Subscribe(ctx, "CODE-C")
		require.NoError(t, err)
		defer s1.Close()
		s2, err := feed.Subscribe(ctx, "CODE-C")
		require.NoError(t, err)
		defer s2.Close()

		require.NoError(t, feed.Publish(ctx, authenticatedChange("CODE-C", "user-3", time.Now().Add(time.Minute))))

		r1 := receive(t, s1).Record
		r2 := receive(t, s2).Record
		assert.Equal(t, "user-3", r1.IdentityRef())
		assert.Equal(t, "user-3", r2.IdentityRef())
	})

	t.Run("close ends the stream and is idempotent", func(t *testing.T) {
		s, err := feed.Subscribe(ctx, "CODE-D")
		require.NoError(t, err)

		s.Close()
		s.Close()
		assertClosed(t, s)
	})

	t.Run("feed close ends open streams and refuses new ones", func(t *testing.T) {
		s, err := feed.Subscribe(ctx, "CODE-E")
		require.NoError(t, err)

		require.NoError(t, feed.Close())
		assertClosed(t, s)

		_, err = feed.Subscribe(ctx, "CODE-E")
		assert.Error(t, err)
	})
}

func TestMemoryFeed(t *testing.T) {
	exerciseFeed(t, NewMemoryFeed())
}

func TestMemoryFeed_Disconnect(t *testing.T) {
	feed := NewMemoryFeed()
	s, err := feed.Subscribe(context.Background(), "CODE-A")
	require.NoError(t, err)

	feed.Disconnect("CODE-A")
	assertClosed(t, s)
	assert.Equal(t, 0, feed.Subscribers("CODE-A"))

	s.Close()
}

func TestMemoryFeed_SubscribeHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryFeed().Subscribe(ctx, "CODE-A")
	assert.ErrorIs(t, err, context.Canceled)
}

func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func TestNATSFeed(t *testing.T) {
	url := startTestNATS(t)

	feed, err := NewNATSFeed(url)
	require.NoError(t, err)

	exerciseFeed(t, feed)
}

func TestNATSFeed_ConnectFailure(t *testing.T) {
	_, err := NewNATSFeed("nats://127.0.0.1:1")
	assert.Error(t, err)
}

func TestNATSFeed_DrivesNotifier(t *testing.T) {
	url := startTestNATS(t)

	feed, err := NewNATSFeed(url)
	require.NoError(t, err)
	defer feed.Close()

	n := NewNotifier(feed, nil, testNotifierConfig())
	rec := &callbackRecorder{}
	w := n.Subscribe("ABC123", rec.record)
	defer w.Unsubscribe()
	require.Eventually(t, func() bool { return w.State() == StateSubscribed }, waitFor, tick)

	require.NoError(t, feed.Publish(context.Background(), authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute))))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"user-42"}, rec.snapshot())
}

func setupTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	client, err := redisclient.NewClient(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisFeed(t *testing.T) {
	client := setupTestRedis(t)
	exerciseFeed(t, NewRedisFeed(client))
}

func TestChangeCodec(t *testing.T) {
	original := authenticatedChange("ABC123", "user-42", time.Now().Add(time.Minute).Truncate(time.Second))

	data, err := encodeChange(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pairingCode":"ABC123"`)

	decoded, err := decodeChange(data)
	require.NoError(t, err)
	assert.Equal(t, original.Record.PairingCode, decoded.Record.PairingCode)
	assert.Equal(t, "user-42", decoded.Record.IdentityRef())
	assert.True(t, original.Record.ExpiresAt.Equal(decoded.Record.ExpiresAt))

	_, err = decodeChange([]byte("not json"))
	assert.Error(t, err)
}

func TestSubjectName(t *testing.T) {
	assert.Equal(t, "device_sessions.ABC123", SubjectName("ABC123"))
	assert.Equal(t, "device_sessions:ABC123", redisclient.SessionChannel("ABC123"))
}
