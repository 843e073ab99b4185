package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	require.NoError(t, es.Record(context.Background(), protocol.SessionEvent{SessionID: "s1", Status: "started"}))

	_, err := es.GetSession(context.Background(), "s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordLifecycle(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	started := protocol.SessionEvent{SessionID: "s1", Remote: "10.0.0.1:5000", Status: protocol.SessionStarted,
		Avatar: "avatar_1", AudioPath: "/audio/a.wav", Timestamp: start}
	require.NoError(t, es.Record(ctx, started))
	done := started
	done.Status = protocol.SessionCompleted
	done.TotalFrames, done.SentFrames, done.Skipped, done.DurationMS = 100, 99, 1, 4200
	done.Timestamp = start.Add(4200 * time.Millisecond)
	es.Observe(ctx, done)

	sess, err := es.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionCompleted, sess.Status)
	assert.Equal(t, 99, sess.SentFrames)
	assert.Equal(t, 1, sess.Skipped)
	assert.True(t, sess.CreatedAt.Equal(start), "created_at %v", sess.CreatedAt)
	assert.True(t, sess.UpdatedAt.Equal(done.Timestamp), "updated_at %v", sess.UpdatedAt)

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, protocol.SessionStarted, events[0].Status)
	assert.Equal(t, protocol.SessionCompleted, events[1].Status)

	var decoded protocol.SessionEvent
	require.NoError(t, json.Unmarshal(events[1].Payload, &decoded))
	assert.Equal(t, 100, decoded.TotalFrames)
}

func TestRecordRequiresID(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	require.Error(t, es.Record(context.Background(), protocol.SessionEvent{Status: "started"}))
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	for _, ev := range []protocol.SessionEvent{
		{SessionID: "old-session", Status: protocol.SessionStarted, Timestamp: old},
		{SessionID: "mid-session", Status: protocol.SessionStarted, Timestamp: recent.Add(-time.Hour)},
		{SessionID: "new-session", Status: protocol.SessionStarted, Timestamp: recent},
	} {
		require.NoError(t, es.Record(ctx, ev))
	}

	es.clock = func() time.Time { return recent }
	require.NoError(t, es.Prune(ctx))

	for _, id := range []string{"old-session", "mid-session"} {
		_, err := es.GetSession(ctx, id)
		require.ErrorIs(t, err, ErrNotFound, id)
		events, err := es.ListSessionEvents(ctx, id, 10)
		require.NoError(t, err)
		assert.Empty(t, events, "%s events pruned", id)
	}
	_, err := es.GetSession(ctx, "new-session")
	require.NoError(t, err)
}
