package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSink_WritesStructuredEntry(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := NewLogSink(log)

	err := sink.Notify(context.Background(), Event{
		Kind:     "escrow.funded",
		EscrowID: "abcd1234",
		Fields:   map[string]any{"amount": "10"},
	})
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "escrow.funded", entry.Data["event"])
	assert.Equal(t, "abcd1234", entry.Data["escrow_id"])
	assert.Equal(t, "10", entry.Data["amount"])
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var delivered int
	ok := SinkFunc(func(context.Context, Event) error { delivered++; return nil })
	bad := SinkFunc(func(context.Context, Event) error { delivered++; return boom })

	err := Multi(bad, ok, Discard).Notify(context.Background(), Event{Kind: "k"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, delivered)

	assert.NoError(t, Multi(ok).Notify(context.Background(), Event{Kind: "k"}))
}

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.CommandTag{}, f.err
}

func TestOutboxSink_InsertsTopicAndPayload(t *testing.T) {
	db := &fakeExecer{}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := NewOutboxSink(db).Notify(context.Background(), Event{
		Kind:     "escrow.released",
		EscrowID: "ff00",
		Fields:   map[string]any{"fee": "5000"},
		At:       at,
	})
	require.NoError(t, err)
	assert.Contains(t, db.sql, "INSERT INTO outbox")
	require.Len(t, db.args, 2)
	assert.Equal(t, "escrow.released", db.args[0])

	var payload map[string]any
	require.NoError(t, json.Unmarshal(db.args[1].([]byte), &payload))
	assert.Equal(t, "ff00", payload["escrow_id"])
	assert.Equal(t, "5000", payload["fee"])
	assert.Equal(t, "2024-05-01T12:00:00Z", payload["at"])
}

func TestOutboxSink_PropagatesInsertError(t *testing.T) {
	db := &fakeExecer{err: errors.New("connection reset")}
	err := NewOutboxSink(db).Notify(context.Background(), Event{Kind: "k"})
	assert.ErrorContains(t, err, "notify: insert outbox message")
}
