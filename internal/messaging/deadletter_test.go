package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBadgerDeadLetterStorePersists(t *testing.T) {
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	store, err := NewBadgerDeadLetterStore(BadgerOptions{Path: dir}, logger)
	require.NoError(t, err)

	ev := orderEvent("o-9")
	base := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, DeadLetter{Topic: "orders", MessageID: "1-0", Event: &ev, Reason: "boom", RetryCount: 2, At: base}))
	require.NoError(t, store.Record(ctx, DeadLetter{Topic: "orders", MessageID: "2-0", Raw: []byte("x"), Reason: "malformed", At: base.Add(time.Second)}))
	assert.Equal(t, int64(2), store.Count())
	require.NoError(t, store.Close())

	reopened, err := NewBadgerDeadLetterStore(BadgerOptions{Path: dir}, logger)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, int64(2), reopened.Count())

	list, err := reopened.List(0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1-0", list[0].MessageID)
	require.NotNil(t, list[0].Event)
	assert.Equal(t, ev.ID, list[0].Event.ID)
	assert.Equal(t, 2, list[0].RetryCount)
	assert.Equal(t, []byte("x"), list[1].Raw)

	first, err := reopened.List(1)
	require.NoError(t, err)
	assert.Len(t, first, 1)
}

func TestBadgerDeadLetterStoreInMemory(t *testing.T) {
	store, err := NewBadgerDeadLetterStore(BadgerOptions{InMemory: true}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(context.Background(), DeadLetter{Topic: "t", MessageID: "1-0", Reason: "r"}))
	assert.Equal(t, int64(1), store.Count())

	_, err = NewBadgerDeadLetterStore(BadgerOptions{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaDeadLetterSinkKeysBySourceTopic(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := newKafkaDeadLetterSink(w, "dlq", zaptest.NewLogger(t))

	require.NoError(t, sink.Record(context.Background(), DeadLetter{Topic: "orders", MessageID: "5-0", Reason: "boom"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("orders"), w.msgs[0].Key)
	assert.Contains(t, string(w.msgs[0].Value), `"message_id":"5-0"`)
	assert.Equal(t, "message_id", w.msgs[0].Headers[0].Key)

	w.err = errors.New("broker down")
	err := sink.Record(context.Background(), DeadLetter{Topic: "orders"})
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestFanoutDeadLetterSinkSucceedsIfAnySucceeds(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("nope")}

	fan := NewFanoutDeadLetterSink(logger, bad, nil, ok)
	require.NoError(t, fan.Record(context.Background(), DeadLetter{MessageID: "1"}))
	assert.Len(t, ok.all(), 1)

	allBad := NewFanoutDeadLetterSink(logger, bad, &recordingSink{err: errors.New("also")})
	assert.Error(t, allBad.Record(context.Background(), DeadLetter{MessageID: "1"}))

	assert.Error(t, NewFanoutDeadLetterSink(logger).Record(context.Background(), DeadLetter{}))
}
