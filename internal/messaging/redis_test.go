package messaging

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/riskgate/internal/events"
)

type RedisBusTestSuite struct {
	suite.Suite
	mr   *miniredis.Miniredis
	rdb  *redis.Client
	bus  *RedisBus
	sink *recordingSink
	ctx  context.Context
}

func (s *RedisBusTestSuite) SetupTest() {
	s.mr = miniredis.RunT(s.T())
	s.rdb = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.sink = &recordingSink{}
	s.bus = NewRedisBus(s.rdb, WithDeadLetters(s.sink), WithBusLogger(zaptest.NewLogger(s.T())))
	s.ctx = context.Background()
}

func (s *RedisBusTestSuite) TearDownTest() {
	_ = s.bus.Close()
}

func (s *RedisBusTestSuite) TestPublishReadAck() {
	s.Require().NoError(s.bus.EnsureGroup(s.ctx, events.TopicOrders, "g"))
	s.Require().NoError(s.bus.EnsureGroup(s.ctx, events.TopicOrders, "g"), "existing group is not an error")

	id1, err := s.bus.Publish(s.ctx, events.TopicOrders, orderEvent("o-1"))
	s.Require().NoError(err)
	id2, err := s.bus.Publish(s.ctx, events.TopicOrders, orderEvent("o-2"))
	s.Require().NoError(err)
	s.Less(id1, id2)

	msgs, err := s.bus.ReadBatch(s.ctx, events.TopicOrders, "g", "c1", 10, 0)
	s.Require().NoError(err)
	s.Require().Len(msgs, 2)
	s.Equal(id1, msgs[0].ID)
	s.Equal(events.TypeOrderRequested, msgs[0].Event.Type)

	var req events.OrderRequested
	s.Require().NoError(msgs[1].Event.Decode(&req))
	s.Equal("o-2", req.OrderID)

	sum, err := s.bus.Pending(s.ctx, events.TopicOrders, "g")
	s.Require().NoError(err)
	s.Equal(int64(2), sum.Count)
	s.Equal(id1, sum.OldestID)
	s.Equal(id2, sum.NewestID)
	s.Equal(int64(2), sum.Consumers["c1"])

	s.Require().NoError(s.bus.Ack(s.ctx, events.TopicOrders, "g", id1, id2))
	sum, err = s.bus.Pending(s.ctx, events.TopicOrders, "g")
	s.Require().NoError(err)
	s.Zero(sum.Count)
}

func (s *RedisBusTestSuite) TestEmptyReadReturnsNothing() {
	s.Require().NoError(s.bus.EnsureGroup(s.ctx, "t", "g"))
	msgs, err := s.bus.ReadBatch(s.ctx, "t", "g", "c", 10, 0)
	s.Require().NoError(err)
	s.Empty(msgs)
}

func (s *RedisBusTestSuite) TestMessagesBeforeGroupAreDelivered() {
	_, err := s.bus.Publish(s.ctx, "t", tickEvent("A", 1))
	s.Require().NoError(err)
	s.Require().NoError(s.bus.EnsureGroup(s.ctx, "t", "g"))

	msgs, err := s.bus.ReadBatch(s.ctx, "t", "g", "c", 10, 0)
	s.Require().NoError(err)
	s.Len(msgs, 1)
}

func (s *RedisBusTestSuite) TestRepublishCarriesRetryCount() {
	s.Require().NoError(s.bus.EnsureGroup(s.ctx, "t_retry", "g"))
	_, err := s.bus.Republish(s.ctx, "t_retry", tickEvent("A", 1), 2)
	s.Require().NoError(err)

	msgs, err := s.bus.ReadBatch(s.ctx, "t_retry", "g", "c", 10, 0)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)
	s.Equal(2, msgs[0].RetryCount)
}

func (s *RedisBusTestSuite) TestReadPendingAndClaim() {
	s.Require().NoError(s.bus.EnsureGroup(s.ctx, "t", "g"))
	id, err := s.bus.Publish(s.ctx, "t", tickEvent("A", 1))
	s.Require().NoError(err)
	_, err = s.bus.ReadBatch(s.ctx, "t", "g", "crashed", 10, 0)
	s.Require().NoError(err)

	entries, err := s.bus.PendingEntries(s.ctx, "t", "g", 10)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("crashed", entries[0].Consumer)
	s.Equal(int64(1), entries[0].Deliveries)

	claimed, err := s.bus.ClaimStale(s.ctx, "t", "g", "rescuer", 0, id)
	s.Require().NoError(err)
	s.Equal([]string{id}, claimed)

	pending, err := s.bus.ReadPending(s.ctx, "t", "g", "rescuer", 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(id, pending[0].ID)

	pending, err = s.bus.ReadPending(s.ctx, "t", "g", "crashed", 10)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *RedisBusTestSuite) TestMalformedEntryIsDeadLetteredAndAcked() {
	s.Require().NoError(s.bus.EnsureGroup(s.ctx, "t", "g"))
	badID, err := s.rdb.XAdd(s.ctx, &redis.XAddArgs{
		Stream: "t",
		Values: map[string]interface{}{fieldEnvelope: "not-json"},
	}).Result()
	s.Require().NoError(err)
	_, err = s.bus.Publish(s.ctx, "t", tickEvent("A", 1))
	s.Require().NoError(err)

	msgs, err := s.bus.ReadBatch(s.ctx, "t", "g", "c", 10, 0)
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)

	letters := s.sink.all()
	s.Require().Len(letters, 1)
	s.Equal(badID, letters[0].MessageID)
	s.Equal("t", letters[0].Topic)

	sum, err := s.bus.Pending(s.ctx, "t", "g")
	s.Require().NoError(err)
	s.Equal(int64(1), sum.Count)
}

func (s *RedisBusTestSuite) TestLenAndTrim() {
	for i := 0; i < 5; i++ {
		_, err := s.bus.Publish(s.ctx, "t", tickEvent("A", int64(i)))
		s.Require().NoError(err)
	}
	n, err := s.bus.Len(s.ctx, "t")
	s.Require().NoError(err)
	s.Equal(int64(5), n)

	removed, err := s.bus.Trim(s.ctx, "t", 2)
	s.Require().NoError(err)
	s.Equal(int64(3), removed)
}

func (s *RedisBusTestSuite) TestClosedBusRejectsCalls() {
	s.Require().NoError(s.bus.Close())
	_, err := s.bus.Publish(s.ctx, "t", tickEvent("A", 1))
	s.ErrorIs(err, ErrBusClosed)
}

func TestRedisBusTestSuite(t *testing.T) {
	suite.Run(t, new(RedisBusTestSuite))
}

func TestRedisBusTransportErrorsAreTyped(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	bus := NewRedisBus(rdb)
	defer bus.Close()
	mr.Close()

	_, err := bus.Publish(context.Background(), "t", tickEvent("A", 1))
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "xadd", te.Op)
}
