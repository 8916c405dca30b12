package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/metrics"
)

// Handler processes one event. A returned error (or a panic) counts as a
// failed delivery and sends the event down the retry path, except for an
// events.SerializationError, which is dead-lettered at once.
type Handler interface {
	Handle(ctx context.Context, ev events.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev events.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev events.Event) error { return f(ctx, ev) }

// ManagerConfig configures consumption.
type ManagerConfig struct {
	Group          string        `mapstructure:"group" validate:"required"`
	Consumer       string        `mapstructure:"consumer"`
	Topics         []string      `mapstructure:"topics" validate:"required,min=1,dive,required"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gte=1"`
	Block          time.Duration `mapstructure:"block"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	ClaimInterval  time.Duration `mapstructure:"claim_interval" validate:"gt=0"`
	MinIdle        time.Duration `mapstructure:"min_idle" validate:"gt=0"`
	ReadBackoffMin time.Duration `mapstructure:"read_backoff_min"`
	ReadBackoffMax time.Duration `mapstructure:"read_backoff_max"`
}

// DefaultManagerConfig returns the stock consumption settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Group:          "riskgate",
		Topics:         events.AllTopics(),
		BatchSize:      10,
		Block:          time.Second,
		MaxRetries:     3,
		ClaimInterval:  30 * time.Second,
		MinIdle:        time.Minute,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: 10 * time.Second,
	}
}

// ManagerStats counts dispatch outcomes since start.
type ManagerStats struct {
	Processed    int64 `json:"processed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Unknown      int64 `json:"unknown"`
	Failed       int64 `json:"failed"`
}

// Manager consumes configured topics and their retry topics for one consumer
// group and dispatches events to registered handlers.
type Manager struct {
	bus         Bus
	deadLetters DeadLetterSink
	cfg         ManagerConfig
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers map[events.Type]Handler
	lanes    sync.Map

	processed    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	unknown      atomic.Int64
	failed       atomic.Int64
}

// NewManager creates a manager. A consumer name is generated when empty.
func NewManager(bus Bus, deadLetters DeadLetterSink, cfg ManagerConfig, logger *zap.Logger) *Manager {
	def := DefaultManagerConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = def.Topics
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = def.ClaimInterval
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = def.MinIdle
	}
	return &Manager{
		bus:         bus,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger: logger.With(
			zap.String("component", "event_bus_manager"),
			zap.String("group", cfg.Group),
			zap.String("consumer", cfg.Consumer)),
		handlers: make(map[events.Type]Handler),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() ManagerConfig { return m.cfg }

// Register sets the handler for an event type, replacing any previous one.
func (m *Manager) Register(t events.Type, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[t]; ok {
		m.logger.Warn("Replacing event handler", zap.String("event_type", string(t)))
	}
	m.handlers[t] = h
	m.logger.Info("Registered event handler", zap.String("event_type", string(t)))
}

func (m *Manager) handler(t events.Type) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[t]
	return h, ok
}

// Stats returns a snapshot of the dispatch counters.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Processed:    m.processed.Load(),
		Retried:      m.retried.Load(),
		DeadLettered: m.deadLettered.Load(),
		Unknown:      m.unknown.Load(),
		Failed:       m.failed.Load(),
	}
}

// Run ensures the consumer groups exist and consumes until ctx is cancelled.
// A batch that has been read is always finished before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	for _, topic := range m.cfg.Topics {
		for _, t := range []string{topic, events.RetryTopic(topic)} {
			if err := m.bus.EnsureGroup(ctx, t, m.cfg.Group); err != nil {
				return fmt.Errorf("ensure group %s on %s: %w", m.cfg.Group, t, err)
			}
		}
	}

	m.logger.Info("Starting event consumers",
		zap.Strings("topics", m.cfg.Topics),
		zap.Int("batch_size", m.cfg.BatchSize),
		zap.Int("max_retries", m.cfg.MaxRetries))

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range m.cfg.Topics {
		base, retry := topic, events.RetryTopic(topic)
		g.Go(func() error { return m.consume(gctx, base) })
		g.Go(func() error { return m.consume(gctx, retry) })
	}
	err := g.Wait()
	m.logger.Info("Event consumers stopped", zap.Any("stats", m.Stats()))
	return err
}

func (m *Manager) consume(ctx context.Context, topic string) error {
	// Handlers and acks must not be interrupted mid-batch.
	work := context.WithoutCancel(ctx)
	log := m.logger.With(zap.String("topic", topic))

	if err := m.drainOwnPending(ctx, work, topic); err != nil && ctx.Err() == nil {
		log.Warn("Failed to drain pending entries", zap.Error(err))
	}

	bo := newReadBackoff(m.cfg.ReadBackoffMin, m.cfg.ReadBackoffMax)
	reclaim := time.NewTicker(m.cfg.ClaimInterval)
	defer reclaim.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-reclaim.C:
			if _, err := m.Reclaim(work, topic); err != nil && !errors.Is(err, ErrBusClosed) {
				log.Warn("Reclaim failed", zap.Error(err))
			}
		default:
		}
		msgs, err := m.bus.ReadBatch(ctx, topic, m.cfg.Group, m.cfg.Consumer, m.cfg.BatchSize, m.cfg.Block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrBusClosed) {
				return nil
			}
			if errors.Is(err, ErrNoGroup) {
				if gerr := m.bus.EnsureGroup(ctx, topic, m.cfg.Group); gerr != nil {
					log.Error("Failed to recreate consumer group", zap.Error(gerr))
				}
			}
			delay := bo.NextBackOff()
			log.Error("Failed to read from topic", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		bo.Reset()
		m.dispatch(work, topic, msgs)
	}
}

// drainOwnPending replays entries delivered to this consumer name before a
// restart and never acknowledged.
func (m *Manager) drainOwnPending(ctx, work context.Context, topic string) error {
	seen := make(map[string]struct{})
	for ctx.Err() == nil {
		msgs, err := m.bus.ReadPending(ctx, topic, m.cfg.Group, m.cfg.Consumer, m.cfg.BatchSize)
		if err != nil {
			return err
		}
		var fresh []events.StreamMessage
		for _, msg := range msgs {
			if _, dup := seen[msg.ID]; !dup {
				seen[msg.ID] = struct{}{}
				fresh = append(fresh, msg)
			}
		}
		// Entries that could not be acked come back; stop rather than spin.
		if len(fresh) == 0 {
			return nil
		}
		m.logger.Info("Replaying pending entries",
			zap.String("topic", topic),
			zap.Int("count", len(fresh)))
		m.dispatch(work, topic, fresh)
	}
	return nil
}

// Reclaim takes over entries of topic idle for at least MinIdle, including
// entries of crashed consumers, and processes them. It returns the number
// of entries claimed. It runs on the topic's lane, so it never overlaps a
// batch being handled on the same topic.
func (m *Manager) Reclaim(ctx context.Context, topic string) (int, error) {
	lane := m.lane(topic)
	lane.Lock()
	defer lane.Unlock()

	entries, err := m.bus.PendingEntries(ctx, topic, m.cfg.Group, 100)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, e := range entries {
		if e.Idle >= m.cfg.MinIdle && !lane.isHeld(e.ID) {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	claimed, err := m.bus.ClaimStale(ctx, topic, m.cfg.Group, m.cfg.Consumer, m.cfg.MinIdle, stale...)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	want := make(map[string]struct{}, len(claimed))
	for _, id := range claimed {
		want[id] = struct{}{}
	}
	m.logger.Info("Claimed stale entries",
		zap.String("topic", topic),
		zap.Int("count", len(claimed)))

	msgs, err := m.bus.ReadPending(ctx, topic, m.cfg.Group, m.cfg.Consumer, len(entries)+m.cfg.BatchSize)
	if err != nil {
		return len(claimed), err
	}
	var batch []events.StreamMessage
	for _, msg := range msgs {
		if _, ok := want[msg.ID]; ok {
			batch = append(batch, msg)
		}
	}
	m.processBatch(ctx, topic, batch)
	return len(claimed), nil
}

// topicLane serializes handler invocation on one topic and remembers which
// entries the consume loop holds between reading and acknowledging them.
type topicLane struct {
	sync.Mutex

	heldMu sync.Mutex
	held   map[string]struct{}
}

func (l *topicLane) hold(msgs []events.StreamMessage) {
	l.heldMu.Lock()
	defer l.heldMu.Unlock()
	for _, msg := range msgs {
		l.held[msg.ID] = struct{}{}
	}
}

func (l *topicLane) release(msgs []events.StreamMessage) {
	l.heldMu.Lock()
	defer l.heldMu.Unlock()
	for _, msg := range msgs {
		delete(l.held, msg.ID)
	}
}

func (l *topicLane) isHeld(id string) bool {
	l.heldMu.Lock()
	defer l.heldMu.Unlock()
	_, ok := l.held[id]
	return ok
}

func (m *Manager) lane(topic string) *topicLane {
	v, _ := m.lanes.LoadOrStore(topic, &topicLane{held: make(map[string]struct{})})
	return v.(*topicLane)
}

// dispatch handles a batch read by the consume loop.
func (m *Manager) dispatch(ctx context.Context, topic string, msgs []events.StreamMessage) {
	if len(msgs) == 0 {
		return
	}
	lane := m.lane(topic)
	lane.hold(msgs)
	defer lane.release(msgs)
	lane.Lock()
	defer lane.Unlock()
	m.processBatch(ctx, topic, msgs)
}

func (m *Manager) processBatch(ctx context.Context, topic string, msgs []events.StreamMessage) {
	for _, msg := range msgs {
		m.process(ctx, topic, msg)
	}
}

func (m *Manager) process(ctx context.Context, topic string, msg events.StreamMessage) {
	base := events.BaseTopic(topic)
	log := m.logger.With(
		zap.String("topic", topic),
		zap.String("message_id", msg.ID),
		zap.String("event_type", string(msg.Event.Type)),
		zap.String("correlation_id", msg.Event.CorrelationID))

	h, ok := m.handler(msg.Event.Type)
	if !ok {
		log.Warn("No handler for event type, acknowledging")
		m.unknown.Add(1)
		metrics.Consumed.WithLabelValues(base, "unknown").Inc()
		m.ack(ctx, topic, msg.ID, log)
		return
	}

	start := time.Now()
	err := m.invoke(ctx, h, msg.Event)
	metrics.HandlerLatency.WithLabelValues(string(msg.Event.Type)).Observe(time.Since(start).Seconds())

	if err == nil {
		m.processed.Add(1)
		metrics.Consumed.WithLabelValues(base, "ok").Inc()
		m.ack(ctx, topic, msg.ID, log)
		return
	}

	m.failed.Add(1)
	if events.IsSerialization(err) {
		if m.deadLetter(ctx, topic, msg, fmt.Errorf("malformed: %w", err), msg.RetryCount, "malformed", log) {
			log.Error("Undecodable event payload, dead-lettered", zap.Error(err))
		}
		return
	}

	retry := msg.RetryCount + 1
	if retry < m.cfg.MaxRetries {
		id, pubErr := m.bus.Republish(ctx, events.RetryTopic(topic), msg.Event, retry)
		if pubErr != nil {
			log.Error("Failed to republish for retry, leaving pending",
				zap.Error(err), zap.NamedError("publish_error", pubErr))
			return
		}
		log.Warn("Handler failed, scheduled retry",
			zap.Error(err),
			zap.Int("retry", retry),
			zap.String("retry_id", id))
		m.retried.Add(1)
		metrics.Retried.WithLabelValues(base).Inc()
		metrics.Consumed.WithLabelValues(base, "retry").Inc()
		m.ack(ctx, topic, msg.ID, log)
		return
	}

	if m.deadLetter(ctx, topic, msg, err, retry, "max_retries", log) {
		log.Error("Retries exhausted, dead-lettered", zap.Error(err), zap.Int("retry_count", retry))
	}
}

// deadLetter records msg and acknowledges it. When there is no sink or the
// record fails the message stays pending.
func (m *Manager) deadLetter(ctx context.Context, topic string, msg events.StreamMessage, cause error, retryCount int, reason string, log *zap.Logger) bool {
	if m.deadLetters == nil {
		log.Error("No dead-letter sink, leaving pending", zap.Error(cause))
		return false
	}
	ev := msg.Event
	dl := DeadLetter{
		Topic:      topic,
		MessageID:  msg.ID,
		Event:      &ev,
		Reason:     cause.Error(),
		RetryCount: retryCount,
		At:         time.Now().UTC(),
	}
	if err := m.deadLetters.Record(ctx, dl); err != nil {
		log.Error("Failed to record dead letter, leaving pending",
			zap.Error(cause), zap.NamedError("dead_letter_error", err))
		return false
	}
	base := events.BaseTopic(topic)
	m.deadLettered.Add(1)
	metrics.DeadLettered.WithLabelValues(base, reason).Inc()
	metrics.Consumed.WithLabelValues(base, "dead_letter").Inc()
	m.ack(ctx, topic, msg.ID, log)
	return true
}

func (m *Manager) invoke(ctx context.Context, h Handler, ev events.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Handler panicked",
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

func (m *Manager) ack(ctx context.Context, topic, id string, log *zap.Logger) {
	if err := m.bus.Ack(ctx, topic, m.cfg.Group, id); err != nil {
		log.Error("Failed to ack message", zap.Error(err))
	}
}
