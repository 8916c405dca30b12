package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/metrics"
)

type memEntry struct {
	id   string
	data []byte
}

type memPending struct {
	id          string
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type memGroup struct {
	lastDelivered uint64
	pending       *btree.Map[uint64, *memPending]
}

type memTopic struct {
	log    *btree.Map[uint64, memEntry]
	index  map[string]uint64
	groups map[string]*memGroup
	seq    uint64
	lastMs int64
	msSeq  int64
}

// MemoryBus is an in-process Bus. Entries are kept as encoded envelopes so
// decoding and dead-lettering behave as they do against Redis.
type MemoryBus struct {
	opts   busOptions
	mu     sync.Mutex
	topics map[string]*memTopic
	notify chan struct{}
	closed bool
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus(opts ...BusOption) *MemoryBus {
	o := defaultBusOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(zap.String("component", "memory_bus"))
	return &MemoryBus{
		opts:   o,
		topics: make(map[string]*memTopic),
		notify: make(chan struct{}),
	}
}

func (b *MemoryBus) topicLocked(name string, create bool) *memTopic {
	t, ok := b.topics[name]
	if !ok && create {
		t = &memTopic{
			log:    btree.NewMap[uint64, memEntry](32),
			index:  make(map[string]uint64),
			groups: make(map[string]*memGroup),
		}
		b.topics[name] = t
	}
	return t
}

// nextIDLocked yields "<ms>-<seq>" ids that strictly increase even if the
// clock stalls or goes backwards.
func (t *memTopic) nextIDLocked(now time.Time) (uint64, string) {
	ms := now.UnixMilli()
	if ms > t.lastMs {
		t.lastMs = ms
		t.msSeq = 0
	} else {
		t.msSeq++
	}
	t.seq++
	return t.seq, fmt.Sprintf("%d-%d", t.lastMs, t.msSeq)
}

func (b *MemoryBus) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev events.Event) (string, error) {
	return b.Republish(ctx, topic, ev, 0)
}

func (b *MemoryBus) Republish(_ context.Context, topic string, ev events.Event, retryCount int) (string, error) {
	data, err := events.Encode(ev, retryCount, b.opts.now())
	if err != nil {
		return "", err
	}
	id, err := b.AppendRaw(topic, data)
	if err != nil {
		return "", err
	}
	metrics.Published.WithLabelValues(events.BaseTopic(topic)).Inc()
	return id, nil
}

// AppendRaw appends an already encoded body. It is how foreign or corrupt
// producers are simulated.
func (b *MemoryBus) AppendRaw(topic string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrBusClosed
	}
	t := b.topicLocked(topic, true)
	key, id := t.nextIDLocked(b.opts.now())
	buf := make([]byte, len(data))
	copy(buf, data)
	t.log.Set(key, memEntry{id: id, data: buf})
	t.index[id] = key
	b.wakeLocked()
	return id, nil
}

func (b *MemoryBus) EnsureGroup(_ context.Context, topic, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	t := b.topicLocked(topic, true)
	if _, ok := t.groups[group]; ok {
		return nil
	}
	t.groups[group] = &memGroup{pending: btree.NewMap[uint64, *memPending](32)}
	return nil
}

func (b *MemoryBus) groupLocked(topic, group string) (*memTopic, *memGroup, error) {
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	t := b.topicLocked(topic, false)
	if t == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	g, ok := t.groups[group]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}
	return t, g, nil
}

type rawDelivery struct {
	key     uint64
	id      string
	data    []byte
	trimmed bool
}

func (b *MemoryBus) ReadBatch(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]events.StreamMessage, error) {
	if max <= 0 {
		max = 1
	}
	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		t, g, err := b.groupLocked(topic, group)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		var batch []rawDelivery
		now := b.opts.now()
		t.log.Ascend(g.lastDelivered+1, func(key uint64, e memEntry) bool {
			batch = append(batch, rawDelivery{key: key, id: e.id, data: e.data})
			g.pending.Set(key, &memPending{id: e.id, consumer: consumer, deliveredAt: now, deliveries: 1})
			g.lastDelivered = key
			return len(batch) < max
		})
		wait := b.notify
		b.mu.Unlock()

		if len(batch) > 0 {
			return b.decode(ctx, topic, group, batch), nil
		}
		if deadline == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wait:
		}
	}
}

func (b *MemoryBus) ReadPending(ctx context.Context, topic, group, consumer string, max int) ([]events.StreamMessage, error) {
	if max <= 0 {
		max = 1
	}
	b.mu.Lock()
	t, g, err := b.groupLocked(topic, group)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var batch []rawDelivery
	g.pending.Scan(func(key uint64, p *memPending) bool {
		if p.consumer != consumer {
			return true
		}
		e, ok := t.log.Get(key)
		if !ok {
			batch = append(batch, rawDelivery{key: key, id: p.id, trimmed: true})
			return len(batch) < max
		}
		batch = append(batch, rawDelivery{key: key, id: e.id, data: e.data})
		return len(batch) < max
	})
	b.mu.Unlock()

	return b.decode(ctx, topic, group, batch), nil
}

// decode turns raw deliveries into messages. Undecodable entries and
// entries trimmed while pending are dead-lettered and acknowledged, or left
// pending when that fails.
func (b *MemoryBus) decode(ctx context.Context, topic, group string, batch []rawDelivery) []events.StreamMessage {
	out := make([]events.StreamMessage, 0, len(batch))
	for _, d := range batch {
		if d.trimmed {
			if b.opts.lostPending(ctx, topic, d.id) {
				_ = b.Ack(ctx, topic, group, d.id)
			}
			continue
		}
		env, err := events.DecodeEnvelope(d.data)
		if err != nil {
			if b.opts.quarantine(ctx, topic, d.id, d.data, err) {
				_ = b.Ack(ctx, topic, group, d.id)
			}
			continue
		}
		out = append(out, events.StreamMessage{
			ID:         d.id,
			Topic:      topic,
			Event:      env.Event,
			RetryCount: env.RetryCount,
		})
	}
	return out
}

func (b *MemoryBus) Ack(_ context.Context, topic, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, g, err := b.groupLocked(topic, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if key, ok := g.pendingKeyLocked(t, id); ok {
			g.pending.Delete(key)
		}
	}
	return nil
}

// pendingKeyLocked finds the log key of a pending id, including entries
// already trimmed from the log.
func (g *memGroup) pendingKeyLocked(t *memTopic, id string) (uint64, bool) {
	if key, ok := t.index[id]; ok {
		return key, true
	}
	var key uint64
	var found bool
	g.pending.Scan(func(k uint64, p *memPending) bool {
		if p.id == id {
			key, found = k, true
			return false
		}
		return true
	})
	return key, found
}

func (b *MemoryBus) ClaimStale(_ context.Context, topic, group, consumer string, minIdle time.Duration, ids ...string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, g, err := b.groupLocked(topic, group)
	if err != nil {
		return nil, err
	}
	now := b.opts.now()
	var claimed []string
	for _, id := range ids {
		key, ok := g.pendingKeyLocked(t, id)
		if !ok {
			continue
		}
		p, ok := g.pending.Get(key)
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (b *MemoryBus) PendingEntries(_ context.Context, topic, group string, max int) ([]PendingEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, g, err := b.groupLocked(topic, group)
	if err != nil {
		return nil, err
	}
	now := b.opts.now()
	var out []PendingEntry
	g.pending.Scan(func(_ uint64, p *memPending) bool {
		out = append(out, PendingEntry{
			ID:         p.id,
			Consumer:   p.consumer,
			Idle:       now.Sub(p.deliveredAt),
			Deliveries: p.deliveries,
		})
		return max <= 0 || len(out) < max
	})
	return out, nil
}

func (b *MemoryBus) Pending(_ context.Context, topic, group string) (PendingSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, g, err := b.groupLocked(topic, group)
	if err != nil {
		return PendingSummary{}, err
	}
	sum := PendingSummary{Consumers: make(map[string]int64)}
	g.pending.Scan(func(_ uint64, p *memPending) bool {
		if sum.Count == 0 {
			sum.OldestID = p.id
		}
		sum.NewestID = p.id
		sum.Count++
		sum.Consumers[p.consumer]++
		return true
	})
	return sum, nil
}

func (b *MemoryBus) Len(_ context.Context, topic string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBusClosed
	}
	t := b.topicLocked(topic, false)
	if t == nil {
		return 0, nil
	}
	return int64(t.log.Len()), nil
}

// Trim drops the oldest entries until at most maxLen remain.
func (b *MemoryBus) Trim(_ context.Context, topic string, maxLen int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBusClosed
	}
	t := b.topicLocked(topic, false)
	if t == nil {
		return 0, nil
	}
	var removed int64
	for int64(t.log.Len()) > maxLen {
		_, e, ok := t.log.PopMin()
		if !ok {
			break
		}
		delete(t.index, e.id)
		removed++
	}
	return removed, nil
}

// Close wakes blocked readers and rejects further operations.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.wakeLocked()
	return nil
}
