package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
)

// DeadLetter is a message that will not be processed again.
type DeadLetter struct {
	Topic      string        `json:"topic"`
	MessageID  string        `json:"message_id"`
	Event      *events.Event `json:"event,omitempty"`
	Raw        []byte        `json:"raw,omitempty"`
	Reason     string        `json:"reason"`
	RetryCount int           `json:"retry_count"`
	At         time.Time     `json:"at"`
}

// DeadLetterSink persists dead letters.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

const deadLetterPrefix = "dlq:"

// BadgerDeadLetterStore keeps dead letters in an embedded badger database.
type BadgerDeadLetterStore struct {
	db     *badger.DB
	logger *zap.Logger
	count  atomic.Int64
}

// BadgerOptions configures the dead-letter database.
type BadgerOptions struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// NewBadgerDeadLetterStore opens (or creates) the dead-letter database.
func NewBadgerDeadLetterStore(opts BadgerOptions, logger *zap.Logger) (*BadgerDeadLetterStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("messaging: dead-letter path is required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter store: %w", err)
	}
	s := &BadgerDeadLetterStore{db: db, logger: logger.With(zap.String("component", "dead_letters"))}

	n, err := s.scanCount()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.count.Store(n)
	return s, nil
}

// Record stores dl under a time ordered key.
func (s *BadgerDeadLetterStore) Record(_ context.Context, dl DeadLetter) error {
	if dl.At.IsZero() {
		dl.At = time.Now().UTC()
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	key := fmt.Sprintf("%s%020d:%s:%s", deadLetterPrefix, dl.At.UnixNano(), dl.Topic, dl.MessageID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	s.count.Add(1)
	s.logger.Warn("Message dead-lettered",
		zap.String("topic", dl.Topic),
		zap.String("message_id", dl.MessageID),
		zap.String("reason", dl.Reason),
		zap.Int("retry_count", dl.RetryCount))
	return nil
}

// Count returns the number of stored dead letters.
func (s *BadgerDeadLetterStore) Count() int64 {
	return s.count.Load()
}

func (s *BadgerDeadLetterStore) scanCount() (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(deadLetterPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// List returns up to limit dead letters, oldest first. limit <= 0 means all.
func (s *BadgerDeadLetterStore) List(limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(deadLetterPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var dl DeadLetter
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &dl)
			}); err != nil {
				return err
			}
			out = append(out, dl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *BadgerDeadLetterStore) Close() error {
	return s.db.Close()
}

// FanoutDeadLetterSink records to several sinks and succeeds if any of them does.
type FanoutDeadLetterSink struct {
	sinks  []DeadLetterSink
	logger *zap.Logger
}

// NewFanoutDeadLetterSink combines sinks. Nil sinks are skipped.
func NewFanoutDeadLetterSink(logger *zap.Logger, sinks ...DeadLetterSink) *FanoutDeadLetterSink {
	f := &FanoutDeadLetterSink{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *FanoutDeadLetterSink) Record(ctx context.Context, dl DeadLetter) error {
	if len(f.sinks) == 0 {
		return errors.New("messaging: no dead-letter sinks configured")
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Record(ctx, dl); err != nil {
			f.logger.Error("Dead-letter sink failed",
				zap.String("topic", dl.Topic),
				zap.String("message_id", dl.MessageID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(f.sinks) {
		return fmt.Errorf("all dead-letter sinks failed: %w", errors.Join(errs...))
	}
	return nil
}
