package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"go.uber.org/zap"
)

// NATSStore keeps state in a JetStream key/value bucket.
type NATSStore struct {
	kv      jetstream.KeyValue
	timeout time.Duration
	logger  *zap.Logger
}

// NewNATSStore wraps an opened bucket.
func NewNATSStore(kv jetstream.KeyValue, logger *zap.Logger) *NATSStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSStore{kv: kv, timeout: 5 * time.Second, logger: logger.Named("state")}
}

func (s *NATSStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return nil, sdkerrors.ErrStateNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	s.logger.Debug("State stored", zap.String("key", key), zap.Uint64("revision", rev))
	return nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
