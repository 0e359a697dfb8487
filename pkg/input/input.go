// Package input implements the runner's single ingestion queue. Packets are
// pulled from upstream runners on demand: each source asks for a batch only
// while the queue is at or below its low level.
package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/wehubfusion/brickrunner/internal/notify"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/wire"
	"go.uber.org/zap"
)

// DialFunc opens a framed connection to an upstream runner.
type DialFunc func(ctx context.Context, address string) (*wire.Conn, error)

// Options configures an Input.
type Options struct {
	// InstanceID is announced to upstream runners in the registration.
	InstanceID string

	// LowQueueLevel is the queue size at or below which sources pull.
	LowQueueLevel int

	// BatchSize is the number of packets requested per pull.
	BatchSize int

	Dial DialFunc
}

// Input is an unbounded FIFO fed by many source goroutines and drained by
// one consumer.
type Input struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	queue    []*packet.Packet
	inFlight int
	closed   bool
	sources  map[string]*source

	changed *notify.Cond
	low     *notify.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Input. The low flag starts raised.
func New(opts Options, logger *zap.Logger) *Input {
	if opts.LowQueueLevel < 0 {
		opts.LowQueueLevel = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.Dial == nil {
		opts.Dial = wire.Dial
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Input{
		opts:    opts,
		logger:  logger.Named("input"),
		sources: make(map[string]*source),
		changed: notify.NewCond(),
		low:     notify.NewEvent(true),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Put stamps the input-entry time and enqueues p.
func (in *Input) Put(p *packet.Packet) error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return sdkerrors.ErrClosed
	}
	p.MarkInputEnter()
	in.queue = append(in.queue, p)
	in.updateLowLocked()
	in.mu.Unlock()

	in.changed.Broadcast()
	return nil
}

// Get blocks until a packet is available, ctx is done or the input is
// closed. Every returned packet must be acknowledged with TaskDone.
func (in *Input) Get(ctx context.Context) (*packet.Packet, error) {
	for {
		ch := in.changed.C()

		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return nil, sdkerrors.ErrClosed
		}
		if len(in.queue) > 0 {
			p := in.queue[0]
			in.queue[0] = nil
			in.queue = in.queue[1:]
			in.inFlight++
			in.updateLowLocked()
			in.mu.Unlock()

			p.MarkInputExit()
			return p, nil
		}
		in.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TaskDone acknowledges that a packet returned by Get is fully processed.
func (in *Input) TaskDone() {
	in.mu.Lock()
	if in.inFlight > 0 {
		in.inFlight--
	}
	in.mu.Unlock()
	in.changed.Broadcast()
}

// updateLowLocked recomputes the low flag; in.mu must be held.
func (in *Input) updateLowLocked() {
	if len(in.queue) <= in.opts.LowQueueLevel {
		in.low.Set()
	} else {
		in.low.Clear()
	}
}

// IsLow reports the low-queue flag.
func (in *Input) IsLow() bool { return in.low.IsSet() }

// Len returns the number of queued packets.
func (in *Input) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// IsEmpty reports whether nothing is queued and nothing is in flight.
func (in *Input) IsEmpty() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue) == 0 && in.inFlight == 0
}

// Sources returns the keys of the live upstream sources.
func (in *Input) Sources() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	keys := make([]string, 0, len(in.sources))
	for k := range in.sources {
		keys = append(keys, k)
	}
	return keys
}

// AddSource starts pulling sourcePort of the runner at address. Packets are
// re-tagged with targetPort. Adding a source twice is a no-op.
func (in *Input) AddSource(address, sourcePort, targetPort string) error {
	key := address + "/" + sourcePort

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return sdkerrors.ErrClosed
	}
	if _, ok := in.sources[key]; ok {
		return nil
	}

	s := &source{
		in:         in,
		key:        key,
		address:    address,
		sourcePort: sourcePort,
		targetPort: targetPort,
		logger: in.logger.With(
			zap.String("source", address),
			zap.String("sourcePort", sourcePort),
			zap.String("targetPort", targetPort)),
	}
	in.sources[key] = s
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		s.run(in.ctx)
	}()
	return nil
}

func (in *Input) removeSource(key string) {
	in.mu.Lock()
	delete(in.sources, key)
	in.mu.Unlock()
}

// Close cancels every source loop, waits for them and drops queued packets.
func (in *Input) Close() error {
	in.cancel()
	in.wg.Wait()

	in.mu.Lock()
	in.closed = true
	in.queue = nil
	in.mu.Unlock()
	in.changed.Broadcast()
	return nil
}

// source is one upstream pull loop.
type source struct {
	in         *Input
	key        string
	address    string
	sourcePort string
	targetPort string
	logger     *zap.Logger
}

func (s *source) run(ctx context.Context) {
	defer s.in.removeSource(s.key)

	if err := s.pull(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Upstream source lost", zap.Error(err))
		return
	}
	s.logger.Debug("Upstream source stopped")
}

func (s *source) pull(ctx context.Context) error {
	conn, err := s.in.opts.Dial(ctx, s.address)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reg := wire.ConsumerRegistration{InstanceID: s.in.opts.InstanceID, Port: s.sourcePort}
	if err := conn.Send(reg); err != nil {
		return fmt.Errorf("failed to register with source: %w", err)
	}
	s.logger.Info("Registered with upstream source")

	batch := s.in.opts.BatchSize
	for {
		if err := s.in.low.Wait(ctx); err != nil {
			return err
		}
		if err := conn.Send(wire.PacketRequest{BatchSize: batch}); err != nil {
			return fmt.Errorf("failed to request packets: %w", err)
		}
		for i := 0; i < batch; i++ {
			msg, err := conn.Receive()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return fmt.Errorf("source closed connection: %w", sdkerrors.ErrDisconnected)
				}
				return err
			}
			pm, ok := msg.(wire.PacketMessage)
			if !ok {
				return fmt.Errorf("unexpected %T from source: %w", msg, sdkerrors.ErrUnknownMessage)
			}
			pm.Packet.Received(s.targetPort)
			if err := s.in.Put(pm.Packet); err != nil {
				return err
			}
		}
	}
}
