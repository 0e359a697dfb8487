package output

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wehubfusion/brickrunner/internal/notify"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/mapping"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/wire"
	"go.uber.org/zap"
)

// ScaleFunc asks for another instance of the downstream brick instance.
type ScaleFunc func(ctx context.Context, instanceID string)

// GroupOptions configures a ConsumerGroup.
type GroupOptions struct {
	Port       string
	InstanceID string

	// AutoscaleLevel enables the scaling watchdog when > 0.
	AutoscaleLevel int
	SampleInterval time.Duration
	HistoryLength  int

	Mapper *mapping.Mapper
	Scale  ScaleFunc
}

func (o *GroupOptions) setDefaults() {
	if o.SampleInterval <= 0 {
		o.SampleInterval = 200 * time.Millisecond
	}
	if o.HistoryLength < 2 {
		o.HistoryLength = 5
	}
}

// ConsumerGroup holds the packets waiting for one downstream instance and
// hands each to whichever member Consumer has credits.
type ConsumerGroup struct {
	opts   GroupOptions
	logger *zap.Logger

	mu        sync.Mutex
	queue     []*packet.Packet
	consumers map[string]*Consumer
	joins     uint64
	closed    bool

	changed *notify.Cond

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	wdMu     sync.Mutex
	wdCancel context.CancelFunc
	wdDone   chan struct{}

	scaleRequests int
}

// NewConsumerGroup starts the dispatch loop and, when enabled, the scaling
// watchdog.
func NewConsumerGroup(opts GroupOptions, logger *zap.Logger) *ConsumerGroup {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &ConsumerGroup{
		opts: opts,
		logger: logger.With(
			zap.String("port", opts.Port),
			zap.String("downstreamId", opts.InstanceID)),
		consumers: make(map[string]*Consumer),
		changed:   notify.NewCond(),
		ctx:       ctx,
		cancel:    cancel,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.dispatch(ctx)
	}()
	g.restartWatchdog()
	return g
}

// Enqueue reshapes p for the downstream instance and queues it. A mapping
// failure drops the packet; the error is returned for accounting only.
func (g *ConsumerGroup) Enqueue(p *packet.Packet) error {
	if err := g.opts.Mapper.Apply(p); err != nil {
		g.logger.Warn("Dropping packet after mapping failure",
			zap.String("packetId", p.ID),
			zap.Error(err))
		return fmt.Errorf("map packet %s: %w", p.ID, err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return sdkerrors.ErrClosed
	}
	p.MarkOutputEnter()
	g.queue = append(g.queue, p)
	g.mu.Unlock()

	g.changed.Broadcast()
	return nil
}

// Attach adds a Consumer for conn and starts its listener.
func (g *ConsumerGroup) Attach(conn *wire.Conn) (*Consumer, error) {
	c := newConsumer(conn, g.opts.InstanceID, g.changed.Broadcast, g.logger)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, sdkerrors.ErrClosed
	}
	g.consumers[c.id] = c
	g.joins++
	g.wg.Add(2)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		c.listen()
	}()
	go func() {
		defer g.wg.Done()
		select {
		case <-c.Done():
			g.remove(c)
		case <-g.ctx.Done():
		}
	}()

	g.logger.Info("Consumer joined", zap.String("consumerId", c.id))
	g.changed.Broadcast()
	return c, nil
}

// remove drops c from the group. Removing twice is a no-op.
func (g *ConsumerGroup) remove(c *Consumer) {
	g.mu.Lock()
	if _, ok := g.consumers[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.consumers, c.id)
	empty := len(g.consumers) == 0
	closed := g.closed
	g.mu.Unlock()

	_ = c.Close()
	g.logger.Info("Consumer left", zap.String("consumerId", c.id), zap.Bool("groupEmpty", empty))
	if empty && !closed {
		g.restartWatchdog()
	}
	g.changed.Broadcast()
}

// Pending returns the number of queued packets.
func (g *ConsumerGroup) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Consumers returns the number of member consumers.
func (g *ConsumerGroup) Consumers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.consumers)
}

// ScaleRequests returns how many scaling requests the group has issued.
func (g *ConsumerGroup) ScaleRequests() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.scaleRequests
}

// receptiveLocked returns any member with credits. Map iteration order is
// randomized, which spreads packets across ready consumers.
func (g *ConsumerGroup) receptiveLocked() *Consumer {
	for _, c := range g.consumers {
		if c.Credits() > 0 {
			return c
		}
	}
	return nil
}

func (g *ConsumerGroup) dispatch(ctx context.Context) {
	for {
		var c *Consumer
		err := g.changed.WaitFor(ctx, func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			if len(g.queue) == 0 {
				return false
			}
			c = g.receptiveLocked()
			return c != nil
		})
		if err != nil {
			return
		}

		g.mu.Lock()
		if len(g.queue) == 0 {
			g.mu.Unlock()
			continue
		}
		p := g.queue[0]
		g.queue[0] = nil
		g.queue = g.queue[1:]
		g.mu.Unlock()

		if err := c.Send(p); err != nil {
			p.Marks.OutputExit = 0
			g.requeue(p)
			if !errors.Is(err, sdkerrors.ErrNoCredits) {
				g.logger.Warn("Consumer send failed, packet requeued",
					zap.String("consumerId", c.id),
					zap.String("packetId", p.ID),
					zap.Error(err))
				g.remove(c)
			}
		}
	}
}

func (g *ConsumerGroup) requeue(p *packet.Packet) {
	g.mu.Lock()
	if !g.closed {
		g.queue = append([]*packet.Packet{p}, g.queue...)
	}
	g.mu.Unlock()
}

// Close stops the dispatch loop and the watchdog, drops every consumer and
// waits for all group goroutines.
func (g *ConsumerGroup) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	consumers := make([]*Consumer, 0, len(g.consumers))
	for _, c := range g.consumers {
		consumers = append(consumers, c)
	}
	g.mu.Unlock()

	g.cancel()
	for _, c := range consumers {
		_ = c.Close()
	}
	g.wg.Wait()

	g.mu.Lock()
	dropped := len(g.queue)
	g.queue = nil
	g.consumers = make(map[string]*Consumer)
	g.mu.Unlock()

	if dropped > 0 {
		g.logger.Warn("Consumer group closed with undelivered packets", zap.Int("dropped", dropped))
	}
	return nil
}
