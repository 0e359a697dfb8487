package output

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/google/uuid"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/wire"
	"go.uber.org/zap"
)

// Consumer is one live downstream connection. Its credits are the number of
// packets the downstream side asked for and has not yet received.
type Consumer struct {
	id         string
	instanceID string
	conn       *wire.Conn
	logger     *zap.Logger

	// onCredit is called after every credit increase.
	onCredit func()

	mu      sync.Mutex
	credits int

	done      chan struct{}
	closeOnce sync.Once
}

func newConsumer(conn *wire.Conn, instanceID string, onCredit func(), logger *zap.Logger) *Consumer {
	id := uuid.NewString()
	return &Consumer{
		id:         id,
		instanceID: instanceID,
		conn:       conn,
		onCredit:   onCredit,
		done:       make(chan struct{}),
		logger: logger.With(
			zap.String("consumerId", id),
			zap.String("remote", conn.RemoteAddr())),
	}
}

// ID returns the consumer's unique id.
func (c *Consumer) ID() string { return c.id }

// Credits returns the remaining demand.
func (c *Consumer) Credits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credits
}

// Done is closed once the connection is gone.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// listen reads packet requests until the connection ends.
func (c *Consumer) listen() {
	defer c.disconnect()
	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("Consumer connection read failed", zap.Error(err))
			}
			return
		}
		req, ok := msg.(wire.PacketRequest)
		if !ok {
			c.logger.Warn("Ignoring unexpected message from consumer", zap.String("type", fmt.Sprintf("%T", msg)))
			continue
		}
		c.addCredits(req.BatchSize)
	}
}

func (c *Consumer) addCredits(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	if c.credits > math.MaxInt-n {
		c.credits = math.MaxInt
	} else {
		c.credits += n
	}
	c.mu.Unlock()
	if c.onCredit != nil {
		c.onCredit()
	}
}

// Send writes p to the downstream side, consuming one credit. It never
// writes to a consumer with zero credits. A write failure disconnects the
// consumer.
func (c *Consumer) Send(p *packet.Packet) error {
	select {
	case <-c.done:
		return sdkerrors.ErrDisconnected
	default:
	}

	c.mu.Lock()
	if c.credits <= 0 {
		c.mu.Unlock()
		return sdkerrors.ErrNoCredits
	}
	c.credits--
	c.mu.Unlock()

	p.MarkOutputExit()
	if err := c.conn.Send(wire.PacketMessage{Packet: p}); err != nil {
		c.disconnect()
		return fmt.Errorf("send packet %s: %w: %v", p.ID, sdkerrors.ErrDisconnected, err)
	}
	return nil
}

func (c *Consumer) disconnect() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
		close(c.done)
	})
}

// Close drops the connection.
func (c *Consumer) Close() error {
	c.disconnect()
	return nil
}
