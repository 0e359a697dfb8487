package input

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/wire"
	"go.uber.org/zap"
)

func newTestInput(t *testing.T, low int) *Input {
	t.Helper()
	in := New(Options{InstanceID: "down-1", LowQueueLevel: low, BatchSize: 3}, zap.NewNop())
	t.Cleanup(func() { _ = in.Close() })
	return in
}

func TestLowFlagTracksThreshold(t *testing.T) {
	in := newTestInput(t, 2)
	assert.True(t, in.IsLow(), "empty input is low")

	for i := 0; i < 3; i++ {
		require.NoError(t, in.Put(packet.New("in", i)))
	}
	assert.False(t, in.IsLow(), "3 queued with level 2")

	ctx := context.Background()
	p, err := in.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Payload)
	assert.True(t, in.IsLow(), "2 queued with level 2")
	assert.NotZero(t, p.Marks.InputEnter)
	assert.NotZero(t, p.Marks.InputExit)
}

func TestGetBlocksUntilPut(t *testing.T) {
	in := newTestInput(t, 10)

	got := make(chan *packet.Packet, 1)
	go func() {
		p, err := in.Get(context.Background())
		if err == nil {
			got <- p
		}
	}()

	select {
	case <-got:
		t.Fatal("Get returned before any packet was put")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, in.Put(packet.New("in", "x")))
	select {
	case p := <-got:
		assert.Equal(t, "x", p.Payload)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake up")
	}
}

func TestGetHonoursContext(t *testing.T) {
	in := newTestInput(t, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := in.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsEmptyCountsInFlight(t *testing.T) {
	in := newTestInput(t, 10)
	assert.True(t, in.IsEmpty())

	require.NoError(t, in.Put(packet.New("in", 1)))
	assert.False(t, in.IsEmpty())

	_, err := in.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, in.IsEmpty(), "packet is still being processed")

	in.TaskDone()
	assert.True(t, in.IsEmpty())
}

func TestClosedInputRejectsUse(t *testing.T) {
	in := New(Options{}, nil)
	require.NoError(t, in.Close())

	assert.ErrorIs(t, in.Put(packet.New("in", 1)), sdkerrors.ErrClosed)
	_, err := in.Get(context.Background())
	assert.ErrorIs(t, err, sdkerrors.ErrClosed)
	assert.ErrorIs(t, in.AddSource("127.0.0.1:1", "out", "in"), sdkerrors.ErrClosed)
}

// upstream is a minimal fake producer runner serving one connection.
type upstream struct {
	ln       net.Listener
	reg      chan wire.ConsumerRegistration
	requests chan int
	conn     chan *wire.Conn
}

func startUpstream(t *testing.T) *upstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &upstream{
		ln:       ln,
		reg:      make(chan wire.ConsumerRegistration, 1),
		requests: make(chan int, 16),
		conn:     make(chan *wire.Conn, 1),
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		c := wire.NewConn(raw)
		msg, err := c.Receive()
		if err != nil {
			return
		}
		u.reg <- msg.(wire.ConsumerRegistration)
		u.conn <- c
		for {
			msg, err := c.Receive()
			if err != nil {
				return
			}
			if req, ok := msg.(wire.PacketRequest); ok {
				u.requests <- req.BatchSize
			}
		}
	}()
	return u
}

func TestSourcePullsAndRetagsPackets(t *testing.T) {
	u := startUpstream(t)
	in := newTestInput(t, 10)

	require.NoError(t, in.AddSource(u.ln.Addr().String(), "out", "in"))
	require.NoError(t, in.AddSource(u.ln.Addr().String(), "out", "in"), "duplicate add is a no-op")

	reg := <-u.reg
	assert.Equal(t, wire.ConsumerRegistration{InstanceID: "down-1", Port: "out"}, reg)
	conn := <-u.conn

	select {
	case n := <-u.requests:
		assert.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("no packet request received")
	}

	for i := 0; i < 3; i++ {
		p := packet.New("out", i)
		p.MarkOutputEnter()
		p.MarkOutputExit()
		require.NoError(t, conn.Send(wire.PacketMessage{Packet: p}))
	}

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		p, err := in.Get(ctx)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, "in", p.Port)
		assert.EqualValues(t, i, p.Payload)
		assert.NotZero(t, p.Upstream.OutputExit)
		in.TaskDone()
	}

	select {
	case <-u.requests:
	case <-time.After(time.Second):
		t.Fatal("source did not pull again while low")
	}
	assert.Len(t, in.Sources(), 1)
}

func TestSourceRemovedWhenUpstreamDisconnects(t *testing.T) {
	u := startUpstream(t)
	in := newTestInput(t, 10)

	require.NoError(t, in.AddSource(u.ln.Addr().String(), "out", "in"))
	<-u.reg
	conn := <-u.conn
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return len(in.Sources()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestSourceRemovedWhenDialFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	in := newTestInput(t, 10)
	require.NoError(t, in.AddSource(addr, "out", "in"))
	assert.Eventually(t, func() bool { return len(in.Sources()) == 0 }, time.Second, 10*time.Millisecond)
}
