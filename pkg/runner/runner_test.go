package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/brickrunner/pkg/brick"
	"github.com/wehubfusion/brickrunner/pkg/config"
	"github.com/wehubfusion/brickrunner/pkg/definition"
	"github.com/wehubfusion/brickrunner/pkg/gridmanager"
	"github.com/wehubfusion/brickrunner/pkg/mapping"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/wire"
	"go.uber.org/zap"
)

// fakeGrid is an in-process Grid Manager.
type fakeGrid struct {
	mu           sync.Mutex
	sources      []gridmanager.Source
	registered   []map[string]string
	deregistered int
	scaling      []map[string]string
}

func (g *fakeGrid) client(t *testing.T) *gridmanager.Client {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/brickrunners/", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		g.mu.Lock()
		g.registered = append(g.registered, body)
		sources := g.sources
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sources)
	})
	r.Post("/brickrunners/deregister", func(w http.ResponseWriter, _ *http.Request) {
		g.mu.Lock()
		g.deregistered++
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/brickrunners/scaling", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		g.mu.Lock()
		g.scaling = append(g.scaling, body)
		g.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := gridmanager.New(srv.URL, gridmanager.Options{RetryInterval: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func (g *fakeGrid) deregistrations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deregistered
}

func (g *fakeGrid) scalingRequests() []map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]string(nil), g.scaling...)
}

// funcTransform adapts a function to brick.Transform.
type funcTransform struct {
	setupErr error
	fn       func(ctx context.Context, inv *brick.Invocation) (*brick.Result, error)
}

func (f *funcTransform) Setup(context.Context, *brick.Adapter) error { return f.setupErr }
func (f *funcTransform) Teardown(context.Context) error              { return nil }
func (f *funcTransform) Process(ctx context.Context, inv *brick.Invocation) (*brick.Result, error) {
	return f.fn(ctx, inv)
}

func passthrough() *funcTransform {
	return &funcTransform{fn: func(_ context.Context, inv *brick.Invocation) (*brick.Result, error) {
		return brick.Value(inv.Payload), nil
	}}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BindIP = "127.0.0.1"
	cfg.MetricsDisabled = true
	cfg.MetricsInterval = 10 * time.Millisecond
	return cfg
}

func newRunner(t *testing.T, inst *definition.Instance, tr brick.Transform, grid *fakeGrid, mutate ...func(*Options)) *Runner {
	t.Helper()
	opts := Options{
		RunnerID:  "runner-1",
		Instance:  inst,
		Transform: tr,
		Config:    testConfig(),
		Grid:      grid.client(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	r, err := New(opts, zap.NewNop())
	require.NoError(t, err)
	return r
}

// start runs r in the background and waits until it is Running.
func start(t *testing.T, r *Runner) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	require.Eventually(t, func() bool { return r.State() == StateRunning }, 2*time.Second, 5*time.Millisecond)
	return cancel, errCh
}

func dialConsumer(t *testing.T, addr, instanceID, port string, credits int) *wire.Conn {
	t.Helper()
	conn, err := wire.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.Send(wire.ConsumerRegistration{InstanceID: instanceID, Port: port}))
	require.NoError(t, conn.Send(wire.PacketRequest{BatchSize: credits}))
	return conn
}

func receive(t *testing.T, conn *wire.Conn, n int) []*packet.Packet {
	t.Helper()
	got := make(chan *packet.Packet, n)
	go func() {
		for i := 0; i < n; i++ {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			if pm, ok := msg.(wire.PacketMessage); ok {
				got <- pm.Packet
			}
		}
	}()

	var out []*packet.Packet
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case p := <-got:
			out = append(out, p)
		case <-timeout:
			t.Fatalf("received %d of %d packets", len(out), n)
		}
	}
	return out
}

// fakeUpstream serves count packets on port "out" to the first runner that
// registers and reports the registration it got.
func fakeUpstream(t *testing.T, count int) (string, <-chan wire.ConsumerRegistration) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	regs := make(chan wire.ConsumerRegistration, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		conn := wire.NewConn(nc)
		defer conn.Close()

		msg, err := conn.Receive()
		if err != nil {
			return
		}
		if reg, ok := msg.(wire.ConsumerRegistration); ok {
			regs <- reg
		}
		sent := 0
		for {
			msg, err := conn.Receive()
			if err != nil {
				return
			}
			req, ok := msg.(wire.PacketRequest)
			if !ok {
				return
			}
			for i := 0; i < req.BatchSize && sent < count; i++ {
				payload := map[string]any{"src": ln.Addr().String(), "n": sent}
				if err := conn.Send(wire.PacketMessage{Packet: packet.New("out", payload)}); err != nil {
					return
				}
				sent++
			}
		}
	}()
	return ln.Addr().String(), regs
}

func inletInstance() *definition.Instance {
	return &definition.Instance{
		ID:     "gen-1",
		FlowID: "flow-1",
		Brick:  definition.Brick{Name: "generator", Outputs: []string{"out"}},
		Connections: []definition.Connection{{
			Port:             "out",
			TargetInstanceID: "down-1",
			TargetPort:       "in",
			Mapping:          []mapping.Rule{{Source: "/payload/greeting", Target: "/text"}},
		}},
	}
}

func middleInstance() *definition.Instance {
	return &definition.Instance{
		ID:     "mid-1",
		FlowID: "flow-1",
		Brick:  definition.Brick{Name: "passthrough", Inputs: []string{"in"}, Outputs: []string{"out"}},
		Connections: []definition.Connection{{
			Port:             "out",
			TargetInstanceID: "down-1",
			TargetPort:       "in",
		}},
	}
}

func TestNewValidates(t *testing.T) {
	grid := (&fakeGrid{}).client(t)
	valid := Options{RunnerID: "r", Instance: middleInstance(), Transform: passthrough(), Grid: grid}

	_, err := New(valid, nil)
	assert.Error(t, err)

	for _, mutate := range []func(*Options){
		func(o *Options) { o.Instance = nil },
		func(o *Options) { o.Transform = nil },
		func(o *Options) { o.Grid = nil },
		func(o *Options) { o.RunnerID = "" },
	} {
		opts := valid
		mutate(&opts)
		_, err := New(opts, zap.NewNop())
		assert.Error(t, err)
	}

	r, err := New(valid, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, StateCreated, r.State())
	assert.Equal(t, "", r.Addr())
}

func TestInletTriggerDeliveredToConsumer(t *testing.T) {
	grid := &fakeGrid{}
	var calls int
	tr := &funcTransform{fn: func(_ context.Context, inv *brick.Invocation) (*brick.Result, error) {
		calls++
		assert.Nil(t, inv.Payload)
		return brick.Value(map[string]any{"greeting": "hi"}), nil
	}}
	r := newRunner(t, inletInstance(), tr, grid)
	cancel, errCh := start(t, r)

	conn := dialConsumer(t, r.Addr(), "down-1", "out", 25)
	got := receive(t, conn, 1)
	assert.Equal(t, "out", got[0].Port)
	assert.Equal(t, map[string]any{"text": "hi"}, got[0].Payload)

	assert.Eventually(t, func() bool {
		return r.Input().IsEmpty() && r.Output().Idle()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), r.Brick().Stats().Executions)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, grid.deregistrations())
}

func TestPullsFromSourcesAndFeedsConsumer(t *testing.T) {
	addrA, regsA := fakeUpstream(t, 3)
	addrB, regsB := fakeUpstream(t, 3)
	grid := &fakeGrid{sources: []gridmanager.Source{
		{Address: addrA, Port: "out", TargetPort: "in"},
		{Address: addrB, Port: "out", TargetPort: "in"},
	}}
	r := newRunner(t, middleInstance(), passthrough(), grid)
	cancel, errCh := start(t, r)

	for _, regs := range []<-chan wire.ConsumerRegistration{regsA, regsB} {
		select {
		case reg := <-regs:
			assert.Equal(t, wire.ConsumerRegistration{InstanceID: "mid-1", Port: "out"}, reg)
		case <-time.After(2 * time.Second):
			t.Fatal("runner never registered with upstream")
		}
	}

	conn := dialConsumer(t, r.Addr(), "down-1", "out", 10)
	got := receive(t, conn, 6)
	perSource := make(map[string][]string)
	for _, p := range got {
		assert.Equal(t, "out", p.Port)
		payload := p.Payload.(map[string]any)
		src := payload["src"].(string)
		perSource[src] = append(perSource[src], fmt.Sprint(payload["n"]))
	}
	assert.Equal(t, map[string][]string{
		addrA: {"0", "1", "2"},
		addrB: {"0", "1", "2"},
	}, perSource, "arrival order is kept per source")
	assert.Equal(t, int64(6), r.Brick().Stats().Executions)
	assert.Len(t, r.Input().Sources(), 2)

	cancel()
	require.NoError(t, <-errCh)
	assert.Empty(t, r.Input().Sources(), "closing input stops every source")
}

func TestIdleShutdown(t *testing.T) {
	grid := &fakeGrid{}
	inst := middleInstance()
	maxIdle := 0.5
	inst.Runtime.MaxIdleSeconds = &maxIdle
	r := newRunner(t, inst, passthrough(), grid)
	require.NoError(t, r.Setup(context.Background()))

	began := time.Now()
	require.NoError(t, r.Run(context.Background()))
	elapsed := time.Since(began)

	limit := 500*time.Millisecond + idlePollInterval(500*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 500*time.Millisecond, "never before max idle")
	assert.LessOrEqual(t, elapsed, limit+40*time.Millisecond, "within max idle plus one poll interval")
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, grid.deregistrations())
	select {
	case <-r.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestIdleClockRestartsOnActivity(t *testing.T) {
	inst := middleInstance()
	maxIdle := 0.3
	inst.Runtime.MaxIdleSeconds = &maxIdle
	tr := &funcTransform{fn: func(context.Context, *brick.Invocation) (*brick.Result, error) {
		time.Sleep(150 * time.Millisecond)
		return nil, nil
	}}
	r := newRunner(t, inst, tr, &fakeGrid{})
	_, errCh := start(t, r)

	time.Sleep(200 * time.Millisecond)
	busy := time.Now()
	require.NoError(t, r.Input().Put(packet.New("in", "wake")))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on idle")
	}
	assert.GreaterOrEqual(t, time.Since(busy), 450*time.Millisecond, "activity restarts the idle period")
}

func TestInletIgnoresIdleTimeout(t *testing.T) {
	inst := inletInstance()
	maxIdle := 0.05
	inst.Runtime.MaxIdleSeconds = &maxIdle
	tr := &funcTransform{fn: func(context.Context, *brick.Invocation) (*brick.Result, error) { return nil, nil }}
	r := newRunner(t, inst, tr, &fakeGrid{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	began := time.Now()
	require.NoError(t, r.Run(ctx))
	assert.GreaterOrEqual(t, time.Since(began), 250*time.Millisecond)
}

func TestShutdownDrains(t *testing.T) {
	r := newRunner(t, middleInstance(), passthrough(), &fakeGrid{})
	_, errCh := start(t, r)

	r.Shutdown()
	r.Shutdown()
	require.NoError(t, <-errCh)
	assert.Equal(t, StateStopped, r.State())

	_, err := net.DialTimeout("tcp", r.Addr(), 100*time.Millisecond)
	assert.Error(t, err, "accept server closed")
}

// producingTransform runs until told to stop and needs a moment to finish
// its current unit of work afterwards.
type producingTransform struct {
	stop     chan struct{}
	started  chan struct{}
	inFlight atomic.Bool

	mu               sync.Mutex
	tornDown         bool
	teardownInFlight bool
}

func (p *producingTransform) Setup(context.Context, *brick.Adapter) error { return nil }
func (p *producingTransform) StopProcessing()                              { close(p.stop) }

func (p *producingTransform) Process(context.Context, *brick.Invocation) (*brick.Result, error) {
	p.inFlight.Store(true)
	defer p.inFlight.Store(false)
	close(p.started)
	<-p.stop
	time.Sleep(100 * time.Millisecond)
	return nil, nil
}

func (p *producingTransform) Teardown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tornDown = true
	p.teardownInFlight = p.inFlight.Load()
	return nil
}

func TestTeardownWaitsForInFlightProcess(t *testing.T) {
	tr := &producingTransform{stop: make(chan struct{}), started: make(chan struct{})}
	r := newRunner(t, inletInstance(), tr, &fakeGrid{})
	cancel, errCh := start(t, r)

	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("inlet never invoked")
	}
	cancel()
	require.NoError(t, <-errCh)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.True(t, tr.tornDown)
	assert.False(t, tr.teardownInFlight, "teardown runs only after Process returned")
	assert.False(t, r.Brick().IsExecuting())
}

func TestSetupFailureStops(t *testing.T) {
	grid := &fakeGrid{}
	tr := passthrough()
	tr.setupErr = errors.New("no credentials")
	r := newRunner(t, middleInstance(), tr, grid)

	err := r.Run(context.Background())
	assert.ErrorContains(t, err, "no credentials")
	assert.Equal(t, StateStopped, r.State())
	grid.mu.Lock()
	assert.Empty(t, grid.registered)
	grid.mu.Unlock()
}

func expectClosed(t *testing.T, nc net.Conn) {
	t.Helper()
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := nc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestAcceptClosesUnrecognizedConnections(t *testing.T) {
	r := newRunner(t, middleInstance(), passthrough(), &fakeGrid{})
	start(t, r)

	garbage, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer garbage.Close()
	require.NoError(t, wire.WriteFrame(garbage, []byte("not a message")))
	expectClosed(t, garbage)

	undeclared, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer undeclared.Close()
	body, err := wire.Encode(wire.ConsumerRegistration{InstanceID: "down-1", Port: "audit"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(undeclared, body))
	expectClosed(t, undeclared)

	assert.Zero(t, r.Output().Port("out").Group("down-1").Consumers())
}

func TestAcceptAddsDescribedSource(t *testing.T) {
	upstream, regs := fakeUpstream(t, 0)
	r := newRunner(t, middleInstance(), passthrough(), &fakeGrid{})
	start(t, r)

	nc, err := net.Dial("tcp", r.Addr())
	require.NoError(t, err)
	defer nc.Close()
	desc, err := json.Marshal(map[string]string{"address": upstream, "port": "out", "target_port": "in"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(nc, desc))
	expectClosed(t, nc)

	select {
	case reg := <-regs:
		assert.Equal(t, "mid-1", reg.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("described source was never pulled")
	}
	assert.Equal(t, []string{upstream + "/out"}, r.Input().Sources())
}

func TestBacklogRequestsScalingAndExportsDepths(t *testing.T) {
	grid := &fakeGrid{}
	inst := inletInstance()
	level := 1
	inst.Runtime.AutoscaleQueueLevel = &level
	reg := prometheus.NewRegistry()
	tr := &funcTransform{fn: func(context.Context, *brick.Invocation) (*brick.Result, error) {
		return brick.Value(map[string]any{"greeting": "hi"}), nil
	}}
	r := newRunner(t, inst, tr, grid, func(o *Options) { o.Registerer = reg })
	start(t, r)

	require.Eventually(t, func() bool { return len(grid.scalingRequests()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]string{"brickId": "gen-1", "consumerId": "down-1"}, grid.scalingRequests()[0])

	assert.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "brickrunner_queue_depth")
		return err == nil && n == 2
	}, 2*time.Second, 10*time.Millisecond, "input and output/out/down-1 are sampled")
}
