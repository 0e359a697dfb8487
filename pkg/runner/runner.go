// Package runner executes one brick instance: it accepts downstream
// consumers and new upstream sources, feeds Input through the Brick into
// Output, and drives the Created→Setup→Running→Draining→Stopped lifecycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wehubfusion/brickrunner/pkg/brick"
	"github.com/wehubfusion/brickrunner/pkg/config"
	"github.com/wehubfusion/brickrunner/pkg/definition"
	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/gridmanager"
	"github.com/wehubfusion/brickrunner/pkg/input"
	"github.com/wehubfusion/brickrunner/pkg/mapping"
	"github.com/wehubfusion/brickrunner/pkg/metrics"
	"github.com/wehubfusion/brickrunner/pkg/output"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/state"
	"github.com/wehubfusion/brickrunner/pkg/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is a lifecycle state of the runner.
type State int32

const (
	StateCreated State = iota
	StateSetup
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSetup:
		return "setup"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	handshakeTimeout = 10 * time.Second
	drainTimeout     = 10 * time.Second
)

// Grid is the part of the Grid Manager the runner talks to.
type Grid interface {
	Register(ctx context.Context, runnerID, address, brickID string) ([]gridmanager.Source, error)
	Deregister(ctx context.Context, runnerID, brickID string) error
	RequestScaling(ctx context.Context, brickID, consumerID string)
}

// Options configures a Runner.
type Options struct {
	RunnerID  string
	Instance  *definition.Instance
	Transform brick.Transform
	Config    *config.Config
	Grid      Grid

	// State backs the brick's persistent state. Defaults to memory.
	State state.State

	// Sink receives telemetry events; nil disables emission.
	Sink metrics.Sink

	// Registerer receives the prometheus collectors; nil keeps them private.
	Registerer prometheus.Registerer

	Report brick.ReportFunc

	// Dial overrides how upstream sources are reached.
	Dial input.DialFunc
}

// Runner owns Input, Output, Brick and the accept server of one instance.
type Runner struct {
	id     string
	inst   *definition.Instance
	cfg    *config.Config
	grid   Grid
	opts   Options
	logger *zap.Logger

	state atomic.Int32

	listener net.Listener
	input    *input.Input
	output   *output.Output
	brick    *brick.Brick
	emitter  *metrics.Emitter

	maxIdle time.Duration
	workers int

	stopOnce   sync.Once
	stopCh     chan struct{}
	stopReason string

	conns sync.WaitGroup
	done  chan struct{}

	// consumed is closed when the consume loop and its workers are done.
	consumed    chan struct{}
	stopConsume context.CancelFunc
}

// New validates the options and returns a runner in the Created state.
func New(opts Options, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if opts.Instance == nil {
		return nil, errors.New("instance definition cannot be nil")
	}
	if opts.Transform == nil {
		return nil, errors.New("transform cannot be nil")
	}
	if opts.Grid == nil {
		return nil, errors.New("grid manager client cannot be nil")
	}
	if opts.RunnerID == "" {
		return nil, errors.New("runner id cannot be empty")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	inst := opts.Instance
	maxIdle := cfg.MaxIdleSeconds
	if inst.Runtime.MaxIdleSeconds != nil {
		maxIdle = *inst.Runtime.MaxIdleSeconds
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	r := &Runner{
		id:   opts.RunnerID,
		inst: inst,
		cfg:  cfg,
		grid: opts.Grid,
		opts: opts,
		logger: logger.Named("runner").With(
			zap.String("runnerId", opts.RunnerID),
			zap.String("flowId", inst.FlowID),
			zap.String("brickId", inst.ID)),
		maxIdle: time.Duration(maxIdle * float64(time.Second)),
		workers: workers,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),

		consumed:    make(chan struct{}),
		stopConsume: func() {},
	}
	r.state.Store(int32(StateCreated))
	return r, nil
}

// State returns the current lifecycle state.
func (r *Runner) State() State { return State(r.state.Load()) }

// Addr returns the accept server address, or "" before Setup.
func (r *Runner) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Done is closed once the runner reached Stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Input exposes the ingestion queue.
func (r *Runner) Input() *input.Input { return r.input }

// Output exposes the output ports.
func (r *Runner) Output() *output.Output { return r.output }

// Brick exposes the transform host.
func (r *Runner) Brick() *brick.Brick { return r.brick }

// Shutdown asks a running runner to drain. It returns immediately.
func (r *Runner) Shutdown() { r.requestStop("shutdown requested") }

func (r *Runner) requestStop(reason string) {
	r.stopOnce.Do(func() {
		r.stopReason = reason
		close(r.stopCh)
	})
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.logger.Info("Runner state changed", zap.Stringer("state", s))
}

// Setup opens the accept server, builds the components, sets up the brick
// and registers with the Grid Manager.
func (r *Runner) Setup(ctx context.Context) error {
	if r.State() != StateCreated {
		return fmt.Errorf("setup in state %s", r.State())
	}
	r.setState(StateSetup)

	ln, err := net.Listen("tcp", net.JoinHostPort(r.cfg.BindIP, "0"))
	if err != nil {
		return fmt.Errorf("failed to open accept server: %w", err)
	}
	r.listener = ln

	if err := r.build(); err != nil {
		_ = ln.Close()
		return err
	}
	if err := r.brick.Setup(ctx); err != nil {
		_ = ln.Close()
		return err
	}

	sources, err := r.grid.Register(ctx, r.id, r.Addr(), r.inst.ID)
	if err != nil {
		_ = r.brick.Teardown(context.Background())
		_ = ln.Close()
		return fmt.Errorf("failed to register runner: %w", err)
	}
	for _, src := range sources {
		r.addSource(src.Address, src.Port, src.TargetPort)
	}

	r.logger.Info("Runner set up",
		zap.String("address", r.Addr()),
		zap.Int("sources", len(sources)),
		zap.Duration("maxIdle", r.maxIdle),
		zap.Int("workers", r.workers))
	return nil
}

func (r *Runner) build() error {
	host, _ := os.Hostname()
	emitter, err := metrics.NewEmitter(r.opts.Sink, metrics.Options{
		FlowID:   r.inst.FlowID,
		BrickID:  r.inst.ID,
		RunnerID: r.id,
		Host:     host,
		Interval: r.cfg.MetricsInterval,
		Enabled:  !r.cfg.MetricsDisabled,
	}, r.opts.Registerer, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create metric emitter: %w", err)
	}
	r.emitter = emitter

	b, err := brick.New(brick.Options{
		Instance:  r.inst,
		Transform: r.opts.Transform,
		State:     r.opts.State,
		SecretKey: r.cfg.SecretKey,
		Workers:   r.workers,
		Observer:  emitter,
		Report:    r.opts.Report,
	}, r.logger)
	if err != nil {
		return err
	}
	r.brick = b

	r.input = input.New(input.Options{
		InstanceID:    r.inst.ID,
		LowQueueLevel: r.cfg.InputLowQueueLevel,
		BatchSize:     r.cfg.PacketBatchSize,
		Dial:          r.opts.Dial,
	}, r.logger)

	level := r.cfg.AutoscaleQueueLevel
	if r.inst.Runtime.AutoscaleQueueLevel != nil {
		level = *r.inst.Runtime.AutoscaleQueueLevel
	}
	r.output = output.New(output.Options{
		AutoscaleLevel: level,
		SampleInterval: r.cfg.ScalingSampleInterval,
		HistoryLength:  r.cfg.ScalingHistoryLength,
		Scale: func(ctx context.Context, instanceID string) {
			r.grid.RequestScaling(ctx, r.inst.ID, instanceID)
		},
	}, r.logger)
	for _, c := range r.inst.Connections {
		mapper := mapping.NewMapper(c.Mapping, c.BufferUpdates, r.logger)
		if err := r.output.AddConnection(c.Port, c.TargetInstanceID, mapper); err != nil {
			return err
		}
	}

	emitter.AddProbe(func() map[string]int {
		return map[string]int{"input": r.input.Len()}
	})
	emitter.AddProbe(func() map[string]int {
		depths := make(map[string]int)
		for name, n := range r.output.QueueDepths() {
			depths["output/"+name] = n
		}
		return depths
	})
	return nil
}

func (r *Runner) addSource(address, port, targetPort string) {
	if err := r.input.AddSource(address, port, targetPort); err != nil {
		r.logger.Warn("Failed to add upstream source",
			zap.String("source", address),
			zap.String("sourcePort", port),
			zap.Error(err))
		return
	}
	r.logger.Info("Added upstream source",
		zap.String("source", address),
		zap.String("sourcePort", port),
		zap.String("targetPort", targetPort))
}

// Run sets the runner up if needed and processes packets until ctx is done,
// Shutdown is called or the idle timeout fires. It then drains and returns
// the combined shutdown error.
func (r *Runner) Run(ctx context.Context) error {
	if r.State() == StateCreated {
		if err := r.Setup(ctx); err != nil {
			r.setState(StateStopped)
			close(r.done)
			return err
		}
	}
	if r.State() != StateSetup {
		return fmt.Errorf("run in state %s", r.State())
	}

	// Duties outlive ctx so that draining happens in order.
	dutyCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	r.setState(StateRunning)
	r.emitter.Start(dutyCtx)
	if r.inst.IsInlet() {
		if err := r.input.Put(packet.New("", nil)); err != nil {
			r.logger.Error("Failed to inject trigger packet", zap.Error(err))
		}
	}

	consumeCtx, stopConsume := context.WithCancel(dutyCtx)
	defer stopConsume()
	r.stopConsume = stopConsume

	var duties errgroup.Group
	duties.Go(func() error {
		defer close(r.consumed)
		return r.consume(consumeCtx)
	})
	duties.Go(func() error { return r.drainResults(dutyCtx) })
	duties.Go(func() error { return r.accept(dutyCtx) })
	if !r.inst.IsInlet() && r.maxIdle > 0 {
		duties.Go(func() error { return r.watchIdle(dutyCtx) })
	}

	select {
	case <-ctx.Done():
		r.requestStop("context done")
	case <-r.stopCh:
	}

	err := r.drain()

	cancel()
	if werr := duties.Wait(); werr != nil {
		err = multierr.Append(err, werr)
	}
	r.conns.Wait()

	r.setState(StateStopped)
	close(r.done)
	return err
}

// drain runs the shutdown steps in order, collecting every error.
func (r *Runner) drain() error {
	r.setState(StateDraining)
	r.logger.Info("Draining runner", zap.String("reason", r.stopReason))

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	// Deregistration failures are logged by the client and never fatal.
	_ = r.grid.Deregister(ctx, r.id, r.inst.ID)

	if err := r.emitter.Flush(ctx); err != nil {
		r.logger.Warn("Failed to flush metrics before shutdown", zap.Error(err))
	}

	var err error
	err = multierr.Append(err, r.input.Close())
	r.brick.Stop()
	r.awaitConsume(ctx)
	err = multierr.Append(err, r.brick.Teardown(ctx))
	if cerr := r.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	err = multierr.Append(err, r.output.Close())
	err = multierr.Append(err, r.emitter.Stop(ctx))

	if err != nil {
		r.logger.Error("Runner drained with errors", zap.Error(err))
	} else {
		stats := r.brick.Stats()
		r.logger.Info("Runner drained",
			zap.Int64("executions", stats.Executions),
			zap.Int64("failures", stats.Failures))
	}
	return err
}

// awaitConsume waits for in-flight invocations to finish. When ctx expires
// first, their context is cancelled and the wait continues until every
// worker has given up its invocation.
func (r *Runner) awaitConsume(ctx context.Context) {
	select {
	case <-r.consumed:
		return
	case <-ctx.Done():
	}
	r.logger.Warn("Invocations still running at drain deadline, cancelling them")
	r.stopConsume()
	<-r.consumed
}

// consume is the main loop: every packet from Input is processed by the
// Brick on a bounded pool of workers and then acknowledged.
func (r *Runner) consume(ctx context.Context) error {
	var workers errgroup.Group
	workers.SetLimit(r.workers)

	for {
		p, err := r.input.Get(ctx)
		if err != nil {
			_ = workers.Wait()
			if sdkerrors.IsClosed(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		workers.Go(func() error {
			defer r.input.TaskDone()
			// Failures are logged and reported by the brick.
			_ = r.brick.Process(ctx, p)
			return nil
		})
	}
}

// drainResults moves brick results into Output.
func (r *Runner) drainResults(ctx context.Context) error {
	results := r.brick.Results()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-results:
			if err := r.output.Enqueue(p); err != nil {
				if sdkerrors.IsClosed(err) {
					r.logger.Debug("Dropping result after output closed", zap.String("packetId", p.ID))
					continue
				}
				r.logger.Warn("Failed to enqueue result",
					zap.String("packetId", p.ID),
					zap.String("port", p.Port),
					zap.Error(err))
			}
		}
	}
}

// idle reports whether nothing is queued, in flight or executing anywhere.
func (r *Runner) idle() bool {
	return r.input.IsEmpty() &&
		r.output.Idle() &&
		!r.brick.IsExecuting() &&
		len(r.brick.Results()) == 0
}

// watchIdle stops the runner once it has been idle for maxIdle. The idle
// period starts at the last busy observation, or at start when the runner
// never was busy, so shutdown fires within maxIdle plus one poll interval.
func (r *Runner) watchIdle(ctx context.Context) error {
	lastBusy := time.Now()
	ticker := time.NewTicker(idlePollInterval(r.maxIdle))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if !r.idle() {
				lastBusy = now
				continue
			}
			if idle := now.Sub(lastBusy); idle >= r.maxIdle {
				r.logger.Info("Idle timeout reached", zap.Duration("idle", idle))
				r.requestStop("idle timeout")
				return nil
			}
		}
	}
}

func idlePollInterval(maxIdle time.Duration) time.Duration {
	return min(maxIdle/10, time.Second)
}

// accept serves inbound connections until the listener is closed.
func (r *Runner) accept(ctx context.Context) error {
	for {
		nc, err := r.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		r.conns.Add(1)
		go func() {
			defer r.conns.Done()
			r.handle(ctx, nc)
		}()
	}
}

// handle classifies the first frame of an accepted connection.
func (r *Runner) handle(ctx context.Context, nc net.Conn) {
	conn := wire.NewConn(nc)
	logger := r.logger.With(zap.String("remote", conn.RemoteAddr()))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	_ = nc.SetReadDeadline(time.Now().Add(handshakeTimeout))
	body, err := conn.ReadFrame()
	stop()
	if err != nil {
		logger.Debug("Closing connection without a first frame", zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	msg, err := wire.DecodeFirst(body)
	if err != nil {
		logger.Warn("Closing connection with unrecognized first frame", zap.Error(err))
		_ = conn.Close()
		return
	}

	switch m := msg.(type) {
	case wire.ConsumerRegistration:
		if !r.inst.HasOutput(m.Port) {
			logger.Warn("Consumer registered on undeclared port", zap.String("port", m.Port))
			_ = conn.Close()
			return
		}
		c, err := r.output.Attach(conn, m)
		if err != nil {
			logger.Warn("Failed to attach consumer", zap.Error(err))
			_ = conn.Close()
			return
		}
		logger.Info("Consumer attached",
			zap.String("consumerId", c.ID()),
			zap.String("downstreamId", m.InstanceID),
			zap.String("port", m.Port))
	case wire.SourceDescriptor:
		_ = conn.Close()
		r.addSource(m.Address, m.Port, m.TargetPort)
	default:
		logger.Warn("Closing connection with unexpected first message", zap.String("type", fmt.Sprintf("%T", m)))
		_ = conn.Close()
	}
}
