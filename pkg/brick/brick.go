package brick

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/brickrunner/pkg/concurrency"
	"github.com/wehubfusion/brickrunner/pkg/definition"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/state"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Observer receives execution measurements.
type Observer interface {
	// ObserveExecution is called once per invocation.
	ObserveExecution(elapsed time.Duration, err error)

	// ObservePacket is called once per processed packet.
	ObservePacket(p *packet.Packet, elapsed time.Duration)
}

// ReportFunc forwards a transform failure to exception reporting.
type ReportFunc func(err error, tags map[string]string)

// Options configures a Brick.
type Options struct {
	Instance  *definition.Instance
	Transform Transform
	State     state.State

	// SecretKey is the base64 key used by Adapter.Decrypt.
	SecretKey string

	// Workers bounds concurrent invocations.
	Workers int

	// ResultBuffer is the capacity of the results channel.
	ResultBuffer int

	Observer Observer
	Report   ReportFunc
}

// Stats are cumulative execution counters.
type Stats struct {
	Executions int64
	Failures   int64
	TotalTime  time.Duration
}

// Brick owns the lifecycle of one transform.
type Brick struct {
	inst      *definition.Instance
	transform Transform
	adapter   *Adapter
	limiter   *concurrency.Limiter
	observer  Observer
	report    ReportFunc
	tracer    trace.Tracer
	logger    *zap.Logger

	results chan *packet.Packet
	closed  chan struct{}

	executing  atomic.Int64
	executions atomic.Int64
	failures   atomic.Int64
	totalNanos atomic.Int64

	stopOnce     sync.Once
	teardownOnce sync.Once
	teardownErr  error
}

// New creates a Brick. Setup must be called before Process.
func New(opts Options, logger *zap.Logger) (*Brick, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Instance == nil {
		return nil, fmt.Errorf("instance definition cannot be nil")
	}
	if opts.Transform == nil {
		return nil, fmt.Errorf("transform cannot be nil")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 256
	}
	key, err := ParseSecretKey(opts.SecretKey)
	if err != nil {
		return nil, err
	}
	if opts.State == nil {
		opts.State = state.NewScoped(state.NewMemoryStore(), opts.Instance.FlowID, opts.Instance.ID)
	}

	logger = logger.Named("brick").With(
		zap.String("flowId", opts.Instance.FlowID),
		zap.String("brickId", opts.Instance.ID),
		zap.String("brick", opts.Instance.Brick.Name))

	b := &Brick{
		inst:      opts.Instance,
		transform: opts.Transform,
		limiter:   concurrency.NewLimiter(opts.Workers),
		observer:  opts.Observer,
		report:    opts.Report,
		tracer:    otel.Tracer("brickrunner/brick"),
		logger:    logger,
		results:   make(chan *packet.Packet, opts.ResultBuffer),
		closed:    make(chan struct{}),
	}
	b.adapter = &Adapter{
		FlowID:     opts.Instance.FlowID,
		BrickID:    opts.Instance.ID,
		Parameters: opts.Instance.Parameters,
		State:      opts.State,
		Logger:     logger,
		secretKey:  key,
		emit:       b.emit,
	}
	return b, nil
}

// Setup runs the transform's setup hook with the adapter.
func (b *Brick) Setup(ctx context.Context) error {
	if err := b.transform.Setup(ctx, b.adapter); err != nil {
		return fmt.Errorf("brick setup failed: %w", err)
	}
	b.logger.Info("Brick set up")
	return nil
}

// Results carries packets produced by the transform.
func (b *Brick) Results() <-chan *packet.Packet { return b.results }

// IsExecuting reports whether an invocation is running.
func (b *Brick) IsExecuting() bool { return b.executing.Load() > 0 }

// Stats returns cumulative counters.
func (b *Brick) Stats() Stats {
	return Stats{
		Executions: b.executions.Load(),
		Failures:   b.failures.Load(),
		TotalTime:  time.Duration(b.totalNanos.Load()),
	}
}

// Limiter exposes the invocation limiter for metrics.
func (b *Brick) Limiter() *concurrency.Limiter { return b.limiter }

// Process runs the transform for p on a worker goroutine and waits for it.
// A failing or panicking transform yields no result; the error is logged,
// reported and returned for accounting only.
func (b *Brick) Process(ctx context.Context, p *packet.Packet) error {
	b.executing.Add(1)
	defer b.executing.Add(-1)

	inv := &Invocation{
		Port:   p.Port,
		origin: p.Derive(p.Port, nil),
		emit:   b.emit,
	}
	if !b.inst.IsInlet() {
		inv.Payload = p.Payload
	}

	ctx, span := b.tracer.Start(ctx, "brick.process",
		trace.WithAttributes(
			attribute.String("flow.id", b.inst.FlowID),
			attribute.String("brick.id", b.inst.ID),
			attribute.String("packet.id", p.ID),
			attribute.String("packet.port", p.Port),
		))
	defer span.End()

	var result *Result
	start := time.Now()
	err := b.limiter.Do(ctx, func(ctx context.Context) error {
		r, err := b.transform.Process(ctx, inv)
		result = r
		return err
	})
	elapsed := time.Since(start)

	b.executions.Add(1)
	b.totalNanos.Add(int64(elapsed))
	span.SetAttributes(attribute.Int64("processing.duration_ms", elapsed.Milliseconds()))
	if b.observer != nil {
		b.observer.ObserveExecution(elapsed, err)
		b.observer.ObservePacket(p, elapsed)
	}

	if err != nil {
		b.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			return err
		}
		b.logger.Error("Transform failed",
			zap.String("packetId", p.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if b.report != nil {
			b.report(err, map[string]string{
				"flowId":   b.inst.FlowID,
				"brickId":  b.inst.ID,
				"packetId": p.ID,
			})
		}
		return err
	}

	span.SetStatus(codes.Ok, "processed")
	if result != nil {
		b.emit(inv.origin.Derive(result.Port, result.Value))
	}
	return nil
}

// emit routes a produced packet to the results channel. Packets emitted
// after teardown are discarded.
func (b *Brick) emit(p *packet.Packet) {
	if b.inst.IsOutlet() {
		return
	}
	if p.Port == "" {
		p.Port = b.inst.DefaultOutput()
	}
	if !b.inst.HasOutput(p.Port) {
		b.logger.Warn("Discarding result for undeclared port", zap.String("port", p.Port))
		return
	}

	select {
	case <-b.closed:
		b.logger.Debug("Discarding result emitted after teardown", zap.String("packetId", p.ID))
		return
	default:
	}
	select {
	case b.results <- p:
	case <-b.closed:
	}
}

// Stop signals an inlet transform that supports it to stop producing.
// Only the first call has an effect.
func (b *Brick) Stop() {
	b.stopOnce.Do(func() {
		if s, ok := b.transform.(Stopper); ok {
			s.StopProcessing()
		}
	})
}

// Teardown stops the transform and calls its teardown hook. Callers wait
// for in-flight invocations before calling it. Only the first call has an
// effect.
func (b *Brick) Teardown(ctx context.Context) error {
	b.teardownOnce.Do(func() {
		b.Stop()
		b.teardownErr = b.transform.Teardown(ctx)
		close(b.closed)

		stats := b.Stats()
		b.logger.Info("Brick torn down",
			zap.Int64("executions", stats.Executions),
			zap.Int64("failures", stats.Failures),
			zap.Duration("totalTime", stats.TotalTime),
			zap.Int64("peakConcurrent", b.limiter.GetMetrics().PeakConcurrent))
	})
	return b.teardownErr
}
