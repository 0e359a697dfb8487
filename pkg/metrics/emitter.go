// Package metrics produces the runner's telemetry: queue depth samples,
// per-packet timings and per-execution durations. Events are batched to a
// Sink and mirrored into Prometheus collectors.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"go.uber.org/zap"
)

// Kind names an event type.
type Kind string

const (
	KindQueueDepth Kind = "queue_depth"
	KindPacket     Kind = "packet"
	KindExecution  Kind = "execution"
)

// maxBuffered bounds the events kept between flushes.
const maxBuffered = 10000

// Event is one flat telemetry record.
type Event struct {
	Kind      Kind           `json:"kind"`
	FlowID    string         `json:"flowId"`
	BrickID   string         `json:"brickId"`
	RunnerID  string         `json:"runnerId"`
	Host      string         `json:"host"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Options identify the emitting runner.
type Options struct {
	FlowID   string
	BrickID  string
	RunnerID string
	Host     string
	Interval time.Duration

	// Enabled turns sink emission on; collectors are always updated.
	Enabled bool
}

// Probe reports named queue lengths.
type Probe func() map[string]int

// Emitter collects telemetry and periodically flushes it to a Sink.
type Emitter struct {
	opts      Options
	sink      Sink
	logger    *zap.Logger
	collector *collectors

	mu      sync.Mutex
	buffer  []Event
	dropped int
	probes  []Probe

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEmitter creates an emitter. A nil sink disables emission; a nil
// registerer keeps the collectors private.
func NewEmitter(sink Sink, opts Options, reg prometheus.Registerer, logger *zap.Logger) (*Emitter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if sink == nil {
		sink = NopSink{}
		opts.Enabled = false
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c, err := newCollectors(reg)
	if err != nil {
		return nil, err
	}
	return &Emitter{
		opts:      opts,
		sink:      sink,
		logger:    logger.Named("metrics"),
		collector: c,
	}, nil
}

// AddProbe registers a queue-depth probe sampled every interval.
func (e *Emitter) AddProbe(p Probe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.probes = append(e.probes, p)
}

// Start runs the sampling and flushing loop until Stop.
func (e *Emitter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Sample()
				if err := e.Flush(ctx); err != nil && ctx.Err() == nil {
					e.logger.Warn("Failed to flush metrics", zap.Error(err))
				}
			}
		}
	}()
}

func (e *Emitter) event(kind Kind, fields map[string]any) Event {
	return Event{
		Kind:      kind,
		FlowID:    e.opts.FlowID,
		BrickID:   e.opts.BrickID,
		RunnerID:  e.opts.RunnerID,
		Host:      e.opts.Host,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

func (e *Emitter) record(ev Event) {
	if !e.opts.Enabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.buffer) >= maxBuffered {
		e.dropped++
		return
	}
	e.buffer = append(e.buffer, ev)
}

// Sample records the current length of every probed queue.
func (e *Emitter) Sample() {
	e.mu.Lock()
	probes := append([]Probe(nil), e.probes...)
	e.mu.Unlock()

	depths := make(map[string]int)
	for _, p := range probes {
		for name, n := range p() {
			depths[name] = n
		}
	}
	names := make([]string, 0, len(depths))
	for name := range depths {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := depths[name]
		e.collector.queueDepth.WithLabelValues(name).Set(float64(n))
		e.record(e.event(KindQueueDepth, map[string]any{"queue": name, "length": n}))
	}
}

// ObserveExecution records one transform execution.
func (e *Emitter) ObserveExecution(elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	e.collector.executions.WithLabelValues(status).Inc()
	e.collector.executionTime.Observe(elapsed.Seconds())
	e.record(e.event(KindExecution, map[string]any{
		"executionTime": elapsed.Seconds(),
		"status":        status,
	}))
}

// ObservePacket records the timings of one processed packet.
func (e *Emitter) ObservePacket(p *packet.Packet, elapsed time.Duration) {
	t := p.Timings(time.Now())
	stages := map[string]time.Duration{
		"traveling": t.Traveling,
		"input":     t.InInput,
		"output":    t.InOutput,
		"wire":      t.OnWire,
	}
	for stage, d := range stages {
		e.collector.packetTime.WithLabelValues(stage).Observe(d.Seconds())
	}
	e.record(e.event(KindPacket, map[string]any{
		"packetId":      p.ID,
		"executionTime": elapsed.Seconds(),
		"travelingTime": t.Traveling.Seconds(),
		"inputTime":     t.InInput.Seconds(),
		"outputTime":    t.InOutput.Seconds(),
		"wireTime":      t.OnWire.Seconds(),
	}))
}

// Flush publishes buffered events. Events of a failed publish are dropped.
func (e *Emitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.buffer
	e.buffer = nil
	dropped := e.dropped
	e.dropped = 0
	e.mu.Unlock()

	if dropped > 0 {
		e.logger.Warn("Metric buffer overflow, events dropped", zap.Int("dropped", dropped))
	}
	if len(batch) == 0 {
		return nil
	}
	if err := e.sink.Publish(ctx, batch); err != nil {
		e.collector.publishErrors.Inc()
		return err
	}
	e.collector.published.Add(float64(len(batch)))
	return nil
}

// Stop ends the loop, flushes once more and closes the sink.
func (e *Emitter) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
			<-e.done
		}
		if ferr := e.Flush(ctx); ferr != nil {
			e.logger.Warn("Failed to flush metrics on stop", zap.Error(ferr))
		}
		err = e.sink.Close()
	})
	return err
}
