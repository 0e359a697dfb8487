package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]Event
	fail    error
	closed  bool
}

func (s *fakeSink) Publish(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, events)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Event
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func newEmitter(t *testing.T, sink Sink, enabled bool) (*Emitter, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	e, err := NewEmitter(sink, Options{
		FlowID:   "f",
		BrickID:  "b",
		RunnerID: "r",
		Host:     "h",
		Interval: 10 * time.Millisecond,
		Enabled:  enabled,
	}, reg, zap.NewNop())
	require.NoError(t, err)
	return e, reg
}

func TestEmitterPublishesTaggedEvents(t *testing.T) {
	sink := &fakeSink{}
	e, _ := newEmitter(t, sink, true)

	e.ObserveExecution(20*time.Millisecond, nil)
	p := packet.New("in", 1)
	p.MarkInputEnter()
	p.MarkInputExit()
	e.ObservePacket(p, 20*time.Millisecond)
	require.NoError(t, e.Flush(context.Background()))

	events := sink.events()
	require.Len(t, events, 2)
	assert.Equal(t, KindExecution, events[0].Kind)
	assert.Equal(t, "ok", events[0].Fields["status"])
	assert.Equal(t, KindPacket, events[1].Kind)
	assert.Equal(t, p.ID, events[1].Fields["packetId"])
	for _, ev := range events {
		assert.Equal(t, "f", ev.FlowID)
		assert.Equal(t, "b", ev.BrickID)
		assert.Equal(t, "r", ev.RunnerID)
		assert.Equal(t, "h", ev.Host)
		assert.False(t, ev.Timestamp.IsZero())
	}

	require.NoError(t, e.Flush(context.Background()))
	assert.Len(t, sink.batches, 1, "empty flush publishes nothing")
}

func TestDisabledEmitterOnlyUpdatesCollectors(t *testing.T) {
	sink := &fakeSink{}
	e, _ := newEmitter(t, sink, false)

	e.ObserveExecution(time.Millisecond, errors.New("x"))
	require.NoError(t, e.Flush(context.Background()))
	assert.Empty(t, sink.events())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.collector.executions.WithLabelValues("error")))

	nilSink, _ := newEmitter(t, nil, true)
	nilSink.ObserveExecution(time.Millisecond, nil)
	assert.NoError(t, nilSink.Flush(context.Background()))
	assert.NoError(t, nilSink.Stop(context.Background()))
}

func TestSampleReadsProbes(t *testing.T) {
	sink := &fakeSink{}
	e, _ := newEmitter(t, sink, true)
	e.AddProbe(func() map[string]int { return map[string]int{"input": 4} })
	e.AddProbe(func() map[string]int { return map[string]int{"output/out/d1": 2} })

	e.Sample()
	require.NoError(t, e.Flush(context.Background()))

	events := sink.events()
	require.Len(t, events, 2)
	assert.Equal(t, "input", events[0].Fields["queue"])
	assert.Equal(t, 4, events[0].Fields["length"])
	assert.Equal(t, 2.0, testutil.ToFloat64(e.collector.queueDepth.WithLabelValues("output/out/d1")))
}

func TestLoopFlushesAndStopCloses(t *testing.T) {
	sink := &fakeSink{}
	e, _ := newEmitter(t, sink, true)
	e.AddProbe(func() map[string]int { return map[string]int{"input": 0} })

	e.Start(context.Background())
	assert.Eventually(t, func() bool { return len(sink.events()) > 0 }, time.Second, 5*time.Millisecond)

	e.ObserveExecution(time.Millisecond, nil)
	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Stop(context.Background()))
	assert.True(t, sink.closed)

	last := sink.events()
	assert.Equal(t, KindExecution, last[len(last)-1].Kind, "stop flushes pending events")
}

func TestFailedPublishIsCounted(t *testing.T) {
	sink := &fakeSink{fail: errors.New("broker down")}
	e, _ := newEmitter(t, sink, true)
	e.ObserveExecution(time.Millisecond, nil)

	assert.Error(t, e.Flush(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.collector.publishErrors))
}

func TestBufferIsBounded(t *testing.T) {
	e, _ := newEmitter(t, &fakeSink{}, true)
	for i := 0; i < maxBuffered+5; i++ {
		e.ObserveExecution(time.Millisecond, nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.buffer, maxBuffered)
	assert.Equal(t, 5, e.dropped)
}

func TestCollectorsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewEmitter(nil, Options{}, reg, nil)
	require.NoError(t, err)
	_, err = NewEmitter(nil, Options{}, reg, nil)
	assert.Error(t, err, "second registration on the same registry fails")
}

func TestSinkConstructorsValidate(t *testing.T) {
	_, err := NewKafkaSink(nil, "t", nil)
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "", nil)
	assert.Error(t, err)

	k, err := NewKafkaSink([]string{"localhost:9092"}, "metrics", nil)
	require.NoError(t, err)
	assert.NoError(t, k.Close())

	_, err = NewNATSSink(nil, "s")
	assert.Error(t, err)
}
