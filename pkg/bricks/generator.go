package bricks

import (
	"context"
	"sync"
	"time"

	"github.com/wehubfusion/brickrunner/pkg/brick"
)

// Generator is an inlet. On the trigger packet it emits count packets
// carrying value, waiting interval between them, until stopped.
type Generator struct {
	base
	count    int
	value    any
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewGenerator reads the count, value and interval (seconds) parameters.
func NewGenerator(params map[string]any) (brick.Transform, error) {
	count, err := intParam(params, "count", 1)
	if err != nil {
		return nil, err
	}
	interval, err := floatParam(params, "interval", 0)
	if err != nil {
		return nil, err
	}
	return &Generator{
		count:    count,
		value:    params["value"],
		interval: time.Duration(interval * float64(time.Second)),
		stop:     make(chan struct{}),
	}, nil
}

func (g *Generator) Process(ctx context.Context, inv *brick.Invocation) (*brick.Result, error) {
	var ticker *time.Ticker
	if g.interval > 0 {
		ticker = time.NewTicker(g.interval)
		defer ticker.Stop()
	}

	for i := 0; i < g.count; i++ {
		if i > 0 && ticker != nil {
			select {
			case <-ticker.C:
			case <-g.stop:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		select {
		case <-g.stop:
			return nil, nil
		default:
		}
		inv.Emit(g.value, "")
	}
	return nil, nil
}

// StopProcessing ends an ongoing generation.
func (g *Generator) StopProcessing() {
	g.stopOnce.Do(func() { close(g.stop) })
}
