// Package bricks holds the built-in transforms shipped with the runner.
package bricks

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/wehubfusion/brickrunner/pkg/brick"
	"go.uber.org/zap"
)

// Register adds every built-in transform to r.
func Register(r *brick.Registry) {
	r.Register("passthrough", NewPassthrough)
	r.Register("generator", NewGenerator)
	r.Register("script", NewScript)
	r.Register("textcase", NewTextCase)
	r.Register("sink", NewSink)
	r.Register("filter", NewFilter)
	r.Register("dateformat", NewDateFormat)
}

// NewRegistry returns a registry with the built-ins registered.
func NewRegistry() *brick.Registry {
	r := brick.NewRegistry()
	Register(r)
	return r
}

// base provides no-op lifecycle hooks.
type base struct {
	adapter *brick.Adapter
}

func (b *base) Setup(_ context.Context, a *brick.Adapter) error {
	b.adapter = a
	return nil
}

func (b *base) Teardown(context.Context) error { return nil }

// Passthrough returns every payload unchanged.
type Passthrough struct{ base }

// NewPassthrough creates a passthrough transform.
func NewPassthrough(map[string]any) (brick.Transform, error) {
	return &Passthrough{}, nil
}

func (p *Passthrough) Process(_ context.Context, inv *brick.Invocation) (*brick.Result, error) {
	return brick.Value(inv.Payload), nil
}

// Sink is an outlet that counts what it receives.
type Sink struct {
	base
	received atomic.Int64
}

// NewSink creates a sink transform.
func NewSink(map[string]any) (brick.Transform, error) {
	return &Sink{}, nil
}

func (s *Sink) Process(_ context.Context, inv *brick.Invocation) (*brick.Result, error) {
	n := s.received.Add(1)
	if s.adapter != nil {
		s.adapter.Logger.Debug("Sink received packet", zap.Int64("count", n), zap.String("port", inv.Port))
	}
	return nil, nil
}

// Received returns the number of processed packets.
func (s *Sink) Received() int64 { return s.received.Load() }

func intParam(params map[string]any, name string, def int) (int, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %s must be a number, got %T", name, v)
	}
}

func floatParam(params map[string]any, name string, def float64) (float64, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("parameter %s must be a number, got %T", name, v)
	}
}

func stringParam(params map[string]any, name, def string) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", name, v)
	}
	return s, nil
}
