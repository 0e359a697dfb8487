package bricks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/wehubfusion/brickrunner/pkg/brick"
)

var blockedGlobals = []string{"require", "module", "exports", "process", "global", "Buffer"}

// Script runs a JavaScript function process(payload, port) per packet. The
// function may call emit(value, port) and reads the instance parameters
// from params. Returning undefined or null produces no result.
type Script struct {
	base
	source  string
	timeout time.Duration

	mu      sync.Mutex
	vm      *goja.Runtime
	process goja.Callable
	current *brick.Invocation
}

// NewScript reads the script and timeout (seconds) parameters.
func NewScript(params map[string]any) (brick.Transform, error) {
	source, err := stringParam(params, "script", "")
	if err != nil {
		return nil, err
	}
	if source == "" {
		return nil, errors.New("script parameter is required")
	}
	timeout, err := floatParam(params, "timeout", 5)
	if err != nil {
		return nil, err
	}
	return &Script{source: source, timeout: time.Duration(timeout * float64(time.Second))}, nil
}

func (s *Script) Setup(ctx context.Context, a *brick.Adapter) error {
	if err := s.base.Setup(ctx, a); err != nil {
		return err
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, name := range blockedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if err := vm.Set("params", a.Parameters); err != nil {
		return fmt.Errorf("failed to set params: %w", err)
	}
	if err := vm.Set("emit", s.emit); err != nil {
		return fmt.Errorf("failed to set emit: %w", err)
	}

	if _, err := vm.RunString(s.source); err != nil {
		return fmt.Errorf("failed to load script: %w", scriptError(err))
	}
	fn, ok := goja.AssertFunction(vm.Get("process"))
	if !ok {
		return errors.New("script does not define a process function")
	}

	s.vm = vm
	s.process = fn
	return nil
}

// emit is only valid while a call is running; s.mu is held by Process.
func (s *Script) emit(value any, port string) {
	if s.current != nil {
		s.current.Emit(value, port)
	}
}

func (s *Script) Process(ctx context.Context, inv *brick.Invocation) (*brick.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { s.vm.Interrupt("execution timeout") })
	defer func() {
		stop()
		s.vm.ClearInterrupt()
	}()

	s.current = inv
	defer func() { s.current = nil }()

	value, err := s.process(goja.Undefined(), s.vm.ToValue(inv.Payload), s.vm.ToValue(inv.Port))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("script timed out after %s", s.timeout)
		}
		return nil, scriptError(err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return brick.Value(value.Export()), nil
}

func scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return fmt.Errorf("script error: %s", exc.Error())
	}
	return err
}
