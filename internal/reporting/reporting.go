// Package reporting forwards transform failures to Sentry.
package reporting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Options configures the reporter.
type Options struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
}

// Reporter sends exceptions to one Sentry project. A nil or disabled
// Reporter drops everything.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New creates a reporter. An empty DSN yields a disabled reporter.
func New(opts Options, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DSN == "" {
		return &Reporter{logger: logger}, nil
	}
	return newReporter(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		ServerName:  opts.ServerName,
	}, logger)
}

func newReporter(co sentry.ClientOptions, logger *zap.Logger) (*Reporter, error) {
	client, err := sentry.NewClient(co)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	logger.Info("Exception reporting enabled", zap.String("environment", co.Environment))
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Enabled reports whether exceptions leave the process.
func (r *Reporter) Enabled() bool { return r != nil && r.hub != nil }

// Report captures err tagged with tags. It matches brick.ReportFunc.
func (r *Reporter) Report(err error, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for queued events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	ok := r.hub.Flush(timeout)
	if !ok {
		r.logger.Warn("Timed out flushing exception reports")
	}
	return ok
}
