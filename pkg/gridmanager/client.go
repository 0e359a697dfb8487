// Package gridmanager is the HTTP client of the Grid Manager, which assigns
// upstream sources to runners and receives scale-out requests.
package gridmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/wehubfusion/brickrunner/pkg/concurrency"
	"go.uber.org/zap"
)

// Source is an upstream runner port this runner should pull from.
type Source struct {
	Address    string `json:"address"`
	Port       string `json:"port"`
	TargetPort string `json:"target_port"`
}

// Options configures the client.
type Options struct {
	// RetryInterval is the fixed wait between registration attempts.
	RetryInterval time.Duration

	// RequestTimeout bounds a single HTTP call.
	RequestTimeout time.Duration

	// BreakerThreshold consecutive scaling failures open the breaker for
	// BreakerReset.
	BreakerThreshold int64
	BreakerReset     time.Duration

	HTTPClient *http.Client
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		RetryInterval:    2 * time.Second,
		RequestTimeout:   10 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Client talks to one Grid Manager.
type Client struct {
	baseURL string
	opts    Options
	http    *http.Client
	breaker *concurrency.CircuitBreaker
	logger  *zap.Logger
}

// New creates a client for baseURL.
func New(baseURL string, opts Options, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("grid manager URL cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	def := DefaultOptions()
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = def.BreakerReset
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		http:    httpClient,
		breaker: concurrency.NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerReset),
		logger:  logger.Named("gridmanager"),
	}, nil
}

type registerRequest struct {
	RunnerID string `json:"runnerID"`
	Address  string `json:"address"`
	BrickID  string `json:"brickId"`
}

type deregisterRequest struct {
	RunnerID string `json:"runnerId"`
	BrickID  string `json:"brickId"`
}

type scalingRequest struct {
	BrickID    string `json:"brickId"`
	ConsumerID string `json:"consumerId"`
}

// Register announces the runner and returns the upstream sources already
// available. It retries with a fixed interval until it succeeds or ctx is
// done.
func (c *Client) Register(ctx context.Context, runnerID, address, brickID string) ([]Source, error) {
	body := registerRequest{RunnerID: runnerID, Address: address, BrickID: brickID}
	attempt := 0

	operation := func() ([]Source, error) {
		attempt++
		resp, err := c.post(ctx, "/brickrunners/", body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("registration rejected with status %d", resp.StatusCode)
		}
		var sources []Source
		if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to decode sources: %w", err)
		}
		return sources, nil
	}

	sources, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.RetryInterval)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Grid manager registration failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("retryIn", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("registration aborted: %w", err)
	}

	c.logger.Info("Registered with grid manager",
		zap.String("runnerId", runnerID),
		zap.String("address", address),
		zap.Int("sources", len(sources)))
	return sources, nil
}

// Deregister removes the runner. Failures are logged and returned but never
// retried.
func (c *Client) Deregister(ctx context.Context, runnerID, brickID string) error {
	resp, err := c.post(ctx, "/brickrunners/deregister", deregisterRequest{RunnerID: runnerID, BrickID: brickID})
	if err != nil {
		c.logger.Warn("Failed to deregister from grid manager", zap.Error(err))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("deregistration rejected with status %d", resp.StatusCode)
		c.logger.Warn("Failed to deregister from grid manager", zap.Error(err))
		return err
	}
	c.logger.Info("Deregistered from grid manager", zap.String("runnerId", runnerID))
	return nil
}

// RequestScaling asks for another instance of the downstream consumer. It
// never fails the caller; errors are logged and feed the circuit breaker.
func (c *Client) RequestScaling(ctx context.Context, brickID, consumerID string) {
	if !c.breaker.Allow() {
		c.logger.Warn("Skipping scaling request, circuit open",
			zap.String("consumerId", consumerID))
		return
	}

	resp, err := c.post(ctx, "/brickrunners/scaling", scalingRequest{BrickID: brickID, ConsumerID: consumerID})
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			err = fmt.Errorf("scaling request rejected with status %d", resp.StatusCode)
		}
	}
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("Scaling request failed",
			zap.String("consumerId", consumerID),
			zap.String("breaker", c.breaker.GetState().String()),
			zap.Error(err))
		return
	}
	c.breaker.RecordSuccess()
	c.logger.Debug("Scaling requested", zap.String("consumerId", consumerID))
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	return resp, nil
}
