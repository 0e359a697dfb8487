package output

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// restartWatchdog cancels the running watchdog, waits for it and spawns a
// fresh one.
func (g *ConsumerGroup) restartWatchdog() {
	if g.opts.AutoscaleLevel <= 0 {
		return
	}

	g.wdMu.Lock()
	defer g.wdMu.Unlock()

	if g.wdCancel != nil {
		g.wdCancel()
		<-g.wdDone
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.wdCancel = nil
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(g.ctx)
	done := make(chan struct{})
	g.wdCancel = cancel
	g.wdDone = done

	go func() {
		defer g.wg.Done()
		defer close(done)
		g.watch(ctx)
	}()
}

// watch runs one scaling episode loop. A request is issued when packets
// first show up, and again whenever the sampled depth has not decreased
// across a full history while at or above the autoscale level. After each
// request it waits for a new consumer before sampling again.
func (g *ConsumerGroup) watch(ctx context.Context) {
	err := g.changed.WaitFor(ctx, func() bool { return g.Pending() > 0 })
	if err != nil {
		return
	}

	joins := g.requestScale(ctx, g.Pending())
	for {
		err := g.changed.WaitFor(ctx, func() bool {
			g.mu.Lock()
			defer g.mu.Unlock()
			return g.joins > joins
		})
		if err != nil {
			return
		}

		depth, err := g.sample(ctx)
		if err != nil {
			return
		}
		joins = g.requestScale(ctx, depth)
	}
}

// sample records queue depths until growth is sustained at or above the
// autoscale level and returns the last depth.
func (g *ConsumerGroup) sample(ctx context.Context) (int, error) {
	ticker := time.NewTicker(g.opts.SampleInterval)
	defer ticker.Stop()

	history := make([]int, 0, g.opts.HistoryLength)
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}

		depth := g.Pending()
		if len(history) == cap(history) {
			copy(history, history[1:])
			history = history[:len(history)-1]
		}
		history = append(history, depth)

		if len(history) == cap(history) && nonDecreasing(history) && depth >= g.opts.AutoscaleLevel {
			return depth, nil
		}
	}
}

// requestScale issues one scaling request and returns the join count at the
// time of the request.
func (g *ConsumerGroup) requestScale(ctx context.Context, depth int) uint64 {
	g.mu.Lock()
	joins := g.joins
	g.scaleRequests++
	g.mu.Unlock()

	g.logger.Info("Requesting scale-out",
		zap.Int("queueDepth", depth),
		zap.Int("autoscaleLevel", g.opts.AutoscaleLevel))
	if g.opts.Scale != nil {
		g.opts.Scale(ctx, g.opts.InstanceID)
	}
	return joins
}

func nonDecreasing(samples []int) bool {
	for i := 1; i < len(samples); i++ {
		if samples[i] < samples[i-1] {
			return false
		}
	}
	return true
}
