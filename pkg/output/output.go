// Package output fans result packets out to downstream runners. Each named
// Port owns one ConsumerGroup per downstream instance, and each group hands
// packets to the member Consumers that currently have credits.
package output

import (
	"fmt"
	"sort"
	"sync"
	"time"

	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
	"github.com/wehubfusion/brickrunner/pkg/mapping"
	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Options are the defaults applied to every ConsumerGroup.
type Options struct {
	AutoscaleLevel int
	SampleInterval time.Duration
	HistoryLength  int
	Scale          ScaleFunc
}

// Port is a named output of the brick.
type Port struct {
	name   string
	out    *Output
	mu     sync.Mutex
	groups map[string]*ConsumerGroup
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

// Group returns the group for instanceID, creating it on first use.
func (p *Port) Group(instanceID string) *ConsumerGroup {
	return p.group(instanceID, nil)
}

func (p *Port) group(instanceID string, mapper *mapping.Mapper) *ConsumerGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.groups[instanceID]; ok {
		return g
	}
	g := NewConsumerGroup(GroupOptions{
		Port:           p.name,
		InstanceID:     instanceID,
		AutoscaleLevel: p.out.opts.AutoscaleLevel,
		SampleInterval: p.out.opts.SampleInterval,
		HistoryLength:  p.out.opts.HistoryLength,
		Mapper:         mapper,
		Scale:          p.out.opts.Scale,
	}, p.out.logger)
	p.groups[instanceID] = g
	return g
}

func (p *Port) snapshot() []*ConsumerGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.groups))
	for id := range p.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	groups := make([]*ConsumerGroup, 0, len(ids))
	for _, id := range ids {
		groups = append(groups, p.groups[id])
	}
	return groups
}

// Enqueue hands pkt to every group of the port. Each group gets its own
// copy so mapping in one group never affects another.
func (p *Port) Enqueue(pkt *packet.Packet) error {
	groups := p.snapshot()
	if len(groups) == 0 {
		p.out.logger.Debug("No downstream for port, dropping packet",
			zap.String("port", p.name),
			zap.String("packetId", pkt.ID))
		return nil
	}

	var errs error
	for i, g := range groups {
		item := pkt
		if i < len(groups)-1 {
			item = pkt.Clone()
		}
		errs = multierr.Append(errs, g.Enqueue(item))
	}
	return errs
}

// Output is the collection of all ports of the runner.
type Output struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	ports  map[string]*Port
	closed bool
}

// New creates an empty Output.
func New(opts Options, logger *zap.Logger) *Output {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Output{
		opts:   opts,
		logger: logger.Named("output"),
		ports:  make(map[string]*Port),
	}
}

// Port returns the named port, creating it on first use.
func (o *Output) Port(name string) *Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.ports[name]; ok {
		return p
	}
	p := &Port{name: name, out: o, groups: make(map[string]*ConsumerGroup)}
	o.ports[name] = p
	return p
}

func (o *Output) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// AddConnection declares a downstream instance on port ahead of its first
// consumer, so packets produced before it connects are held.
func (o *Output) AddConnection(port, instanceID string, mapper *mapping.Mapper) error {
	if o.isClosed() {
		return sdkerrors.ErrClosed
	}
	o.Port(port).group(instanceID, mapper)
	return nil
}

// Enqueue routes pkt by its port.
func (o *Output) Enqueue(pkt *packet.Packet) error {
	if o.isClosed() {
		return sdkerrors.ErrClosed
	}
	return o.Port(pkt.Port).Enqueue(pkt)
}

// Attach joins a newly registered downstream connection to its group.
func (o *Output) Attach(conn *wire.Conn, reg wire.ConsumerRegistration) (*Consumer, error) {
	if o.isClosed() {
		return nil, sdkerrors.ErrClosed
	}
	return o.Port(reg.Port).Group(reg.InstanceID).Attach(conn)
}

func (o *Output) groups() []*ConsumerGroup {
	o.mu.Lock()
	ports := make([]*Port, 0, len(o.ports))
	for _, p := range o.ports {
		ports = append(ports, p)
	}
	o.mu.Unlock()

	var all []*ConsumerGroup
	for _, p := range ports {
		all = append(all, p.snapshot()...)
	}
	return all
}

// Pending returns the number of packets waiting in all groups.
func (o *Output) Pending() int {
	n := 0
	for _, g := range o.groups() {
		n += g.Pending()
	}
	return n
}

// Idle reports whether no packet is waiting for delivery.
func (o *Output) Idle() bool { return o.Pending() == 0 }

// QueueDepths returns the queue length of every group keyed by
// "port/instance".
func (o *Output) QueueDepths() map[string]int {
	depths := make(map[string]int)
	for _, g := range o.groups() {
		depths[fmt.Sprintf("%s/%s", g.opts.Port, g.opts.InstanceID)] = g.Pending()
	}
	return depths
}

// Close closes every group.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	var errs error
	for _, g := range o.groups() {
		errs = multierr.Append(errs, g.Close())
	}
	return errs
}
