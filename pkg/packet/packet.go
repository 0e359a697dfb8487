// Package packet defines the unit of data exchanged between bricks.
package packet

import (
	"time"

	"github.com/google/uuid"
)

// Marks holds the queue timing marks of a packet on one hop, in Unix
// nanoseconds. Each mark is set at most once; zero means unset.
type Marks struct {
	InputEnter  int64 `msgpack:"input_enter" json:"inputEnter"`
	InputExit   int64 `msgpack:"input_exit" json:"inputExit"`
	OutputEnter int64 `msgpack:"output_enter" json:"outputEnter"`
	OutputExit  int64 `msgpack:"output_exit" json:"outputExit"`
}

// Packet is one unit of payload plus routing and timing metadata.
// A packet has exactly one owner at a time; hand it over, never share it.
type Packet struct {
	ID        string         `msgpack:"id" json:"id"`
	CreatedAt int64          `msgpack:"created_at" json:"createdAt"`
	Port      string         `msgpack:"port" json:"port"`
	Payload   any            `msgpack:"payload" json:"payload"`
	Buffer    map[string]any `msgpack:"buffer" json:"buffer"`
	Marks     Marks          `msgpack:"marks" json:"marks"`

	// Upstream keeps the marks of the previous hop after a packet has been
	// received from the wire. It is not sent on.
	Upstream Marks `msgpack:"-" json:"-"`
}

// Timings are the elapsed durations derived from a packet's marks.
type Timings struct {
	Traveling time.Duration
	InInput   time.Duration
	InOutput  time.Duration
	OnWire    time.Duration
}

var now = func() int64 { return time.Now().UnixNano() }

// New creates a fresh packet on the given port.
func New(port string, payload any) *Packet {
	return &Packet{
		ID:        uuid.NewString(),
		CreatedAt: now(),
		Port:      port,
		Payload:   payload,
		Buffer:    make(map[string]any),
	}
}

// Derive creates a child packet carrying the given payload. The child keeps
// the parent's origin time and a copy of its buffer.
func (p *Packet) Derive(port string, payload any) *Packet {
	return &Packet{
		ID:        uuid.NewString(),
		CreatedAt: p.CreatedAt,
		Port:      port,
		Payload:   payload,
		Buffer:    copyMap(p.Buffer),
	}
}

// Clone returns an independent copy with the same identity, used when one
// packet fans out to several downstream groups.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Payload = copyValue(p.Payload)
	c.Buffer = copyMap(p.Buffer)
	return &c
}

// Received prepares a packet decoded from the wire for this hop: the
// sender's marks move to Upstream and the port is re-tagged.
func (p *Packet) Received(port string) {
	p.Upstream = p.Marks
	p.Marks = Marks{}
	p.Port = port
	if p.Buffer == nil {
		p.Buffer = make(map[string]any)
	}
}

// MarkInputEnter stamps the input-queue entry time.
func (p *Packet) MarkInputEnter() { stamp(&p.Marks.InputEnter) }

// MarkInputExit stamps the input-queue exit time.
func (p *Packet) MarkInputExit() { stamp(&p.Marks.InputExit) }

// MarkOutputEnter stamps the output-queue entry time.
func (p *Packet) MarkOutputEnter() { stamp(&p.Marks.OutputEnter) }

// MarkOutputExit stamps the output-queue exit time.
func (p *Packet) MarkOutputExit() { stamp(&p.Marks.OutputExit) }

func stamp(mark *int64) {
	if *mark == 0 {
		*mark = now()
	}
}

// Timings derives elapsed durations as of at. Unset marks yield zero.
func (p *Packet) Timings(at time.Time) Timings {
	var t Timings
	if p.CreatedAt > 0 {
		t.Traveling = time.Duration(at.UnixNano() - p.CreatedAt)
	}
	t.InInput = span(p.Marks.InputEnter, p.Marks.InputExit)
	t.InOutput = span(p.Upstream.OutputEnter, p.Upstream.OutputExit)
	t.OnWire = span(p.Upstream.OutputExit, p.Marks.InputEnter)
	return t
}

func span(from, to int64) time.Duration {
	if from == 0 || to == 0 || to < from {
		return 0
	}
	return time.Duration(to - from)
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
