// Package bridge carries traffic between the async networking side and the
// application loop. Control reports are never dropped; input is bounded and lossy.
package bridge

import (
	"context"
	"iter"
	"sync"

	"github.com/tomaslejdung/pixelpeep/pkg/input"
	"github.com/tomaslejdung/pixelpeep/pkg/streamer"
)

// DefaultInputCapacity bounds the buffered input events across all connections
const DefaultInputCapacity = 4096

// Stats counts bridge traffic
type Stats struct {
	InputQueued   int
	InputDropped  uint64
	ControlQueued int
	Outbound      int
}

type connKey struct {
	streamer   string
	connection string
}

// Bridge is safe for concurrent use. Push methods never block.
type Bridge struct {
	mu sync.Mutex

	control []streamer.Inbound

	inputCap int
	queued   int
	input    map[string][]input.Tagged // streamer -> events in arrival order
	backlog  map[connKey]int
	dropped  uint64

	outbound []streamer.Command
	wake     chan struct{}
}

// New creates a bridge holding at most inputCapacity input events
func New(inputCapacity int) *Bridge {
	if inputCapacity <= 0 {
		inputCapacity = DefaultInputCapacity
	}
	return &Bridge{
		inputCap: inputCapacity,
		input:    make(map[string][]input.Tagged),
		backlog:  make(map[connKey]int),
		wake:     make(chan struct{}, 1),
	}
}

// PushControl queues a report for the application loop
func (b *Bridge) PushControl(in streamer.Inbound) {
	b.mu.Lock()
	b.control = append(b.control, in)
	b.mu.Unlock()
}

// DrainControl takes every queued report in arrival order
func (b *Bridge) DrainControl() []streamer.Inbound {
	b.mu.Lock()
	out := b.control
	b.control = nil
	b.mu.Unlock()
	return out
}

// PushInput queues a decoded input event. When the input path is full the
// oldest event of the same connection is dropped, or else the oldest event of
// the connection with the largest backlog.
func (b *Bridge) PushInput(ev input.Tagged) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := connKey{ev.Streamer, ev.Connection}
	if b.queued >= b.inputCap {
		victim := key
		if b.backlog[key] == 0 {
			victim = b.largestBacklog()
		}
		b.dropOldest(victim)
	}

	b.input[ev.Streamer] = append(b.input[ev.Streamer], ev)
	b.backlog[key]++
	b.queued++
}

func (b *Bridge) largestBacklog() connKey {
	var best connKey
	most := 0
	for k, n := range b.backlog {
		if n > most || (n == most && (k.streamer < best.streamer || (k.streamer == best.streamer && k.connection < best.connection))) {
			best, most = k, n
		}
	}
	return best
}

func (b *Bridge) dropOldest(k connKey) {
	events := b.input[k.streamer]
	for i, ev := range events {
		if ev.Connection == k.connection {
			b.input[k.streamer] = append(events[:i:i], events[i+1:]...)
			b.release(k)
			b.dropped++
			return
		}
	}
}

func (b *Bridge) release(k connKey) {
	b.queued--
	if b.backlog[k]--; b.backlog[k] <= 0 {
		delete(b.backlog, k)
	}
}

// DrainInput yields the input events queued for id at the time iteration starts.
// Events that are not consumed stay queued for the next call.
func (b *Bridge) DrainInput(id string) iter.Seq[input.Tagged] {
	return func(yield func(input.Tagged) bool) {
		b.mu.Lock()
		limit := len(b.input[id])
		b.mu.Unlock()

		for ; limit > 0; limit-- {
			b.mu.Lock()
			events := b.input[id]
			if len(events) == 0 {
				b.mu.Unlock()
				return
			}
			ev := events[0]
			if len(events) == 1 {
				delete(b.input, id)
			} else {
				b.input[id] = events[1:]
			}
			b.release(connKey{ev.Streamer, ev.Connection})
			b.mu.Unlock()

			if !yield(ev) {
				return
			}
		}
	}
}

// DiscardInput drops every queued event of id
func (b *Bridge) DiscardInput(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.input[id] {
		b.release(connKey{ev.Streamer, ev.Connection})
	}
	delete(b.input, id)
}

// Push queues a command for the async side and wakes it
func (b *Bridge) Push(c streamer.Command) {
	b.mu.Lock()
	b.outbound = append(b.outbound, c)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Next waits for queued commands and returns all of them in push order
func (b *Bridge) Next(ctx context.Context) ([]streamer.Command, error) {
	for {
		b.mu.Lock()
		out := b.outbound
		b.outbound = nil
		b.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-b.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stats returns a snapshot of queue sizes and drop counts
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		InputQueued:   b.queued,
		InputDropped:  b.dropped,
		ControlQueued: len(b.control),
		Outbound:      len(b.outbound),
	}
}
