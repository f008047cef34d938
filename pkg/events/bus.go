// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	// emitBuffer bounds the producer-side queue. Emit never blocks a
	// producer; a full queue drops the event with a warning.
	emitBuffer = 4096

	// subscriberBuffer bounds each live subscriber's channel. A
	// subscriber that falls this far behind is disconnected rather
	// than stalling the drainer; it rejoins via a fresh snapshot.
	subscriberBuffer = 256
)

// Sink receives every event in emission order for durable storage.
// A sink failure is logged and does not affect the execution.
type Sink interface {
	AppendEvent(ctx context.Context, executionID string, ev Event) error
}

// Bus is the single append-only event stream of one execution. One
// dedicated drainer goroutine owns the history, the sink writes, and
// subscriber fan-out, so persistent log order always matches emission
// order.
type Bus struct {
	executionID string
	sink        Sink
	logger      *zap.Logger

	// in is never closed; producers may race Close, so the drainer
	// exits on the closed signal instead.
	in      chan Event
	closed  chan struct{}
	drained chan struct{}

	mu      sync.Mutex
	history []Event
	subs    map[chan Event]struct{}
	once    sync.Once
}

// NewBus creates a bus for one execution and starts its drainer.
// sink may be nil for in-memory-only executions.
func NewBus(executionID string, sink Sink, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		executionID: executionID,
		sink:        sink,
		logger:      logger,
		in:          make(chan Event, emitBuffer),
		closed:      make(chan struct{}),
		drained:     make(chan struct{}),
		subs:        make(map[chan Event]struct{}),
	}
	go b.drain()
	return b
}

// Emit enqueues an event. Non-blocking for producers: a full queue
// drops the event with a warning, and an emit after (or racing) Close
// is ignored.
func (b *Bus) Emit(ev Event) {
	select {
	case <-b.closed:
		return
	default:
	}

	select {
	case b.in <- ev:
	case <-b.closed:
	default:
		b.logger.Warn("Event queue full, dropping event",
			zap.String("execution_id", b.executionID),
			zap.String("kind", string(ev.Kind)))
	}
}

// Subscribe returns a snapshot of all events emitted so far plus a
// channel carrying the live tail, in order and without gaps between
// the two. The tail closes when the bus closes or the subscriber falls
// too far behind. The returned cancel func must be called to release
// the subscription.
func (b *Bus) Subscribe() ([]Event, <-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	snapshot := make([]Event, len(b.history))
	copy(snapshot, b.history)
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return snapshot, ch, cancel
}

// History returns a copy of all events emitted so far.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Close stops accepting events, waits for the drainer to flush the
// queue, and closes all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.closed)
		<-b.drained

		b.mu.Lock()
		for ch := range b.subs {
			close(ch)
		}
		b.subs = make(map[chan Event]struct{})
		b.mu.Unlock()
	})
}

// drain is the dedicated consumer: appends to history, persists, and
// fans out to subscribers, all in emission order. It exits on the
// closed signal after flushing whatever was enqueued before it.
func (b *Bus) drain() {
	defer close(b.drained)

	for {
		select {
		case ev := <-b.in:
			b.deliver(ev)
		case <-b.closed:
			for {
				select {
				case ev := <-b.in:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	if b.sink != nil {
		if err := b.sink.AppendEvent(context.Background(), b.executionID, ev); err != nil {
			b.logger.Warn("Event persistence failed",
				zap.String("execution_id", b.executionID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
		}
	}

	// Append and broadcast under one lock so a concurrent Subscribe
	// never sees this event in both snapshot and tail.
	b.mu.Lock()
	b.history = append(b.history, ev)
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// A stalled subscriber would otherwise miss events while
			// still connected. Disconnect it; the closed channel tells
			// it to rejoin and catch up from the snapshot.
			delete(b.subs, ch)
			close(ch)
			b.logger.Warn("Disconnecting stalled subscriber",
				zap.String("execution_id", b.executionID))
		}
	}
	b.mu.Unlock()
}
