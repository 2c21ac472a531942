package observe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Sink receives engine events. Implementations must tolerate concurrent
// Emit calls.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// NoopSink discards every event. It is the default observer wherever one
// was not configured.
type NoopSink struct{}

func (NoopSink) Emit(ctx context.Context, event Event) error {
	_ = ctx
	_ = event
	return nil
}

// MultiSink fans one event out to several sinks in order. The first
// sink error stops the fan-out.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink drops nil entries and collapses the trivial cases so a
// single configured sink carries no wrapper overhead.
func NewMultiSink(sinks ...Sink) Sink {
	kept := sinks[:0:0]
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	switch len(kept) {
	case 0:
		return NoopSink{}
	case 1:
		return kept[0]
	}
	return &MultiSink{sinks: kept}
}

func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// AsyncSink decouples event producers from a slow downstream. Emit never
// blocks on the downstream: events queue into a buffered channel and a
// single goroutine delivers them. When the buffer is full the event is
// dropped and counted rather than stalling the caller.
type AsyncSink struct {
	downstream Sink
	queue      chan Event
	dropped    atomic.Uint64
	closeOnce  sync.Once
	drained    chan struct{}
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		drained:    make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
		return nil
	default:
		s.dropped.Add(1)
		return nil
	}
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (s *AsyncSink) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close stops accepting events and waits for the queued ones to reach
// the downstream.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.queue) })
	<-s.drained
}

func (s *AsyncSink) deliver() {
	defer close(s.drained)
	for event := range s.queue {
		_ = s.downstream.Emit(context.Background(), event)
	}
}
