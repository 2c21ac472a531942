package delegate

import (
	"context"
	"fmt"
	"sync"
)

// Handler receives one inbound message from a transport.
type Handler func(ctx context.Context, from, text string)

// Transport moves envelope text between a parent and its children. The
// dispatcher does not care whether the peer is in-process or remote.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, address, text string) error
	Subscribe(handler Handler) (unsubscribe func())
}

// Subtask is what a child sees of one delegation.
type Subtask struct {
	ID      string
	Task    string
	Summary string
	Schema  string
	Depth   int
}

// Runner executes one delegated task in-process and returns its textual
// result. The Loopback transport spawns one runner invocation per
// subtask envelope.
type Runner func(ctx context.Context, sub Subtask) (string, error)

// Loopback is the in-process transport: each subtask envelope runs a
// child through the configured runner on its own goroutine, and the
// result envelope is delivered back to every subscriber. A child that
// outlives its parent's wait simply delivers a reply nobody claims.
type Loopback struct {
	runner Runner

	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
	started  bool

	wg sync.WaitGroup
}

func NewLoopback(runner Runner) *Loopback {
	return &Loopback{
		runner:   runner,
		handlers: make(map[int]Handler),
	}
}

func (l *Loopback) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = true
	return nil
}

// Stop waits for in-flight children to finish delivering.
func (l *Loopback) Stop() error {
	l.mu.Lock()
	l.started = false
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

func (l *Loopback) Subscribe(handler Handler) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.handlers[id] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, id)
	}
}

func (l *Loopback) Send(ctx context.Context, address, text string) error {
	env, ok := Decode(text)
	if !ok {
		return fmt.Errorf("loopback: message is not an envelope")
	}

	switch env.Kind {
	case KindSubtask:
		if l.runner == nil {
			return fmt.Errorf("loopback: no runner configured")
		}
		l.mu.Lock()
		if !l.started {
			l.mu.Unlock()
			return fmt.Errorf("loopback: transport not started")
		}
		l.wg.Add(1)
		l.mu.Unlock()

		go func() {
			defer l.wg.Done()
			// The child runs against the background context: a parent
			// that stops waiting does not cancel work already underway,
			// its reply is discarded on arrival instead.
			result, err := l.runner(context.Background(), Subtask{
				ID:      env.SubID,
				Task:    env.Task,
				Summary: env.Summary,
				Schema:  env.Schema,
				Depth:   env.Depth,
			})
			reply := Envelope{Kind: KindResult, SubID: env.SubID, Result: result}
			if err != nil {
				reply.Error = err.Error()
				reply.Result = ""
			}
			text, encErr := reply.Encode()
			if encErr != nil {
				return
			}
			l.deliver(context.Background(), address, text)
		}()
		return nil

	case KindResult:
		l.deliver(ctx, address, text)
		return nil
	}
	return fmt.Errorf("loopback: unknown envelope kind %q", env.Kind)
}

func (l *Loopback) deliver(ctx context.Context, from, text string) {
	l.mu.Lock()
	handlers := make([]Handler, 0, len(l.handlers))
	for _, h := range l.handlers {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(ctx, from, text)
	}
}
