package delegate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrlm/rlm-go/observe"
	"github.com/openrlm/rlm-go/resilience"
	"github.com/openrlm/rlm-go/session"
)

// MaxParallel caps the fan-out of one CallParallel batch.
const MaxParallel = 10

// DefaultTimeout is how long a dispatched subtask may take before the
// parent stops waiting and records a timeout.
const DefaultTimeout = 60 * time.Second

// DefaultAddress is the loopback peer address.
const DefaultAddress = "loopback"

// CallOptions tune one delegation.
type CallOptions struct {
	// Address selects the transport peer; empty means DefaultAddress.
	Address string
	// Summary is context handed to the child alongside the task.
	Summary string
	// Schema describes the shape the child's answer should take.
	Schema string
	// CostMultiplier scales the ledger's per-call cost estimate; values
	// <= 0 mean 1.
	CostMultiplier float64
	// Timeout overrides the dispatcher timeout for this call.
	Timeout time.Duration
}

// Dispatcher correlates subtask envelopes with their replies. Every
// dispatch is admitted against the session ledger first; a reply races
// the timeout and the loser is discarded by the idempotent resolver.
type Dispatcher struct {
	ledger    *session.Ledger
	transport Transport
	timeout   time.Duration
	observer  observe.Sink

	mu      sync.Mutex
	pending map[string]chan Envelope

	unsubscribe func()
}

type DispatcherOption func(*Dispatcher)

func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func WithObserver(observer observe.Sink) DispatcherOption {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

func NewDispatcher(ledger *session.Ledger, transport Transport, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		ledger:    ledger,
		transport: transport,
		timeout:   DefaultTimeout,
		observer:  observe.NoopSink{},
		pending:   make(map[string]chan Envelope),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start brings up the transport and subscribes for replies.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.transport.Start(ctx); err != nil {
		return err
	}
	d.unsubscribe = d.transport.Subscribe(d.handleMessage)
	return nil
}

func (d *Dispatcher) Stop() error {
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	return d.transport.Stop()
}

func (d *Dispatcher) handleMessage(ctx context.Context, from, text string) {
	env, ok := Decode(text)
	if !ok || env.Kind != KindResult {
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[env.SubID]
	if ok {
		delete(d.pending, env.SubID)
	}
	d.mu.Unlock()

	if !ok {
		// Reply for a subtask nobody is waiting on anymore. The slot was
		// already resolved by the timeout path; drop it.
		d.emit(ctx, observe.Event{
			Kind:    observe.KindDelegate,
			Status:  observe.StatusFailed,
			SubID:   env.SubID,
			Name:    "late_reply_discarded",
			Message: "reply arrived after the waiter gave up",
		})
		return
	}
	ch <- env
}

// Call delegates one task and blocks until the child replies or the
// timeout fires. Budget and depth ceilings are checked before anything
// is sent; a rejected call consumes nothing.
func (d *Dispatcher) Call(ctx context.Context, sess *session.Session, task string, opts CallOptions) (string, error) {
	if task == "" {
		return "", errors.New("delegate: task is empty")
	}
	if err := d.ledger.AdmitChildDepth(sess.Depth); err != nil {
		return "", err
	}
	if err := d.ledger.RecordDelegation(sess, opts.CostMultiplier); err != nil {
		return "", err
	}

	subID := uuid.NewString()
	d.ledger.RecordSubtask(sess, subID, task)

	reply := make(chan Envelope, 1)
	d.mu.Lock()
	d.pending[subID] = reply
	d.mu.Unlock()

	env := Envelope{
		Kind:    KindSubtask,
		SubID:   subID,
		Task:    task,
		Depth:   sess.Depth + 1,
		ReplyTo: sess.Key,
		Summary: opts.Summary,
		Schema:  opts.Schema,
	}
	text, err := env.Encode()
	if err != nil {
		d.drop(subID)
		return "", err
	}

	address := opts.Address
	if address == "" {
		address = DefaultAddress
	}
	started := time.Now()
	d.emit(ctx, observe.Event{
		Kind:      observe.KindDelegate,
		Status:    observe.StatusStarted,
		SessionID: sess.Key,
		SubID:     subID,
		Name:      "subtask_dispatched",
		Message:   task,
	})
	if err := d.transport.Send(ctx, address, text); err != nil {
		d.drop(subID)
		d.ledger.ResolveSubtask(sess, subID, "", err.Error())
		return "", fmt.Errorf("delegate: send failed: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-reply:
		if result.Error != "" {
			d.ledger.ResolveSubtask(sess, subID, "", result.Error)
			d.emit(ctx, observe.Event{
				Kind:       observe.KindDelegate,
				Status:     observe.StatusFailed,
				SessionID:  sess.Key,
				SubID:      subID,
				Name:       "subtask_resolved",
				Error:      result.Error,
				DurationMs: time.Since(started).Milliseconds(),
			})
			return "", fmt.Errorf("delegate: subtask failed: %s", result.Error)
		}
		d.ledger.ResolveSubtask(sess, subID, result.Result, "")
		d.emit(ctx, observe.Event{
			Kind:       observe.KindDelegate,
			Status:     observe.StatusCompleted,
			SessionID:  sess.Key,
			SubID:      subID,
			Name:       "subtask_resolved",
			DurationMs: time.Since(started).Milliseconds(),
		})
		return result.Result, nil

	case <-timer.C:
		d.drop(subID)
		terr := &resilience.TimeoutError{Op: "subtask " + subID, Elapsed: timeout.String()}
		d.ledger.ResolveSubtask(sess, subID, "", terr.Error())
		d.emit(ctx, observe.Event{
			Kind:      observe.KindDelegate,
			Status:    observe.StatusFailed,
			SessionID: sess.Key,
			SubID:     subID,
			Name:      "subtask_timed_out",
			Error:     terr.Error(),
		})
		return "", terr

	case <-ctx.Done():
		d.drop(subID)
		d.ledger.ResolveSubtask(sess, subID, "", ctx.Err().Error())
		return "", ctx.Err()
	}
}

// ParallelResult is one member of a CallParallel batch. Err is nil on
// success; a failed or timed-out member does not block its siblings.
type ParallelResult struct {
	Index  int
	Task   string
	Result string
	Err    error
}

// CallParallel fans tasks out concurrently, at most MaxParallel in
// flight, each with its own subID and budget admission. The batch
// resolves when every member has resolved.
func (d *Dispatcher) CallParallel(ctx context.Context, sess *session.Session, tasks []string, opts CallOptions) []ParallelResult {
	results := make([]ParallelResult, len(tasks))
	sem := make(chan struct{}, MaxParallel)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out, err := d.Call(ctx, sess, task, opts)
			results[i] = ParallelResult{Index: i, Task: task, Result: out, Err: err}
		}(i, task)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) drop(subID string) {
	d.mu.Lock()
	delete(d.pending, subID)
	d.mu.Unlock()
}

func (d *Dispatcher) emit(ctx context.Context, event observe.Event) {
	if d.observer == nil {
		return
	}
	_ = d.observer.Emit(ctx, event)
}
