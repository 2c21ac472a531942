package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openrlm/rlm-go/types"
)

var (
	// ErrBudgetExceeded is returned before a delegation would cross
	// MaxCalls or BudgetUSD. Callers must check admission before
	// dispatching; dispatch cannot be cheaply undone once sent.
	ErrBudgetExceeded = errors.New("session: budget exceeded")

	// ErrDepthExceeded is returned when a child delegation would exceed
	// MaxDepth. No budget is consumed.
	ErrDepthExceeded = errors.New("session: max depth exceeded")
)

// DefaultCostPerCall is the base estimated cost of one delegation; the
// ledger multiplies it by the caller-supplied tool weight.
const DefaultCostPerCall = 0.01

// Ledger owns every session and enforces the budget invariants:
// depth <= MaxDepth, callCount <= MaxCalls, estCostUSD <= BudgetUSD.
type Ledger struct {
	mu          sync.Mutex
	budget      Budget
	costPerCall float64
	sessions    map[string]*Session
	store       Store
}

type Option func(*Ledger)

func WithBudget(budget Budget) Option {
	return func(l *Ledger) {
		if budget.MaxDepth > 0 {
			l.budget.MaxDepth = budget.MaxDepth
		}
		if budget.MaxCalls > 0 {
			l.budget.MaxCalls = budget.MaxCalls
		}
		if budget.BudgetUSD > 0 {
			l.budget.BudgetUSD = budget.BudgetUSD
		}
	}
}

func WithCostPerCall(cost float64) Option {
	return func(l *Ledger) {
		if cost > 0 {
			l.costPerCall = cost
		}
	}
}

func WithStore(store Store) Option {
	return func(l *Ledger) { l.store = store }
}

func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		budget:      DefaultBudget(),
		costPerCall: DefaultCostPerCall,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Budget() Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget
}

// Get returns the session for key, creating it at depth 0 if absent.
func (l *Ledger) Get(key string) *Session {
	return l.GetAtDepth(key, 0)
}

// GetAtDepth returns the session for key, creating it at the given
// recursion depth if absent. The depth of an existing session is never
// changed by lookup.
func (l *Ledger) GetAtDepth(key string, depth int) *Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sess, ok := l.sessions[key]; ok {
		return sess
	}
	if l.store != nil {
		if rec, err := l.store.Load(context.Background(), key); err == nil {
			sess := rec.toSession()
			l.sessions[key] = sess
			return sess
		}
	}
	sess := newSession(key, depth)
	l.sessions[key] = sess
	return sess
}

// AdmitChildDepth checks whether a delegation issued by a session at the
// given depth may spawn a child. It consumes no budget.
func (l *Ledger) AdmitChildDepth(parentDepth int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if parentDepth+1 > l.budget.MaxDepth {
		return fmt.Errorf("%w: child depth %d exceeds max depth %d",
			ErrDepthExceeded, parentDepth+1, l.budget.MaxDepth)
	}
	return nil
}

// RecordDelegation admits one delegation against the session's budget.
// It fails with ErrBudgetExceeded before the ceiling would be crossed,
// leaving CallCount and EstCostUSD untouched.
func (l *Ledger) RecordDelegation(sess *Session, costMultiplier float64) error {
	if costMultiplier <= 0 {
		costMultiplier = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if sess.CallCount+1 > l.budget.MaxCalls {
		return fmt.Errorf("%w: call count %d would exceed max calls %d",
			ErrBudgetExceeded, sess.CallCount+1, l.budget.MaxCalls)
	}
	cost := l.costPerCall * costMultiplier
	if sess.EstCostUSD+cost > l.budget.BudgetUSD {
		return fmt.Errorf("%w: estimated cost $%.4f would exceed budget $%.4f",
			ErrBudgetExceeded, sess.EstCostUSD+cost, l.budget.BudgetUSD)
	}
	sess.CallCount++
	sess.EstCostUSD += cost
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordSubtask registers a dispatched sub-task slot with arrived=false.
func (l *Ledger) RecordSubtask(sess *Session, subID, task string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sess.SubTasks == nil {
		sess.SubTasks = make(map[string]*SubTaskInfo)
	}
	sess.SubTasks[subID] = &SubTaskInfo{
		CreatedAt: time.Now().UTC(),
		Task:      task,
	}
	sess.UpdatedAt = time.Now().UTC()
}

// ResolveSubtask marks a sub-task slot as arrived, recording either its
// result or its error. It reports whether this call performed the
// transition: a slot resolves at most once, so duplicate or late replies
// after a timeout are no-ops, not errors.
func (l *Ledger) ResolveSubtask(sess *Session, subID, result, errText string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, ok := sess.SubTasks[subID]
	if !ok || info.Arrived {
		return false
	}
	info.Arrived = true
	info.Result = result
	info.Error = errText
	sess.UpdatedAt = time.Now().UTC()
	return true
}

// AppendMessages appends chat turns to the session transcript.
func (l *Ledger) AppendMessages(sess *Session, msgs ...types.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess.Messages = append(sess.Messages, msgs...)
	sess.UpdatedAt = time.Now().UTC()
}

// AddTokens accumulates actual token usage reported by the provider.
func (l *Ledger) AddTokens(sess *Session, tokens int) {
	if tokens <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sess.ActualTokensUsed += tokens
	sess.UpdatedAt = time.Now().UTC()
}

// SharedGet reads an entry from the session's shared data map.
func (l *Ledger) SharedGet(sess *Session, key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := sess.SharedData[key]
	return v, ok
}

// SharedSet writes an entry to the session's shared data map.
func (l *Ledger) SharedSet(sess *Session, key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sess.SharedData == nil {
		sess.SharedData = make(map[string]any)
	}
	sess.SharedData[key] = value
	sess.UpdatedAt = time.Now().UTC()
}

// SharedIncrement atomically adds delta to a numeric shared entry,
// returning the new value. Concurrently-resolving sub-tasks from the same
// parent may race on the same key; the ledger lock keeps the increment
// race-free.
func (l *Ledger) SharedIncrement(sess *Session, key string, delta float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if sess.SharedData == nil {
		sess.SharedData = make(map[string]any)
	}
	current := 0.0
	switch v := sess.SharedData[key].(type) {
	case float64:
		current = v
	case int:
		current = float64(v)
	case int64:
		current = float64(v)
	}
	current += delta
	sess.SharedData[key] = current
	sess.UpdatedAt = time.Now().UTC()
	return current
}

// Save persists the session through the configured store, if any.
func (l *Ledger) Save(ctx context.Context, sess *Session) error {
	if l.store == nil {
		return nil
	}
	l.mu.Lock()
	rec := recordFromSession(sess)
	l.mu.Unlock()
	return l.store.Save(ctx, rec)
}

// Delete removes a session from the ledger and its store. Sessions are
// never deleted implicitly; this is the explicit operator path.
func (l *Ledger) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.sessions, key)
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	return l.store.Delete(ctx, key)
}

// Keys lists the keys of all in-memory sessions.
func (l *Ledger) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.sessions))
	for k := range l.sessions {
		out = append(out, k)
	}
	return out
}
