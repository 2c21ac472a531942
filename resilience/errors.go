package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/openrlm/rlm-go/session"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// invoking the tool. Never retried.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// TimeoutError marks an operation that ran out of time. Retryable.
type TimeoutError struct {
	Op      string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	if e.Elapsed != "" {
		return fmt.Sprintf("Timeout: %s exceeded %s", e.Op, e.Elapsed)
	}
	return fmt.Sprintf("Timeout: %s", e.Op)
}

func (e *TimeoutError) Retryable() bool { return true }

// retryabler is implemented by errors that know their own retry class.
type retryabler interface {
	Retryable() bool
}

// IsRetryable classifies an error for the Retrier. Budget rejections and
// open circuits propagate immediately; timeouts (including context and
// network deadline errors) are retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, session.ErrBudgetExceeded) || errors.Is(err, session.ErrDepthExceeded) {
		return false
	}
	var r retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
