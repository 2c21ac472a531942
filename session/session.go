package session

import (
	"time"

	"github.com/openrlm/rlm-go/types"
)

// Budget bounds what a single top-level query may spend: recursion depth,
// delegation count, and estimated monetary cost.
type Budget struct {
	MaxDepth  int     `json:"maxDepth"`
	MaxCalls  int     `json:"maxCalls"`
	BudgetUSD float64 `json:"budgetUsd"`
}

func DefaultBudget() Budget {
	return Budget{
		MaxDepth:  3,
		MaxCalls:  25,
		BudgetUSD: 1.0,
	}
}

// SubTaskInfo tracks one dispatched delegation. It transitions to Arrived
// exactly once, on the first of {matching reply, timeout}, and is immutable
// afterwards.
type SubTaskInfo struct {
	CreatedAt time.Time `json:"createdAt"`
	Task      string    `json:"task"`
	Arrived   bool      `json:"arrived"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Session is the per-conversation ledger state. All mutation goes through
// the Ledger so the budget invariants hold under concurrent resolution.
type Session struct {
	Key               string                  `json:"key"`
	Messages          []types.Message         `json:"messages,omitempty"`
	CallCount         int                     `json:"callCount"`
	EstCostUSD        float64                 `json:"estCostUsd"`
	ActualTokensUsed  int                     `json:"actualTokensUsed"`
	SubTasks          map[string]*SubTaskInfo `json:"subTasks,omitempty"`
	Depth             int                     `json:"depth"`
	TopLevelStartedAt time.Time               `json:"topLevelStartedAt"`
	SharedData        map[string]any          `json:"sharedData,omitempty"`
	UpdatedAt         time.Time               `json:"updatedAt"`
}

func newSession(key string, depth int) *Session {
	now := time.Now().UTC()
	return &Session{
		Key:               key,
		SubTasks:          make(map[string]*SubTaskInfo),
		SharedData:        make(map[string]any),
		Depth:             depth,
		TopLevelStartedAt: now,
		UpdatedAt:         now,
	}
}
