// Package automation is the boundary to the side-effecting collaborator
// that actually performs a work item in the target application.
package automation

import (
	"context"

	"github.com/msageha/rpa-oracle/internal/model"
)

// Outcome is the verdict of one automation run.
type Outcome int

const (
	// OutcomeFailed means the side effect did not happen; the item may be retried later.
	OutcomeFailed Outcome = iota
	// OutcomeSuccess means the side effect happened.
	OutcomeSuccess
	// OutcomeNeedsAttention means the external state is ambiguous and a human must look.
	OutcomeNeedsAttention
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNeedsAttention:
		return "needs_attention"
	default:
		return "failed"
	}
}

// Automation performs the side effect for one work item. Execute is called
// at most once per item per process and must run to completion; the daemon
// never cancels it midway.
type Automation interface {
	Execute(ctx context.Context, item model.WorkItem) (Outcome, error)
}

// KeepAliver is implemented by automations whose target session expires
// when idle. KeepAlive is called during the long idle wait.
type KeepAliver interface {
	KeepAlive(ctx context.Context) error
}

// Func adapts a function to Automation.
type Func func(ctx context.Context, item model.WorkItem) (Outcome, error)

func (f Func) Execute(ctx context.Context, item model.WorkItem) (Outcome, error) {
	return f(ctx, item)
}
