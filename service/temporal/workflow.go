package temporal

import (
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// DefaultStaleAfter is the staleness window used when a sweep is started
// without one. A claim row untouched for this long has a blockhash far past
// expiry, so its recorded outcome can be trusted as final.
const DefaultStaleAfter = 10 * time.Minute

// RecoverClaimsInput parameterizes one recovery sweep.
type RecoverClaimsInput struct {
	StaleAfter time.Duration `json:"stale_after"`
}

// RecoverClaimsResult summarizes what one sweep did.
type RecoverClaimsResult struct {
	Scanned   int     `json:"scanned"`
	Paid      int     `json:"paid"`
	Abandoned int     `json:"abandoned"`
	Skipped   int     `json:"skipped"`
	Failed    int     `json:"failed"`
	Error     *string `json:"error,omitempty"`
}

// RecoverClaimsWorkflow settles claim rows left mid-flight by a crash or an
// unobserved transaction outcome. It is triggered by a Temporal schedule at
// a configured interval.
//
// The workflow performs these steps:
// 1. List unsettled claims untouched longer than the staleness window
// 2. Resolve each claim independently, continuing past per-claim failures
// 3. Return counts of how each claim was settled
func RecoverClaimsWorkflow(ctx workflow.Context, input RecoverClaimsInput) (*RecoverClaimsResult, error) {
	logger := workflow.GetLogger(ctx)
	staleAfter := input.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	logger.Info("RecoverClaimsWorkflow started", "staleAfter", staleAfter)

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	result := &RecoverClaimsResult{}

	var listed *ListStaleClaimsResult
	err := workflow.ExecuteActivity(ctx, a.ListStaleClaims, ListStaleClaimsInput{
		OlderThan: workflow.Now(ctx).Add(-staleAfter),
	}).Get(ctx, &listed)
	if err != nil {
		logger.Error("Failed to list stale claims", "error", err)
		errMsg := err.Error()
		result.Error = &errMsg
		return result, err
	}
	result.Scanned = len(listed.ClaimIDs)
	if result.Scanned == 0 {
		logger.Info("No stale claims to recover")
		return result, nil
	}

	for _, claimID := range listed.ClaimIDs {
		var resolved *ResolveClaimResult
		err := workflow.ExecuteActivity(ctx, a.ResolveClaim, ResolveClaimInput{
			ClaimID: claimID,
		}).Get(ctx, &resolved)
		if err != nil {
			// One stuck claim must not block the rest of the sweep; the row
			// stays unsettled and the next sweep picks it up again.
			logger.Error("Failed to resolve claim", "claimID", claimID, "error", err)
			result.Failed++
			continue
		}
		switch resolved.Resolution {
		case ResolutionPaid, ResolutionPayoutConfirmed:
			result.Paid++
		case ResolutionClaimFailed:
			result.Abandoned++
		default:
			result.Skipped++
		}
	}

	logger.Info("RecoverClaimsWorkflow completed",
		"scanned", result.Scanned,
		"paid", result.Paid,
		"abandoned", result.Abandoned,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}
