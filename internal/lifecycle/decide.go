// Package lifecycle runs the polling engine: observe every live session,
// derive its next status from a fixed decision table, and fire the
// configured reaction at most once per status entry.
package lifecycle

import (
	"time"

	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session"
)

// Observation is everything one tick learned about a session. PRKnown is
// false when the PR could not be observed this tick (no PR, or the forge
// call failed); PR-derived rows are then skipped, which keeps the session
// at its previous status rather than guessing.
type Observation struct {
	RuntimeAlive bool
	Activity     plugin.Activity
	IdleFor      time.Duration

	PR      *plugin.PRRef
	PRKnown bool

	// PRUnobserved marks a session that has a PR whose state could not be
	// fetched this tick. No row can be evaluated safely then.
	PRUnobserved bool

	PRState      plugin.PRState
	CISummary    plugin.CISummary
	Review       plugin.ReviewDecision
	Mergeability *plugin.Mergeability

	FailingChecks []plugin.CheckRun
	Comments      []plugin.ReviewComment

	IssueCompleted bool
}

// Decide derives the next status from an observation. It is a pure
// function: same previous status and observation, same answer. Rows are
// evaluated in priority order and the first match wins.
func Decide(prev session.Status, obs Observation, stuckAfter time.Duration) session.Status {
	if obs.PRUnobserved {
		return prev
	}

	openPR := obs.PRKnown && obs.PRState == plugin.PROpen

	if obs.PRKnown && obs.PRState == plugin.PRMerged {
		return session.StatusMerged
	}

	// A dead runtime with no open PR means the session is over: done when
	// the tracked issue completed, terminated (restorable) otherwise.
	if !obs.RuntimeAlive && !openPR {
		if obs.IssueCompleted {
			return session.StatusDone
		}
		return session.StatusTerminated
	}

	if openPR && obs.Mergeability != nil && obs.Mergeability.Mergeable {
		return session.StatusMergeable
	}
	if obs.PRKnown && obs.CISummary == plugin.CIFailing {
		return session.StatusCIFailed
	}
	if obs.PRKnown && obs.Review == plugin.ReviewChangesRequested {
		return session.StatusChangesRequested
	}
	if obs.PRKnown && obs.Review == plugin.ReviewApproved && obs.CISummary != plugin.CIFailing {
		return session.StatusApproved
	}
	if openPR && obs.Review == plugin.ReviewPending {
		return session.StatusReviewPending
	}
	if openPR {
		return session.StatusPROpen
	}

	if obs.Activity == plugin.ActivityWaitingInput {
		return session.StatusNeedsInput
	}
	if obs.Activity == plugin.ActivityBlocked ||
		(obs.Activity == plugin.ActivityIdle && stuckAfter > 0 && obs.IdleFor > stuckAfter) {
		return session.StatusStuck
	}

	if obs.RuntimeAlive {
		return session.StatusWorking
	}
	return prev
}
