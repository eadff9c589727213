package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/herdctl/herdctl/internal/plugin"
	"github.com/herdctl/herdctl/internal/session"
)

const stuckAfter = 5 * time.Minute

func TestDecideTable(t *testing.T) {
	openPR := &plugin.PRRef{Number: 7}

	tests := []struct {
		name string
		prev session.Status
		obs  Observation
		want session.Status
	}{
		{
			name: "merged wins over everything",
			prev: session.StatusMergeable,
			obs: Observation{
				RuntimeAlive: false, Activity: plugin.ActivityExited,
				PR: openPR, PRKnown: true, PRState: plugin.PRMerged,
				CISummary: plugin.CIFailing,
			},
			want: session.StatusMerged,
		},
		{
			name: "dead runtime with completed issue is done",
			prev: session.StatusWorking,
			obs: Observation{
				RuntimeAlive: false, Activity: plugin.ActivityExited,
				IssueCompleted: true,
			},
			want: session.StatusDone,
		},
		{
			name: "dead runtime without open pr is terminated",
			prev: session.StatusWorking,
			obs:  Observation{RuntimeAlive: false, Activity: plugin.ActivityExited},
			want: session.StatusTerminated,
		},
		{
			name: "dead runtime with closed pr is terminated",
			prev: session.StatusPROpen,
			obs: Observation{
				RuntimeAlive: false, Activity: plugin.ActivityExited,
				PR: openPR, PRKnown: true, PRState: plugin.PRClosed,
			},
			want: session.StatusTerminated,
		},
		{
			name: "mergeable beats ci and review rows",
			prev: session.StatusPROpen,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRKnown: true, PRState: plugin.PROpen,
				CISummary: plugin.CIPassing, Review: plugin.ReviewApproved,
				Mergeability: &plugin.Mergeability{Mergeable: true},
			},
			want: session.StatusMergeable,
		},
		{
			name: "failing ci",
			prev: session.StatusPROpen,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRKnown: true, PRState: plugin.PROpen,
				CISummary: plugin.CIFailing,
			},
			want: session.StatusCIFailed,
		},
		{
			name: "changes requested beats approved row",
			prev: session.StatusPROpen,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRKnown: true, PRState: plugin.PROpen,
				Review: plugin.ReviewChangesRequested,
			},
			want: session.StatusChangesRequested,
		},
		{
			name: "approved with green ci",
			prev: session.StatusReviewPending,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRKnown: true, PRState: plugin.PROpen,
				CISummary: plugin.CIPassing, Review: plugin.ReviewApproved,
			},
			want: session.StatusApproved,
		},
		{
			name: "approved with failing ci is ci_failed",
			prev: session.StatusReviewPending,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRKnown: true, PRState: plugin.PROpen,
				CISummary: plugin.CIFailing, Review: plugin.ReviewApproved,
			},
			want: session.StatusCIFailed,
		},
		{
			name: "review pending",
			prev: session.StatusPROpen,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRKnown: true, PRState: plugin.PROpen,
				Review: plugin.ReviewPending,
			},
			want: session.StatusReviewPending,
		},
		{
			name: "plain open pr",
			prev: session.StatusWorking,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRKnown: true, PRState: plugin.PROpen,
			},
			want: session.StatusPROpen,
		},
		{
			name: "waiting for input",
			prev: session.StatusWorking,
			obs:  Observation{RuntimeAlive: true, Activity: plugin.ActivityWaitingInput},
			want: session.StatusNeedsInput,
		},
		{
			name: "blocked is stuck",
			prev: session.StatusWorking,
			obs:  Observation{RuntimeAlive: true, Activity: plugin.ActivityBlocked},
			want: session.StatusStuck,
		},
		{
			name: "idle past threshold is stuck",
			prev: session.StatusWorking,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityIdle,
				IdleFor: stuckAfter + time.Second,
			},
			want: session.StatusStuck,
		},
		{
			name: "idle under threshold keeps working",
			prev: session.StatusWorking,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityIdle,
				IdleFor: stuckAfter - time.Second,
			},
			want: session.StatusWorking,
		},
		{
			name: "alive and active is working",
			prev: session.StatusStuck,
			obs:  Observation{RuntimeAlive: true, Activity: plugin.ActivityActive},
			want: session.StatusWorking,
		},
		{
			name: "unobservable pr holds the previous status",
			prev: session.StatusCIFailed,
			obs: Observation{
				RuntimeAlive: true, Activity: plugin.ActivityActive,
				PR: openPR, PRUnobserved: true,
			},
			want: session.StatusCIFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.prev, tt.obs, stuckAfter)
			assert.Equal(t, tt.want, got)

			// Purity: the same inputs produce the same answer again.
			assert.Equal(t, got, Decide(tt.prev, tt.obs, stuckAfter))
		})
	}
}
