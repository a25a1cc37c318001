// Package statemachine implements the worker lifecycle as a pure
// function of (state, event) -> (new state, effects). It has no side
// effects of its own; the scheduler interprets the returned Effects.
package statemachine

import (
	"time"

	"github.com/cuemby/fleet/pkg/stream"
	"github.com/cuemby/fleet/pkg/types"
)

// legalTransitions is the transition graph from the state machine
// design: a worker may only ever move along these edges.
var legalTransitions = map[types.WorkerState]map[types.WorkerState]bool{
	types.StateSpawning: {
		types.StateInitializing: true,
		types.StateError:        true,
		types.StateStopped:      true,
	},
	types.StateInitializing: {
		types.StateWorking: true,
		types.StateError:   true,
		types.StateStopped: true,
	},
	types.StateWorking: {
		types.StatePROpen:  true,
		types.StateError:   true,
		types.StateStopped: true,
	},
	types.StatePROpen: {
		types.StateReviewing: true,
		types.StateMerging:   true,
		types.StateWorking:   true,
		types.StateError:     true,
		types.StateStopped:   true,
	},
	types.StateReviewing: {
		types.StatePROpen:  true,
		types.StateMerging: true,
		types.StateError:   true,
		types.StateStopped: true,
	},
	types.StateMerging: {
		types.StateMerged:  true,
		types.StateError:   true,
		types.StateStopped: true,
	},
	types.StateMerged: {
		types.StateStopped: true,
	},
	types.StateError: {
		types.StateWorking: true,
		types.StateStopped: true,
	},
	types.StateStopped: {},
}

// CanTransition reports whether moving from `from` to `to` follows an
// edge in the transition graph. The identity transition (from == to)
// is always legal — it represents "stay put", not a graph edge.
func CanTransition(from, to types.WorkerState) bool {
	if from == to {
		return true
	}
	edges, ok := legalTransitions[from]
	return ok && edges[to]
}

// EffectKind names a side effect the scheduler must perform in
// response to a Result returned by Apply.
type EffectKind string

const (
	EffectNone           EffectKind = "none"
	EffectPersistPR      EffectKind = "persist_pr"
	EffectSetReviewState EffectKind = "set_review_state"
	EffectEmitStateChange EffectKind = "emit_state_change"
)

// Effect is one side effect the scheduler should carry out after Apply
// returns. Fields are interpreted according to Kind.
type Effect struct {
	Kind EffectKind

	PRNumber int
	PRURL    string

	ReviewStatus types.ReviewStatus
}

// Result is the outcome of Apply: the worker's next state plus any
// effects to perform. Transitioned is false when no state change
// occurred (Next == the input state).
type Result struct {
	Next        types.WorkerState
	Transitioned bool
	Effects     []Effect
}

// Apply is the pure detection function described in §4.4: given the
// worker's current state and a decoded stream message, it returns the
// worker's next state and any effects, applying the detection rules in
// order with first-match-wins semantics. It never mutates w; callers
// apply the Result themselves.
func Apply(w *types.Worker, msg stream.Message) Result {
	cur := w.State

	// 1. API error -> ERROR, always first, regardless of current state.
	if stream.IsAPIError(msg) {
		if cur == types.StateError || cur.Terminal() {
			return Result{Next: cur}
		}
		return Result{
			Next:         types.StateError,
			Transitioned: true,
			Effects:      []Effect{{Kind: EffectEmitStateChange}},
		}
	}

	// 2. PR URL seen while not already in an open/reviewing/merging/merged
	// state -> PR_OPEN; persist pr_number/pr_url.
	if msg.Text != "" {
		if url, ok := stream.ExtractPRURL(msg.Text); ok {
			if !inAny(cur, types.StatePROpen, types.StateReviewing, types.StateMerging, types.StateMerged) {
				num, _ := stream.ExtractPRNumber(url)
				return Result{
					Next:         types.StatePROpen,
					Transitioned: cur != types.StatePROpen,
					Effects: []Effect{
						{Kind: EffectPersistPR, PRNumber: num, PRURL: url},
						{Kind: EffectEmitStateChange},
					},
				}
			}
		}

		// 3. Review banner.
		if result := stream.ReviewComplete(msg.Text); result != stream.ReviewResultNone {
			switch result {
			case stream.ReviewResultPass:
				if w.ReviewStatus == types.ReviewPending {
					return Result{
						Next:         types.StatePROpen,
						Transitioned: cur != types.StatePROpen,
						Effects: []Effect{
							{Kind: EffectSetReviewState, ReviewStatus: types.ReviewPassed},
							{Kind: EffectEmitStateChange},
						},
					}
				}
			case stream.ReviewResultFail:
				return Result{
					Next:         types.StatePROpen,
					Transitioned: cur != types.StatePROpen,
					Effects: []Effect{
						{Kind: EffectSetReviewState, ReviewStatus: types.ReviewFailed},
						{Kind: EffectEmitStateChange},
					},
				}
			}
		}
	}

	// 4. Tool-use while INITIALIZING -> WORKING.
	if cur == types.StateInitializing && msg.HasToolUse() {
		return Result{
			Next:         types.StateWorking,
			Transitioned: true,
			Effects:      []Effect{{Kind: EffectEmitStateChange}},
		}
	}

	// 5. end_turn without a PR: no transition.
	return Result{Next: cur}
}

func inAny(s types.WorkerState, set ...types.WorkerState) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

// StalenessAction names the intervention the scheduler should take for
// a worker that has been idle too long in its current state.
type StalenessAction string

const (
	StalenessNone    StalenessAction = "none"
	StalenessNudge   StalenessAction = "nudge"
	StalenessEscalate StalenessAction = "escalate"
)

// idleThreshold is the 5-minute grace period named throughout §4.4 and
// §4.6 for both the WORKING nudge and the INITIALIZING escalation.
const idleThreshold = 5 * time.Minute

// Staleness evaluates the intervention policy: a WORKING worker idle
// past the threshold is nudged (once per idle streak); an
// INITIALIZING worker idle past the threshold is declared
// unrecoverable.
func Staleness(w *types.Worker, now time.Time) StalenessAction {
	idle := now.Sub(w.LastActivity)
	if idle < idleThreshold {
		return StalenessNone
	}
	switch w.State {
	case types.StateWorking:
		if w.LastStaleNudge {
			return StalenessNone
		}
		return StalenessNudge
	case types.StateInitializing, types.StateSpawning:
		return StalenessEscalate
	default:
		return StalenessNone
	}
}
