package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/fleet/pkg/forge"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/statemachine"
	"github.com/cuemby/fleet/pkg/types"
)

// staleWorkingMessage is the nudge sent to a WORKING worker that has
// produced no output for the idle threshold.
const staleWorkingMessage = "please continue"

// ciFailedMessage is sent to a PR_OPEN worker once each time CI turns
// failed; it is not repeated until CI has been seen passing again.
const ciFailedMessage = "CI failed. Inspect failing checks and fix."

// tickWorker advances a single worker by one step: it first evaluates
// the staleness/intervention policy, then dispatches to the per-state
// handler named in §4.6. Each worker's own lock serializes this against
// Send/Stop/Merge for the same id; different workers' ticks run
// concurrently (bounded by maxConcurrentTicks).
func (s *Scheduler) tickWorker(ctx context.Context, id string) {
	l := s.lockFor(id)
	l.Lock()
	w := s.getWorker(id)
	if w == nil || w.State.Terminal() {
		l.Unlock()
		return
	}
	state := w.State
	l.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.WorkerTickDuration, string(state))

	s.handleStaleness(id)

	switch state {
	case types.StateSpawning, types.StateInitializing, types.StateWorking:
		// Nothing further to do: these states advance purely from
		// stream content observed in onMessage, or from the staleness
		// policy just evaluated above.
	case types.StatePROpen:
		s.tickPROpen(ctx, id)
	case types.StateReviewing:
		// Waits for a review_complete event handled in onMessage.
	case types.StateMerging:
		s.tickMerging(ctx, id)
	}
}

func (s *Scheduler) handleStaleness(id string) {
	l := s.lockFor(id)
	l.Lock()
	w := s.getWorker(id)
	if w == nil {
		l.Unlock()
		return
	}
	action := statemachine.Staleness(w, time.Now())
	switch action {
	case statemachine.StalenessNudge:
		w.LastStaleNudge = true
		s.persist(w)
		l.Unlock()
		s.sendMessage(w, staleWorkingMessage)
		return
	case statemachine.StalenessEscalate:
		w.Error = "no activity while initializing; declared unrecoverable"
		w.LastError = w.Error
		s.transition(w, types.StateError)
		s.persist(w)
	}
	l.Unlock()
}

// tickPROpen implements the PR_OPEN per-tick actions of §4.6.
func (s *Scheduler) tickPROpen(ctx context.Context, id string) {
	w := s.getWorker(id)
	if w == nil {
		return
	}

	repo, err := s.repoFor(ctx, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", id).Msg("resolving repo for worker failed; retrying next tick")
		return
	}

	l := s.lockFor(id)
	l.Lock()
	prNumber := w.PRNumber
	l.Unlock()

	if prNumber == 0 {
		callCtx, cancel := context.WithTimeout(ctx, forge.CallTimeout)
		num, found, err := s.forgeCli.GetPRForBranch(callCtx, repo, w.Branch)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("worker_id", id).Msg("looking up PR by branch failed; retrying next tick")
			return
		}
		if !found {
			return
		}
		l.Lock()
		w.PRNumber = num
		s.persist(w)
		l.Unlock()
		prNumber = num
	}

	callCtx, cancel := context.WithTimeout(ctx, forge.CallTimeout)
	status, err := s.forgeCli.GetPRStatus(callCtx, repo, prNumber)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", id).Msg("fetching PR status failed; retrying next tick")
		return
	}

	switch status.CI {
	case forge.CIPending, forge.CIUnknown:
		return
	case forge.CIFailed:
		s.handleCIFailed(w)
		return
	case forge.CIPassed:
		s.handleCIPassed(ctx, w, repo, status)
	}
}

func (s *Scheduler) handleCIFailed(w *types.Worker) {
	l := s.lockFor(w.ID)
	l.Lock()
	if w.LastCIFailureNudge {
		l.Unlock()
		return
	}
	w.LastCIFailureNudge = true
	w.ReviewStatus = types.ReviewNone
	w.ClearGates()
	s.persist(w)
	l.Unlock()

	s.sendMessage(w, ciFailedMessage)
}

func (s *Scheduler) handleCIPassed(ctx context.Context, w *types.Worker, repo forge.Repo, status forge.PRStatus) {
	l := s.lockFor(w.ID)
	l.Lock()
	w.LastCIFailureNudge = false
	reviewStatus := w.ReviewStatus
	l.Unlock()

	if reviewStatus == types.ReviewNone {
		if !s.cfg.AutoReview {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, forge.CallTimeout)
		err := s.forgeCli.AddLabel(callCtx, repo, status.Number, "review-pending")
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("adding review-pending label failed")
		}

		l.Lock()
		w.ReviewStatus = types.ReviewPending
		w.LabelsSwapped = false
		s.transition(w, types.StateReviewing)
		s.persist(w)
		l.Unlock()

		s.sendMessage(w, fmt.Sprintf("/review %s", w.Branch))
		return
	}

	if reviewStatus == types.ReviewPassed {
		s.swapReviewLabels(ctx, w, repo, status.Number)
		s.runGates(ctx, w, repo, status)
	}
}

// swapReviewLabels performs the §4.6 REVIEWING "on passed" label swap
// (remove review-pending, add reviewed) exactly once per review-passed
// revision. It is a forge call, so it runs on the tick cadence rather
// than inline from the stream callback that detected the pass; failures
// are logged and retried on the next tick like any other forge error.
func (s *Scheduler) swapReviewLabels(ctx context.Context, w *types.Worker, repo forge.Repo, prNumber int) {
	l := s.lockFor(w.ID)
	l.Lock()
	done := w.LabelsSwapped
	l.Unlock()
	if done {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, forge.CallTimeout)
	err := s.forgeCli.RemoveLabel(callCtx, repo, prNumber, "review-pending")
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("removing review-pending label failed; retrying next tick")
		return
	}

	callCtx, cancel = context.WithTimeout(ctx, forge.CallTimeout)
	err = s.forgeCli.AddLabel(callCtx, repo, prNumber, "reviewed")
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("adding reviewed label failed; retrying next tick")
		return
	}

	l.Lock()
	w.LabelsSwapped = true
	s.persist(w)
	l.Unlock()
}

// tickMerging calls the forge to merge a PR that has cleared every gate.
func (s *Scheduler) tickMerging(ctx context.Context, id string) {
	w := s.getWorker(id)
	if w == nil {
		return
	}
	s.doMerge(ctx, w)
}

// doMerge performs the merge call and applies its outcome. Called both
// from the MERGING tick and from a manual Merge request (which has
// already transitioned the worker into MERGING before calling this).
func (s *Scheduler) doMerge(ctx context.Context, w *types.Worker) {
	repo, err := s.repoFor(ctx, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("resolving repo for merge failed; retrying next tick")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, forge.CallTimeout)
	ok, err := s.forgeCli.Merge(callCtx, repo, w.PRNumber, forge.MergeSquash, true)
	cancel()

	l := s.lockFor(w.ID)
	l.Lock()
	defer l.Unlock()

	if err != nil || !ok {
		msg := "merge failed"
		if err != nil {
			msg = fmt.Sprintf("merge failed: %v", err)
		}
		w.Error = msg
		w.LastError = msg
		s.transition(w, types.StateError)
		s.persist(w)
		return
	}

	metrics.MergesTotal.Inc()
	s.transition(w, types.StateMerged)
	s.persist(w)
	s.emit(&types.Event{WorkerID: w.ID, Type: types.EventPRMerged, PRNumber: w.PRNumber, PRURL: w.PRURL})
}
