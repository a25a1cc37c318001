package scheduler

import (
	"context"
	"regexp"

	"github.com/cuemby/fleet/pkg/forge"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/types"
)

// gateCommands is the command the scheduler sends to dispatch each
// gate, per the table in §4.6. qa's dispatch is the /review command
// already sent to enter REVIEWING; a passing review demonstrates it
// without a second round-trip, so it has no entry here.
var gateCommands = map[types.GateKind]string{
	types.GateSecurity:   "Run dependency audit at high severity and report vulnerabilities.",
	types.GateDevops:     "/deploy",
	types.GateSimplifier: "/qcode",
}

// gateDetectors match a gate's completion banner in worker output.
var gateDetectors = map[types.GateKind]*regexp.Regexp{
	types.GateSecurity:   regexp.MustCompile(`(?i)found 0 vulnerabilities|audit.*complete|no vulnerabilities`),
	types.GateDevops:     regexp.MustCompile(`(?i)deployment status|ready with|pre-flight|deployment`),
	types.GateSimplifier: regexp.MustCompile(`(?i)simplif|lines removed|quality.*check|qcode.*complete`),
}

// requiredGates returns the gate set a PR revision must clear before
// merging, given its changed files and line counts. qa and security are
// unconditional; devops and simplifier are triggered by the forge
// policy functions.
func requiredGates(files []string, additions, deletions int) []types.GateKind {
	gates := []types.GateKind{types.GateQA, types.GateSecurity}
	if forge.NeedsDevopsReview(files) {
		gates = append(gates, types.GateDevops)
	}
	if forge.NeedsSimplifier(additions, deletions) {
		gates = append(gates, types.GateSimplifier)
	}
	return gates
}

// runGates drives the quality-gate table for a PR whose CI and review
// have both passed: it dispatches every not-yet-dispatched required
// gate's command, and promotes the worker to MERGING once every
// required gate has completed.
func (s *Scheduler) runGates(ctx context.Context, w *types.Worker, repo forge.Repo, status forge.PRStatus) {
	callCtx, cancel := context.WithTimeout(ctx, forge.CallTimeout)
	files, err := s.forgeCli.DiffFiles(callCtx, repo, status.Number)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("worker_id", w.ID).Msg("fetching diff files failed; retrying next tick")
		return
	}

	gates := requiredGates(files, status.Additions, status.Deletions)

	l := s.lockFor(w.ID)
	l.Lock()
	if !w.HasGateRun(types.GateQA) {
		w.MarkGateDispatched(types.GateQA)
		w.MarkGateRun(types.GateQA)
		s.persist(w)
		metrics.GateCompletionsTotal.WithLabelValues(string(types.GateQA), "pass").Inc()
	}

	var toDispatch []types.GateKind
	allDone := true
	for _, g := range gates {
		if g == types.GateQA {
			continue
		}
		if !w.HasGateRun(g) {
			allDone = false
		}
		if !w.HasGateDispatched(g) {
			toDispatch = append(toDispatch, g)
		}
	}
	for _, g := range toDispatch {
		w.MarkGateDispatched(g)
	}
	if len(toDispatch) > 0 {
		s.persist(w)
	}
	l.Unlock()

	for _, g := range toDispatch {
		s.sendMessage(w, gateCommands[g])
	}

	if !allDone {
		return
	}

	if !s.cfg.AutoMerge {
		// Gates are clear but auto-merge is disabled; the worker stays
		// in PR_OPEN with review_status=passed until a caller issues a
		// manual Merge.
		return
	}

	l.Lock()
	s.transition(w, types.StateMerging)
	s.persist(w)
	l.Unlock()
}

// detectGateCompletion checks text against every dispatched-but-not-yet
// -complete gate's detector, marking any that fire. Called from
// onMessage for every decoded stream message while a worker has
// outstanding gates. Caller must hold w's lock.
func detectGateCompletion(w *types.Worker, text string) bool {
	if text == "" || len(w.GatesDispatched) == 0 {
		return false
	}
	changed := false
	for g := range w.GatesDispatched {
		if w.HasGateRun(g) {
			continue
		}
		detector, ok := gateDetectors[g]
		if !ok || !detector.MatchString(text) {
			continue
		}
		w.MarkGateRun(g)
		changed = true
		metrics.GateCompletionsTotal.WithLabelValues(string(g), "pass").Inc()
	}
	return changed
}
