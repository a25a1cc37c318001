package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/fleet/pkg/instructions"
	"github.com/cuemby/fleet/pkg/orcherr"
	"github.com/cuemby/fleet/pkg/statemachine"
	"github.com/cuemby/fleet/pkg/stream"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/cuemby/fleet/pkg/workerproc"
)

// SpawnRequest describes a new worker for Spawn to create.
type SpawnRequest struct {
	ID      string
	Repo    string
	Task    string
	BaseRef string

	// Owned and OffLimits are opaque path lists passed straight through
	// to the worker's instructions file.
	Owned     []string
	OffLimits []string
}

// agentArgs builds the flags the agent CLI needs to run unattended and
// emit the line-delimited JSON stream the decoder expects.
func agentArgs(prompt string) []string {
	return []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--verbose",
	}
}

// Spawn creates a worktree, writes the worker's instructions file, and
// starts its agent subprocess, per §4.7. It refuses a duplicate id
// while any record (terminal or not) for it is still registered — a
// terminal record is only vacated by Cleanup, per I6.
func (s *Scheduler) Spawn(ctx context.Context, req SpawnRequest) (*types.Worker, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", orcherr.ErrSpawnError)
	}

	if s.getWorker(req.ID) != nil {
		return nil, orcherr.ErrDuplicateID
	}

	path, branch, err := s.worktree.Create(req.Repo, req.ID, req.BaseRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", orcherr.ErrWorktreeError, err)
	}

	if err := instructions.Write(path, instructions.Spec{
		Task:      req.Task,
		Owned:     req.Owned,
		OffLimits: req.OffLimits,
	}); err != nil {
		_ = s.worktree.Remove(req.Repo, req.ID)
		return nil, fmt.Errorf("%w: writing instructions file: %v", orcherr.ErrSpawnError, err)
	}

	now := time.Now()
	w := &types.Worker{
		Identity: types.Identity{
			ID:        req.ID,
			Repo:      req.Repo,
			Worktree:  path,
			Branch:    branch,
			Task:      req.Task,
			CreatedAt: now,
		},
		State:        types.StateSpawning,
		LastActivity: now,
		ReviewStatus: types.ReviewNone,
	}

	proc := workerproc.New(workerproc.Config{
		WorkerID: req.ID,
		Binary:   s.cfg.AgentBinary,
		WorkDir:  path,
		Args:     agentArgs("Begin work per TASK_INSTRUCTIONS.md in this worktree."),
	})
	proc.OnMessage = func(msg stream.Message) { s.onMessage(req.ID, msg) }
	proc.OnRawLine = func(line string) { s.onRawLine(req.ID, line) }
	proc.OnStderr = func(line string) { s.onStderr(req.ID, line) }
	proc.OnExit = func(info workerproc.ExitInfo) { s.onExit(req.ID, info) }

	if err := proc.Start(); err != nil {
		_ = s.worktree.Remove(req.Repo, req.ID)
		return nil, err
	}
	w.PID = proc.PID()

	s.mu.Lock()
	if _, exists := s.workers[req.ID]; exists {
		s.mu.Unlock()
		_ = proc.Terminate()
		_ = s.worktree.Remove(req.Repo, req.ID)
		return nil, orcherr.ErrDuplicateID
	}
	s.workers[req.ID] = w
	s.order = append(s.order, req.ID)
	s.procs[req.ID] = proc
	s.mu.Unlock()

	s.persist(w)
	s.emit(&types.Event{WorkerID: w.ID, Type: types.EventStateChange, ToState: types.StateSpawning})

	// The SPAWNING -> INITIALIZING edge is a direct consequence of the
	// subprocess being attached and its pipes live; nothing in the
	// stream detection rules (§4.4) covers this edge since it precedes
	// any stream content at all.
	l := s.lockFor(req.ID)
	l.Lock()
	s.transition(w, types.StateInitializing)
	s.persist(w)
	l.Unlock()

	return w.Clone(), nil
}

// Send forwards text to a worker's stdin. Fails with orcherr.ErrNotFound
// or orcherr.ErrNotRunning.
func (s *Scheduler) Send(id, text string) error {
	w := s.getWorker(id)
	if w == nil {
		return orcherr.ErrNotFound
	}

	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return orcherr.ErrNotRunning
	}
	return p.Send(text)
}

// Read returns up to n of the most recent output lines for id, preferring
// the attached process's in-memory ring buffer (cheaper, and covers output
// not yet flushed to disk) and falling back to the persisted log when no
// process is attached.
func (s *Scheduler) Read(id string, n int) ([]string, error) {
	if s.getWorker(id) == nil {
		return nil, orcherr.ErrNotFound
	}

	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p != nil {
		return p.RecentOutput(n), nil
	}
	return s.store.ReadOutput(id, n)
}

// Stop gracefully terminates id's process (if attached) and moves the
// worker to STOPPED.
func (s *Scheduler) Stop(id string) error {
	w := s.getWorker(id)
	if w == nil {
		return orcherr.ErrNotFound
	}

	l := s.lockFor(id)
	l.Lock()
	if !statemachine.CanTransition(w.State, types.StateStopped) {
		l.Unlock()
		return orcherr.ErrInvalidTransition
	}
	l.Unlock()

	s.mu.Lock()
	p := s.procs[id]
	s.stopping[id] = true
	s.mu.Unlock()

	if p != nil {
		if err := p.Terminate(); err != nil {
			s.logger.Warn().Err(err).Str("worker_id", id).Msg("terminating worker process failed")
		}
	}

	l.Lock()
	defer l.Unlock()
	s.transition(w, types.StateStopped)
	w.PID = 0
	s.persist(w)

	s.mu.Lock()
	delete(s.stopping, id)
	delete(s.procs, id)
	s.mu.Unlock()

	return nil
}

// Merge forces a manual merge from PR_OPEN or REVIEWING, per §4.7.
func (s *Scheduler) Merge(ctx context.Context, id string) error {
	w := s.getWorker(id)
	if w == nil {
		return orcherr.ErrNotFound
	}

	l := s.lockFor(id)
	l.Lock()
	if w.State != types.StatePROpen && w.State != types.StateReviewing {
		l.Unlock()
		return orcherr.ErrInvalidTransition
	}
	if w.PRNumber == 0 {
		l.Unlock()
		return fmt.Errorf("%w: no pull request detected yet", orcherr.ErrInvalidTransition)
	}

	s.transition(w, types.StateMerging)
	s.persist(w)
	l.Unlock()

	s.doMerge(ctx, w)
	return nil
}

// Cleanup removes id if it is cleanup-eligible (MERGED, STOPPED, or
// ERROR), or every such worker when id is empty.
func (s *Scheduler) Cleanup(id string) ([]string, error) {
	if id != "" {
		w := s.getWorker(id)
		if w == nil {
			return nil, orcherr.ErrNotFound
		}
		if !w.State.CleanupEligible() {
			return nil, orcherr.ErrInvalidTransition
		}
		if err := s.cleanupOne(id); err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.order))
	for _, wid := range s.order {
		if w := s.workers[wid]; w != nil && w.State.CleanupEligible() {
			ids = append(ids, wid)
		}
	}
	s.mu.Unlock()

	var removed []string
	for _, wid := range ids {
		if err := s.cleanupOne(wid); err != nil {
			s.logger.Error().Err(err).Str("worker_id", wid).Msg("cleanup failed")
			continue
		}
		removed = append(removed, wid)
	}
	return removed, nil
}

func (s *Scheduler) cleanupOne(id string) error {
	s.mu.Lock()
	p := s.procs[id]
	w := s.workers[id]
	s.mu.Unlock()

	// An ERROR worker does not guarantee its process has exited; a
	// MERGED/STOPPED worker's process is already reaped.
	if p != nil {
		_ = p.Terminate()
	}

	if err := s.store.Remove(id); err != nil {
		return fmt.Errorf("removing persisted state: %w", err)
	}
	if w != nil {
		if err := s.worktree.Remove(w.Repo, w.ID); err != nil {
			s.logger.Warn().Err(err).Str("worker_id", id).Msg("removing worktree failed during cleanup")
		}
	}

	s.mu.Lock()
	delete(s.workers, id)
	delete(s.procs, id)
	delete(s.repos, id)
	delete(s.workerLocks, id)
	delete(s.stopping, id)
	s.removeFromOrderLocked(id)
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) onExit(id string, info workerproc.ExitInfo) {
	w := s.getWorker(id)
	if w == nil {
		return
	}

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	stopping := s.stopping[id]
	delete(s.procs, id)
	s.mu.Unlock()

	w.PID = 0
	w.LastActivity = time.Now()

	if stopping || w.State.Terminal() {
		// Stop() or a prior terminal transition already owns the final
		// state; an exit observed afterward is expected, not a failure.
		s.persist(w)
		return
	}

	msg := "process exited"
	if info.Signaled {
		msg = "process killed by signal"
	} else if info.HasCode && info.Code != 0 {
		msg = fmt.Sprintf("process exited with code %d", info.Code)
	} else if info.HasCode {
		// Clean exit with no further lifecycle signal (no PR, no
		// end_turn banner observed) still leaves the worker wherever
		// the stream left it; only a non-zero/ signaled exit is
		// treated as an error here.
		s.persist(w)
		return
	}

	w.Error = msg
	w.LastError = msg
	s.transition(w, types.StateError)
	s.persist(w)
	s.emit(&types.Event{WorkerID: w.ID, Type: types.EventProcessExit, ExitCode: info.Code, HasExitCode: info.HasCode, Message: msg})
}

func (s *Scheduler) onStderr(id, line string) {
	w := s.getWorker(id)
	if w == nil {
		return
	}
	if err := s.store.AppendError(id, line); err != nil {
		s.logger.Error().Err(err).Str("worker_id", id).Msg("appending error log failed")
	}

	l := s.lockFor(id)
	l.Lock()
	w.LastActivity = time.Now()
	w.LastStaleNudge = false
	w.LastError = line
	l.Unlock()

	s.emit(&types.Event{WorkerID: id, Type: types.EventError, Message: line})
}

func (s *Scheduler) onRawLine(id, line string) {
	if err := s.store.AppendOutput(id, line); err != nil {
		s.logger.Error().Err(err).Str("worker_id", id).Msg("appending output log failed")
	}
}

// onMessage applies the pure state machine to a decoded stream message
// and carries out the effects it returns. Only in-memory/log side
// effects happen here; anything that calls the forge happens on the
// scheduler's own tick cadence in tick.go, so a slow forge call never
// blocks this callback (which runs inline in the process's stdout
// reader goroutine).
func (s *Scheduler) onMessage(id string, msg stream.Message) {
	w := s.getWorker(id)
	if w == nil {
		return
	}
	if err := s.store.AppendOutput(id, msg.Raw); err != nil {
		s.logger.Error().Err(err).Str("worker_id", id).Msg("appending output log failed")
	}
	s.emit(&types.Event{WorkerID: id, Type: types.EventOutput, Message: msg.Text})

	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	w.LastActivity = time.Now()
	w.LastStaleNudge = false

	result := statemachine.Apply(w, msg)
	s.applyResult(w, result)

	// A failed review is not a dead end: §4.6 REVIEWING says to clear
	// review_status once the worker responds, detected here by its next
	// tool-use (the decoder exposes no separate "new commit" signal), so
	// the next PR_OPEN tick dispatches a fresh /review.
	if w.ReviewStatus == types.ReviewFailed && msg.HasToolUse() {
		w.ReviewStatus = types.ReviewNone
		s.persist(w)
	}

	if detectGateCompletion(w, msg.Text) {
		s.persist(w)
	}
}

// applyResult interprets a statemachine.Result against w, mutating it
// and persisting/emitting as needed. Caller must hold w's lock.
func (s *Scheduler) applyResult(w *types.Worker, result statemachine.Result) {
	changed := false
	for _, eff := range result.Effects {
		switch eff.Kind {
		case statemachine.EffectPersistPR:
			if w.PRNumber == 0 {
				w.PRNumber = eff.PRNumber
				w.PRURL = eff.PRURL
				changed = true
				s.emit(&types.Event{WorkerID: w.ID, Type: types.EventPRDetected, PRNumber: eff.PRNumber, PRURL: eff.PRURL})
			}
		case statemachine.EffectSetReviewState:
			w.ReviewStatus = eff.ReviewStatus
			changed = true
			outcome := "pass"
			if eff.ReviewStatus == types.ReviewFailed {
				outcome = "fail"
				// Send the failing review straight back; this is a
				// stdin write, not forge I/O, so it is safe inline.
				s.sendMessage(w, "The review failed. Please address the feedback above and push a new commit.")
			}
			s.emit(&types.Event{WorkerID: w.ID, Type: types.EventReviewComplete, Message: outcome})
		case statemachine.EffectEmitStateChange:
			changed = true
		case statemachine.EffectNone:
		}
	}

	if result.Next != w.State {
		s.transition(w, result.Next)
		changed = true
	}

	if changed {
		s.persist(w)
	}
}
