package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/fleet/pkg/config"
	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/forge"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/orcherr"
	"github.com/cuemby/fleet/pkg/statemachine"
	"github.com/cuemby/fleet/pkg/store"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/cuemby/fleet/pkg/workerproc"
)

// WorktreeTool creates and removes the source-control worktrees workers
// run in. The concrete implementation is an external collaborator
// (§6); fleet only needs this narrow contract.
type WorktreeTool interface {
	Create(repo, workerName, baseRef string) (path string, branch string, err error)
	Remove(repo, workerName string) error
}

// maxConcurrentTicks bounds how many workers the scheduler advances in
// parallel on a single tick.
const maxConcurrentTicks = 16

// shutdownDeadline bounds how long Shutdown waits for in-flight work
// and worker termination before returning regardless.
const shutdownDeadline = 30 * time.Second

// Scheduler owns every worker record and its attached process. All
// mutations to a worker record go through the scheduler; other
// components only propose changes via its methods.
type Scheduler struct {
	cfg      config.Config
	store    *store.Store
	broker   *events.Broker
	forgeCli forge.Forge
	worktree WorktreeTool
	logger   zerolog.Logger

	mu          sync.Mutex
	workers     map[string]*types.Worker
	order       []string
	procs       map[string]*workerproc.Process
	repos       map[string]forge.Repo
	workerLocks map[string]*sync.Mutex
	stopping    map[string]bool // set while Stop(id) is tearing a worker down, so its exit isn't mistaken for a crash

	stopCh  chan struct{}
	stopped chan struct{}
	cronJob *cron.Cron
}

// New constructs an unstarted Scheduler.
func New(cfg config.Config, st *store.Store, broker *events.Broker, forgeCli forge.Forge, worktree WorktreeTool) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		store:       st,
		broker:      broker,
		forgeCli:    forgeCli,
		worktree:    worktree,
		logger:      log.WithComponent("scheduler"),
		workers:     make(map[string]*types.Worker),
		procs:       make(map[string]*workerproc.Process),
		repos:       make(map[string]forge.Repo),
		workerLocks: make(map[string]*sync.Mutex),
		stopping:    make(map[string]bool),
		stopCh:      make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start loads persisted records (restart recovery), then begins the
// tick loop and the periodic cleanup cron job.
func (s *Scheduler) Start(ctx context.Context) error {
	records, err := s.store.LoadAll()
	if err != nil {
		return fmt.Errorf("loading persisted workers: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })

	s.broker.Start()

	s.mu.Lock()
	for _, w := range records {
		// Non-terminal workers are revived in their recorded state with
		// no attached process; the scheduler never auto-restarts the
		// subprocess because it was not running while the scheduler was
		// down.
		s.workers[w.ID] = w
		s.order = append(s.order, w.ID)
		if !w.State.Terminal() {
			s.logger.Info().Str("worker_id", w.ID).Str("state", string(w.State)).Msg("revived worker record on restart; process not attached")
		}
	}
	s.mu.Unlock()

	s.cronJob = cron.New()
	if _, err := s.cronJob.AddFunc("@hourly", s.runCleanupJob); err != nil {
		return fmt.Errorf("scheduling cleanup cron: %w", err)
	}
	s.cronJob.Start()

	go s.runLoop(ctx)
	return nil
}

// Shutdown cancels in-flight timers, stops the tick loop, signals every
// attached worker with TERM (escalating to KILL), and closes the event
// broker; waiting for the loop and for the workers are each bounded by
// shutdownDeadline. Records are saved on every mutation, so there is no
// separate flush step.
func (s *Scheduler) Shutdown() error {
	close(s.stopCh)

	select {
	case <-s.stopped:
	case <-time.After(shutdownDeadline):
		s.logger.Warn().Msg("scheduler loop did not stop within shutdown deadline")
	}

	if s.cronJob != nil {
		cronCtx := s.cronJob.Stop()
		<-cronCtx.Done()
	}

	s.mu.Lock()
	procs := make([]*workerproc.Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Terminate()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		s.logger.Warn().Msg("not all worker processes terminated within shutdown deadline")
	}

	s.broker.Stop()
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	s.mu.Lock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTicks)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			w := s.getWorker(id)
			if w == nil || w.State.Terminal() {
				return nil
			}
			s.tickWorker(gctx, id)
			return nil
		})
	}
	_ = g.Wait()

	s.reportStateGauges()
}

func (s *Scheduler) reportStateGauges() {
	counts := map[types.WorkerState]int{}
	s.mu.Lock()
	for _, w := range s.workers {
		counts[w.State]++
	}
	s.mu.Unlock()

	for _, st := range []types.WorkerState{
		types.StateSpawning, types.StateInitializing, types.StateWorking,
		types.StatePROpen, types.StateReviewing, types.StateMerging,
		types.StateMerged, types.StateError, types.StateStopped,
	} {
		metrics.WorkersByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (s *Scheduler) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.workerLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.workerLocks[id] = l
	}
	return l
}

func (s *Scheduler) getWorker(id string) *types.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil
	}
	return w
}

// Snapshot returns a defensive copy of id's current record, or
// orcherr.ErrNotFound.
func (s *Scheduler) Snapshot(id string) (*types.Worker, error) {
	w := s.getWorker(id)
	if w == nil {
		return nil, orcherr.ErrNotFound
	}
	return w.Clone(), nil
}

// List returns defensive copies of every worker, optionally including
// terminal ones, in registry order.
func (s *Scheduler) List(includeTerminal bool) []*types.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Worker, 0, len(s.order))
	for _, id := range s.order {
		w := s.workers[id]
		if w == nil {
			continue
		}
		if !includeTerminal && w.State.Terminal() {
			continue
		}
		out = append(out, w.Clone())
	}
	return out
}

func (s *Scheduler) persist(w *types.Worker) {
	if err := s.store.Save(w); err != nil {
		s.logger.Error().Err(err).Str("worker_id", w.ID).Msg("persisting worker record failed; will retry next tick")
	}
}

func (s *Scheduler) emit(ev *types.Event) {
	ev.Seq = s.broker.NextSeq()
	ev.Timestamp = time.Now()
	s.broker.Publish(ev)
}

func (s *Scheduler) transition(w *types.Worker, to types.WorkerState) {
	if !statemachine.CanTransition(w.State, to) {
		s.logger.Warn().Str("worker_id", w.ID).Str("from", string(w.State)).Str("to", string(to)).Msg("rejected illegal state transition")
		return
	}
	if w.State == to {
		return
	}
	from := w.State
	w.State = to
	s.emit(&types.Event{WorkerID: w.ID, Type: types.EventStateChange, FromState: from, ToState: to})
}

// InitialSnapshot builds the current-worker-list snapshot a new event
// subscriber receives before any live event, per §4.7.
func (s *Scheduler) InitialSnapshot() []*types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Event, 0, len(s.order))
	for _, id := range s.order {
		w := s.workers[id]
		if w == nil {
			continue
		}
		out = append(out, &types.Event{
			Seq:       s.broker.NextSeq(),
			WorkerID:  w.ID,
			Type:      types.EventStateChange,
			Timestamp: time.Now(),
			ToState:   w.State,
			PRNumber:  w.PRNumber,
			PRURL:     w.PRURL,
		})
	}
	return out
}

// Subscribe attaches a new event stream subscriber, delivering an
// initial snapshot first.
func (s *Scheduler) Subscribe() events.Subscriber {
	metrics.EventSubscribersTotal.Inc()
	return s.broker.Subscribe(s.InitialSnapshot())
}

// Unsubscribe detaches sub.
func (s *Scheduler) Unsubscribe(sub events.Subscriber) {
	metrics.EventSubscribersTotal.Dec()
	s.broker.Unsubscribe(sub)
}

func (s *Scheduler) sendMessage(w *types.Worker, text string) {
	s.mu.Lock()
	p := s.procs[w.ID]
	s.mu.Unlock()
	if p == nil {
		s.logger.Warn().Str("worker_id", w.ID).Msg("cannot send message, no attached process")
		return
	}
	if err := p.Send(text); err != nil {
		s.logger.Error().Err(err).Str("worker_id", w.ID).Msg("sending message to worker failed")
	}
}

// repoFor resolves and caches the owner/repo pair for a worker's
// worktree.
func (s *Scheduler) repoFor(ctx context.Context, w *types.Worker) (forge.Repo, error) {
	s.mu.Lock()
	repo, ok := s.repos[w.ID]
	s.mu.Unlock()
	if ok {
		return repo, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, forge.CallTimeout)
	defer cancel()
	repo, err := s.forgeCli.Discover(callCtx, w.Worktree)
	if err != nil {
		return forge.Repo{}, err
	}

	s.mu.Lock()
	s.repos[w.ID] = repo
	s.mu.Unlock()
	return repo, nil
}

func (s *Scheduler) runCleanupJob() {
	removed, err := s.store.Cleanup(24 * time.Hour)
	if err != nil {
		s.logger.Error().Err(err).Msg("periodic cleanup failed")
		return
	}
	if len(removed) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range removed {
		delete(s.workers, id)
		delete(s.repos, id)
		delete(s.workerLocks, id)
		delete(s.stopping, id)
		s.removeFromOrderLocked(id)
	}
	s.mu.Unlock()
	s.logger.Info().Strs("worker_ids", removed).Msg("periodic cleanup removed aged terminal workers")
}

func (s *Scheduler) removeFromOrderLocked(id string) {
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

