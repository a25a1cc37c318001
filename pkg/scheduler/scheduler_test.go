package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleet/pkg/config"
	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/forge"
	"github.com/cuemby/fleet/pkg/orcherr"
	"github.com/cuemby/fleet/pkg/store"
	"github.com/cuemby/fleet/pkg/types"
)

// fakeForge is an in-memory forge.Forge double driven entirely by the
// test: no network, no real PR host.
type fakeForge struct {
	repo       forge.Repo
	prNumber   int
	ci         forge.CIStatus
	additions  int
	deletions  int
	diffFiles  []string
	mergeOK    bool
	mergeErr   error
	merged     bool
	labelsAdded   []string
	labelsRemoved []string
}

func (f *fakeForge) GetPRForBranch(ctx context.Context, repo forge.Repo, branch string) (int, bool, error) {
	if f.prNumber == 0 {
		return 0, false, nil
	}
	return f.prNumber, true, nil
}

func (f *fakeForge) GetPRStatus(ctx context.Context, repo forge.Repo, prNumber int) (forge.PRStatus, error) {
	return forge.PRStatus{
		Number:    prNumber,
		CI:        f.ci,
		Additions: f.additions,
		Deletions: f.deletions,
	}, nil
}

func (f *fakeForge) AddLabel(ctx context.Context, repo forge.Repo, prNumber int, label string) error {
	f.labelsAdded = append(f.labelsAdded, label)
	return nil
}

func (f *fakeForge) RemoveLabel(ctx context.Context, repo forge.Repo, prNumber int, label string) error {
	f.labelsRemoved = append(f.labelsRemoved, label)
	return nil
}

func (f *fakeForge) Merge(ctx context.Context, repo forge.Repo, prNumber int, strategy forge.MergeStrategy, deleteBranch bool) (bool, error) {
	if f.mergeErr != nil {
		return false, f.mergeErr
	}
	f.merged = true
	return f.mergeOK, nil
}

func (f *fakeForge) DiffFiles(ctx context.Context, repo forge.Repo, prNumber int) ([]string, error) {
	return f.diffFiles, nil
}

func (f *fakeForge) Discover(ctx context.Context, worktreePath string) (forge.Repo, error) {
	return f.repo, nil
}

// fakeWorktree is a WorktreeTool double that just hands back a plain
// temp directory instead of shelling out to git.
type fakeWorktree struct {
	root string
}

func (f *fakeWorktree) Create(repo, workerName, baseRef string) (string, string, error) {
	path := filepath.Join(f.root, repo, workerName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", err
	}
	return path, "feature/" + workerName, nil
}

func (f *fakeWorktree) Remove(repo, workerName string) error {
	return os.RemoveAll(filepath.Join(f.root, repo, workerName))
}

// writeFakeAgent writes an executable shell script standing in for the
// agent CLI: it emits a fixed opening sequence (tool use, then a PR
// URL) and thereafter replies to whatever the scheduler sends over
// stdin by matching on a substring, the same contract real gate/review
// commands rely on.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

const mergeFlowScript = `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Opened pull request: https://github.com/acme/widgets/pull/42"}],"stop_reason":"end_turn"}}'
while IFS= read -r line; do
  case "$line" in
    *review*) echo '{"type":"assistant","message":{"content":[{"type":"text","text":"RESULT: PASS"}],"stop_reason":"end_turn"}}' ;;
    *audit*) echo '{"type":"assistant","message":{"content":[{"type":"text","text":"audit complete, found 0 vulnerabilities"}],"stop_reason":"end_turn"}}' ;;
    *) echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ack"}],"stop_reason":"end_turn"}}' ;;
  esac
done
`

func testConfig(t *testing.T, agentBinary string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateRoot = t.TempDir()
	cfg.WorktreesRoot = t.TempDir()
	cfg.AgentBinary = agentBinary
	cfg.PollInterval = 20 * time.Millisecond
	cfg.AutoMerge = true
	cfg.AutoReview = true
	return cfg
}

func newTestScheduler(t *testing.T, cfg config.Config, fg forge.Forge) *Scheduler {
	t.Helper()
	st, err := store.Open(cfg.StateRoot)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	broker := events.NewBroker()
	wt := &fakeWorktree{root: t.TempDir()}
	sched := New(cfg, st, broker, fg, wt)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() { _ = sched.Shutdown() })
	return sched
}

func waitForState(t *testing.T, sched *Scheduler, id string, want types.WorkerState, timeout time.Duration) *types.Worker {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last *types.Worker
	for time.Now().Before(deadline) {
		w, err := sched.Snapshot(id)
		if err == nil {
			last = w
			if w.State == want {
				return w
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker %s did not reach state %s in time, last seen: %+v", id, want, last)
	return nil
}

func TestSchedulerSpawnEndToEndMerge(t *testing.T) {
	agent := writeFakeAgent(t, mergeFlowScript)
	cfg := testConfig(t, agent)

	fg := &fakeForge{
		repo:      forge.Repo{Owner: "acme", Name: "widgets"},
		prNumber:  42,
		ci:        forge.CIPassed,
		additions: 5,
		deletions: 2,
		diffFiles: []string{"pkg/widget.go"},
		mergeOK:   true,
	}
	sched := newTestScheduler(t, cfg, fg)

	w, err := sched.Spawn(context.Background(), SpawnRequest{
		ID:   "w-merge",
		Repo: "widgets",
		Task: "add a widget",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateInitializing, w.State)

	final := waitForState(t, sched, "w-merge", types.StateMerged, 5*time.Second)
	assert.Equal(t, 42, final.PRNumber)
	assert.True(t, fg.merged)
	assert.Contains(t, fg.labelsAdded, "review-pending")
	assert.Contains(t, fg.labelsAdded, "reviewed")
	assert.Contains(t, fg.labelsRemoved, "review-pending")
	assert.True(t, final.HasGateRun(types.GateQA))
	assert.True(t, final.HasGateRun(types.GateSecurity))
}

const reviewFailThenPassScript = `
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"Opened pull request: https://github.com/acme/widgets/pull/7"}],"stop_reason":"end_turn"}}'
reviewed=0
while IFS= read -r line; do
  case "$line" in
    *"/review"*)
      if [ "$reviewed" = "0" ]; then
        reviewed=1
        echo '{"type":"assistant","message":{"content":[{"type":"text","text":"RESULT: FAIL"}],"stop_reason":"end_turn"}}'
      else
        echo '{"type":"assistant","message":{"content":[{"type":"text","text":"RESULT: PASS"}],"stop_reason":"end_turn"}}'
      fi
      ;;
    *audit*) echo '{"type":"assistant","message":{"content":[{"type":"text","text":"audit complete, found 0 vulnerabilities"}],"stop_reason":"end_turn"}}' ;;
    *) echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash","input":{}}]}}' ;;
  esac
done
`

// TestSchedulerReviewFailureRecovers covers §4.6 REVIEWING's "on failed:
// send the failing review back to the worker; clear review_status after
// worker responds" — a review that fails once must not strand the
// worker in PR_OPEN forever; the worker's next tool-use clears
// review_status so a fresh /review is dispatched and can still merge.
func TestSchedulerReviewFailureRecovers(t *testing.T) {
	agent := writeFakeAgent(t, reviewFailThenPassScript)
	cfg := testConfig(t, agent)

	fg := &fakeForge{
		repo:      forge.Repo{Owner: "acme", Name: "widgets"},
		prNumber:  7,
		ci:        forge.CIPassed,
		additions: 3,
		deletions: 1,
		diffFiles: []string{"pkg/widget.go"},
		mergeOK:   true,
	}
	sched := newTestScheduler(t, cfg, fg)

	_, err := sched.Spawn(context.Background(), SpawnRequest{
		ID:   "w-review-retry",
		Repo: "widgets",
		Task: "add a widget",
	})
	require.NoError(t, err)

	final := waitForState(t, sched, "w-review-retry", types.StateMerged, 5*time.Second)
	assert.Equal(t, 7, final.PRNumber)
	assert.True(t, fg.merged)
	assert.Equal(t, types.ReviewPassed, final.ReviewStatus)
}

func TestSchedulerSpawnDuplicateIDRejected(t *testing.T) {
	agent := writeFakeAgent(t, "sleep 5\n")
	cfg := testConfig(t, agent)
	sched := newTestScheduler(t, cfg, &fakeForge{})

	_, err := sched.Spawn(context.Background(), SpawnRequest{ID: "dup", Repo: "r", Task: "t"})
	require.NoError(t, err)

	_, err = sched.Spawn(context.Background(), SpawnRequest{ID: "dup", Repo: "r", Task: "t"})
	assert.ErrorIs(t, err, orcherr.ErrDuplicateID)
}

func TestSchedulerStopTransitionsToStopped(t *testing.T) {
	agent := writeFakeAgent(t, "sleep 5\n")
	cfg := testConfig(t, agent)
	sched := newTestScheduler(t, cfg, &fakeForge{})

	_, err := sched.Spawn(context.Background(), SpawnRequest{ID: "stoppable", Repo: "r", Task: "t"})
	require.NoError(t, err)

	require.NoError(t, sched.Stop("stoppable"))

	w, err := sched.Snapshot("stoppable")
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, w.State)
}

func TestSchedulerStopUnknownWorkerNotFound(t *testing.T) {
	cfg := testConfig(t, "/bin/true")
	sched := newTestScheduler(t, cfg, &fakeForge{})

	err := sched.Stop("never-existed")
	assert.ErrorIs(t, err, orcherr.ErrNotFound)
}

func TestSchedulerCleanupRemovesStoppedWorker(t *testing.T) {
	agent := writeFakeAgent(t, "sleep 5\n")
	cfg := testConfig(t, agent)
	sched := newTestScheduler(t, cfg, &fakeForge{})

	_, err := sched.Spawn(context.Background(), SpawnRequest{ID: "cleanup-me", Repo: "r", Task: "t"})
	require.NoError(t, err)
	require.NoError(t, sched.Stop("cleanup-me"))

	removed, err := sched.Cleanup("cleanup-me")
	require.NoError(t, err)
	assert.Equal(t, []string{"cleanup-me"}, removed)

	_, err = sched.Snapshot("cleanup-me")
	assert.ErrorIs(t, err, orcherr.ErrNotFound)
}

func TestSchedulerCleanupNonEligibleWorkerRejected(t *testing.T) {
	agent := writeFakeAgent(t, "sleep 5\n")
	cfg := testConfig(t, agent)
	sched := newTestScheduler(t, cfg, &fakeForge{})

	_, err := sched.Spawn(context.Background(), SpawnRequest{ID: "still-working", Repo: "r", Task: "t"})
	require.NoError(t, err)

	_, err = sched.Cleanup("still-working")
	assert.ErrorIs(t, err, orcherr.ErrInvalidTransition)
}

func TestSchedulerInitializingStalenessEscalatesToError(t *testing.T) {
	agent := writeFakeAgent(t, "sleep 5\n")
	cfg := testConfig(t, agent)
	sched := newTestScheduler(t, cfg, &fakeForge{})

	w, err := sched.Spawn(context.Background(), SpawnRequest{ID: "idle", Repo: "r", Task: "t"})
	require.NoError(t, err)
	require.Equal(t, types.StateInitializing, w.State)

	l := sched.lockFor("idle")
	l.Lock()
	stored := sched.getWorker("idle")
	stored.LastActivity = time.Now().Add(-10 * time.Minute)
	l.Unlock()

	final := waitForState(t, sched, "idle", types.StateError, 2*time.Second)
	assert.Contains(t, final.Error, "unrecoverable")
}
