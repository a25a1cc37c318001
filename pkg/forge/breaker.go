package forge

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
)

// BreakerForge wraps a Forge implementation with a per-host circuit
// breaker so a forge outage trips open rather than hammering a dead
// endpoint on every tick. This does not change the scheduler's
// retry-on-next-tick contract (§4.5): an open breaker simply turns the
// next attempt into a fast, local failure instead of a hung network
// call.
type BreakerForge struct {
	inner Forge
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerForge wraps inner with a circuit breaker named for the
// forge host it talks to (used in breaker state-change logging).
func NewBreakerForge(host string, inner Forge) *BreakerForge {
	logger := log.WithComponent("forge-breaker")
	settings := gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("forge_host", name).Str("from", from.String()).Str("to", to.String()).Msg("forge circuit breaker state change")
		},
	}
	return &BreakerForge{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// run executes fn through the circuit breaker, recording its duration
// and, on failure, a labeled error count for the named operation so
// forge health is visible the same way tick/gate timings are.
func run[T any](b *BreakerForge, operation string, fn func() (T, error)) (T, error) {
	timer := metrics.NewTimer()
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	timer.ObserveDurationVec(metrics.ForgeCallDuration, operation)
	if err != nil {
		metrics.ForgeCallErrorsTotal.WithLabelValues(operation).Inc()
		var zero T
		if err == gobreaker.ErrOpenState {
			return zero, fmt.Errorf("forge %s: circuit open: %w", b.cb.Name(), err)
		}
		return zero, err
	}
	return v.(T), nil
}

func (b *BreakerForge) GetPRForBranch(ctx context.Context, repo Repo, branch string) (int, bool, error) {
	type result struct {
		num   int
		found bool
	}
	r, err := run(b, "get_pr_for_branch", func() (result, error) {
		num, found, err := b.inner.GetPRForBranch(ctx, repo, branch)
		return result{num, found}, err
	})
	return r.num, r.found, err
}

func (b *BreakerForge) GetPRStatus(ctx context.Context, repo Repo, prNumber int) (PRStatus, error) {
	return run(b, "get_pr_status", func() (PRStatus, error) {
		return b.inner.GetPRStatus(ctx, repo, prNumber)
	})
}

func (b *BreakerForge) AddLabel(ctx context.Context, repo Repo, prNumber int, label string) error {
	_, err := run(b, "add_label", func() (struct{}, error) {
		return struct{}{}, b.inner.AddLabel(ctx, repo, prNumber, label)
	})
	return err
}

func (b *BreakerForge) RemoveLabel(ctx context.Context, repo Repo, prNumber int, label string) error {
	_, err := run(b, "remove_label", func() (struct{}, error) {
		return struct{}{}, b.inner.RemoveLabel(ctx, repo, prNumber, label)
	})
	return err
}

func (b *BreakerForge) Merge(ctx context.Context, repo Repo, prNumber int, strategy MergeStrategy, deleteBranch bool) (bool, error) {
	return run(b, "merge", func() (bool, error) {
		return b.inner.Merge(ctx, repo, prNumber, strategy, deleteBranch)
	})
}

func (b *BreakerForge) DiffFiles(ctx context.Context, repo Repo, prNumber int) ([]string, error) {
	return run(b, "diff_files", func() ([]string, error) {
		return b.inner.DiffFiles(ctx, repo, prNumber)
	})
}

func (b *BreakerForge) Discover(ctx context.Context, worktreePath string) (Repo, error) {
	return run(b, "discover", func() (Repo, error) {
		return b.inner.Discover(ctx, worktreePath)
	})
}
