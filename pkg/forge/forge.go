// Package forge defines the narrow abstract interface the scheduler
// uses to drive pull requests on whatever hosting platform a concrete
// implementation targets, plus the policy functions (which gates a PR
// needs) that are pure and platform-independent.
package forge

import (
	"context"
	"regexp"
	"time"
)

// PRState is the lifecycle state of a pull request on the forge.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// CIStatus is the aggregate status of a PR's CI checks.
type CIStatus string

const (
	CIPending CIStatus = "pending"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
	CIUnknown CIStatus = "unknown"
)

// MergeStrategy names how a PR should be merged.
type MergeStrategy string

const (
	MergeSquash MergeStrategy = "squash"
	MergeMerge  MergeStrategy = "merge"
	MergeRebase MergeStrategy = "rebase"
)

// PRStatus is the detailed view of a pull request the scheduler acts
// on each tick.
type PRStatus struct {
	Number    int
	URL       string
	State     PRState
	CI        CIStatus
	Labels    []string
	Additions int
	Deletions int
}

// Repo identifies the owner/name pair a forge PR belongs to.
type Repo struct {
	Owner string
	Name  string
}

// CallTimeout bounds every Forge call per §4.5/§5.
const CallTimeout = 30 * time.Second

// Forge is the narrow contract over a PR-hosting platform. All methods
// take a context already carrying a deadline no longer than
// CallTimeout; implementations must not loop-retry internally — a
// transient failure simply returns an error for the scheduler to retry
// on the next tick.
type Forge interface {
	GetPRForBranch(ctx context.Context, repo Repo, branch string) (prNumber int, found bool, err error)
	GetPRStatus(ctx context.Context, repo Repo, prNumber int) (PRStatus, error)
	AddLabel(ctx context.Context, repo Repo, prNumber int, label string) error
	RemoveLabel(ctx context.Context, repo Repo, prNumber int, label string) error
	Merge(ctx context.Context, repo Repo, prNumber int, strategy MergeStrategy, deleteBranch bool) (bool, error)
	DiffFiles(ctx context.Context, repo Repo, prNumber int) ([]string, error)
	Discover(ctx context.Context, worktreePath string) (Repo, error)
}

// DevopsPathPatterns is the configurable set of path regexes that mark
// a PR as needing the devops gate. Defaults to the set given in §6.
var DevopsPathPatterns = []string{
	`^ci/workflows/`,
	`^deploy-config\.`,
	`^infra/`,
	`Dockerfile$`,
	`^compose(\.|-)`,
	`^\.env`,
	`middleware\.`,
	`e2e-config\.`,
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// NeedsDevopsReview reports whether any path in files matches the
// configured devops path patterns.
func NeedsDevopsReview(files []string) bool {
	patterns := compilePatterns(DevopsPathPatterns)
	for _, f := range files {
		for _, p := range patterns {
			if p.MatchString(f) {
				return true
			}
		}
	}
	return false
}

// simplifierThreshold is the "additions + deletions >= 50" rule.
const simplifierThreshold = 50

// NeedsSimplifier reports whether a PR's total changed lines meet the
// simplifier gate threshold.
func NeedsSimplifier(additions, deletions int) bool {
	return additions+deletions >= simplifierThreshold
}
