/*
Package types defines the core data structures shared throughout fleet.

This package contains the fundamental domain model: worker identity and
runtime state, the registry record a worker lives in, and the event
envelope the scheduler and worker processes publish. These types are
used by every other package for state management, persistence, and
control-surface communication.

# Architecture

The types package is the foundation of fleet's data model. It defines:

  - Worker identity (id, repo, worktree, branch, task, creation time)
  - Worker lifecycle state and its terminal/cleanup-eligible predicates
  - Review and quality-gate bookkeeping for the current PR revision
  - The registry that indexes every known worker
  - The event envelope published on every lifecycle transition

All types are designed to be:
  - Serializable (JSON, for both the registry and the event stream)
  - Safe to hand to callers via Clone rather than aliasing internal state
  - Self-documenting (clear field names and comments)

# Core Types

The main types in this package are:

  - WorkerState: one of the nine lifecycle states a worker passes
    through between spawn and cleanup.
  - ReviewStatus: the outcome of the most recent review/gate cycle for
    a worker's current PR revision.
  - GateKind: one of the four quality-gate agents (qa, security,
    devops, simplifier) the scheduler drives before allowing a merge.
  - Identity: the caller-chosen attributes fixed at spawn time.
  - Worker: the full persisted/in-memory record combining Identity with
    everything the scheduler tracks and mutates.
  - Registry: the versioned on-disk index of all known workers.
  - Event: an immutable record emitted by the scheduler or a worker
    process, carrying a monotonic per-broker sequence number.

# State machine

Worker.State moves through a fixed graph of legal transitions (defined
in package statemachine, not duplicated here): SPAWNING ->
INITIALIZING -> WORKING -> PR_OPEN <-> REVIEWING -> MERGING -> MERGED,
with ERROR and STOPPED reachable from nearly every state. Terminal
reports the end states (MERGED, STOPPED), whose only outgoing edge is
MERGED -> STOPPED;
CleanupEligible reports the broader set a caller may remove via
cleanup (MERGED, STOPPED, ERROR) — an ERROR worker never transitions on
its own, but it is not "terminal" in the graph sense since ERROR ->
WORKING is a legal restart edge.

# Gate bookkeeping

AgentsRun and GatesDispatched are separate maps so the scheduler can
tell "already asked this gate to run" from "this gate has reported
success", preventing a gate command from being sent twice while the
worker is still working on it. ClearGates resets both, used whenever CI
fails and a revision's prior gate progress no longer applies.
*/
package types
