/*
Package scheduler is fleet's main loop: it drives every worker through
the lifecycle described in package statemachine, from a freshly spawned
agent subprocess to a merged pull request.

The scheduler runs as a continuous background process on a fixed
poll interval (default 5s). Each tick it advances every non-terminal
worker: resolving pull requests, polling CI, driving quality gates, and
calling the merge, all without blocking on one worker's slow I/O while
another worker waits its turn.

# Architecture

	┌────────────────────────────────────────────────────────────┐
	│                     Scheduler Loop                          │
	│                    (every poll_interval)                    │
	└────────────────┬──────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. Snapshot the registry order                              │
	│  2. Fan out one tick per non-terminal worker (bounded)        │
	│  3. Each worker's tick dispatches on its current state        │
	│  4. Report per-state worker-count gauges                      │
	└────────────────┬──────────────────────────────────────────┘
	                 │
	    ┌────────────┼─────────────────┬──────────────┐
	    ▼             ▼                 ▼              ▼
	SPAWNING/     PR_OPEN           REVIEWING       MERGING
	INITIALIZING/ (resolve PR,      (wait for       (call forge
	WORKING       poll CI, run      review_complete merge; MERGED
	(stream-      gates, decide     event)          or ERROR)
	driven, no    REVIEWING vs
	tick action)  MERGING)

Transitions driven by worker output (a PR URL appearing, a review
banner, an API error) are detected by onMessage as each line of the
subprocess's stdout is decoded — not by the tick loop. The tick loop
only drives state that depends on the outside world: the forge's view
of CI and review status, and the gate commands the worker must be told
to run. This split keeps a slow forge call from ever blocking delivery
of a worker's own output.

# Quality gates

A PR that has passed CI and review still needs automated gate agents to
sign off before it may merge. qa's signoff is the review pass itself;
security always runs; devops and simplifier are conditional on the
diff (see package forge's NeedsDevopsReview and NeedsSimplifier). The
scheduler records a gate as dispatched the moment its command is sent
and as complete the moment its completion banner is observed in
output — never twice for the same PR revision, and the whole set resets
on a CI failure.

# Staleness and intervention

A WORKING worker idle past the threshold gets a one-shot "please
continue" nudge; an INITIALIZING worker idle that long is declared
unrecoverable and moved to ERROR. Both policies live in
statemachine.Staleness; the scheduler only interprets the verdict.

# Concurrency

Per-worker operations are serialized by a dedicated mutex per worker id
(see lockFor); different workers tick concurrently up to
maxConcurrentTicks. The scheduler holds no lock across a forge call.
Stdin writes are made after the worker's lock is released, except the
reply to a failed review, which onMessage sends while holding it.

# Restart recovery

On Start, every persisted worker record is loaded and revived in its
saved state, with no process attached. The scheduler never
auto-restarts a worker's subprocess: if it was running when the
scheduler went down, the caller is responsible for deciding whether to
restart it.
*/
package scheduler
