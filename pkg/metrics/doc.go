/*
Package metrics provides Prometheus instrumentation and health-check
plumbing for fleet.

The metrics package defines and registers fleet's metrics using the
Prometheus client library: worker counts by state, tick and forge-call
latency, gate completions, merges, and event-subscriber counts. Metrics
are exposed via an HTTP handler for scraping by an operator's own
Prometheus, should they choose to run one; nothing in fleet itself
depends on a scrape happening.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                 │          │
	│  │  - Global DefaultRegistry                    │          │
	│  │  - MustRegister at package init              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                    │          │
	│  │                                              │          │
	│  │  Gauge: instant values (workers by state)   │          │
	│  │  Counter: monotonic increases (merges,       │          │
	│  │           gate completions, call errors)    │          │
	│  │  Histogram: distributions (tick duration,    │          │
	│  │             forge call duration)             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                  │          │
	│  │                                              │          │
	│  │  Scheduler: tick duration, per-state gauge  │          │
	│  │  Gates: completions by kind and outcome     │          │
	│  │  Forge: call duration and errors by op      │          │
	│  │  Events: attached subscriber count          │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Health checks

Alongside Prometheus metrics this package owns a small component health
registry (RegisterComponent / GetHealth / GetReadiness) independent of
Prometheus, exposed as plain JSON for load balancers and process
supervisors that just need a boolean: HealthHandler answers "is the
process healthy", ReadyHandler answers "has every critical component
(store, scheduler, forge) finished initializing", and LivenessHandler
is the simplest possible "the process is still running" check that
never depends on any other subsystem.

# Usage

Call Handler to get the promhttp handler for mounting at /metrics;
register fleet's critical components with RegisterComponent during
daemon startup before exposing the readiness endpoint, and use
NewTimer/ObserveDuration (or ObserveDurationVec for labeled histograms)
to time an in-flight operation without hand-rolling time.Since math at
every call site.
*/
package metrics
