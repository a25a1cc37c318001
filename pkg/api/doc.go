/*
Package api is fleet's control surface: an HTTP server exposing every
scheduler operation (spawn, list, status, send, read, stop, merge,
cleanup) plus a line-delimited-JSON event stream, per §4.7/§6.

warren's control surface is a TLS-secured gRPC service generated from a
.proto file. fleet has no generated stubs to carry forward in this
exercise, and the spec already describes the surface as "RPC/HTTP... a
line-delimited JSON stream" — so this package reaches for the same role
filled by a plain HTTP router instead: go-chi/chi/v5.

# Architecture

	┌─────────────────────── CONTROL API ───────────────────────┐
	│                                                             │
	│   chi.Router                                                │
	│     │                                                       │
	│     ├── POST   /workers              Spawn                 │
	│     ├── GET    /workers              List                  │
	│     ├── GET    /workers/{id}         Snapshot               │
	│     ├── POST   /workers/{id}/send    Send                  │
	│     ├── GET    /workers/{id}/output  Read                  │
	│     ├── POST   /workers/{id}/stop    Stop                  │
	│     ├── POST   /workers/{id}/merge   Merge                 │
	│     ├── POST   /cleanup              Cleanup               │
	│     └── GET    /events               event stream (chunked)│
	│                                                             │
	│   every handler calls one Scheduler method, translates its  │
	│   orcherr sentinel (if any) to an HTTP status, and writes    │
	│   JSON — no business logic lives in this package.            │
	└─────────────────────────────────────────────────────────────┘

# Error translation

statusFor mirrors orcherr.ExitCode's sentinel switch, but to HTTP
status codes instead of process exit codes: ErrNotFound -> 404,
ErrDuplicateID -> 409, ErrInvalidTransition -> 409, ErrNotRunning ->
409, anything else -> 500. A handler never writes a raw error string to a client without
going through this mapping.

# Event stream

GET /events holds the connection open and writes one JSON object per
line as scheduler events arrive, starting with the initial snapshot
from Scheduler.Subscribe, matching §4.7's "new subscribers receive an
initial snapshot... delivered before any event published after
subscribing" contract. The handler flushes after every line so a
curl/fleetctl client sees events as they happen rather than buffered.

# Usage

NewServer wires a *scheduler.Scheduler into a *http.Server ready for
ListenAndServe; Shutdown performs a graceful net/http shutdown bounded
by the caller's context, mirroring cmd/warren's shutdown sequencing.
*/
package api
