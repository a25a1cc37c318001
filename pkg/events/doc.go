/*
Package events provides an in-memory event broker that carries worker
lifecycle events from the scheduler out to Control API subscribers.

The broker is a lightweight pub/sub bus: one publisher (the scheduler),
any number of subscribers (event-stream clients), all events broadcast
to every subscriber in publish order. It is deliberately not
topic-based — a single worker fleet is small enough that filtering by
worker id is cheap to do client-side.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Broker                          │          │
	│  │  - In-memory event bus, one per Scheduler   │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                  │          │
	│  │                                              │          │
	│  │  Scheduler → eventCh (buffer: 256)           │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 256 each)      │          │
	│  └──────────────────────────────────────────────┘          │
	└────────────────────────────────────────────────────────────┘

# Delivery guarantees

Publish never blocks on a slow subscriber: each Subscriber has its own
bounded channel, and a subscriber that falls behind loses events rather
than stalling the broker or other subscribers (the "subscriber_lagged"
condition named in the concurrency model). A new subscriber receives an
initial snapshot of every known worker's current state before any live
event, so a client that connects mid-fleet never has to guess what it
missed.

# Sequencing

Every Event carries a monotonic sequence number assigned by NextSeq.
The scheduler, not the broker, calls NextSeq — this keeps a single
worker's events totally ordered even when Publish is called from
multiple ticking goroutines at once, since the sequence is stamped
before the event ever reaches the broker's queue.

# Shutdown

Stop closes the broker's stop channel exactly once and closes every
subscriber channel; the internal queue itself is never closed, so
publishing after Stop is a no-op rather than a panic,
which matters because the scheduler's own shutdown path may still have
in-flight events when it calls Stop.
*/
package events
