package events

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/fleet/pkg/types"
)

// Subscriber is a channel that receives events in publish order. A
// subscriber that falls behind has events dropped rather than blocking
// the broker.
type Subscriber chan *types.Event

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// slower than this many unconsumed events starts losing events.
const subscriberBuffer = 256

// brokerBuffer bounds how many published-but-not-yet-broadcast events
// the broker itself queues before Publish starts blocking the caller.
const brokerBuffer = 256

// Broker fans out events to an arbitrary number of subscribers. Publish
// never blocks on a slow subscriber; each subscriber has its own bounded
// channel and excess events are dropped for that subscriber only.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool

	eventCh chan *types.Event
	stopCh  chan struct{}
	once    sync.Once

	seq uint64
}

// NewBroker creates an unstarted event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, brokerBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in a background goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution and closes every subscriber channel.
func (b *Broker) Stop() {
	b.once.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]bool)
}

// NextSeq returns the next monotonic sequence number to stamp on an
// event before Publish. Callers (the scheduler) own sequencing so that
// a single worker's events are totally ordered even when Publish itself
// runs from multiple goroutines.
func (b *Broker) NextSeq() uint64 {
	return atomic.AddUint64(&b.seq, 1)
}

// Subscribe registers a new subscriber and returns its channel. If
// snapshot is non-nil, its events are delivered first, before any event
// published after Subscribe returns, giving a new subscriber a
// consistent initial view per the control stream's "initial snapshot on
// connect" contract.
func (b *Broker) Subscribe(snapshot []*types.Event) Subscriber {
	sub := make(Subscriber, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	for _, ev := range snapshot {
		select {
		case sub <- ev:
		default:
		}
	}
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues event for broadcast. It blocks only if the broker's
// own internal queue is saturated, which a healthy broker never reaches
// under normal tick cadence.
func (b *Broker) Publish(event *types.Event) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber_lagged: drop rather than block the broker.
		}
	}
}

// SubscriberCount returns the number of currently attached subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
