// Package events implements the control plane's in-process event bus:
// typed events carrying optional agent/env/cannon/transaction references,
// delivered to subscribers through filter expressions built from atomic
// predicates combined with And/Or. Slow subscribers are dropped from a
// publish, never blocking the emitter.
package events

import (
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/ident"
)

// Kind tags the category of an event.
type Kind string

const (
	KindReconcileProgress Kind = "reconcile.progress"
	KindReconcileAborted  Kind = "reconcile.aborted"
	KindAgentConnected    Kind = "agent.connected"
	KindAgentDisconnected Kind = "agent.disconnected"
	KindDelegation        Kind = "delegation.failed"
	KindEnvApplied        Kind = "env.applied"
	KindEnvTornDown       Kind = "env.teardown"
	KindTransaction       Kind = "transaction.lifecycle"
	KindCannonBroadcast   Kind = "cannon.broadcast"
)

// Event is the immutable record delivered to subscribers.
type Event struct {
	Kind        Kind
	Time        time.Time
	Agent       *ident.AgentId
	Env         *ident.EnvId
	Cannon      *ident.CannonId
	Transaction string // tx id, empty when not applicable
	Message     string
	Fields      map[string]string
}

// Filter decides whether a subscriber sees a given event.
type Filter interface {
	Match(Event) bool
}

type filterFunc func(Event) bool

func (f filterFunc) Match(e Event) bool { return f(e) }

// Any matches every event.
func Any() Filter { return filterFunc(func(Event) bool { return true }) }

// KindIs matches events of exactly this kind.
func KindIs(k Kind) Filter {
	return filterFunc(func(e Event) bool { return e.Kind == k })
}

// AgentIs matches events referencing this agent.
func AgentIs(id ident.AgentId) Filter {
	return filterFunc(func(e Event) bool { return e.Agent != nil && *e.Agent == id })
}

// EnvIs matches events referencing this environment.
func EnvIs(id ident.EnvId) Filter {
	return filterFunc(func(e Event) bool { return e.Env != nil && *e.Env == id })
}

// CannonIs matches events referencing this cannon.
func CannonIs(id ident.CannonId) Filter {
	return filterFunc(func(e Event) bool { return e.Cannon != nil && *e.Cannon == id })
}

// TransactionIs matches events referencing this transaction id.
func TransactionIs(txID string) Filter {
	return filterFunc(func(e Event) bool { return e.Transaction == txID })
}

// And matches only when every child filter matches.
func And(filters ...Filter) Filter {
	return filterFunc(func(e Event) bool {
		for _, f := range filters {
			if !f.Match(e) {
				return false
			}
		}
		return true
	})
}

// Or matches when any child filter matches.
func Or(filters ...Filter) Filter {
	return filterFunc(func(e Event) bool {
		for _, f := range filters {
			if f.Match(e) {
				return true
			}
		}
		return false
	})
}

// Subscription is a live subscriber handle; Events delivers matching
// events until Close is called.
type Subscription struct {
	Events <-chan Event
	filter Filter
	ch     chan Event
	broker *Broker
}

func (s *Subscription) Close() { s.broker.unsubscribe(s) }

// Broker is the single in-process broadcaster. The zero value is not
// usable; construct with NewBroker.
type Broker struct {
	in   chan Event
	stop chan struct{}

	mu   sync.Mutex
	subs map[*Subscription]bool
}

func NewBroker() *Broker {
	return &Broker{
		in:   make(chan Event, 256),
		stop: make(chan struct{}),
		subs: make(map[*Subscription]bool),
	}
}

// Start begins the broker's delivery loop in a background goroutine.
func (b *Broker) Start() { go b.run() }

// Stop halts delivery; already-subscribed channels are left open so
// in-flight reads can drain.
func (b *Broker) Stop() { close(b.stop) }

// Subscribe registers a new subscriber gated by filter. Pass Any() to
// receive everything.
func (b *Broker) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	sub := &Subscription{Events: ch, filter: filter, ch: ch, broker: b}
	b.subs[sub] = true
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish enqueues an event for delivery, filling in Time if unset.
// Never blocks past the broker's own input buffer.
func (b *Broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case b.in <- e:
	case <-b.stop:
	}
}

func (b *Broker) run() {
	for {
		select {
		case e := <-b.in:
			b.broadcast(e)
		case <-b.stop:
			return
		}
	}
}

func (b *Broker) broadcast(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// subscriber buffer full: drop rather than block the broker
		}
	}
}

// SubscriberCount reports how many subscriptions are currently live.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
