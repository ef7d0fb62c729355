package cannon

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/ident"
	"github.com/cuemby/warren/pkg/telemetry"
)

// LedgerCache reports whether a transaction is already present in an
// environment's on-chain cache (spec.md §4.I "A transaction already
// present in the env's on-chain cache is rejected with AlreadyExists").
type LedgerCache interface {
	Contains(env ident.EnvId, txID string) bool
}

// SinkWriter is the append-only file a cannon's accepted transactions are
// also written to, when the environment document names one (spec.md §4.H
// step 7).
type SinkWriter interface {
	Write(txID string, payload []byte) error
}

// BroadcastFanout fans a signed transaction out to a scored list of
// candidate peers. *Broadcaster (dispatch.go) is the production
// implementation; tests substitute a fake.
type BroadcastFanout interface {
	Broadcast(ctx context.Context, env ident.EnvId, target ident.NodeTarget, tx []byte) (uint64, error)
}

// authRetryInterval is how often trackers left in Authorized because no
// compute agent was available are re-enqueued (spec.md §4.I "leave the
// tracker in Authorized for the next cycle").
const authRetryInterval = 5 * time.Second

type authResult struct {
	txID   string
	signed []byte
	err    error
}

type broadcastResult struct {
	txID   string
	height uint64
	err    error
}

// Cannon is one EnvId x CannonId transaction pipeline: two input queues
// (authorizations, transactions), each a channel buffered to 256 entries
// so that a submit blocks while its queue is full, a persisted tracker
// table, and a select loop that drives both toward broadcast (spec.md §4.I).
type Cannon struct {
	Env    ident.EnvId
	ID     ident.CannonId
	Target ident.NodeTarget // candidate broadcast peers

	store      *Store
	compute    ComputeExecutor
	broadcast  BroadcastFanout
	ledger     LedgerCache
	sink       SinkWriter
	bus        *events.Broker

	mu          sync.Mutex
	trackers    map[string]*Tracker
	nextIndex   uint64
	receivedTxs uint64

	authCh chan string
	txCh   chan string
}

// New constructs a Cannon, restoring its tracker table from backing and
// re-enqueueing every in-flight tracker (spec.md §4.I "Restart").
func New(env ident.EnvId, id ident.CannonId, target ident.NodeTarget, backing *Store, compute ComputeExecutor, broadcast BroadcastFanout, ledger LedgerCache, sink SinkWriter, bus *events.Broker) (*Cannon, error) {
	trackers, maxIndex, err := backing.LoadAll()
	if err != nil {
		return nil, err
	}
	receivedTxs, err := backing.LoadReceivedCount()
	if err != nil {
		return nil, err
	}

	c := &Cannon{
		Env: env, ID: id, Target: target,
		store: backing, compute: compute, broadcast: broadcast, ledger: ledger, sink: sink, bus: bus,
		trackers:    trackers,
		nextIndex:   maxIndex + 1,
		receivedTxs: receivedTxs,
		authCh:      make(chan string, 256),
		txCh:        make(chan string, 256),
	}

	for txID, t := range trackers {
		switch {
		case t.Transaction != nil:
			c.txCh <- txID
		case t.Authorization != nil:
			c.authCh <- txID
		}
	}
	return c, nil
}

func (c *Cannon) publish(kind events.Kind, msg string, txID string) {
	if c.bus == nil {
		return
	}
	env, cannon := c.Env, c.ID
	c.bus.Publish(events.Event{Kind: kind, Env: &env, Cannon: &cannon, Transaction: txID, Message: msg})
}

// SubmitAuthorization ingests a new authorization under the caller's
// txID, rejecting a duplicate for an already-tracked tx (spec.md §4.I).
func (c *Cannon) SubmitAuthorization(txID string, auth []byte) error {
	c.mu.Lock()
	if _, exists := c.trackers[txID]; exists {
		c.mu.Unlock()
		return ErrDuplicateAuthorization
	}
	idx := c.nextIndex
	c.nextIndex++
	c.receivedTxs++
	t := &Tracker{TxID: txID, Index: idx, Authorization: auth, Status: Status{Kind: StatusAuthorized}}
	c.trackers[txID] = t
	received := c.receivedTxs
	c.mu.Unlock()

	if err := c.store.SaveTracker(t); err != nil {
		return err
	}
	if err := c.store.SaveReceivedCount(received); err != nil {
		return err
	}
	c.authCh <- txID
	return nil
}

// SubmitTransaction ingests a signed transaction: broadcasts already in
// Executing state fold into the existing tracker; one already on-chain is
// rejected and its tracker dropped (spec.md §4.I).
func (c *Cannon) SubmitTransaction(txID string, payload []byte) error {
	if c.ledger != nil && c.ledger.Contains(c.Env, txID) {
		c.mu.Lock()
		delete(c.trackers, txID)
		c.mu.Unlock()
		_ = c.store.DeleteTracker(txID)
		return ErrAlreadyExists
	}

	c.mu.Lock()
	t, ok := c.trackers[txID]
	isNew := !ok
	if !ok {
		idx := c.nextIndex
		c.nextIndex++
		c.receivedTxs++
		t = &Tracker{TxID: txID, Index: idx, Status: Status{Kind: StatusUnsent}}
		c.trackers[txID] = t
	} else if t.Status.Kind != StatusUnsent && t.Status.Kind != StatusBroadcasted && t.Status.Kind != StatusExecuting {
		c.mu.Unlock()
		return ErrUnexpectedStatus
	}
	t.Transaction = payload
	if t.Status.Kind == StatusExecuting {
		t.Status = Status{Kind: StatusUnsent}
	}
	received := c.receivedTxs
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.Write(txID, payload); err != nil {
			return err
		}
	}
	if err := c.store.SaveTracker(t); err != nil {
		return err
	}
	if isNew {
		if err := c.store.SaveReceivedCount(received); err != nil {
			return err
		}
	}
	c.txCh <- txID
	return nil
}

// Run drives the select loop until ctx is cancelled (spec.md §4.I
// "Loop"). It is not safe to call twice concurrently.
func (c *Cannon) Run(ctx context.Context) error {
	authResults := make(chan authResult, 64)
	bcastResults := make(chan broadcastResult, 64)
	retry := time.NewTicker(authRetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-retry.C:
			c.requeueAuthorized()

		case txID := <-c.authCh:
			c.dispatchAuthorization(ctx, txID, authResults)

		case txID := <-c.txCh:
			c.dispatchBroadcast(ctx, txID, bcastResults)

		case res := <-authResults:
			c.onExecuteResult(res)

		case res := <-bcastResults:
			c.onBroadcastResult(res)
		}
	}
}

func (c *Cannon) requeueAuthorized() {
	c.mu.Lock()
	var pending []string
	for txID, t := range c.trackers {
		if t.Status.Kind == StatusAuthorized {
			pending = append(pending, txID)
		}
	}
	c.mu.Unlock()
	for _, txID := range pending {
		select {
		case c.authCh <- txID:
		default:
		}
	}
}

func (c *Cannon) dispatchAuthorization(ctx context.Context, txID string, results chan<- authResult) {
	c.mu.Lock()
	t, ok := c.trackers[txID]
	if !ok || t.Status.Kind != StatusAuthorized {
		c.mu.Unlock()
		return
	}
	t.Status = Status{Kind: StatusExecuting}
	auth := t.Authorization
	c.mu.Unlock()
	_ = c.store.SaveTracker(t)

	go func() {
		signed, err := c.compute.Execute(ctx, auth)
		results <- authResult{txID: txID, signed: signed, err: err}
	}()
}

func (c *Cannon) onExecuteResult(res authResult) {
	c.mu.Lock()
	t, ok := c.trackers[res.txID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case res.err == ErrNoComputeAgent:
		c.mu.Lock()
		t.Status = Status{Kind: StatusAuthorized}
		c.mu.Unlock()
		c.publish(events.KindTransaction, "ExecuteAwaitingCompute", res.txID)
		return
	case res.err != nil:
		c.mu.Lock()
		t.Status = Status{Kind: StatusAuthorized}
		c.mu.Unlock()
		_ = c.store.SaveTracker(t)
		telemetry.Logger.Warn().Str("tx", res.txID).Err(res.err).Msg("cannon: execute authorization failed")
		c.publish(events.KindTransaction, "ExecuteFailed", res.txID)
		return
	}

	c.mu.Lock()
	t.Transaction = res.signed
	t.Status = Status{Kind: StatusUnsent}
	c.mu.Unlock()
	_ = c.store.SaveTracker(t)
	c.txCh <- res.txID
}

func (c *Cannon) dispatchBroadcast(ctx context.Context, txID string, results chan<- broadcastResult) {
	c.mu.Lock()
	t, ok := c.trackers[txID]
	if !ok || (t.Status.Kind != StatusUnsent && t.Status.Kind != StatusBroadcasted) {
		c.mu.Unlock()
		return
	}
	tx := t.Transaction
	c.mu.Unlock()

	if c.broadcast == nil {
		return
	}
	go func() {
		height, err := c.broadcast.Broadcast(ctx, c.Env, c.Target, tx)
		results <- broadcastResult{txID: txID, height: height, err: err}
	}()
}

func (c *Cannon) onBroadcastResult(res broadcastResult) {
	c.mu.Lock()
	t, ok := c.trackers[res.txID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if res.err != nil {
		telemetry.Logger.Warn().Str("tx", res.txID).Err(res.err).Msg("cannon: broadcast attempt failed")
		c.publish(events.KindTransaction, "BroadcastFailed", res.txID)
		return
	}

	c.mu.Lock()
	t.Status = Status{Kind: StatusBroadcasted, Height: res.height, At: time.Now()}
	t.Attempts++
	c.mu.Unlock()
	_ = c.store.SaveTracker(t)
	c.publish(events.KindCannonBroadcast, "broadcast accepted", res.txID)
}

// Tracker returns a copy of the named tracker, for tests and API status
// endpoints.
func (c *Cannon) Tracker(txID string) (Tracker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[txID]
	if !ok {
		return Tracker{}, false
	}
	return *t, true
}

// ReceivedTxs returns the strictly-increasing count of transactions this
// cannon has ever ingested.
func (c *Cannon) ReceivedTxs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivedTxs
}
