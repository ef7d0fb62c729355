package cannon

import (
	"errors"
	"time"
)

// StatusKind is the lifecycle stage of one transaction tracker (spec.md
// §4.I invariants).
type StatusKind uint8

const (
	StatusAuthorized StatusKind = iota
	StatusExecuting
	StatusUnsent
	StatusBroadcasted
)

func (k StatusKind) String() string {
	switch k {
	case StatusAuthorized:
		return "authorized"
	case StatusExecuting:
		return "executing"
	case StatusUnsent:
		return "unsent"
	case StatusBroadcasted:
		return "broadcasted"
	default:
		return "unknown"
	}
}

// Status is a tracker's current stage, carrying the height and time a
// broadcast landed at when Kind is StatusBroadcasted.
type Status struct {
	Kind   StatusKind
	Height uint64
	At     time.Time
}

// Tracker is the persisted record of one transaction moving through a
// cannon: it carries an authorization, a transaction payload, or both,
// plus a status and a monotone index assigned at first ingestion (spec.md
// §4.I invariants).
type Tracker struct {
	TxID          string
	Index         uint64
	Authorization []byte
	Transaction   []byte
	Status        Status
	Attempts      uint32
}

// ErrDuplicateAuthorization is returned when an authorization for a
// tx-id already tracked is submitted again (spec.md §4.I "duplicate
// authorizations... are rejected at ingestion").
var ErrDuplicateAuthorization = errors.New("cannon: duplicate authorization")

// ErrAlreadyExists is returned when a transaction already present in the
// environment's on-chain cache is submitted; its tracker is deleted
// rather than kept (spec.md §4.I).
var ErrAlreadyExists = errors.New("cannon: transaction already exists in the ledger")

// ErrUnexpectedStatus is returned when a transaction arrives for a
// tracker that is not Executing, Unsent or Broadcasted.
var ErrUnexpectedStatus = errors.New("cannon: tracker not in a status that accepts a transaction")

// ErrNoComputeAgent is returned by a ComputeExecutor backed by the
// "agent" compute target when no compute-capable agent is currently
// claimable (spec.md §4.I "if no compute agent is available, emit
// ExecuteAwaitingCompute").
var ErrNoComputeAgent = errors.New("cannon: no compute agent available")

// ErrNoBroadcastTarget is returned when every candidate peer refused a
// broadcast (spec.md §4.I "no responsive broadcast targets").
var ErrNoBroadcastTarget = errors.New("cannon: no responsive broadcast targets")
