package batch

import "time"

type State int

const (
	Idle State = iota
	Registering
	AwaitingSelection
	TreeNonceExchange
	TreeSignatureExchange
	AwaitingFinalization
	SubmittingForfeits
	Settled
	Failed
	Retrying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Registering:
		return "registering"
	case AwaitingSelection:
		return "awaiting_selection"
	case TreeNonceExchange:
		return "tree_nonce_exchange"
	case TreeSignatureExchange:
		return "tree_signature_exchange"
	case AwaitingFinalization:
		return "awaiting_finalization"
	case SubmittingForfeits:
		return "submitting_forfeits"
	case Settled:
		return "settled"
	case Failed:
		return "failed"
	case Retrying:
		return "retrying"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool {
	return s == Settled || s == Failed
}

// Timeouts bound the wait of every phase of a round, zero means no bound.
type Timeouts struct {
	Registration         time.Duration
	Selection            time.Duration
	NonceAggregation     time.Duration
	SignatureAggregation time.Duration
	Finalization         time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Registration:         30 * time.Second,
		Selection:            10 * time.Minute,
		NonceAggregation:     time.Minute,
		SignatureAggregation: time.Minute,
		Finalization:         2 * time.Minute,
	}
}

func (t Timeouts) of(state State) time.Duration {
	switch state {
	case Registering:
		return t.Registration
	case AwaitingSelection, Retrying:
		return t.Selection
	case TreeNonceExchange:
		return t.NonceAggregation
	case TreeSignatureExchange:
		return t.SignatureAggregation
	case AwaitingFinalization, SubmittingForfeits:
		return t.Finalization
	default:
		return 0
	}
}
