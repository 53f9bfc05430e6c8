// Package negotiation runs one offer/answer state machine per remote
// participant. Machines are independent: a failure or teardown on one never
// touches the others.
package negotiation

// State is the lifecycle position of a single pairwise negotiation.
type State int

const (
	// Idle: no exchange in flight yet.
	Idle State = iota
	// OfferSent: we sent the initial offer and are waiting for the answer.
	OfferSent
	// OfferReceived: we got the initial offer and are producing the answer.
	OfferReceived
	// Stable: a full offer/answer exchange completed.
	Stable
	// RenegotiationPending: we sent a renegotiation offer from Stable and
	// are waiting for the answer.
	RenegotiationPending
	// Closed: torn down. Terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case Stable:
		return "stable"
	case RenegotiationPending:
		return "renegotiation-pending"
	case Closed:
		return "closed"
	}
	return "unknown"
}
