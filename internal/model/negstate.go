package model

import "fmt"

// NegotiationState is the state of a single key negotiation (handshake or
// rekey), mirroring OpenVPN's key_state_t, extended with an explicit
// "generated keys" milestone that this implementation uses to mark the
// moment the data-channel key material becomes installable.
type NegotiationState int8

const (
	// S_UNDEF is the zero value of an unused key slot.
	S_UNDEF = NegotiationState(-1)

	// S_INITIAL is the state of a freshly created key slot, before any
	// packet has been sent or received for it.
	S_INITIAL = NegotiationState(0)

	// S_PRE_START is entered once we know the remote session ID and are
	// about to start exchanging control packets for this generation.
	S_PRE_START = NegotiationState(1)

	// S_START is entered once the hard/soft reset handshake has completed
	// and the TLS session can begin.
	S_START = NegotiationState(2)

	// S_SENT_KEY is entered once our key-method-2 message has been sent.
	S_SENT_KEY = NegotiationState(3)

	// S_GOT_KEY is entered once the peer's key-method-2 message has been received.
	S_GOT_KEY = NegotiationState(4)

	// S_GENERATED_KEYS is entered once both sides' key sources have been
	// combined into data-channel key material.
	S_GENERATED_KEYS = NegotiationState(5)

	// S_ACTIVE is entered once the data channel for this generation is
	// actually carrying traffic.
	S_ACTIVE = NegotiationState(6)

	// S_ERROR marks a negotiation that failed and must not be retried in place.
	S_ERROR = NegotiationState(7)
)

var negStateNames = map[NegotiationState]string{
	S_UNDEF:          "S_UNDEF",
	S_INITIAL:        "S_INITIAL",
	S_PRE_START:      "S_PRE_START",
	S_START:          "S_START",
	S_SENT_KEY:       "S_SENT_KEY",
	S_GOT_KEY:        "S_GOT_KEY",
	S_GENERATED_KEYS: "S_GENERATED_KEYS",
	S_ACTIVE:         "S_ACTIVE",
	S_ERROR:          "S_ERROR",
}

// String implements fmt.Stringer.
func (s NegotiationState) String() string {
	if name, ok := negStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("S_UNKNOWN(%d)", int8(s))
}
