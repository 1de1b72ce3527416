package model

// Direction distinguishes the two halves of a per-generation key: the key
// used to encrypt outgoing packets and the key used to decrypt incoming ones.
type Direction int

const (
	// DirectionOutgoing selects the encrypt key of a generation.
	DirectionOutgoing = Direction(0)

	// DirectionIncoming selects the decrypt key of a generation.
	DirectionIncoming = Direction(1)
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// HandshakeTracer receives a blow-by-blow account of the control channel,
// used by callers (the host application, test harnesses) to observe the
// handshake without injecting themselves into the hot path. It is a
// capability interface: the controller holds it by reference and swaps in
// [DummyTracer] once the session has detached, so children never need a
// live back-pointer into the controller.
type HandshakeTracer interface {
	// OnStateChange is called every time the negotiation state machine moves.
	OnStateChange(state NegotiationState)

	// OnIncomingPacket is called for every packet accepted off the wire,
	// before it is dispatched to its handler.
	OnIncomingPacket(packet *Packet, state NegotiationState)

	// OnOutgoingPacket is called for every packet about to be written to
	// the transport, including retransmissions (hardResetCount counts how
	// many hard resets have been sent so far, for diagnosing stuck dials).
	OnOutgoingPacket(packet *Packet, state NegotiationState, hardResetCount int)

	// OnDroppedPacket is called whenever an incoming packet is rejected
	// before being delivered upward (replay, out-of-window, malformed).
	OnDroppedPacket(dir Direction, state NegotiationState, packet *Packet)
}

// DummyTracer is a [HandshakeTracer] that does nothing. It is the zero-cost
// tracer used when the caller does not care to observe the handshake, and
// substituted in by the controller once a session has detached.
type DummyTracer struct{}

var _ HandshakeTracer = DummyTracer{}

func (DummyTracer) OnStateChange(NegotiationState)                     {}
func (DummyTracer) OnIncomingPacket(*Packet, NegotiationState)         {}
func (DummyTracer) OnOutgoingPacket(*Packet, NegotiationState, int)    {}
func (DummyTracer) OnDroppedPacket(Direction, NegotiationState, *Packet) {}
