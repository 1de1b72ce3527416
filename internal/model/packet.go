package model

import (
	"errors"
	"sync"
)

// errPacketTooShort indicates a raw buffer is shorter than a minimal header.
var errPacketTooShort = errors.New("model: packet too short")

// Packet is the in-memory representation of a single OpenVPN-wire packet,
// shared by the control and data channels. Not every field is meaningful
// for every opcode: data packets only populate Opcode, KeyID, PeerID and
// Payload, the rest is filled in only for control/ACK packets.
type Packet struct {
	// Opcode is the high 5 bits of the first header byte.
	Opcode Opcode

	// KeyID is the low 3 bits of the first header byte; it selects which
	// key generation (key_id, mod 8) this packet belongs to.
	KeyID byte

	// PeerID is present only on P_DATA_V2 packets.
	PeerID PeerID

	// LocalSessionID is the sender's session ID.
	LocalSessionID SessionID

	// RemoteSessionID is the receiver's session ID, as learned from the peer's
	// hard reset (present on every control packet after the first exchange).
	RemoteSessionID SessionID

	// ACKs is the (possibly empty) list of packet IDs being acknowledged,
	// piggy-backed on this packet's header. At most 4 fit in a header.
	ACKs []PacketID

	// ID is the packet ID of this packet itself, for control/ACK opcodes.
	ID PacketID

	// ReplayPacketID and Timestamp are populated only in tls-auth mode,
	// where the HMAC covers a dedicated replay-protection prefix distinct
	// from the control channel's own ACK/ID bookkeeping.
	ReplayPacketID PacketID
	Timestamp      PacketTimestamp

	// Payload is the packet body: for control packets, an encoded control
	// message (a TLS record or a handshake blob); for data packets, the
	// ciphertext (plus any AEAD nonce/HMAC prefix the wire format adds).
	Payload []byte

	// release, if set, returns the underlying wire buffer this packet was
	// parsed from back to [github.com/driftline/vpncore/internal/bytespool.Default].
	// Set by whoever owns the raw buffer (the packet muxer); called at most
	// once by Free.
	release     func()
	releaseOnce sync.Once
}

// NewPacket allocates a [Packet] with the given opcode, key ID and payload,
// leaving session IDs and ACKs empty for the caller to fill in.
func NewPacket(opcode Opcode, keyID byte, payload []byte) *Packet {
	return &Packet{
		Opcode:  opcode,
		KeyID:   keyID & 0x07,
		ACKs:    []PacketID{},
		Payload: payload,
	}
}

// IsACK reports whether this packet carries only an acknowledgement.
func (p *Packet) IsACK() bool {
	return p.Opcode == P_ACK_V1
}

// IsData reports whether this packet belongs to the data channel.
func (p *Packet) IsData() bool {
	return p.Opcode.IsData()
}

// IsControl reports whether this packet belongs to the reliable control
// channel (everything that is neither a data packet nor a standalone ACK).
func (p *Packet) IsControl() bool {
	return !p.IsData() && !p.IsACK()
}

// SetReleaseFunc attaches the function that returns this packet's
// underlying wire buffer to its pool. Free calls it at most once.
func (p *Packet) SetReleaseFunc(release func()) {
	p.release = release
}

// Free releases the packet's underlying wire buffer, if any was attached
// with SetReleaseFunc. Safe to call more than once and safe to call on a
// packet built in memory (NewPacket), which has nothing to release.
func (p *Packet) Free() {
	if p == nil {
		return
	}
	p.releaseOnce.Do(func() {
		if p.release != nil {
			p.release()
			p.release = nil
		}
	})
}

// Clone returns a shallow copy of p with its own ACKs slice, suitable for
// mutating (e.g. piggy-backing a fresh ACK list) without touching the
// original in-flight packet kept for retransmission. Payload is shared,
// since nothing downstream of the reliability layer mutates it in place.
func (p *Packet) Clone() *Packet {
	clone := &Packet{
		Opcode:          p.Opcode,
		KeyID:           p.KeyID,
		PeerID:          p.PeerID,
		LocalSessionID:  p.LocalSessionID,
		RemoteSessionID: p.RemoteSessionID,
		ACKs:            p.ACKs,
		ID:              p.ID,
		ReplayPacketID:  p.ReplayPacketID,
		Timestamp:       p.Timestamp,
		Payload:         p.Payload,
	}
	if p.ACKs != nil {
		clone.ACKs = append([]PacketID(nil), p.ACKs...)
	}
	return clone
}

// Log emits a debug line describing the packet in the given direction. It
// is the single place both the packet muxer and the reliability layer
// route through so wire dumps have a consistent shape.
func (p *Packet) Log(logger Logger, dir Direction) {
	logger.Debugf(
		"%s: opcode=%s key_id=%d id=%d acks=%v payload=%d",
		dir,
		p.Opcode,
		p.KeyID,
		p.ID,
		p.ACKs,
		len(p.Payload),
	)
}

// ParsePacket performs a cheap, header-only parse of a raw wire packet: it
// extracts the opcode, key ID and (for P_DATA_V2) the peer ID, without
// attempting to decode the control-channel envelope or any security wrapper.
// It exists for logging/diagnostics; callers that need the full control
// message should use [github.com/driftline/vpncore/internal/wire.UnmarshalPacket] instead.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < 1 {
		return nil, errPacketTooShort
	}
	opcode := Opcode(buf[0] >> 3)
	keyID := buf[0] & 0x07
	p := &Packet{Opcode: opcode, KeyID: keyID}
	switch opcode {
	case P_DATA_V2:
		if len(buf) < 4 {
			return nil, errPacketTooShort
		}
		copy(p.PeerID[:], buf[1:4])
		p.Payload = buf[4:]
	default:
		p.Payload = buf[1:]
	}
	return p, nil
}
