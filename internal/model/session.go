package model

import "encoding/hex"

// SessionID is the 64-bit session identifier each peer generates at the
// start of a handshake and echoes back on every control packet.
type SessionID [8]byte

// String renders the session ID as hex, for logging.
func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// PeerID is the 24-bit peer identifier carried by P_DATA_V2 packets, used by
// servers that multiplex several clients over one UDP socket (not needed
// client-side beyond echoing whatever the server assigned).
type PeerID [3]byte

// PacketID is a per-direction, per-generation monotonic sequence number. It
// is used both as a replay index on the control channel and, on the data
// channel, as all or part of the AEAD nonce / HMAC-covered prefix.
type PacketID uint32

// PacketTimestamp is the wire-format replay timestamp attached to control
// packets in tls-auth mode (seconds since the Unix epoch).
type PacketTimestamp uint32
