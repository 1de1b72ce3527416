package model

import "fmt"

// Opcode is an OpenVPN-wire packet opcode. It occupies the high 5 bits of
// the first header byte; the low 3 bits carry the key ID.
type Opcode byte

const (
	// P_CONTROL_HARD_RESET_CLIENT_V1 is the original (key-method 1) client reset.
	P_CONTROL_HARD_RESET_CLIENT_V1 = Opcode(1)

	// P_CONTROL_HARD_RESET_SERVER_V1 is the original (key-method 1) server reset.
	P_CONTROL_HARD_RESET_SERVER_V1 = Opcode(2)

	// P_CONTROL_SOFT_RESET_V1 begins a server- or client-initiated rekey
	// inside an already-established session.
	P_CONTROL_SOFT_RESET_V1 = Opcode(3)

	// P_CONTROL_V1 carries a fragment of the TLS control channel.
	P_CONTROL_V1 = Opcode(4)

	// P_ACK_V1 is a standalone acknowledgement with no control payload.
	P_ACK_V1 = Opcode(5)

	// P_DATA_V1 carries an encrypted data-channel packet (key-id only, no peer-id).
	P_DATA_V1 = Opcode(6)

	// P_CONTROL_HARD_RESET_CLIENT_V2 is the key-method 2 client reset.
	P_CONTROL_HARD_RESET_CLIENT_V2 = Opcode(7)

	// P_CONTROL_HARD_RESET_SERVER_V2 is the key-method 2 server reset.
	P_CONTROL_HARD_RESET_SERVER_V2 = Opcode(8)

	// P_DATA_V2 carries an encrypted data-channel packet prefixed with a 3-byte peer-id.
	P_DATA_V2 = Opcode(9)

	// P_CONTROL_HARD_RESET_CLIENT_V3 is the tls-crypt-v2 client reset, which
	// appends a wrapped client key after the control payload.
	P_CONTROL_HARD_RESET_CLIENT_V3 = Opcode(10)
)

var opcodeNames = map[Opcode]string{
	P_CONTROL_HARD_RESET_CLIENT_V1: "P_CONTROL_HARD_RESET_CLIENT_V1",
	P_CONTROL_HARD_RESET_SERVER_V1: "P_CONTROL_HARD_RESET_SERVER_V1",
	P_CONTROL_SOFT_RESET_V1:        "P_CONTROL_SOFT_RESET_V1",
	P_CONTROL_V1:                   "P_CONTROL_V1",
	P_ACK_V1:                       "P_ACK_V1",
	P_DATA_V1:                      "P_DATA_V1",
	P_CONTROL_HARD_RESET_CLIENT_V2: "P_CONTROL_HARD_RESET_CLIENT_V2",
	P_CONTROL_HARD_RESET_SERVER_V2: "P_CONTROL_HARD_RESET_SERVER_V2",
	P_DATA_V2:                      "P_DATA_V2",
	P_CONTROL_HARD_RESET_CLIENT_V3: "P_CONTROL_HARD_RESET_CLIENT_V3",
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("P_UNKNOWN(%d)", byte(o))
}

// IsControl returns true for any of the hard/soft reset or control opcodes,
// i.e. anything that belongs on the reliability layer rather than the
// unreliable data channel.
func (o Opcode) IsControl() bool {
	switch o {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_CONTROL_HARD_RESET_CLIENT_V3:
		return true
	default:
		return false
	}
}

// IsData returns true for P_DATA_V1 and P_DATA_V2.
func (o Opcode) IsData() bool {
	return o == P_DATA_V1 || o == P_DATA_V2
}

// IsHardReset returns true for any of the client/server hard-reset opcodes.
func (o Opcode) IsHardReset() bool {
	switch o {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_CONTROL_HARD_RESET_CLIENT_V3:
		return true
	default:
		return false
	}
}
