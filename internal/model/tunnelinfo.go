package model

// TunnelInfo carries the network parameters the server assigned during
// PUSH_REPLY: the client's tunnel address, the gateway, and any options
// the data-plane needs (MTU, peer-id for kernel multiplexing).
type TunnelInfo struct {
	// IP is the client's assigned VPN IPv4 address.
	IP string

	// IPv6 is the client's assigned VPN IPv6 address, if pushed.
	IPv6 string

	// GW is the gateway address, typically from "route-gateway" or the
	// first "route" directive.
	GW string

	// NetMask is the tunnel netmask, from the second token of "ifconfig".
	NetMask string

	// MTU is the negotiated tunnel MTU, from "tun-mtu" or link-mtu derived defaults.
	MTU int

	// PeerID is the server-assigned multiplexing ID echoed on P_DATA_V2 packets.
	PeerID uint32
}
