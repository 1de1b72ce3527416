// Package dco probes for and offloads to ovpn-dco, the Linux kernel module
// that moves the data channel's encrypt/decrypt/encapsulate work out of
// userspace. It is a narrow capability: when unavailable, callers fall back
// to the userspace data channel with no change in behavior.
package dco

import "errors"

// ErrUnavailable is returned by Offload when the kernel module is not
// present or the platform isn't Linux.
var ErrUnavailable = errors.New("dco: kernel data-channel offload unavailable")

// Handle represents an open ovpn-dco device bound to a tunnel interface.
// The userspace protocol engine still owns the handshake; only the
// steady-state data channel is handed to the kernel.
type Handle struct {
	ifaceName string
}

// IfaceName returns the tun interface this handle was opened against.
func (h *Handle) IfaceName() string { return h.ifaceName }
