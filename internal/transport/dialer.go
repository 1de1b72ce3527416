package transport

import (
	"context"
	"net"
	"syscall"
)

// protectedDialer is a [networkio.UnderlyingDialer] that, when protector is
// set, runs the socket through protector.ProtectSocket before connect so
// the tunnel's own control/data traffic is exempted from a host-wide
// VPN routing policy.
type protectedDialer struct {
	protector SocketProtector
}

func (d protectedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{}
	if d.protector != nil {
		dialer.Control = func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = d.protector.ProtectSocket(fd)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		}
	}
	return dialer.DialContext(ctx, network, address)
}
