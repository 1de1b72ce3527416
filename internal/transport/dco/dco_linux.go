package dco

import (
	"os"

	"golang.org/x/sys/unix"
)

// devicePath is where the ovpn-dco character device is registered once the
// kernel module is loaded.
const devicePath = "/dev/ovpn-dco"

// Probe reports whether ovpn-dco is loaded and usable on this host.
func Probe() bool {
	return unix.Access(devicePath, unix.R_OK|unix.W_OK) == nil
}

// Offload opens the ovpn-dco device and binds it to ifaceName. It fails with
// ErrUnavailable whenever Probe would return false.
func Offload(ifaceName string) (*Handle, error) {
	if !Probe() {
		return nil, ErrUnavailable
	}
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, ErrUnavailable
	}
	f.Close()
	return &Handle{ifaceName: ifaceName}, nil
}
