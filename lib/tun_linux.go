//go:build linux
// +build linux

package lib

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// TunTransport is a FrameTransport over a Linux TUN device. The device is
// opened with IFF_NO_PI, so frames carry no packet-information prefix: every
// read and write is exactly one raw IP packet.
type TunTransport struct {
	file *os.File
	name string
	mtu  int
}

// NewTunTransport opens (creating if necessary) the named TUN device. Opening
// requires CAP_NET_ADMIN; the engine treats that capability as a precondition
// and fails fast with a clear diagnostic when it is denied.
func NewTunTransport(name string, mtu int) (*TunTransport, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("opening /dev/net/tun: %w (the process needs CAP_NET_ADMIN to manage network interfaces)", err)
		}
		return nil, fmt.Errorf("opening /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tun device name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("TUNSETIFF %q: %w (the process needs CAP_NET_ADMIN to manage network interfaces)", name, err)
		}
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	// Non-blocking so the fd goes through the runtime poller and Close
	// unblocks a pending Read.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting %q non-blocking: %w", name, err)
	}

	if mtu <= 0 {
		mtu = 1500
	}
	return &TunTransport{
		file: os.NewFile(uintptr(fd), "/dev/net/tun"),
		name: ifr.Name(),
		mtu:  mtu,
	}, nil
}

func (t *TunTransport) ReadFrame(buffer []byte) (int, error) {
	return t.file.Read(buffer)
}

func (t *TunTransport) WriteFrame(frame []byte) (int, error) {
	return t.file.Write(frame)
}

func (t *TunTransport) Close() error {
	return t.file.Close()
}

func (t *TunTransport) Name() string {
	return t.name
}

func (t *TunTransport) MTU() int {
	return t.mtu
}
