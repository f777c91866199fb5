package lib

import (
	"fmt"
	"net"
	"sync"
)

const pipeBacklog = 1024

// PacketPipe is an in-memory FrameTransport double: two ends connected
// back-to-back, each end reading what the other wrote. It stands in for the
// TUN device when pairing two engines in tests or demos.
type PacketPipe struct {
	name      string
	mtu       int
	recv      chan []byte
	peer      *PacketPipe
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPacketPipe returns the two connected ends.
func NewPacketPipe(mtu int) (*PacketPipe, *PacketPipe) {
	if mtu <= 0 {
		mtu = 1500
	}
	a := &PacketPipe{name: "pipe0", mtu: mtu, recv: make(chan []byte, pipeBacklog), closed: make(chan struct{})}
	b := &PacketPipe{name: "pipe1", mtu: mtu, recv: make(chan []byte, pipeBacklog), closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *PacketPipe) ReadFrame(buffer []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	case frame := <-p.recv:
		if len(frame) > len(buffer) {
			return 0, fmt.Errorf("packet pipe: frame (%d) larger than read buffer (%d)", len(frame), len(buffer))
		}
		return copy(buffer, frame), nil
	}
}

func (p *PacketPipe) WriteFrame(frame []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, net.ErrClosed
	case <-p.peer.closed:
		return 0, net.ErrClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case p.peer.recv <- cp:
		return len(frame), nil
	case <-p.peer.closed:
		return 0, net.ErrClosed
	}
}

func (p *PacketPipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *PacketPipe) Name() string {
	return p.name
}

func (p *PacketPipe) MTU() int {
	return p.mtu
}
