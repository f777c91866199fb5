package lib

import (
	"fmt"
	"math/rand"
	"sync"
)

// portPool hands out ephemeral local ports for active opens. The ports are
// kept in a pre-shuffled ring so consecutive Dials never reuse a port until
// the whole range has cycled, which keeps TIME_WAIT identities from colliding.
type portPool struct {
	ports            []uint16
	capacity         int
	minPort, maxPort uint16
	readIdx          int
	writeIdx         int
	isFull, isEmpty  bool
	mtx              sync.Mutex
}

func newPortPool(minPort, maxPort uint16, rng *rand.Rand) *portPool {
	capacity := int(maxPort) - int(minPort) + 1

	ports := make([]uint16, capacity)
	for i, v := range rng.Perm(capacity) {
		ports[i] = minPort + uint16(v)
	}

	return &portPool{
		ports:    ports,
		capacity: capacity,
		minPort:  minPort,
		maxPort:  maxPort,
		isFull:   true,
	}
}

// allocatePort retrieves the next port from the ring.
func (p *portPool) allocatePort() (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		return 0, fmt.Errorf("ephemeral port pool exhausted")
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	return port, nil
}

// returnPort puts a port back once its connection record is reclaimed.
func (p *portPool) returnPort(port uint16) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("port %d out of pool range", port)
	}
	if p.isFull {
		return fmt.Errorf("ephemeral port pool overflow on return of %d", port)
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	return nil
}
