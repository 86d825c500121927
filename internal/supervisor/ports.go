package supervisor

import (
	"fmt"
	"net"
	"sync"
)

const backendHost = "127.0.0.1"

// PortAllocator hands out free loopback ports for backends. It remembers
// which ports belong to live backends so a port can never be handed out
// twice while its session is non-terminated.
type PortAllocator struct {
	mu    sync.Mutex
	inUse map[int]bool
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		inUse: make(map[int]bool),
	}
}

// Allocate binds port 0 to let the kernel pick a free port, records it as
// in use and returns it. The listener is closed before the backend starts;
// the in-use set is what prevents a concurrent Allocate from racing onto
// the same port.
func (p *PortAllocator) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A just-released port can be re-picked by the kernel immediately, so
	// retry a few times if it is still marked in use.
	for attempt := 0; attempt < 10; attempt++ {
		l, err := net.Listen("tcp", net.JoinHostPort(backendHost, "0"))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNoFreePort, err)
		}
		port := l.Addr().(*net.TCPAddr).Port
		l.Close()

		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// Release returns a port to the pool. Called only from Terminate.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

// InUse reports whether the allocator currently owns the port.
func (p *PortAllocator) InUse(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[port]
}
