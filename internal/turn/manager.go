package turn

import "net"

// Manager holds the set of active Allocations, keyed by (server, username)
// so that Connections to the same relay with the same credentials share a
// single allocation instead of each issuing its own Allocate — avoiding the
// extra Allocate traffic and per-allocation quota consumption a naive
// per-connection client would incur.
type Manager struct {
	allocations map[string]*Allocation
}

func NewManager() *Manager {
	return &Manager{allocations: make(map[string]*Allocation)}
}

// Acquire returns the existing allocation for (server, username),
// incrementing its reference count, or creates a new one if none exists
// yet. The caller must call Start() on a freshly created allocation to
// begin the handshake.
func (m *Manager) Acquire(server *net.UDPAddr, username, password string) (alloc *Allocation, fresh bool) {
	key := server.String() + "|" + username
	if a, ok := m.allocations[key]; ok {
		a.RefCount++
		return a, false
	}
	a := New(server, username, password)
	a.RefCount = 1
	m.allocations[key] = a
	return a, true
}

// Release decrements the allocation's reference count, removing it from
// the table once no Connection holds it any longer. The caller is
// responsible for sending a lifetime-0 Refresh to tear it down on the wire.
func (m *Manager) Release(a *Allocation) {
	a.RefCount--
	if a.RefCount <= 0 {
		delete(m.allocations, a.Key())
	}
}

// All returns every active allocation, so a caller can Poll each one and
// route its Refresh traffic to the right relay address.
func (m *Manager) All() []*Allocation {
	out := make([]*Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		out = append(out, a)
	}
	return out
}

// Len returns the number of distinct allocations currently held.
func (m *Manager) Len() int {
	return len(m.allocations)
}
