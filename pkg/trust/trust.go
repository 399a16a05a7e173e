package trust

import (
	"sync"
)

// Authorizer decides whether a peer node may invoke storage operations on
// this node. The storage agent gates every peer-facing entry point on it.
type Authorizer interface {
	IsAuthorized(nodeID string) bool
}

// AllowAll authorizes every peer. Cryptographic peer identity lives below
// the mesh transport, so this layer treats reachable peers as trusted.
type AllowAll struct{}

// IsAuthorized always returns true
func (AllowAll) IsAuthorized(string) bool { return true }

// DenyList authorizes every peer except those explicitly blocked.
type DenyList struct {
	mu      sync.RWMutex
	blocked map[string]bool
}

// NewDenyList creates a deny list, optionally pre-seeded with blocked IDs
func NewDenyList(blocked ...string) *DenyList {
	d := &DenyList{blocked: make(map[string]bool, len(blocked))}
	for _, id := range blocked {
		d.blocked[id] = true
	}
	return d
}

// IsAuthorized returns false only for blocked node IDs
func (d *DenyList) IsAuthorized(nodeID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.blocked[nodeID]
}

// Block adds a node ID to the deny list
func (d *DenyList) Block(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked[nodeID] = true
}

// Unblock removes a node ID from the deny list
func (d *DenyList) Unblock(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blocked, nodeID)
}
