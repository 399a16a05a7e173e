package mesh

import (
	"sort"
	"sync"
	"time"

	"meshvault/pkg/models"
)

// DefaultPeerTTL is how long a peer stays visible after its last
// announcement or successful exchange.
const DefaultPeerTTL = 90 * time.Second

// Registry is the in-memory peer table. Capability announcements and
// observed round-trips keep it current; entries expire after the TTL.
type Registry struct {
	mu    sync.RWMutex
	ttl   time.Duration
	peers map[string]*peerEntry
}

type peerEntry struct {
	snapshot models.NodeCapabilitySnapshot
	rtt      time.Duration
	lastSeen time.Time
}

// NewRegistry creates a peer table with the given TTL. A ttl of zero uses
// DefaultPeerTTL.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	return &Registry{
		ttl:   ttl,
		peers: make(map[string]*peerEntry),
	}
}

// Observe records a capability announcement. A departing announcement
// removes the peer outright rather than refreshing it.
func (r *Registry) Observe(ann *models.CapabilityAnnouncement) {
	if ann == nil || ann.Node.NodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if ann.Departing {
		delete(r.peers, ann.Node.NodeID)
		return
	}

	entry, ok := r.peers[ann.Node.NodeID]
	if !ok {
		entry = &peerEntry{}
		r.peers[ann.Node.NodeID] = entry
	}
	entry.snapshot = ann.Node
	entry.lastSeen = time.Now()
}

// ObserveRTT folds a measured round-trip into the peer's smoothed RTT and
// refreshes its liveness.
func (r *Registry) ObserveRTT(nodeID string, rtt time.Duration) {
	if nodeID == "" || rtt <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[nodeID]
	if !ok {
		entry = &peerEntry{snapshot: models.NodeCapabilitySnapshot{NodeID: nodeID}}
		r.peers[nodeID] = entry
	}
	if entry.rtt == 0 {
		entry.rtt = rtt
	} else {
		// EWMA with 30% weight on the new sample
		entry.rtt = (entry.rtt*7 + rtt*3) / 10
	}
	entry.lastSeen = time.Now()
}

// PeerRTT returns the smoothed RTT for a live peer
func (r *Registry) PeerRTT(nodeID string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[nodeID]
	if !ok || entry.rtt == 0 || time.Since(entry.lastSeen) > r.ttl {
		return 0, false
	}
	return entry.rtt, true
}

// Snapshot returns the last announced capabilities of a live peer
func (r *Registry) Snapshot(nodeID string) (models.NodeCapabilitySnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[nodeID]
	if !ok || time.Since(entry.lastSeen) > r.ttl {
		return models.NodeCapabilitySnapshot{}, false
	}
	return entry.snapshot, true
}

// ActivePeers lists live peer IDs in stable order
func (r *Registry) ActivePeers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.peers))
	for id, entry := range r.peers {
		if time.Since(entry.lastSeen) <= r.ttl {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveSnapshots lists the capability snapshots of live peers in stable
// order.
func (r *Registry) ActiveSnapshots() []models.NodeCapabilitySnapshot {
	ids := r.ActivePeers()

	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]models.NodeCapabilitySnapshot, 0, len(ids))
	for _, id := range ids {
		if entry, ok := r.peers[id]; ok {
			snaps = append(snaps, entry.snapshot)
		}
	}
	return snaps
}

// StorageNodes lists live peers that announced the storage capability
func (r *Registry) StorageNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.peers))
	for id, entry := range r.peers {
		if time.Since(entry.lastSeen) <= r.ttl && entry.snapshot.HasCapability(models.TagStorage) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Prune drops expired peers and returns how many were removed
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, entry := range r.peers {
		if time.Since(entry.lastSeen) > r.ttl {
			delete(r.peers, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live peers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, entry := range r.peers {
		if time.Since(entry.lastSeen) <= r.ttl {
			n++
		}
	}
	return n
}
