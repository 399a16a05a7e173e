package coordinator

import (
	"sort"
	"sync"
	"time"

	"meshvault/pkg/models"
)

// operation is one tracked unit of work. The record is created before any
// background goroutine starts, so a status query can never miss an accepted
// operation. The done channel closes exactly once, on the first transition
// into a terminal status.
type operation struct {
	mu   sync.Mutex
	info models.OperationInfo
	done chan struct{}
}

// transition moves the operation to a new status, enforcing the lifecycle
// table. Illegal transitions (including terminal-to-anything) are refused.
func (o *operation) transition(to models.OperationStatus, progress int, errMsg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := models.ValidateStatusTransition(o.info.Status, to); err != nil {
		return false
	}
	o.info.Status = to
	if progress > o.info.Progress {
		o.info.Progress = progress
	}
	if errMsg != "" {
		o.info.Error = errMsg
	}
	if models.IsTerminalStatus(to) {
		now := time.Now().UTC()
		o.info.CompletedAt = &now
		close(o.done)
	}
	return true
}

func (o *operation) setProgress(progress int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if progress > o.info.Progress && !models.IsTerminalStatus(o.info.Status) {
		o.info.Progress = progress
	}
}

// setSize records the byte count once it is known, e.g. after a retrieve
// pulled the blob.
func (o *operation) setSize(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.info.SizeBytes = n
}

func (o *operation) snapshot() models.OperationInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info
}

// Done closes when the operation reaches a terminal status
func (o *operation) Done() <-chan struct{} {
	return o.done
}

// operationTracker is the concurrently accessible map of tracked operations
type operationTracker struct {
	mu  sync.RWMutex
	ops map[string]*operation
}

func newOperationTracker() *operationTracker {
	return &operationTracker{ops: make(map[string]*operation)}
}

// Create registers a PENDING record. A second create under the same ID
// returns nil, which callers surface as AlreadyExists.
func (t *operationTracker) Create(id string, kind models.OperationKind, sizeBytes int64) *operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.ops[id]; exists {
		return nil
	}
	op := &operation{
		info: models.OperationInfo{
			ID:        id,
			Kind:      kind,
			Status:    models.StatusPending,
			StartedAt: time.Now().UTC(),
			SizeBytes: sizeBytes,
		},
		done: make(chan struct{}),
	}
	t.ops[id] = op
	return op
}

func (t *operationTracker) get(id string) *operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ops[id]
}

// Get returns a copy of one operation's current state
func (t *operationTracker) Get(id string) (models.OperationInfo, bool) {
	op := t.get(id)
	if op == nil {
		return models.OperationInfo{}, false
	}
	return op.snapshot(), true
}

// List returns every tracked operation, newest first
func (t *operationTracker) List() []models.OperationInfo {
	t.mu.RLock()
	infos := make([]models.OperationInfo, 0, len(t.ops))
	for _, op := range t.ops {
		infos = append(infos, op.snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// ActiveCount reports how many operations have not reached a terminal state
func (t *operationTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	active := 0
	for _, op := range t.ops {
		if !models.IsTerminalStatus(op.snapshot().Status) {
			active++
		}
	}
	return active
}

// Count reports every tracked operation, terminal or not
func (t *operationTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ops)
}

// ClearStale drops terminal records whose completion is older than age and
// returns the IDs it removed.
func (t *operationTracker) ClearStale(age time.Duration) []string {
	cutoff := time.Now().UTC().Add(-age)

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for id, op := range t.ops {
		info := op.snapshot()
		if !models.IsTerminalStatus(info.Status) {
			continue
		}
		if info.CompletedAt != nil && info.CompletedAt.Before(cutoff) {
			delete(t.ops, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// ForceCancel transitions every non-terminal operation to CANCELED and
// returns the records it closed. Used once the graceful shutdown window has
// passed.
func (t *operationTracker) ForceCancel() []models.OperationInfo {
	t.mu.RLock()
	ops := make([]*operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.RUnlock()

	var cleared []models.OperationInfo
	for _, op := range ops {
		if op.transition(models.StatusCanceled, 100, "canceled by shutdown") {
			cleared = append(cleared, op.snapshot())
		}
	}
	return cleared
}

// AwaitSettled waits up to timeout for every operation to finish
func (t *operationTracker) AwaitSettled(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if t.ActiveCount() == 0 {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return t.ActiveCount() == 0
}
