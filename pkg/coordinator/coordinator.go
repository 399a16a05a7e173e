// Package coordinator ties the storage agent and the task scheduler into one
// service with a tracked-operation lifecycle. Every store, retrieve, delete,
// download, and compute submission is recorded before any background work
// starts, background failures land in the record instead of escaping, and
// shutdown gives in-flight work a bounded grace window before forcing the
// remainder closed.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"meshvault/pkg/errdefs"
	"meshvault/pkg/hardware"
	"meshvault/pkg/logging"
	"meshvault/pkg/mesh"
	"meshvault/pkg/metrics"
	"meshvault/pkg/models"
	"meshvault/pkg/retry"
	"meshvault/pkg/scheduler"
	"meshvault/pkg/storage"
	"meshvault/pkg/tracing"
)

// Config holds the coordinator's loop intervals and shutdown policy
type Config struct {
	StatisticsInterval  time.Duration `yaml:"statistics_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	StaleOperationAge   time.Duration `yaml:"stale_operation_age"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	ReplicationFactor   int           `yaml:"replication_factor"`
	DataDir             string        `yaml:"data_dir"`
	Tags                []string      `yaml:"tags"`
}

// DefaultConfig returns the intervals the daemon ships with
func DefaultConfig() Config {
	return Config{
		StatisticsInterval:  30 * time.Second,
		CleanupInterval:     10 * time.Minute,
		MaintenanceInterval: time.Hour,
		StaleOperationAge:   time.Hour,
		ShutdownGrace:       10 * time.Second,
		ReplicationFactor:   2,
	}
}

// Coordinator is the service facade over storage and scheduling
type Coordinator struct {
	nodeID    string
	cfg       Config
	agent     *storage.Agent
	scheduler *scheduler.Scheduler
	transport mesh.Transport
	registry  *mesh.Registry
	ops       *operationTracker
	metrics   *metrics.Metrics
	tracer    *tracing.Provider
	log       *logging.Logger

	active    atomic.Bool
	startedAt time.Time
	opSeq     atomic.Int64

	tasksCompleted  atomic.Int64
	tasksFailed     atomic.Int64
	tasksCanceled   atomic.Int64
	storageRequests atomic.Int64
	storageErrors   atomic.Int64
	bytesProcessed  atomic.Int64

	planMu  sync.RWMutex
	plans   map[string]*models.ExecutionPlan
	results map[string][]models.TaskExecutionResult

	// Lifecycle channels are rebuilt on every Start so the coordinator can
	// be restarted after a Stop.
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	stopCh      chan struct{}
	statsDone   chan struct{}
	cleanupDone chan struct{}
	maintDone   chan struct{}
}

// New wires a coordinator. It does not start any loops; call Start.
func New(nodeID string, cfg Config, agent *storage.Agent, sched *scheduler.Scheduler, transport mesh.Transport, registry *mesh.Registry, m *metrics.Metrics, tracer *tracing.Provider, log *logging.Logger) *Coordinator {
	if cfg.StatisticsInterval <= 0 {
		cfg.StatisticsInterval = DefaultConfig().StatisticsInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultConfig().MaintenanceInterval
	}
	if cfg.StaleOperationAge <= 0 {
		cfg.StaleOperationAge = DefaultConfig().StaleOperationAge
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = DefaultConfig().ReplicationFactor
	}
	return &Coordinator{
		nodeID:    nodeID,
		cfg:       cfg,
		agent:     agent,
		scheduler: sched,
		transport: transport,
		registry:  registry,
		ops:       newOperationTracker(),
		metrics:   m,
		tracer:    tracer,
		log:       log.Named("coordinator"),
		plans:     make(map[string]*models.ExecutionPlan),
		results:   make(map[string][]models.TaskExecutionResult),
	}
}

// NodeID returns this node's mesh identifier
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// Active reports whether the coordinator is running
func (c *Coordinator) Active() bool {
	return c.active.Load()
}

// Start flips the service active and launches the maintenance loops. Starting
// an already active coordinator fails without side effects.
func (c *Coordinator) Start() error {
	if !c.active.CompareAndSwap(false, true) {
		return errors.New("coordinator is already active")
	}

	c.startedAt = time.Now().UTC()
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	c.stopCh = make(chan struct{})
	c.statsDone = make(chan struct{})
	c.cleanupDone = make(chan struct{})
	c.maintDone = make(chan struct{})

	go c.statisticsLoop()
	go c.cleanupLoop()
	go c.maintenanceLoop()

	// Register mesh presence immediately rather than waiting a full
	// statistics tick.
	c.announce(c.baseCtx)

	c.log.Info("Coordinator started",
		logging.String("node_id", c.nodeID),
		logging.Duration("statistics_interval", c.cfg.StatisticsInterval),
		logging.Duration("cleanup_interval", c.cfg.CleanupInterval),
		logging.Duration("maintenance_interval", c.cfg.MaintenanceInterval))
	return nil
}

// Stop flips the service inactive, broadcasts a departure so peers drop the
// node immediately, waits out the grace window for loops and in-flight
// operations, then force-cancels whatever remains. Stopping an inactive
// coordinator fails without side effects.
func (c *Coordinator) Stop() error {
	if !c.active.CompareAndSwap(true, false) {
		return errors.New("coordinator is not active")
	}

	c.log.Info("Stopping coordinator")
	c.withdraw()
	close(c.stopCh)

	loopsDone := make(chan struct{})
	go func() {
		<-c.statsDone
		<-c.cleanupDone
		<-c.maintDone
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-time.After(c.cfg.ShutdownGrace):
		c.log.Warn("Maintenance loops did not stop within grace window")
	}

	if !c.ops.AwaitSettled(c.cfg.ShutdownGrace) {
		c.baseCancel()
		cleared := c.ops.ForceCancel()
		for _, info := range cleared {
			c.recordOutcome(info)
		}
		c.log.Warn("Forced cancellation of in-flight operations",
			logging.Int("count", len(cleared)))
	}
	c.baseCancel()

	c.log.Info("Coordinator stopped",
		logging.Duration("uptime", time.Since(c.startedAt)))
	return nil
}

// StoreFile accepts bytes for asynchronous storage and replication. The
// operation record exists before this returns, keyed by the new file ID, so
// the caller can poll TaskStatus with the returned ID right away.
func (c *Coordinator) StoreFile(name string, data []byte, tags []string) (string, error) {
	if !c.active.Load() {
		return "", errors.New("coordinator is not active")
	}

	fileID := uuid.NewString()
	op := c.ops.Create(fileID, models.OperationStore, int64(len(data)))
	if op == nil {
		return "", errdefs.AlreadyExists(fileID)
	}
	c.storageRequests.Add(1)

	req := &models.StorageRequest{
		FileID:            fileID,
		Data:              data,
		OriginalName:      name,
		Tags:              tags,
		ReplicationFactor: c.cfg.ReplicationFactor,
	}
	c.run(op, "coordinator.store", func(ctx context.Context) error {
		resp := c.agent.Store(ctx, req)
		if !resp.Success {
			if resp.Err != nil {
				return resp.Err
			}
			return fmt.Errorf("store %s failed", fileID)
		}
		return nil
	})
	return fileID, nil
}

// StoreFileStream stores from a reader synchronously. Used for large uploads
// where buffering the whole body first would defeat the point.
func (c *Coordinator) StoreFileStream(ctx context.Context, name string, r io.Reader, sizeBytes int64, tags []string) (string, error) {
	if !c.active.Load() {
		return "", errors.New("coordinator is not active")
	}

	fileID := uuid.NewString()
	op := c.ops.Create(fileID, models.OperationStore, sizeBytes)
	if op == nil {
		return "", errdefs.AlreadyExists(fileID)
	}
	c.storageRequests.Add(1)

	req := &models.StorageRequest{
		FileID:            fileID,
		OriginalName:      name,
		Tags:              tags,
		ReplicationFactor: c.cfg.ReplicationFactor,
	}
	err := c.track(ctx, op, "coordinator.store_stream", func(ctx context.Context) error {
		resp := c.agent.StoreFromStream(ctx, req, r)
		if !resp.Success {
			if resp.Err != nil {
				return resp.Err
			}
			return fmt.Errorf("store %s failed", fileID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fileID, nil
}

// RetrieveFile fetches a blob's bytes, trying local then replicas
func (c *Coordinator) RetrieveFile(ctx context.Context, fileID string) ([]byte, error) {
	if !c.active.Load() {
		return nil, errors.New("coordinator is not active")
	}

	op := c.ops.Create(c.syntheticOpID(fileID, "retrieve"), models.OperationRetrieve, 0)
	c.storageRequests.Add(1)

	var data []byte
	err := c.track(ctx, op, "coordinator.retrieve", func(ctx context.Context) error {
		resp := c.agent.Retrieve(ctx, &models.RetrievalRequest{FileID: fileID})
		if !resp.Success {
			if resp.Err != nil {
				return resp.Err
			}
			return fmt.Errorf("retrieve %s failed", fileID)
		}
		data = resp.Data
		op.setSize(int64(len(data)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteFile removes a blob locally and best-effort on its replicas
func (c *Coordinator) DeleteFile(ctx context.Context, fileID string) (bool, error) {
	if !c.active.Load() {
		return false, errors.New("coordinator is not active")
	}

	op := c.ops.Create(c.syntheticOpID(fileID, "delete"), models.OperationDelete, 0)
	c.storageRequests.Add(1)

	err := c.track(ctx, op, "coordinator.delete", func(ctx context.Context) error {
		resp := c.agent.Delete(ctx, fileID)
		if !resp.Success {
			if resp.Err != nil {
				return resp.Err
			}
			return fmt.Errorf("delete %s failed", fileID)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// DownloadShared pulls the bytes of a blob a peer shared with this node
func (c *Coordinator) DownloadShared(ctx context.Context, fileID string) (*models.DownloadResult, error) {
	if !c.active.Load() {
		return nil, errors.New("coordinator is not active")
	}

	op := c.ops.Create(c.syntheticOpID(fileID, "download"), models.OperationDownload, 0)
	c.storageRequests.Add(1)

	var result *models.DownloadResult
	err := c.track(ctx, op, "coordinator.download_shared", func(ctx context.Context) error {
		result = c.agent.DownloadShared(ctx, fileID)
		if !result.Success {
			if result.Err != nil {
				return result.Err
			}
			return fmt.Errorf("download %s failed", fileID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SubmitComputeJob schedules a job in the background and returns the
// operation ID to poll. Execution of the resulting plan is simulated task by
// task; real dispatch to remote nodes is not implemented.
func (c *Coordinator) SubmitComputeJob(job *models.ComputeJob) (string, error) {
	if !c.active.Load() {
		return "", errors.New("coordinator is not active")
	}
	if job == nil {
		return "", errors.New("job is required")
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}

	op := c.ops.Create(job.JobID, models.OperationCompute, int64(len(job.Payload)))
	if op == nil {
		return "", errdefs.AlreadyExists(job.JobID)
	}

	c.run(op, "coordinator.compute", func(ctx context.Context) error {
		plan, err := c.scheduler.ScheduleJob(ctx, job)
		if err != nil {
			return err
		}
		c.planMu.Lock()
		c.plans[job.JobID] = plan
		c.planMu.Unlock()
		op.setProgress(40)

		results, err := c.executePlan(ctx, op, plan)
		if err != nil {
			return err
		}
		c.planMu.Lock()
		c.results[job.JobID] = results
		c.planMu.Unlock()
		return nil
	})
	return job.JobID, nil
}

// executePlan walks the plan level by level and synthesizes a result per
// task. Progress advances from 40 to 95 across levels.
func (c *Coordinator) executePlan(ctx context.Context, op *operation, plan *models.ExecutionPlan) ([]models.TaskExecutionResult, error) {
	byID := make(map[string]models.ComputeTask, len(plan.Tasks))
	for _, task := range plan.Tasks {
		byID[task.TaskID()] = task
	}

	results := make([]models.TaskExecutionResult, 0, len(plan.Tasks))
	for i, level := range plan.ExecutionLevels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, taskID := range level {
			node := plan.Assignments[taskID]
			var durationMs int64
			if task, ok := byID[taskID]; ok {
				durationMs = task.EstimatedExecutionMs()
			}
			results = append(results, models.TaskExecutionResult{
				TaskID:     taskID,
				NodeID:     node,
				Success:    true,
				Output:     []byte(fmt.Sprintf("task %s completed on %s", taskID, node)),
				DurationMs: durationMs,
			})
		}
		if levels := len(plan.ExecutionLevels); levels > 0 {
			op.setProgress(40 + (i+1)*55/levels)
		}
	}
	return results, nil
}

// TaskStatus returns the current record for one operation
func (c *Coordinator) TaskStatus(id string) (models.OperationInfo, bool) {
	return c.ops.Get(id)
}

// ListOperations returns every tracked operation, newest first
func (c *Coordinator) ListOperations() []models.OperationInfo {
	return c.ops.List()
}

// CancelTask cancels a tracked operation. This is local bookkeeping: a task
// already dispatched to a peer is not recalled. The canceled record stays
// visible until stale cleanup removes it.
func (c *Coordinator) CancelTask(id string) bool {
	op := c.ops.get(id)
	if op == nil {
		return false
	}
	return c.finish(op, models.StatusCanceled, 100, "canceled by caller")
}

// ExecutionPlanFor returns the plan produced for a scheduled job
func (c *Coordinator) ExecutionPlanFor(jobID string) (*models.ExecutionPlan, bool) {
	c.planMu.RLock()
	defer c.planMu.RUnlock()
	plan, ok := c.plans[jobID]
	return plan, ok
}

// ResultsFor returns the synthesized task results for a finished job
func (c *Coordinator) ResultsFor(jobID string) ([]models.TaskExecutionResult, bool) {
	c.planMu.RLock()
	defer c.planMu.RUnlock()
	results, ok := c.results[jobID]
	return results, ok
}

// ListFiles returns metadata for every locally stored blob
func (c *Coordinator) ListFiles() ([]*models.BlobMetadata, error) {
	return c.agent.ListBlobs()
}

// FileInfo returns metadata for one blob
func (c *Coordinator) FileInfo(fileID string) (*models.BlobMetadata, error) {
	return c.agent.GetBlob(fileID)
}

// VerifyFile recomputes a blob's checksum against its recorded one
func (c *Coordinator) VerifyFile(fileID string) (bool, error) {
	return c.agent.VerifyIntegrity(fileID)
}

// SharedFiles lists blobs peers have shared with this node
func (c *Coordinator) SharedFiles() ([]*models.SharedBlobMetadata, error) {
	return c.agent.SharedWithMe()
}

// DismissShared drops a shared entry and any downloaded copy
func (c *Coordinator) DismissShared(fileID string) error {
	return c.agent.RemoveShared(fileID)
}

// ShareFile announces one of our blobs to a peer
func (c *Coordinator) ShareFile(ctx context.Context, fileID, peer string) error {
	return c.agent.ShareBlob(ctx, fileID, peer)
}

// Peers returns the capability snapshots of every active mesh peer
func (c *Coordinator) Peers() []models.NodeCapabilitySnapshot {
	return c.registry.ActiveSnapshots()
}

// Capabilities returns this node's current capability snapshot
func (c *Coordinator) Capabilities() (*models.NodeCapabilitySnapshot, error) {
	snap, err := hardware.Snapshot(c.nodeID, c.cfg.DataDir, c.cfg.Tags)
	if err != nil {
		return nil, err
	}
	snap.CurrentLoad = c.ops.ActiveCount()
	snap.LastSeen = time.Now().UTC()
	return snap, nil
}

// Statistics reports the service counters. The mesh contribution score is
// the percentage of attempted compute tasks that completed.
func (c *Coordinator) Statistics() models.ServiceStatistics {
	completed := c.tasksCompleted.Load()
	failed := c.tasksFailed.Load()
	canceled := c.tasksCanceled.Load()

	score := 0.0
	if attempted := completed + failed + canceled; attempted > 0 {
		score = float64(completed) / float64(attempted) * 100
	}

	stats := models.ServiceStatistics{
		TasksCompleted:        completed,
		TasksFailed:           failed,
		TasksCanceled:         canceled,
		StorageRequests:       c.storageRequests.Load(),
		StorageErrors:         c.storageErrors.Load(),
		BytesProcessed:        c.bytesProcessed.Load(),
		MeshContributionScore: score,
		StartedAt:             c.startedAt,
	}
	if !c.startedAt.IsZero() {
		stats.UptimeSeconds = time.Since(c.startedAt).Seconds()
	}
	return stats
}

// run executes fn in the background against the coordinator's base context.
// Failures and panics end in the operation record, never in the caller.
func (c *Coordinator) run(op *operation, name string, fn func(context.Context) error) {
	go func() {
		_ = c.track(c.baseCtx, op, name, fn)
	}()
}

// track moves the record through in_progress to a terminal status around fn.
// A structured storage error lands as FAILED; a panic or untyped error lands
// as ERROR.
func (c *Coordinator) track(ctx context.Context, op *operation, name string, fn func(context.Context) error) (err error) {
	info := op.snapshot()
	ctx, span := c.tracer.StartSpan(ctx, name,
		attribute.String("operation.id", info.ID),
		attribute.String("operation.kind", string(info.Kind)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Background operation panicked",
				logging.String("operation_id", info.ID),
				logging.Any("panic", r))
			c.finish(op, models.StatusError, 100, fmt.Sprintf("panic: %v", r))
			err = fmt.Errorf("operation %s panicked: %v", info.ID, r)
		}
	}()

	if !op.transition(models.StatusInProgress, 5, "") {
		return errors.New("operation was canceled before it started")
	}

	if err := fn(ctx); err != nil {
		tracing.SetError(ctx, err)
		var se *errdefs.StorageError
		if errors.As(err, &se) {
			c.finish(op, models.StatusFailed, 100, se.Error())
		} else {
			c.finish(op, models.StatusError, 100, err.Error())
		}
		return err
	}

	c.finish(op, models.StatusCompleted, 100, "")
	return nil
}

// finish applies a terminal transition and, if it took effect, folds the
// outcome into the service counters.
func (c *Coordinator) finish(op *operation, to models.OperationStatus, progress int, msg string) bool {
	if !op.transition(to, progress, msg) {
		return false
	}
	c.recordOutcome(op.snapshot())
	return true
}

func (c *Coordinator) recordOutcome(info models.OperationInfo) {
	switch info.Kind {
	case models.OperationCompute:
		switch info.Status {
		case models.StatusCompleted:
			c.tasksCompleted.Add(1)
		case models.StatusCanceled:
			c.tasksCanceled.Add(1)
		case models.StatusFailed, models.StatusError:
			c.tasksFailed.Add(1)
		}
	default:
		if info.Status == models.StatusFailed || info.Status == models.StatusError {
			c.storageErrors.Add(1)
		}
	}
	if info.Status == models.StatusCompleted && info.SizeBytes > 0 {
		c.bytesProcessed.Add(info.SizeBytes)
	}
}

// syntheticOpID builds a unique record ID for operations that can repeat on
// the same file, unlike store, whose record is keyed by the file ID itself.
func (c *Coordinator) syntheticOpID(fileID, verb string) string {
	return fmt.Sprintf("%s-%s-%d", fileID, verb, c.opSeq.Add(1))
}

// announce broadcasts this node's capabilities to the mesh, retrying
// recoverable transport failures.
func (c *Coordinator) announce(ctx context.Context) {
	snap, err := c.Capabilities()
	if err != nil {
		c.log.Warn("Capability detection failed", logging.Error(err))
		return
	}
	ann := &models.CapabilityAnnouncement{Node: *snap, SentAt: time.Now().UTC()}

	err = retry.DoRecoverable(ctx, retry.DefaultConfig(), func() error {
		return c.transport.BroadcastStorageCapability(ctx, ann)
	})
	if err != nil {
		c.log.Warn("Capability broadcast failed", logging.Error(err))
	}
}

// withdraw broadcasts a final departing announcement so peers deregister the
// node without waiting out their TTLs. Best effort: a dead transport only
// costs the peers a slower expiry.
func (c *Coordinator) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ann := &models.CapabilityAnnouncement{
		Node:      models.NodeCapabilitySnapshot{NodeID: c.nodeID},
		SentAt:    time.Now().UTC(),
		Departing: true,
	}
	if err := c.transport.BroadcastStorageCapability(ctx, ann); err != nil {
		c.log.Warn("Departure broadcast failed", logging.Error(err))
	}
}

// statisticsLoop refreshes gauges and re-announces mesh presence
func (c *Coordinator) statisticsLoop() {
	defer close(c.statsDone)

	ticker := time.NewTicker(c.cfg.StatisticsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned := c.registry.Prune()
			if pruned > 0 {
				c.log.Debug("Expired stale peers", logging.Int("count", pruned))
			}
			c.metrics.SetKnownPeers(c.registry.Count())
			c.metrics.SetTrackedOperations(c.ops.Count())
			c.metrics.SetUsedBytes(c.agent.UsedBytes())
			c.announce(c.baseCtx)
		case <-c.stopCh:
			return
		}
	}
}

// cleanupLoop drops terminal operation records past the stale age, plus
// their retained plans and results.
func (c *Coordinator) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := c.ops.ClearStale(c.cfg.StaleOperationAge)
			if len(removed) == 0 {
				continue
			}
			c.planMu.Lock()
			for _, id := range removed {
				delete(c.plans, id)
				delete(c.results, id)
			}
			c.planMu.Unlock()
			c.log.Debug("Cleared stale operations", logging.Int("count", len(removed)))
		case <-c.stopCh:
			return
		}
	}
}

// maintenanceLoop runs storage eviction and reverification
func (c *Coordinator) maintenanceLoop() {
	defer close(c.maintDone)

	ticker := time.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := c.agent.PerformMaintenance(c.baseCtx)
			c.log.Info("Storage maintenance finished",
				logging.Int("evicted", report.EvictedBlobs),
				logging.Int("verified", report.VerifiedBlobs),
				logging.Strings("corrupt", report.CorruptBlobs))
		case <-c.stopCh:
			return
		}
	}
}
