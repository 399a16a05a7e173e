package mesh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"meshvault/pkg/errdefs"
	"meshvault/pkg/logging"
	"meshvault/pkg/models"
)

// availabilityWindow is how long an availability query collects replies
// before returning what it has.
const availabilityWindow = 2 * time.Second

// Config holds the mesh transport configuration. The inbound limits
// apply to peer traffic handled by the Service, not to outbound calls.
type Config struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PeerTTL        time.Duration `yaml:"peer_ttl"`
	InboundRPS     float64       `yaml:"inbound_rps"`
	InboundBurst   int           `yaml:"inbound_burst"`
}

// DefaultConfig returns mesh settings suitable for a local deployment
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		RequestTimeout: 15 * time.Second,
		PeerTTL:        DefaultPeerTTL,
		InboundRPS:     200,
		InboundBurst:   400,
	}
}

// NATSTransport implements Transport over core NATS request/reply. Each
// node listens on its own subjects; broadcasts use shared subjects.
type NATSTransport struct {
	nodeID   string
	conn     *nats.Conn
	registry *Registry
	timeout  time.Duration
	log      *logging.Logger
}

// NewNATSTransport connects to the mesh broker. The registry is shared with
// the inbound service so announcements and RTT observations land in one
// peer table.
func NewNATSTransport(nodeID string, cfg Config, registry *Registry, log *logging.Logger) (*NATSTransport, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("meshvault-"+nodeID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mesh broker: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &NATSTransport{
		nodeID:   nodeID,
		conn:     conn,
		registry: registry,
		timeout:  timeout,
		log:      log,
	}, nil
}

// Conn exposes the underlying connection for the inbound service
func (t *NATSTransport) Conn() *nats.Conn {
	return t.conn
}

// SendStorageRequest delivers a storage instruction to one peer
func (t *NATSTransport) SendStorageRequest(ctx context.Context, nodeID string, env *StorageEnvelope) (*StorageAck, error) {
	env.From = t.nodeID

	data, err := Encode(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode storage request: %w", err)
	}

	msg, err := t.request(ctx, storageSubject(nodeID), data)
	if err != nil {
		return nil, t.classify(nodeID, err)
	}

	var ack StorageAck
	if err := Decode(msg.Data, &ack); err != nil {
		return nil, errdefs.PeerUnreachable(nodeID, fmt.Errorf("malformed ack: %w", err))
	}
	return &ack, nil
}

// RequestFileFromNode fetches a blob's bytes from one peer
func (t *NATSTransport) RequestFileFromNode(ctx context.Context, nodeID, fileID string) (*FileResponse, error) {
	req := FileRequest{From: t.nodeID, FileID: fileID}

	data, err := Encode(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode file request: %w", err)
	}

	msg, err := t.request(ctx, fetchSubject(nodeID), data)
	if err != nil {
		return nil, t.classify(nodeID, err)
	}

	var resp FileResponse
	if err := Decode(msg.Data, &resp); err != nil {
		return nil, errdefs.PeerUnreachable(nodeID, fmt.Errorf("malformed file response: %w", err))
	}
	return &resp, nil
}

// GetAvailableStorageNodes lists live peers announcing storage capability
func (t *NATSTransport) GetAvailableStorageNodes(ctx context.Context) ([]string, error) {
	if t.conn.Status() != nats.CONNECTED {
		return nil, errdefs.MeshDisconnected(errors.New("broker connection is " + strings.ToLower(t.conn.Status().String())))
	}

	nodes := make([]string, 0)
	for _, id := range t.registry.StorageNodes() {
		if id != t.nodeID {
			nodes = append(nodes, id)
		}
	}
	return nodes, nil
}

// QueryFileAvailability scatter-gathers "who has this blob" across the
// mesh, collecting replies until the window closes.
func (t *NATSTransport) QueryFileAvailability(ctx context.Context, fileID string) ([]string, error) {
	if t.conn.Status() != nats.CONNECTED {
		return nil, errdefs.MeshDisconnected(errors.New("broker connection is " + strings.ToLower(t.conn.Status().String())))
	}

	query := AvailabilityQuery{From: t.nodeID, FileID: fileID}
	data, err := Encode(&query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode availability query: %w", err)
	}

	inbox := t.conn.NewRespInbox()
	sub, err := t.conn.SubscribeSync(inbox)
	if err != nil {
		return nil, errdefs.MeshDisconnected(err)
	}
	defer sub.Unsubscribe()

	if err := t.conn.PublishRequest(availabilitySubj, inbox, data); err != nil {
		return nil, errdefs.MeshDisconnected(err)
	}

	deadline := time.Now().Add(availabilityWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	holders := make([]string, 0)
	seen := make(map[string]bool)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := sub.NextMsg(remaining)
		if err != nil {
			break // window closed
		}
		var reply AvailabilityReply
		if err := Decode(msg.Data, &reply); err != nil {
			continue
		}
		if reply.Has && reply.NodeID != "" && reply.NodeID != t.nodeID && !seen[reply.NodeID] {
			seen[reply.NodeID] = true
			holders = append(holders, reply.NodeID)
		}
	}
	return holders, nil
}

// BroadcastStorageCapability announces this node to the mesh
func (t *NATSTransport) BroadcastStorageCapability(ctx context.Context, ann *models.CapabilityAnnouncement) error {
	data, err := Encode(ann)
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}
	if err := t.conn.Publish(announceSubject, data); err != nil {
		return errdefs.MeshDisconnected(err)
	}
	return nil
}

// Close drains in-flight traffic and closes the broker connection
func (t *NATSTransport) Close() error {
	if t.conn == nil || t.conn.IsClosed() {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}

// PeerRTT reports the smoothed round-trip time observed for a peer
func (t *NATSTransport) PeerRTT(nodeID string) (time.Duration, bool) {
	return t.registry.PeerRTT(nodeID)
}

// request performs one request/reply exchange and feeds the measured RTT
// into the registry on success.
func (t *NATSTransport) request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	rctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	msg, err := t.conn.RequestWithContext(rctx, subject, data)
	if err != nil {
		return nil, err
	}

	// meshvault.node.<id>.<kind>
	parts := strings.Split(subject, ".")
	if len(parts) >= 3 && parts[1] == "node" {
		t.registry.ObserveRTT(parts[2], time.Since(start))
	}
	return msg, nil
}

// classify maps transport failures onto the storage error taxonomy
func (t *NATSTransport) classify(nodeID string, err error) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return errdefs.PeerUnreachable(nodeID, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errdefs.NetworkTimeout("mesh request to "+nodeID, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return errdefs.MeshDisconnected(err)
	default:
		return errdefs.PeerUnreachable(nodeID, err)
	}
}
