package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"meshvault/pkg/errdefs"
	"meshvault/pkg/logging"
	"meshvault/pkg/models"
	"meshvault/pkg/ratelimit"
	"meshvault/pkg/trust"
)

// handlerTimeout bounds how long one inbound request may run
const handlerTimeout = 30 * time.Second

// Handler is the application-side sink for inbound mesh traffic. The
// storage agent implements it.
type Handler interface {
	// HandleStorageRequest applies a peer's storage instruction and
	// returns the acknowledgement to send back.
	HandleStorageRequest(ctx context.Context, env *StorageEnvelope) *StorageAck

	// HandleFileRequest serves a blob to a peer.
	HandleFileRequest(ctx context.Context, req *FileRequest) *FileResponse

	// HasFile reports whether this node holds a verified copy of the blob.
	HasFile(fileID string) bool
}

// Service is the inbound half of the mesh: it listens on this node's
// subjects, gates traffic through trust and rate limiting, and dispatches
// to the handler.
type Service struct {
	nodeID     string
	conn       *nats.Conn
	registry   *Registry
	handler    Handler
	authorizer trust.Authorizer
	limiter    *ratelimit.Limiter
	log        *logging.Logger

	subs []*nats.Subscription
}

// NewService wires the inbound dispatcher. The limiter is keyed by peer
// node ID and applies only to storage and fetch traffic.
func NewService(nodeID string, transport *NATSTransport, registry *Registry, handler Handler, authorizer trust.Authorizer, limiter *ratelimit.Limiter, log *logging.Logger) *Service {
	return &Service{
		nodeID:     nodeID,
		conn:       transport.Conn(),
		registry:   registry,
		handler:    handler,
		authorizer: authorizer,
		limiter:    limiter,
		log:        log,
	}
}

// Start subscribes to this node's subjects and the mesh broadcasts
func (s *Service) Start() error {
	subscriptions := []struct {
		subject string
		cb      nats.MsgHandler
	}{
		{storageSubject(s.nodeID), s.onStorageRequest},
		{fetchSubject(s.nodeID), s.onFileRequest},
		{announceSubject, s.onAnnouncement},
		{availabilitySubj, s.onAvailabilityQuery},
	}

	for _, sub := range subscriptions {
		ns, err := s.conn.Subscribe(sub.subject, sub.cb)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", sub.subject, err)
		}
		s.subs = append(s.subs, ns)
	}

	s.log.Info("Mesh service listening",
		logging.String("node_id", s.nodeID),
		logging.Int("subjects", len(s.subs)))
	return nil
}

// Stop unsubscribes from all subjects
func (s *Service) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Service) onStorageRequest(msg *nats.Msg) {
	var env StorageEnvelope
	if err := Decode(msg.Data, &env); err != nil {
		s.log.Warn("Dropping malformed storage request", logging.Error(err))
		return
	}

	if !s.authorizer.IsAuthorized(env.From) {
		s.respond(msg, &StorageAck{
			NodeID:  s.nodeID,
			Success: false,
			Error:   NewWireError(errdefs.UntrustedSource(env.From)),
		})
		return
	}
	if !s.limiter.Allow(env.From) {
		// Shed load: the peer sees a timeout and retries.
		s.log.Warn("Rate limiting peer storage traffic", logging.String("peer", env.From))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	ack := s.handler.HandleStorageRequest(ctx, &env)
	s.respond(msg, ack)
}

func (s *Service) onFileRequest(msg *nats.Msg) {
	var req FileRequest
	if err := Decode(msg.Data, &req); err != nil {
		s.log.Warn("Dropping malformed file request", logging.Error(err))
		return
	}

	if !s.authorizer.IsAuthorized(req.From) {
		s.respond(msg, &FileResponse{
			NodeID: s.nodeID,
			Found:  false,
			Error:  NewWireError(errdefs.UntrustedSource(req.From)),
		})
		return
	}
	if !s.limiter.Allow(req.From) {
		s.log.Warn("Rate limiting peer fetch traffic", logging.String("peer", req.From))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	resp := s.handler.HandleFileRequest(ctx, &req)
	s.respond(msg, resp)
}

func (s *Service) onAnnouncement(msg *nats.Msg) {
	var ann models.CapabilityAnnouncement
	if err := Decode(msg.Data, &ann); err != nil {
		return
	}
	if ann.Node.NodeID == "" || ann.Node.NodeID == s.nodeID {
		return // own broadcast loops back
	}
	if !s.authorizer.IsAuthorized(ann.Node.NodeID) {
		return
	}
	s.registry.Observe(&ann)
}

func (s *Service) onAvailabilityQuery(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	var query AvailabilityQuery
	if err := Decode(msg.Data, &query); err != nil {
		return
	}
	if query.From == s.nodeID || !s.authorizer.IsAuthorized(query.From) {
		return
	}
	// Only holders answer; silence means no.
	if !s.handler.HasFile(query.FileID) {
		return
	}
	s.respond(msg, &AvailabilityReply{NodeID: s.nodeID, Has: true})
}

func (s *Service) respond(msg *nats.Msg, v interface{}) {
	if msg.Reply == "" {
		return
	}
	data, err := Encode(v)
	if err != nil {
		s.log.Error("Failed to encode mesh reply", logging.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("Failed to send mesh reply", logging.Error(err))
	}
}
