package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/syncmanager"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ServerBackend is what Server needs from the tenant's stores to
// answer a peer's push/pull requests. eventstore.Store and
// datamanager.Manager supply the methods this wants through a small
// adapter in cmd/formvaultd, keeping this package free of a
// direct entitystore import (the server only ever applies events
// through the datamanager façade, never entities directly).
type ServerBackend interface {
	EventsWithSyncLevel(ctx context.Context, level model.SyncLevel) ([]model.Event, error)
	EventsSince(ctx context.Context, since string, limit int) ([]model.Event, string, error)
	IsEventExisted(ctx context.Context, guid string) (bool, error)
	ApplyIncoming(ctx context.Context, event model.Event) error
	GetAuditTrailSince(ctx context.Context, since string) ([]model.AuditLogEntry, error)
	SaveIncomingAudit(ctx context.Context, entries []model.AuditLogEntry) error
}

// Server answers push/pull RPCs from clients paired by allowlist. One
// Server instance handles exactly one tenant's backend; multi-tenant
// deployments run one Server per tenant over distinct listen ports or
// route by peer identity upstream.
type Server struct {
	host      host.Host
	backend   ServerBackend
	allowlist *Allowlist
	logger    Logger
}

// NewServer registers ProtocolID on h and answers requests from
// allowed peers using backend. allowlist may be nil to accept any
// peer (development/local use only).
func NewServer(h host.Host, backend ServerBackend, allowlist *Allowlist, logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	s := &Server{host: h, backend: backend, allowlist: allowlist, logger: logger}
	h.SetStreamHandler(protocol.ID(ProtocolID), s.handleStream)
	return s
}

func (s *Server) handleStream(stream network.Stream) {
	defer stream.Close()
	stream.SetDeadline(time.Now().Add(30 * time.Second))

	remote := stream.Conn().RemotePeer()
	if s.allowlist != nil && !s.allowlist.IsAllowed(remote) {
		s.logger.Printf("rejected stream from unauthorized peer %s", remote)
		writeMessage(stream, &Message{Type: MsgError, Payload: mustMarshal(errorResponse{Fatal: true, Message: "peer not on allowlist"})})
		return
	}

	req, err := readMessage(stream)
	if err != nil {
		s.logger.Printf("read request from %s: %v", remote, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp := s.dispatch(ctx, req)
	if err := writeMessage(stream, resp); err != nil {
		s.logger.Printf("write response to %s: %v", remote, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Message) *Message {
	switch req.Type {
	case MsgPushRequest:
		return s.handlePush(ctx, req)
	case MsgPullRequest:
		return s.handlePull(ctx, req)
	case MsgAuditPushRequest:
		return s.handleAuditPush(ctx, req)
	case MsgAuditPullRequest:
		return s.handleAuditPull(ctx, req)
	default:
		return errMessage(true, "unknown request type")
	}
}

func (s *Server) handlePush(ctx context.Context, req *Message) *Message {
	var body pushRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errMessage(true, "malformed push request: "+err.Error())
	}

	accepted := make([]string, 0, len(body.Events))
	for _, ev := range body.Events {
		existed, err := s.backend.IsEventExisted(ctx, ev.Guid)
		if err != nil {
			return errMessage(false, "check existing event: "+err.Error())
		}
		if existed {
			accepted = append(accepted, ev.Guid)
			continue
		}
		if err := s.backend.ApplyIncoming(ctx, ev); err != nil {
			s.logger.Printf("reject pushed event %s: %v", ev.Guid, err)
			continue
		}
		accepted = append(accepted, ev.Guid)
	}

	payload, _ := json.Marshal(pushResponse{AcceptedGuids: accepted})
	return &Message{Type: MsgPushAck, SessionID: req.SessionID, Payload: payload}
}

func (s *Server) handlePull(ctx context.Context, req *Message) *Message {
	var body pullRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errMessage(true, "malformed pull request: "+err.Error())
	}

	limit := body.Limit
	if limit <= 0 {
		limit = syncmanager.DefaultPageSize
	}
	events, next, err := s.backend.EventsSince(ctx, body.Since, limit)
	if err != nil {
		return errMessage(false, "load events since cursor: "+err.Error())
	}

	payload, _ := json.Marshal(pullResponse{Events: events, NextCursor: next})
	return &Message{Type: MsgPullResponse, SessionID: req.SessionID, Payload: payload}
}

func (s *Server) handleAuditPush(ctx context.Context, req *Message) *Message {
	var body auditPushRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errMessage(true, "malformed audit push request: "+err.Error())
	}
	if err := s.backend.SaveIncomingAudit(ctx, body.Entries); err != nil {
		return errMessage(false, "save incoming audit entries: "+err.Error())
	}
	return &Message{Type: MsgAuditPushAck, SessionID: req.SessionID}
}

func (s *Server) handleAuditPull(ctx context.Context, req *Message) *Message {
	var body auditPullRequest
	if err := json.Unmarshal(req.Payload, &body); err != nil {
		return errMessage(true, "malformed audit pull request: "+err.Error())
	}
	entries, err := s.backend.GetAuditTrailSince(ctx, body.Since)
	if err != nil {
		return errMessage(false, "load audit trail since cursor: "+err.Error())
	}
	payload, _ := json.Marshal(auditPullResponse{Entries: entries})
	return &Message{Type: MsgAuditPullResponse, SessionID: req.SessionID, Payload: payload}
}

func errMessage(fatal bool, msg string) *Message {
	return &Message{Type: MsgError, Payload: mustMarshal(errorResponse{Fatal: fatal, Message: msg})}
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
