package sync

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/amaydixit11/formvault/internal/model"
	"github.com/amaydixit11/formvault/internal/syncmanager"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// pushRequest/pushResponse/pullRequest/pullResponse are the JSON bodies
// carried inside Message.Payload for each RPC kind.
type pushRequest struct {
	Events []model.Event `json:"events"`
}

type pushResponse struct {
	AcceptedGuids []string `json:"accepted_guids"`
}

type pullRequest struct {
	Since string `json:"since"`
	Limit int    `json:"limit"`
}

type pullResponse struct {
	Events     []model.Event `json:"events"`
	NextCursor string        `json:"next_cursor"`
}

type auditPushRequest struct {
	Entries []model.AuditLogEntry `json:"entries"`
}

type auditPullRequest struct {
	Since string `json:"since"`
}

type auditPullResponse struct {
	Entries []model.AuditLogEntry `json:"entries"`
}

type errorResponse struct {
	Fatal   bool   `json:"fatal"`
	Message string `json:"message"`
}

// Client is a RemoteSyncTransport: it speaks ProtocolID over one
// libp2p stream per RPC to a single known, paired server peer.
// It implements syncmanager.Transport.
type Client struct {
	host     host.Host
	server   peer.ID
	timeout  time.Duration
	logger   Logger
}

var _ syncmanager.Transport = (*Client)(nil)

// NewClient creates a libp2p host listening on cfg.ListenAddrs and wires
// it to talk to the given server peer. The caller is expected to have
// already connected the host to the server (Host().Connect) or rely
// on discovery (Watcher) to do so before the first Push/Pull call.
func NewClient(cfg Config, server peer.AddrInfo) (*Client, error) {
	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	opts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if cfg.PrivateKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivateKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	h.Peerstore().AddAddrs(server.ID, server.Addrs, time.Hour)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Client{host: h, server: server.ID, timeout: timeout, logger: logger}, nil
}

// Close shuts down the underlying host.
func (c *Client) Close() error {
	return c.host.Close()
}

// Host returns the underlying libp2p host, for wiring a Watcher or
// registering an incoming-stream handler atop the same identity.
func (c *Client) Host() host.Host {
	return c.host
}

// Push sends one page of local events to the server and returns which
// guids it accepted.
func (c *Client) Push(ctx context.Context, page []model.Event) (syncmanager.Ack, error) {
	req := pushRequest{Events: page}
	payload, err := json.Marshal(req)
	if err != nil {
		return syncmanager.Ack{}, fmt.Errorf("%w: encode push request: %v", model.ErrTransportFatal, err)
	}

	resp, err := c.roundTrip(ctx, MsgPushRequest, payload)
	if err != nil {
		return syncmanager.Ack{}, err
	}
	if resp.Type != MsgPushAck {
		return syncmanager.Ack{}, c.unexpectedType(resp)
	}

	var out pushResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return syncmanager.Ack{}, fmt.Errorf("%w: decode push ack: %v", model.ErrTransportFatal, err)
	}
	return syncmanager.Ack{AcceptedGuids: out.AcceptedGuids}, nil
}

// Pull fetches one page of remote events newer than since.
func (c *Client) Pull(ctx context.Context, since string, limit int) (syncmanager.PullResult, error) {
	req := pullRequest{Since: since, Limit: limit}
	payload, err := json.Marshal(req)
	if err != nil {
		return syncmanager.PullResult{}, fmt.Errorf("%w: encode pull request: %v", model.ErrTransportFatal, err)
	}

	resp, err := c.roundTrip(ctx, MsgPullRequest, payload)
	if err != nil {
		return syncmanager.PullResult{}, err
	}
	if resp.Type != MsgPullResponse {
		return syncmanager.PullResult{}, c.unexpectedType(resp)
	}

	var out pullResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return syncmanager.PullResult{}, fmt.Errorf("%w: decode pull response: %v", model.ErrTransportFatal, err)
	}
	return syncmanager.PullResult{Events: out.Events, NextCursor: out.NextCursor}, nil
}

// PushAudit ships locally recorded audit entries to the server.
func (c *Client) PushAudit(ctx context.Context, entries []model.AuditLogEntry) error {
	req := auditPushRequest{Entries: entries}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encode audit push request: %v", model.ErrTransportFatal, err)
	}
	resp, err := c.roundTrip(ctx, MsgAuditPushRequest, payload)
	if err != nil {
		return err
	}
	if resp.Type != MsgAuditPushAck {
		return c.unexpectedType(resp)
	}
	return nil
}

// PullAudit fetches audit entries recorded remotely since the cursor.
func (c *Client) PullAudit(ctx context.Context, since string) ([]model.AuditLogEntry, error) {
	req := auditPullRequest{Since: since}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode audit pull request: %v", model.ErrTransportFatal, err)
	}
	resp, err := c.roundTrip(ctx, MsgAuditPullRequest, payload)
	if err != nil {
		return nil, err
	}
	if resp.Type != MsgAuditPullResponse {
		return nil, c.unexpectedType(resp)
	}
	var out auditPullResponse
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: decode audit pull response: %v", model.ErrTransportFatal, err)
	}
	return out.Entries, nil
}

// roundTrip opens one stream to the server, writes a request message,
// and reads back its response. A connection-level failure is
// transient (the caller may retry next sync cycle); a server-reported
// MsgError is classified by its Fatal flag.
func (c *Client) roundTrip(ctx context.Context, kind MessageType, payload []byte) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.host.NewStream(ctx, c.server, protocol.ID(ProtocolID))
	if err != nil {
		return nil, fmt.Errorf("%w: open stream to sync server: %v", model.ErrTransportTransient, err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if ok {
		stream.SetDeadline(deadline)
	}

	req := &Message{Type: kind, SessionID: GenerateSessionID(), Payload: payload}
	if err := writeMessage(stream, req); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", model.ErrTransportTransient, err)
	}

	resp, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", model.ErrTransportTransient, err)
	}

	if resp.Type == MsgError {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(resp.Payload, &errResp); jsonErr == nil && errResp.Message != "" {
			if errResp.Fatal {
				return nil, fmt.Errorf("%w: %s", model.ErrTransportFatal, errResp.Message)
			}
			return nil, fmt.Errorf("%w: %s", model.ErrTransportTransient, errResp.Message)
		}
		return nil, fmt.Errorf("%w: server returned an error", model.ErrTransportTransient)
	}

	return resp, nil
}

func (c *Client) unexpectedType(resp *Message) error {
	return fmt.Errorf("%w: unexpected response type %d", model.ErrTransportFatal, resp.Type)
}

// writeMessage writes a length-prefixed message to the stream, same
// 4-byte big-endian framing the teacher's sync transport used.
func writeMessage(w io.Writer, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// readMessage reads a length-prefixed message from the stream.
func readMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > 10*1024*1024 {
		return nil, fmt.Errorf("message too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return DecodeMessage(data)
}

type noopLogger struct{}

func (noopLogger) Printf(format string, v ...interface{}) {}
