// Package sync implements the RemoteSyncTransport capability as a
// libp2p stream protocol between a client and one known, paired sync
// server — not a DHT-discovered arbitrary-peer mesh. It is grounded on
// the teacher's libp2p wiring (internal/sync/p2p.go, internal/sync/sync.go)
// but replaces its CRDT state-hash comparison protocol with a push/pull
// page exchange matching internal/syncmanager.Transport.
package sync

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Config tunes the libp2p host backing a Transport.
type Config struct {
	// ListenAddrs are the multiaddrs the local host listens on.
	// Default: /ip4/0.0.0.0/tcp/0 (random port).
	ListenAddrs []string

	// EnableMDNS enables LAN discovery of an already-paired relay by
	// service name, distinct from WAN arbitrary-peer discovery.
	// Default: true.
	EnableMDNS bool

	// AllowlistPath is the path to the trusted-peer allowlist file.
	// Default: "". NewClient does not read it; NewAllowlist takes its
	// data directory directly.
	AllowlistPath string

	// StrictAllowlist names whether peers not on the allowlist are
	// rejected. Default: false. NewClient does not read it; strictness
	// is the strict argument of NewAllowlist.
	StrictAllowlist bool

	// Logger receives diagnostic output (optional).
	Logger Logger

	// PrivateKey is the local host's identity key. Generated if nil.
	PrivateKey crypto.PrivKey

	// RequestTimeout bounds a single push/pull round trip.
	// Default: 30 seconds.
	RequestTimeout time.Duration
}

// Logger is the single-method interface every sync component accepts.
type Logger interface {
	Printf(format string, v ...interface{})
}

// DefaultConfig returns sensible defaults for a client host.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/0"},
		EnableMDNS:     true,
		RequestTimeout: 30 * time.Second,
	}
}

// ProtocolID is the libp2p stream protocol this package speaks.
const ProtocolID = "/formvault/sync/1.0.0"

// ServiceName is the mDNS service tag used to find a paired relay on
// the LAN.
const ServiceName = "_formvault-sync._udp"

// MessageType identifies the kind of framed RPC on the wire.
type MessageType uint8

const (
	MsgPushRequest       MessageType = 1
	MsgPushAck           MessageType = 2
	MsgPullRequest       MessageType = 3
	MsgPullResponse      MessageType = 4
	MsgAuditPushRequest  MessageType = 5
	MsgAuditPushAck      MessageType = 6
	MsgAuditPullRequest  MessageType = 7
	MsgAuditPullResponse MessageType = 8
	MsgError             MessageType = 9
)

// Message is one framed RPC: a type tag and an opaque JSON payload the
// caller decodes according to Type.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the message to bytes.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a message from bytes.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GenerateSessionID creates a unique session identifier: timestamp-random.
func GenerateSessionID() string {
	ts := time.Now().UnixNano()
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	return fmt.Sprintf("%d-%s", ts, hex.EncodeToString(randomBytes))
}
