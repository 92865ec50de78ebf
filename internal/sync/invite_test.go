package sync

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
)

func TestCreateAndParseInvite(t *testing.T) {
	h, err := libp2p.New()
	if err != nil {
		t.Fatalf("failed to create host: %v", err)
	}
	defer h.Close()

	invite, err := CreateInvite(h, 24*time.Hour)
	if err != nil {
		t.Fatalf("failed to create invite: %v", err)
	}

	if invite.PeerID != h.ID().String() {
		t.Error("peer ID mismatch")
	}
	if len(invite.Addresses) == 0 {
		t.Error("should have addresses")
	}
	if invite.IsExpired() {
		t.Error("invite should not be expired")
	}

	code, err := invite.Encode()
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	parsed, err := ParseInvite(code)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}

	if parsed.PeerID != invite.PeerID {
		t.Error("parsed peer ID mismatch")
	}

	addrInfo, err := parsed.ToPeerAddrInfo()
	if err != nil {
		t.Fatalf("failed to build addr info: %v", err)
	}
	if addrInfo.ID.String() != invite.PeerID {
		t.Error("addr info peer ID mismatch")
	}
}

func TestExpiredInvite(t *testing.T) {
	h, _ := libp2p.New()
	defer h.Close()

	invite, _ := CreateInvite(h, -1*time.Second)

	code, _ := invite.Encode()
	_, err := ParseInvite(code)
	if err == nil {
		t.Error("should reject expired invite")
	}
}

func TestInviteQRGeneration(t *testing.T) {
	h, _ := libp2p.New()
	defer h.Close()

	invite, _ := CreateInvite(h, 24*time.Hour)

	png, err := invite.ToQR()
	if err != nil {
		t.Fatalf("failed to generate QR: %v", err)
	}
	if len(png) == 0 {
		t.Error("QR PNG should not be empty")
	}

	qrStr, err := invite.ToQRString()
	if err != nil {
		t.Fatalf("failed to generate QR string: %v", err)
	}
	if len(qrStr) == 0 {
		t.Error("QR string should not be empty")
	}
}
