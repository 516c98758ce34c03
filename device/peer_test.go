package device

import (
	"net/netip"
	"testing"

	"github.com/wontun-go/wontun/packet"
	"github.com/wontun-go/wontun/peername"
)

func mustName(t *testing.T, s string) peername.Name {
	t.Helper()
	n, err := peername.New(s)
	if err != nil {
		t.Fatalf("peername.New(%q): %v", s, err)
	}
	return n
}

func TestPeerSetEndpointIdempotent(t *testing.T) {
	p := newPeer(0, NewLogger(LogLevelSilent, ""))
	addr := netip.MustParseAddrPort("203.0.113.9:19988")

	changed, taken := p.SetEndpoint(addr)
	if !changed || taken != nil {
		t.Fatalf("first SetEndpoint: changed=%v taken=%v, want true,nil", changed, taken)
	}

	changed, taken = p.SetEndpoint(addr)
	if changed || taken != nil {
		t.Fatalf("repeat SetEndpoint: changed=%v taken=%v, want false,nil", changed, taken)
	}

	got, _ := p.Endpoint()
	if got != addr {
		t.Fatalf("Endpoint() = %v, want %v", got, addr)
	}
}

func TestPeerSetEndpointMigrationTakesOldConn(t *testing.T) {
	p := newPeer(0, NewLogger(LogLevelSilent, ""))
	first := netip.MustParseAddrPort("203.0.113.9:19988")
	second := netip.MustParseAddrPort("203.0.113.10:19988")

	p.SetEndpoint(first)
	p.epMu.Lock()
	p.epConn = &udpSocket{fd: -1} // stand-in; never touched by SetEndpoint
	p.epMu.Unlock()

	changed, taken := p.SetEndpoint(second)
	if !changed {
		t.Fatal("expected address change to be reported")
	}
	if taken == nil || taken.fd != -1 {
		t.Fatalf("expected the stale connection to be handed back, got %v", taken)
	}

	_, conn := p.Endpoint()
	if conn != nil {
		t.Fatal("new endpoint address must start without a connected socket")
	}
}

func TestPeerHandshakeHappyPath(t *testing.T) {
	log := NewLogger(LogLevelSilent, "")
	initiator := newPeer(0, log)
	responder := newPeer(0, log)

	initiator.SetEndpoint(netip.MustParseAddrPort("203.0.113.1:19988"))

	buf := make([]byte, packet.MaxSegmentSize)
	action := initiator.SendHandshake(mustName(t, "alice"), buf)
	if action.Kind != ActionWriteNetwork {
		t.Fatalf("SendHandshake: got %v, want ActionWriteNetwork", action.Kind)
	}
	if initiator.hsState != handshakeSent {
		t.Fatalf("initiator state = %v, want HandshakeSent", initiator.hsState)
	}

	// A second call while Sent must be a no-op.
	if a := initiator.SendHandshake(mustName(t, "alice"), buf); a.Kind != ActionNone {
		t.Fatalf("repeat SendHandshake: got %v, want ActionNone", a.Kind)
	}

	initPkt, err := packet.Parse(action.Data)
	if err != nil {
		t.Fatalf("parse handshake init: %v", err)
	}

	respBuf := make([]byte, packet.MaxSegmentSize)
	action = responder.HandleIncomingPacket(initPkt, respBuf)
	if action.Kind != ActionWriteNetwork {
		t.Fatalf("responder HandleIncomingPacket: got %v, want ActionWriteNetwork", action.Kind)
	}
	if responder.hsState != handshakeReceived {
		t.Fatalf("responder state = %v, want HandshakeReceived", responder.hsState)
	}

	respPkt, err := packet.Parse(action.Data)
	if err != nil {
		t.Fatalf("parse handshake response: %v", err)
	}

	finalBuf := make([]byte, packet.MaxSegmentSize)
	action = initiator.HandleIncomingPacket(respPkt, finalBuf)
	if action.Kind != ActionWriteNetwork {
		t.Fatalf("initiator HandleIncomingPacket(response): got %v, want ActionWriteNetwork", action.Kind)
	}
	if initiator.hsState != handshakeConnected {
		t.Fatalf("initiator state = %v, want Connected", initiator.hsState)
	}

	primePkt, err := packet.Parse(action.Data)
	if err != nil {
		t.Fatalf("parse priming data: %v", err)
	}
	if primePkt.Kind != packet.KindData || len(primePkt.Data.Payload) != 0 {
		t.Fatalf("priming packet = %+v, want zero-length Data", primePkt)
	}

	action = responder.HandleIncomingPacket(primePkt, respBuf)
	if action.Kind != ActionWriteTun {
		t.Fatalf("responder on priming data: got %v, want ActionWriteTun", action.Kind)
	}
	if responder.hsState != handshakeConnected {
		t.Fatalf("responder state after priming data = %v, want Connected", responder.hsState)
	}
}

func TestPeerConnectedIgnoresStaleResponse(t *testing.T) {
	p := newPeer(0, NewLogger(LogLevelSilent, ""))
	p.hsState = handshakeConnected

	resp := packet.Packet{Kind: packet.KindHandshakeResponse, HandshakeResponse: packet.HandshakeResponse{AssignedIdx: 7}}
	action := p.HandleIncomingPacket(resp, make([]byte, packet.MaxSegmentSize))
	if action.Kind != ActionNone {
		t.Fatalf("stale response while Connected: got %v, want ActionNone", action.Kind)
	}
	if p.hsState != handshakeConnected {
		t.Fatalf("state changed to %v, want to remain Connected", p.hsState)
	}
}

func TestPeerFreshInitReanchorsConnectedPeer(t *testing.T) {
	p := newPeer(0, NewLogger(LogLevelSilent, ""))
	p.hsState = handshakeConnected
	p.hsRemoteIdx = 1

	init := packet.Packet{
		Kind: packet.KindHandshakeInit,
		HandshakeInit: packet.HandshakeInit{
			AssignedIdx: 42,
			SenderName:  peername.Borrowed(make([]byte, peername.Size)),
		},
	}
	action := p.HandleIncomingPacket(init, make([]byte, packet.MaxSegmentSize))
	if action.Kind != ActionWriteNetwork {
		t.Fatalf("fresh init while Connected: got %v, want ActionWriteNetwork", action.Kind)
	}
	if p.hsState != handshakeReceived {
		t.Fatalf("state = %v, want HandshakeReceived", p.hsState)
	}
	if p.hsRemoteIdx != 42 {
		t.Fatalf("hsRemoteIdx = %d, want 42", p.hsRemoteIdx)
	}
}

func TestPeerEncapsulateRequiresConnected(t *testing.T) {
	p := newPeer(0, NewLogger(LogLevelSilent, ""))
	dst := make([]byte, packet.MaxSegmentSize)

	if a := p.Encapsulate([]byte{1, 2, 3}, dst); a.Kind != ActionNone {
		t.Fatalf("Encapsulate before Connected: got %v, want ActionNone", a.Kind)
	}

	p.hsState = handshakeConnected
	p.hsRemoteIdx = 3
	a := p.Encapsulate([]byte{1, 2, 3}, dst)
	if a.Kind != ActionWriteNetwork {
		t.Fatalf("Encapsulate while Connected: got %v, want ActionWriteNetwork", a.Kind)
	}
	parsed, err := packet.Parse(a.Data)
	if err != nil {
		t.Fatalf("parse encapsulated data: %v", err)
	}
	if parsed.Kind != packet.KindData || parsed.Data.SenderIdx != 3 {
		t.Fatalf("parsed = %+v, want Data with SenderIdx 3", parsed)
	}
}

func TestPeerAllowedIPFiltering(t *testing.T) {
	p := newPeer(0, NewLogger(LogLevelSilent, ""))
	if err := p.AddAllowedIP(netip.MustParseAddr("10.0.0.0"), 24); err != nil {
		t.Fatalf("AddAllowedIP: %v", err)
	}

	if !p.IsAllowedIP(netip.MustParseAddr("10.0.0.5")) {
		t.Fatal("10.0.0.5 should be allowed under 10.0.0.0/24")
	}
	if p.IsAllowedIP(netip.MustParseAddr("10.0.1.5")) {
		t.Fatal("10.0.1.5 should not be allowed under 10.0.0.0/24")
	}
}
