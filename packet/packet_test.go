package packet

import (
	"bytes"
	"testing"

	"github.com/wontun-go/wontun/peername"
)

func TestParseEmpty(t *testing.T) {
	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if p.Kind != KindEmpty {
		t.Fatalf("Kind = %v, want KindEmpty", p.Kind)
	}
}

func TestParseMalformedHandshakeInit(t *testing.T) {
	buf := make([]byte, 8)
	buf[0] = tagHandshakeInit
	_, err := Parse(buf)
	if err == nil {
		t.Fatalf("expected a ParseError for a truncated HandshakeInit")
	}
	var perr *ParseError
	if !asParseError(err, &perr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if ok {
		*target = pe
	}
	return ok
}

func TestRoundTripHandshakeInit(t *testing.T) {
	name, err := peername.New("alice")
	if err != nil {
		t.Fatalf("peername.New: %v", err)
	}
	buf := make([]byte, MaxSegmentSize)
	n := FormatHandshakeInit(buf, 7, name)

	p, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Kind != KindHandshakeInit {
		t.Fatalf("Kind = %v, want KindHandshakeInit", p.Kind)
	}
	if p.HandshakeInit.AssignedIdx != 7 {
		t.Fatalf("AssignedIdx = %d, want 7", p.HandshakeInit.AssignedIdx)
	}
	if p.HandshakeInit.SenderName.Owned() != name {
		t.Fatalf("SenderName did not round-trip")
	}
}

func TestRoundTripHandshakeResponse(t *testing.T) {
	buf := make([]byte, MaxSegmentSize)
	n := FormatHandshakeResponse(buf, 3, 9)

	p, err := Parse(buf[:n])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Kind != KindHandshakeResponse {
		t.Fatalf("Kind = %v, want KindHandshakeResponse", p.Kind)
	}
	if p.HandshakeResponse.AssignedIdx != 3 || p.HandshakeResponse.SenderIdx != 9 {
		t.Fatalf("got %+v, want AssignedIdx=3 SenderIdx=9", p.HandshakeResponse)
	}
}

func TestRoundTripData(t *testing.T) {
	for _, payloadLen := range []int{0, 1, 1499} {
		payload := bytes.Repeat([]byte{0xAB}, payloadLen)
		buf := make([]byte, MaxSegmentSize)
		n := FormatData(buf, 42, payload)

		p, err := Parse(buf[:n])
		if err != nil {
			t.Fatalf("Parse (len=%d): %v", payloadLen, err)
		}
		if p.Kind != KindData {
			t.Fatalf("Kind = %v, want KindData", p.Kind)
		}
		if p.Data.SenderIdx != 42 {
			t.Fatalf("SenderIdx = %d, want 42", p.Data.SenderIdx)
		}
		if !bytes.Equal(p.Data.Payload, payload) {
			t.Fatalf("payload did not round-trip for len=%d", payloadLen)
		}
	}
}

func TestParseUnknownTagIsProtocolError(t *testing.T) {
	_, err := Parse([]byte{0xFF, 1, 2, 3})
	if err == nil {
		t.Fatalf("expected a ParseError for an unknown tag")
	}
}
