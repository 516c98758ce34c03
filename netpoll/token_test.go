package netpoll

import (
	"math"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	cases := []Token{
		Tun,
		Sock(-1),
		Sock(0),
		Sock(4),
		Sock(math.MaxInt32),
		Sock(math.MinInt32),
	}
	for _, tok := range cases {
		v := encode(tok)
		got, err := decode(v)
		if err != nil {
			t.Fatalf("decode(encode(%+v)): %v", tok, err)
		}
		if got != tok {
			t.Fatalf("round trip = %+v, want %+v", got, tok)
		}
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	if _, err := decode(3 << 32); err == nil {
		t.Fatalf("expected an error for an unknown tag")
	}
}
