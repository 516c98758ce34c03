// Package peername implements the fixed-width peer identifier used both as
// a map key inside Device and as the sender_name field of a HandshakeInit
// on the wire.
package peername

import "fmt"

// Size is the fixed wire width of a peer name, right-padded with zero bytes.
const Size = 100

// Name is the owned, comparable 100-byte view used as a map key and for
// outbound framing.
type Name [Size]byte

// New builds a Name from text, zero-padding it on the right. It fails if
// text is longer than Size bytes.
func New(text string) (Name, error) {
	var n Name
	if len(text) > Size {
		return n, fmt.Errorf("peername: %q is %d bytes, exceeds the %d-byte limit", text, len(text), Size)
	}
	copy(n[:], text)
	return n, nil
}

// String returns the name with trailing zero padding stripped.
func (n Name) String() string {
	i := len(n)
	for i > 0 && n[i-1] == 0 {
		i--
	}
	return string(n[:i])
}

// FromBytes builds a borrowed view over a 100-byte slice without copying.
// It fails if b is not exactly Size bytes long.
func FromBytes(b []byte) (Borrowed, error) {
	if len(b) != Size {
		return nil, fmt.Errorf("peername: borrowed view must be exactly %d bytes, got %d", Size, len(b))
	}
	return Borrowed(b), nil
}

// Borrowed is a zero-copy view over a 100-byte slice, as seen when parsing
// an inbound HandshakeInit. Converting it to a Name (via Owned) copies the
// bytes; comparing it directly against a map key requires that copy because
// Go map keys must be comparable values, not slices.
type Borrowed []byte

// Owned copies the borrowed view into a comparable Name, suitable for use
// as a map key.
func (b Borrowed) Owned() Name {
	var n Name
	copy(n[:], b)
	return n
}

// String returns the name with trailing zero padding stripped.
func (b Borrowed) String() string {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return string(b[:i])
}
