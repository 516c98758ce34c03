package device

import (
	"net/netip"

	"github.com/wontun-go/wontun/peername"
)

// DefaultListenPort is the listen port cmd/wontund uses when none is
// given. A Config with ListenPort 0 binds a kernel-assigned port instead.
const DefaultListenPort uint16 = 19988

// DefaultMTU bounds the TUN interface's maximum transmission unit; the
// wire format and scratch buffers are sized against it.
const DefaultMTU = 1500

// Config constructs a Device.
type Config struct {
	Name             peername.Name
	TunName          string
	UseConnectedPeer bool
	ListenPort       uint16
	FWMark           *uint32
	Logger           *Logger
}

// AllowedIP is one (prefix, length) entry in a PeerConfig.
type AllowedIP struct {
	Addr      netip.Addr
	PrefixLen uint8
}

// PeerConfig describes one peer to register with a Device.
type PeerConfig struct {
	Name       peername.Name
	Endpoint   netip.AddrPort // zero value: no preconfigured endpoint
	AllowedIPs []AllowedIP
}
