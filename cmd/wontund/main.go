// Command wontund starts a wontun data-plane device bound to a TUN
// interface and a set of statically configured peers.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/wontun-go/wontun/device"
	"github.com/wontun-go/wontun/peername"
)

// peerFlag accumulates repeated -peer flags of the form
// name=allowed_ip/len[,allowed_ip/len...][@host:port].
type peerFlag struct {
	configs []device.PeerConfig
}

func (p *peerFlag) String() string {
	names := make([]string, len(p.configs))
	for i, c := range p.configs {
		names[i] = c.Name.String()
	}
	return strings.Join(names, ",")
}

func (p *peerFlag) Set(value string) error {
	name, rest, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("peer %q: expected name=allowed_ips[@endpoint]", value)
	}
	peerName, err := peername.New(name)
	if err != nil {
		return fmt.Errorf("peer %q: %w", value, err)
	}

	cidrs := rest
	var endpoint netip.AddrPort
	if body, ep, found := strings.Cut(rest, "@"); found {
		cidrs = body
		endpoint, err = netip.ParseAddrPort(ep)
		if err != nil {
			return fmt.Errorf("peer %q: endpoint %q: %w", value, ep, err)
		}
	}

	var allowedIPs []device.AllowedIP
	for _, cidr := range strings.Split(cidrs, ",") {
		if cidr == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return fmt.Errorf("peer %q: allowed ip %q: %w", value, cidr, err)
		}
		allowedIPs = append(allowedIPs, device.AllowedIP{
			Addr:      prefix.Addr(),
			PrefixLen: uint8(prefix.Bits()),
		})
	}

	p.configs = append(p.configs, device.PeerConfig{
		Name:       peerName,
		Endpoint:   endpoint,
		AllowedIPs: allowedIPs,
	})
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "wontund:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		name             = flag.String("name", "", "this device's peer name")
		tunName          = flag.String("tun", "wontun0", "TUN interface name")
		listenPort       = flag.Uint("listen-port", uint(device.DefaultListenPort), "UDP listen port")
		fwmark           = flag.Uint("fwmark", 0, "socket firewall mark (0: unset)")
		useConnectedPeer = flag.Bool("connected-peers", true, "open a connected socket per peer once its endpoint is known")
		numThreads       = flag.Int("threads", 4, "number of event-loop worker goroutines")
		logLevel         = flag.String("log-level", "error", "silent, error, or verbose")
	)
	var peers peerFlag
	flag.Var(&peers, "peer", "peer spec: name=allowed_ip/len[,...][@host:port] (repeatable)")
	flag.Parse()

	selfName, err := peername.New(*name)
	if err != nil {
		return fmt.Errorf("-name: %w", err)
	}

	log := device.NewLogger(parseLogLevel(*logLevel), fmt.Sprintf("(%s) ", *name))

	var fwmarkPtr *uint32
	if *fwmark != 0 {
		v := uint32(*fwmark)
		fwmarkPtr = &v
	}

	dev, err := device.New(device.Config{
		Name:             selfName,
		TunName:          *tunName,
		UseConnectedPeer: *useConnectedPeer,
		ListenPort:       uint16(*listenPort),
		FWMark:           fwmarkPtr,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("creating device: %w", err)
	}

	for _, pc := range peers.configs {
		if _, err := dev.AddPeer(pc); err != nil {
			return fmt.Errorf("adding peer %q: %w", pc.Name.String(), err)
		}
	}

	if err := dev.Start(); err != nil {
		return fmt.Errorf("starting device: %w", err)
	}

	return dev.Run(*numThreads)
}

func parseLogLevel(s string) int {
	switch strings.ToLower(s) {
	case "silent":
		return device.LogLevelSilent
	case "verbose":
		return device.LogLevelVerbose
	default:
		return device.LogLevelError
	}
}
