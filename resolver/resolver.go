// Package resolver maps a requested interface name / IP address / port
// triple to a concrete local UDP bind address.
//
// Precedence: an interface name wins over a literal IP; if neither is given
// the endpoint binds the wildcard address (all interfaces). Resolution
// failures are classified invalid and surface as errors.ErrAddress.
package resolver

import (
	"fmt"
	"net"
	"strings"

	"github.com/c360/udpkit/errors"
)

// Default candidate range for the ephemeral port probe. The range sits at
// the bottom of the IANA dynamic port block.
const (
	DefaultProbeStart = 49152
	DefaultProbeCount = 64
)

// Request describes the desired local binding.
type Request struct {
	// Interface is a network interface name (e.g. "eth0"). Takes
	// precedence over IP when both are set.
	Interface string

	// IP is a literal IPv4 or IPv6 address, without brackets.
	IP string

	// Port is the local UDP port. Zero requests an ephemeral port.
	Port int
}

// Resolve converts a Request into a concrete *net.UDPAddr. A zero-value
// Request resolves to the wildcard address with an ephemeral port.
func Resolve(req Request) (*net.UDPAddr, error) {
	if req.Port < 0 || req.Port > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrAddress, req.Port),
			"resolver", "Resolve", "port validation")
	}

	if req.Interface != "" {
		ip, err := interfaceIP(req.Interface)
		if err != nil {
			return nil, err
		}
		return &net.UDPAddr{IP: ip, Port: req.Port}, nil
	}

	if req.IP != "" {
		if strings.ContainsAny(req.IP, "[]") {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: address %q must not contain brackets", errors.ErrAddress, req.IP),
				"resolver", "Resolve", "address validation")
		}
		ip := net.ParseIP(req.IP)
		if ip == nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %q is not a literal IP address", errors.ErrAddress, req.IP),
				"resolver", "Resolve", "address validation")
		}
		return &net.UDPAddr{IP: ip, Port: req.Port}, nil
	}

	// Wildcard: all interfaces
	return &net.UDPAddr{IP: net.IPv4zero, Port: req.Port}, nil
}

// interfaceIP returns the first usable unicast address of the named
// interface, preferring IPv4 over IPv6.
func interfaceIP(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: interface %q: %v", errors.ErrAddress, name, err),
			"resolver", "interfaceIP", "interface lookup")
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: interface %q addresses: %v", errors.ErrAddress, name, err),
			"resolver", "interfaceIP", "address enumeration")
	}

	var fallback net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
		if fallback == nil {
			fallback = ipNet.IP
		}
	}
	if fallback != nil {
		return fallback, nil
	}

	return nil, errors.WrapInvalid(
		fmt.Errorf("%w: interface %q has no usable unicast address", errors.ErrAddress, name),
		"resolver", "interfaceIP", "address selection")
}

// FreePort searches a bounded range of candidate ports for one that is
// currently bindable on ip, by binding it and releasing it again.
//
// This probe-then-release strategy is inherently racy: another process can
// take the port between the probe and the caller's own bind. It is a best
// effort, not a guarantee; callers that need certainty should bind port 0
// and let the OS assign one.
func FreePort(ip net.IP, start, count int) (int, error) {
	if start <= 0 {
		start = DefaultProbeStart
	}
	if count <= 0 {
		count = DefaultProbeCount
	}

	for port := start; port < start+count && port <= 65535; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			continue
		}
		_ = conn.Close()
		return port, nil
	}

	return 0, errors.WrapInvalid(
		fmt.Errorf("%w: probed %d candidates from %d", errors.ErrNoFreePort, count, start),
		"resolver", "FreePort", "ephemeral port search")
}
