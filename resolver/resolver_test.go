package resolver

import (
	"net"
	"testing"

	"github.com/c360/udpkit/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_LiteralIP(t *testing.T) {
	addr, err := Resolve(Request{IP: "127.0.0.1", Port: 5000})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", addr.IP.String())
	assert.Equal(t, 5000, addr.Port)
}

func TestResolve_IPv6Literal(t *testing.T) {
	addr, err := Resolve(Request{IP: "::1", Port: 6000})
	require.NoError(t, err)
	assert.Equal(t, "::1", addr.IP.String())
}

func TestResolve_Wildcard(t *testing.T) {
	addr, err := Resolve(Request{Port: 7000})
	require.NoError(t, err)
	assert.True(t, addr.IP.IsUnspecified())
	assert.Equal(t, 7000, addr.Port)
}

func TestResolve_EphemeralPortZero(t *testing.T) {
	addr, err := Resolve(Request{IP: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 0, addr.Port)
}

func TestResolve_Invalid(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"bad literal", Request{IP: "not-an-ip", Port: 5000}},
		{"bracketed ipv6", Request{IP: "[::1]", Port: 5000}},
		{"port negative", Request{IP: "127.0.0.1", Port: -1}},
		{"port too high", Request{IP: "127.0.0.1", Port: 70000}},
		{"unknown interface", Request{Interface: "definitely-not-a-nic-0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrAddress)
			assert.Equal(t, errors.ErrorInvalid, errors.Classify(err))
		})
	}
}

func TestResolve_LoopbackInterface(t *testing.T) {
	// Find the loopback interface name on this host
	ifaces, err := net.Interfaces()
	require.NoError(t, err)

	var name string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 && iface.Flags&net.FlagUp != 0 {
			name = iface.Name
			break
		}
	}
	if name == "" {
		t.Skip("no loopback interface available")
	}

	addr, err := Resolve(Request{Interface: name, Port: 5000})
	require.NoError(t, err)
	assert.True(t, addr.IP.IsLoopback())
}

func TestResolve_InterfaceWinsOverIP(t *testing.T) {
	ifaces, _ := net.Interfaces()
	var name string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 && iface.Flags&net.FlagUp != 0 {
			name = iface.Name
			break
		}
	}
	if name == "" {
		t.Skip("no loopback interface available")
	}

	addr, err := Resolve(Request{Interface: name, IP: "203.0.113.9", Port: 5000})
	require.NoError(t, err)
	assert.True(t, addr.IP.IsLoopback(), "interface takes precedence over literal IP")
}

func TestFreePort_FindsBindablePort(t *testing.T) {
	ip := net.ParseIP("127.0.0.1")

	port, err := FreePort(ip, 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, DefaultProbeStart)

	// The best-effort contract: the port was bindable at probe time
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestFreePort_SkipsOccupiedPorts(t *testing.T) {
	ip := net.ParseIP("127.0.0.1")

	// Occupy the first candidate
	start, err := FreePort(ip, 0, 0)
	require.NoError(t, err)
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: start})
	require.NoError(t, err)
	defer occupied.Close()

	port, err := FreePort(ip, start, DefaultProbeCount)
	require.NoError(t, err)
	assert.NotEqual(t, start, port)
}

func TestFreePort_ExhaustedRange(t *testing.T) {
	ip := net.ParseIP("127.0.0.1")

	// A one-candidate range pointing at an occupied port must fail
	start, err := FreePort(ip, 0, 0)
	require.NoError(t, err)
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: start})
	require.NoError(t, err)
	defer occupied.Close()

	_, err = FreePort(ip, start, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoFreePort)
}
