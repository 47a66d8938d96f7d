// Package datagram defines the record type for a single inbound or outbound
// UDP message.
//
// A Datagram is constructed fresh for every received packet and immediately
// before every send. It is immutable once constructed: the payload is copied
// in by the constructors, and accessors never expose internal state for
// mutation by convention (callers must not modify the slice returned by
// Payload).
package datagram

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/c360/udpkit/errors"
)

// Datagram is one discrete UDP message: the remote peer's address and port
// plus an opaque payload. For inbound datagrams the remote fields identify
// the sender; for outbound datagrams they identify the destination.
type Datagram struct {
	remoteAddr string
	remotePort int
	payload    []byte
}

// New constructs an outbound Datagram after validating the destination.
// The address must be a literal IPv4 or IPv6 address without enclosing
// brackets; the port must be in 1-65535. An empty payload is valid.
func New(remoteAddr string, remotePort int, payload []byte) (Datagram, error) {
	if remotePort < 1 || remotePort > 65535 {
		return Datagram{}, errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrAddress, remotePort),
			"Datagram", "New", "port validation")
	}

	if strings.ContainsAny(remoteAddr, "[]") {
		return Datagram{}, errors.WrapInvalid(
			fmt.Errorf("%w: address %q must not contain brackets", errors.ErrAddress, remoteAddr),
			"Datagram", "New", "address validation")
	}

	if net.ParseIP(remoteAddr) == nil {
		return Datagram{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q is not a literal IP address", errors.ErrAddress, remoteAddr),
			"Datagram", "New", "address validation")
	}

	return Datagram{
		remoteAddr: remoteAddr,
		remotePort: remotePort,
		payload:    clone(payload),
	}, nil
}

// FromUDPAddr constructs an inbound Datagram from a packet received from
// addr. The payload bytes are copied so the caller may reuse its read buffer.
func FromUDPAddr(addr *net.UDPAddr, payload []byte) Datagram {
	return Datagram{
		remoteAddr: addr.IP.String(),
		remotePort: addr.Port,
		payload:    clone(payload),
	}
}

// RemoteAddress returns the textual IP of the remote peer, without brackets.
func (d Datagram) RemoteAddress() string {
	return d.remoteAddr
}

// RemotePort returns the remote peer's UDP port.
func (d Datagram) RemotePort() int {
	return d.remotePort
}

// Payload returns the raw payload bytes. Callers must not modify the
// returned slice.
func (d Datagram) Payload() []byte {
	return d.payload
}

// Len returns the payload length in bytes.
func (d Datagram) Len() int {
	return len(d.payload)
}

// UDPAddr resolves the remote address/port to a *net.UDPAddr for sending.
func (d Datagram) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(d.remoteAddr)
	if ip == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrAddress, d.remoteAddr),
			"Datagram", "UDPAddr", "address parsing")
	}
	return &net.UDPAddr{IP: ip, Port: d.remotePort}, nil
}

// String returns a compact description for logging.
func (d Datagram) String() string {
	return fmt.Sprintf("datagram{%s:%d, %d bytes}", d.remoteAddr, d.remotePort, len(d.payload))
}

// record is the JSON shape consumers observe at the boundary.
type record struct {
	RemoteAddress string `json:"remoteAddress"`
	RemotePort    int    `json:"remotePort"`
	Length        int    `json:"length"`
	Data          []byte `json:"data"`
}

// MarshalJSON encodes the datagram as
// {remoteAddress, remotePort, length, data} with data base64-encoded.
func (d Datagram) MarshalJSON() ([]byte, error) {
	data := d.payload
	if data == nil {
		data = []byte{} // zero-length datagrams encode as "", not null
	}
	return json.Marshal(record{
		RemoteAddress: d.remoteAddr,
		RemotePort:    d.remotePort,
		Length:        len(d.payload),
		Data:          data,
	})
}

// UnmarshalJSON decodes the record form produced by MarshalJSON.
func (d *Datagram) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.Length != len(r.Data) {
		return errors.WrapInvalid(
			fmt.Errorf("declared length %d does not match %d payload bytes", r.Length, len(r.Data)),
			"Datagram", "UnmarshalJSON", "length validation")
	}
	d.remoteAddr = r.RemoteAddress
	d.remotePort = r.RemotePort
	d.payload = r.Data
	return nil
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
