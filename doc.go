// Package udpkit provides a polled UDP datagram endpoint library and the
// udpkitd daemon built on top of it.
//
// # Architecture
//
// The core abstraction is endpoint.Endpoint: a UDP socket bound to a local
// address and read on a fixed-rate timer. Each poll tick performs at most
// one bounded read; inbound datagrams land in a capacity-limited FIFO
// buffer that evicts the oldest entry on overflow, and registered handlers
// run synchronously after every push. Sending works whenever the socket is
// open, independent of the poll loop.
//
// Packages:
//
//   - datagram: the immutable datagram value (remote address, port, payload)
//   - endpoint: socket, poll loop, receive buffer, lifecycle controller
//   - resolver: interface/IP/port resolution and free-port probing
//   - errors: classified errors (transient, invalid, fatal) shared by all packages
//   - pkg/buffer: generic bounded buffer with overflow policies
//   - pkg/retry: backoff retry used by the forwarders
//   - forward, forward/nats, forward/websocket: datagram fan-out to sinks
//   - metric, health, component: observability and lifecycle surfaces
//   - config, cmd/udpkitd: daemon configuration and entry point
//
// # Lifecycle
//
// Endpoints follow the component.LifecycleComponent contract: Initialize
// validates without I/O, Start binds and launches the loop, Stop joins the
// loop and closes the socket. Bind failures surface immediately and are
// never retried. Destroy additionally releases the buffer and metrics.
package udpkit
