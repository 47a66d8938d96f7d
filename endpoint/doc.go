// Package endpoint implements a polled UDP datagram endpoint.
//
// An Endpoint binds a local UDP socket and reads it on a fixed-rate timer.
// Each tick performs at most one bounded, non-blocking read; received
// datagrams land in a capacity-limited FIFO buffer that evicts the oldest
// entry on overflow, and registered handlers are notified after each push.
// Sending works whenever the socket is open and does not require the poll
// loop.
//
// Lifecycle: New resolves the local address (probing for a free port when
// none is configured), Start binds and launches the loop, Stop joins the
// loop and closes the socket, Destroy additionally releases the buffer and
// metrics. Bind failures surface immediately and are never retried.
package endpoint
