// Package transport opens one physical duplex connection to one realtime
// host and translates frames to protocol messages.
//
// A Transport reports to its owner through three signals:
//   - Connect returns the outcome of the initial connection attempt
//   - Messages delivers every inbound protocol message in arrival order
//   - Done is closed exactly once when the read loop ends; Err then
//     explains why (nil when the owner disposed the transport)
//
// Dispose drops the socket without ceremony. Close sends a CLOSE action
// and waits for the server's CLOSED before dropping it.
package transport
