// Package connection implements the realtime connection state machine.
//
// The Manager owns at most one transport at a time. It:
//   - opens transports against the primary host and, after a failed
//     connectivity-checked attempt, the shuffled fallback hosts
//   - resumes the previous session with its connection key after a loss
//   - retries with jittered backoff from DISCONNECTED and SUSPENDED
//   - detects silent loss with an idle timer fed by inbound traffic
//   - routes channel-scoped protocol messages to a ChannelRouter
//   - tracks published messages until the server ACKs or NACKs them
//
// Every state change, inbound message, timer and public request runs on
// one queue.Executor, so protocol messages are handled strictly in arrival
// order. Listeners are called synchronously on that goroutine and must not
// block waiting for another connection or channel operation.
package connection
