// Package channel implements named channels multiplexed over one realtime
// connection: the attach/detach state machine, message delivery to
// subscribers, and the registry that routes protocol messages by name.
//
// All state changes run on the connection's dispatch goroutine. Attach and
// Detach hold one pending slot each; a second caller joins the pending
// operation instead of sending another protocol message.
package channel
