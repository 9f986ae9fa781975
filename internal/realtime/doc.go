// Package realtime assembles a client from its parts: the REST client and
// auth, the connection manager on its dispatch goroutine, and the channel
// registry that receives channel traffic from the connection.
package realtime
