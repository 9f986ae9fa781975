// Package protocol defines the realtime wire messages.
//
// A ProtocolMessage is a fixed-field record tagged with an Action. The
// connection and channel state machines only read the named fields here;
// payload encodings carried inside Message.Data are passed through untouched.
//
// Frames are JSON text:
//
//	{"action":11,"channel":"orders","flags":4}
package protocol
