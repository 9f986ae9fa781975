// Package database manages the PostgreSQL pool used by the recorder.
//
// Tables:
//   - channel_messages: one row per received message, keyed by message id
//   - connection_events: one row per connection state change
//
// Both tables are append-only.
package database
