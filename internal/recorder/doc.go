// Package recorder persists realtime traffic to PostgreSQL.
//
// A Source subscribes to channels on a realtime client and turns every
// message and connection state change into a Record on a queue.Buffer.
// A Writer drains that buffer and inserts batches with pgx.Batch. Inserts
// are append-only; message rows are keyed by message id so redelivery
// after a reconnect is absorbed by ON CONFLICT DO NOTHING.
package recorder
