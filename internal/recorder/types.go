package recorder

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/realtime/internal/config"
	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/protocol"
)

// Config contains batching settings.
type Config struct {
	// BatchSize is the number of records to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferSize is the initial capacity of the record buffer.
	BufferSize int
}

// DefaultConfig returns the defaults used when the recorder section is empty.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    1024,
	}
}

// ConfigFrom converts the yaml recorder section, keeping defaults for
// unset fields.
func ConfigFrom(rc config.RecorderConfig) Config {
	cfg := DefaultConfig()
	if rc.BatchSize > 0 {
		cfg.BatchSize = rc.BatchSize
	}
	if rc.FlushInterval > 0 {
		cfg.FlushInterval = rc.FlushInterval
	}
	if rc.BufferSize > 0 {
		cfg.BufferSize = rc.BufferSize
	}
	return cfg
}

// Stats counts writer activity.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// Record is one row waiting to be written.
type Record interface {
	queue(b *pgx.Batch)
}

// MessageRecord is a row of channel_messages.
type MessageRecord struct {
	ID           string
	Channel      string
	Name         string
	Data         []byte // JSON
	Encoding     string
	ClientID     string
	ConnectionID string
	SentAt       int64 // Milliseconds
	ReceivedAt   int64 // Milliseconds
	InstanceID   uuid.UUID
}

func (r *MessageRecord) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO channel_messages (id, channel, name, data, encoding, client_id, connection_id, sent_at, received_at, instance_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.Channel, r.Name, r.Data, r.Encoding, r.ClientID, r.ConnectionID, r.SentAt, r.ReceivedAt, r.InstanceID)
}

// StateRecord is a row of connection_events.
type StateRecord struct {
	ID         uuid.UUID
	InstanceID uuid.UUID
	Previous   string
	Current    string
	Event      string
	ReasonCode int
	Reason     string
	RetryIn    int64 // Milliseconds
	OccurredAt int64 // Milliseconds
}

func (r *StateRecord) queue(b *pgx.Batch) {
	b.Queue(`
		INSERT INTO connection_events (id, instance_id, previous, current, event, reason_code, reason, retry_in_ms, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.InstanceID, r.Previous, r.Current, r.Event, r.ReasonCode, r.Reason, r.RetryIn, r.OccurredAt)
}

// newMessageRecord converts a delivered message. Data that cannot be
// encoded as JSON is an error; the caller counts and drops it.
func newMessageRecord(instance uuid.UUID, channel string, m *protocol.Message, receivedAt time.Time) (*MessageRecord, error) {
	var data []byte
	if m.Data != nil {
		encoded, err := json.Marshal(m.Data)
		if err != nil {
			return nil, err
		}
		data = encoded
	}

	sentAt := m.Timestamp
	if sentAt == 0 {
		sentAt = receivedAt.UnixMilli()
	}
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &MessageRecord{
		ID:           id,
		Channel:      channel,
		Name:         m.Name,
		Data:         data,
		Encoding:     m.Encoding,
		ClientID:     m.ClientID,
		ConnectionID: m.ConnectionID,
		SentAt:       sentAt,
		ReceivedAt:   receivedAt.UnixMilli(),
		InstanceID:   instance,
	}, nil
}

func newStateRecord(instance uuid.UUID, change connection.StateChange, at time.Time) *StateRecord {
	r := &StateRecord{
		ID:         uuid.New(),
		InstanceID: instance,
		Previous:   change.Previous.String(),
		Current:    change.Current.String(),
		Event:      change.Event.String(),
		RetryIn:    change.RetryIn.Milliseconds(),
		OccurredAt: at.UnixMilli(),
	}
	if change.Reason != nil {
		r.ReasonCode = change.Reason.Code
		r.Reason = change.Reason.Message
	}
	return r
}
