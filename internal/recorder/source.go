package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/realtime/internal/channel"
	"github.com/rickgao/realtime/internal/connection"
	"github.com/rickgao/realtime/internal/event"
	"github.com/rickgao/realtime/internal/protocol"
	"github.com/rickgao/realtime/internal/queue"
)

// StateSource reports connection state changes.
type StateSource interface {
	OnAll(fn func(connection.StateChange)) event.Handle
	Off(h event.Handle)
}

// ChannelSource hands out channels by name.
type ChannelSource interface {
	Get(name string) *channel.Channel
}

// SourceStats counts what the source has seen.
type SourceStats struct {
	Messages     int64
	StateChanges int64
	EncodeErrors int64
	Dropped      int64
}

// Source turns channel messages and connection state changes into records.
// Listeners run on the client's dispatch goroutine, so pushing never blocks.
type Source struct {
	instance uuid.UUID
	names    []string
	conn     StateSource
	channels ChannelSource
	out      *queue.Buffer[Record]
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	stateHandle  event.Handle
	unsubscribes []func()
	started      bool

	messages     atomic.Int64
	stateChanges atomic.Int64
	encodeErrors atomic.Int64
	dropped      atomic.Int64
}

// NewSource creates a source recording names into out.
func NewSource(instance uuid.UUID, names []string, conn StateSource, channels ChannelSource, out *queue.Buffer[Record], logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		instance: instance,
		names:    names,
		conn:     conn,
		channels: channels,
		out:      out,
		logger:   logger.With("component", "source"),
		now:      time.Now,
	}
}

// Start listens for state changes and subscribes to every channel. It
// returns once all channels are attached or one attach fails.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("source already started")
	}
	s.started = true
	s.stateHandle = s.conn.OnAll(s.onStateChange)
	s.mu.Unlock()

	for _, name := range s.names {
		unsubscribe, err := s.channels.Get(name).SubscribeAll(ctx, s.messageHandler(name))
		s.mu.Lock()
		s.unsubscribes = append(s.unsubscribes, unsubscribe)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		s.logger.Info("recording channel", "channel", name)
	}
	return nil
}

// Stop removes every listener and detaches the channels.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsubscribes := s.unsubscribes
	s.unsubscribes = nil
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.conn.Off(s.stateHandle)
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}

	var errs []error
	for _, name := range s.names {
		if err := s.channels.Get(name).Detach(ctx); err != nil {
			errs = append(errs, fmt.Errorf("detach %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns current counters.
func (s *Source) Stats() SourceStats {
	return SourceStats{
		Messages:     s.messages.Load(),
		StateChanges: s.stateChanges.Load(),
		EncodeErrors: s.encodeErrors.Load(),
		Dropped:      s.dropped.Load(),
	}
}

func (s *Source) messageHandler(name string) func(*protocol.Message) {
	return func(m *protocol.Message) {
		r, err := newMessageRecord(s.instance, name, m, s.now())
		if err != nil {
			s.encodeErrors.Add(1)
			s.logger.Warn("message not recorded", "channel", name, "id", m.ID, "error", err)
			return
		}
		s.push(r)
		s.messages.Add(1)
	}
}

func (s *Source) onStateChange(change connection.StateChange) {
	s.push(newStateRecord(s.instance, change, s.now()))
	s.stateChanges.Add(1)
}

func (s *Source) push(r Record) {
	if !s.out.Push(r) {
		s.dropped.Add(1)
	}
}
