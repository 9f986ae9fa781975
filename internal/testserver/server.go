// Package testserver runs an in-process realtime endpoint for tests. It
// answers the protocol the way a well-behaved server would and lets tests
// script failures: rejected handshakes, silent servers, ignored attaches,
// dropped sockets and injected messages.
package testserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/realtime/internal/protocol"
)

// Options control how the server answers.
type Options struct {
	MaxIdleInterval    time.Duration
	ConnectionStateTTL time.Duration
	ClientID           string

	Silent          bool // accept sockets but never send CONNECTED
	RejectResume    bool // answer resume attempts with a fresh connection
	IgnoreAttach    bool
	IgnoreDetach    bool
	IgnoreHeartbeat bool
	IgnoreClose     bool
	NackWith        *protocol.ErrorInfo
}

// Handler intercepts a client message. Returning true skips the default reply.
type Handler func(c *Conn, msg *protocol.ProtocolMessage) bool

// ConnectHook runs on a socket right after its CONNECTED was sent.
type ConnectHook func(c *Conn)

// Server is a scriptable realtime endpoint.
type Server struct {
	srv    *httptest.Server
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	opts    Options
	reject  *protocol.ErrorInfo
	handler Handler
	onConn  ConnectHook
	seq     int
	keys    map[string]string
	live    map[*Conn]struct{}
	counts  map[protocol.Action]int
	queries []url.Values
	accepts int
	changed chan struct{}
}

// New starts a server listening on 127.0.0.1.
func New(opts Options) *Server {
	s := &Server{
		logger:  slog.Default().With("component", "testserver"),
		opts:    opts,
		keys:    make(map[string]string),
		live:    make(map[*Conn]struct{}),
		counts:  make(map[protocol.Action]int),
		changed: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/is-the-internet-up.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "yes\n")
	})
	s.srv = httptest.NewServer(mux)
	return s
}

// Close drops every socket and stops the listener.
func (s *Server) Close() {
	s.DropAll()
	s.srv.Close()
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.srv.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.srv.Listener.Addr().String()
}

// ConnectivityURL returns a URL that answers the connectivity check.
func (s *Server) ConnectivityURL() string {
	return s.srv.URL + "/is-the-internet-up.txt"
}

// SetOptions replaces the options for subsequent messages and connections.
func (s *Server) SetOptions(fn func(*Options)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.opts)
}

// RejectWith makes handshakes fail with info's status and a JSON error
// body. nil accepts handshakes again.
func (s *Server) RejectWith(info *protocol.ErrorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = info
}

// Handle installs h ahead of the default replies.
func (s *Server) Handle(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnConnected installs fn to run after every CONNECTED reply, before the
// socket's first client message is read.
func (s *Server) OnConnected(fn ConnectHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = fn
}

// Count returns how many client messages with action were received.
func (s *Server) Count(action protocol.Action) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[action]
}

// Accepts returns how many sockets were upgraded.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// Queries returns the query parameters of every handshake, rejected ones
// included.
func (s *Server) Queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.queries))
	copy(out, s.queries)
	return out
}

// LastQuery returns the most recent handshake parameters.
func (s *Server) LastQuery() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return nil
	}
	return s.queries[len(s.queries)-1]
}

// WaitCount blocks until Count(action) reaches n or timeout passes.
func (s *Server) WaitCount(action protocol.Action, n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		got := s.counts[action]
		changed := s.changed
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// DropAll closes every live socket without a close frame.
func (s *Server) DropAll() {
	for _, c := range s.conns() {
		c.Drop()
	}
}

// Broadcast sends msg on every live socket.
func (s *Server) Broadcast(msg *protocol.ProtocolMessage) {
	for _, c := range s.conns() {
		c.Send(msg)
	}
}

func (s *Server) conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.live))
	for c := range s.live {
		out = append(out, c)
	}
	return out
}

func (s *Server) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	s.mu.Lock()
	s.queries = append(s.queries, query)
	reject := s.reject
	s.notify()
	s.mu.Unlock()

	if reject != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reject.StatusCode)
		json.NewEncoder(w).Encode(map[string]any{"error": reject})
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &Conn{ws: ws, server: s, query: query}

	s.mu.Lock()
	s.accepts++
	s.live[c] = struct{}{}
	opts := s.opts
	onConn := s.onConn
	connected := s.connectedLocked(query.Get("resume"), opts)
	c.id = connected.ConnectionID
	c.resumed = query.Get("resume") != "" && connected.Error == nil
	s.notify()
	s.mu.Unlock()

	if !opts.Silent {
		c.Send(connected)
		if onConn != nil {
			onConn(c)
		}
	}

	c.serve()
}

func (s *Server) connectedLocked(resume string, opts Options) *protocol.ProtocolMessage {
	msg := &protocol.ProtocolMessage{Action: protocol.ActionConnected}

	if id, ok := s.keys[resume]; ok && resume != "" && !opts.RejectResume {
		msg.ConnectionID = id
	} else {
		s.seq++
		msg.ConnectionID = fmt.Sprintf("conn-%d", s.seq)
		if resume != "" {
			msg.Error = protocol.NewErrorInfo(protocol.ErrUnableToResume, http.StatusBadRequest,
				"unable to resume connection from key %q", resume)
		}
	}

	key := fmt.Sprintf("%s!key-%d", msg.ConnectionID, len(s.keys)+1)
	s.keys[key] = msg.ConnectionID

	msg.ConnectionDetails = &protocol.ConnectionDetails{
		ClientID:           opts.ClientID,
		ConnectionKey:      key,
		MaxIdleInterval:    protocol.DurationToMillis(opts.MaxIdleInterval),
		ConnectionStateTTL: protocol.DurationToMillis(opts.ConnectionStateTTL),
	}
	return msg
}

// Conn is one accepted client socket.
type Conn struct {
	ws      *websocket.Conn
	server  *Server
	query   url.Values
	id      string
	resumed bool

	writeMu sync.Mutex
}

// Resumed reports whether the handshake resumed an earlier connection.
func (c *Conn) Resumed() bool {
	return c.resumed
}

// ID returns the connection id assigned by the server.
func (c *Conn) ID() string {
	return c.id
}

// Query returns the handshake parameters.
func (c *Conn) Query() url.Values {
	return c.query
}

// Send writes msg to the client.
func (c *Conn) Send(msg *protocol.ProtocolMessage) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Drop closes the socket without a close frame.
func (c *Conn) Drop() {
	c.ws.Close()
}

func (c *Conn) serve() {
	s := c.server
	defer func() {
		s.mu.Lock()
		delete(s.live, c)
		s.notify()
		s.mu.Unlock()
		c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("bad client frame", "error", err)
			continue
		}

		s.mu.Lock()
		s.counts[msg.Action]++
		s.notify()
		opts := s.opts
		handler := s.handler
		s.mu.Unlock()

		if handler != nil && handler(c, msg) {
			continue
		}
		if !c.reply(msg, opts) {
			return
		}
	}
}

// reply sends the default answer. It returns false once the socket should
// be closed.
func (c *Conn) reply(msg *protocol.ProtocolMessage, opts Options) bool {
	switch msg.Action {
	case protocol.ActionAttach:
		if opts.IgnoreAttach {
			return true
		}
		// Channel continuity survives only on a resumed connection.
		var flags protocol.Flag
		if c.resumed && msg.HasFlag(protocol.FlagAttachResume) {
			flags |= protocol.FlagResumed
		}
		c.Send(&protocol.ProtocolMessage{
			Action:        protocol.ActionAttached,
			Channel:       msg.Channel,
			ChannelSerial: c.id + ":" + msg.Channel,
			Flags:         flags,
		})

	case protocol.ActionDetach:
		if !opts.IgnoreDetach {
			c.Send(&protocol.ProtocolMessage{Action: protocol.ActionDetached, Channel: msg.Channel})
		}

	case protocol.ActionAuth:
		// A renewed token keeps the connection; the client sees an update.
		c.Send(&protocol.ProtocolMessage{Action: protocol.ActionConnected, ConnectionID: c.id})

	case protocol.ActionHeartbeat:
		if !opts.IgnoreHeartbeat {
			c.Send(&protocol.ProtocolMessage{Action: protocol.ActionHeartbeat, ID: msg.ID})
		}

	case protocol.ActionMessage:
		if opts.NackWith != nil {
			c.Send(&protocol.ProtocolMessage{
				Action:    protocol.ActionNack,
				MsgSerial: msg.MsgSerial,
				Count:     1,
				Error:     opts.NackWith,
			})
			return true
		}
		c.Send(&protocol.ProtocolMessage{Action: protocol.ActionAck, MsgSerial: msg.MsgSerial, Count: 1})

	case protocol.ActionClose:
		if opts.IgnoreClose {
			return true
		}
		c.Send(&protocol.ProtocolMessage{Action: protocol.ActionClosed})
		return false
	}
	return true
}
