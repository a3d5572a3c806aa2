// Package dashboard provides a real-time WebSocket feed of sync activity.
//
// The server broadcasts bootstrap completion, newly spliced nodes, import
// progress and user-facing log entries to connected WebSocket clients, so a
// browser or script can follow a running sync session.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	// MessageTypeBootstrap indicates the session bootstrap finished
	MessageTypeBootstrap MessageType = "bootstrap_complete"

	// MessageTypeNodeSpliced indicates a node was added to the tree
	MessageTypeNodeSpliced MessageType = "node_spliced"

	// MessageTypeProgress indicates import progress of one project
	MessageTypeProgress MessageType = "progress"

	// MessageTypeLog carries a user-facing log entry
	MessageTypeLog MessageType = "log"

	// MessageTypeStats carries session counters
	MessageTypeStats MessageType = "stats"
)

// Message is one JSON frame sent to dashboard clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a message of type typ.
func NewMessage(typ MessageType, data any) (Message, error) {
	msg := Message{Type: typ, Timestamp: time.Now()}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	msg.Data = raw
	return msg, nil
}

const (
	// outboxSize is how many frames a client may fall behind before it is
	// disconnected.
	outboxSize   = 64
	writeTimeout = 5 * time.Second
)

// client is one WebSocket connection with its own ordered outbox, drained
// by a dedicated writer goroutine.
type client struct {
	conn   *websocket.Conn
	outbox chan []byte
	gone   chan struct{}
	once   sync.Once
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.gone)
		_ = c.conn.Close(code, reason)
	})
}

// Server accepts dashboard clients and fans messages out to them. A slow
// client is dropped rather than delaying the others.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server
	welcome  func() Message
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	// Host to bind. Empty means 127.0.0.1.
	Host string

	// Port to listen on. Zero picks a free port.
	Port int

	// Logger for connection activity.
	Logger *log.Logger
}

// DefaultConfig binds the loopback interface on port 8080.
func DefaultConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		Logger: log.Default(),
	}
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	host := config.Host
	if host == "" {
		host = DefaultConfig().Host
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    net.JoinHostPort(host, strconv.Itoa(config.Port)),
		logger:  logger,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetWelcome sets the message sent to each client when it connects. It
// must be called before Start.
func (s *Server) SetWelcome(fn func() Message) { s.welcome = fn }

// Start listens on the configured address and serves /ws, /health and /.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveClient)
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/", s.serveIndex)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard on http://%s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("dashboard stopped serving: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down. It is safe
// to call on a server that was never started.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	s.cancel()
	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "session ended")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if serr := s.http.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Broadcast queues msg for every connected client, in call order. A client
// whose outbox is full is disconnected.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("cannot encode %s message: %v", msg.Type, err)
		return
	}

	var lagging []*client
	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.outbox <- frame:
		default:
			delete(s.clients, c)
			lagging = append(lagging, c)
		}
	}
	s.mu.Unlock()

	for _, c := range lagging {
		s.logger.Printf("dropping client that fell %d messages behind", outboxSize)
		c.close(websocket.StatusPolicyViolation, "too slow")
	}
}

func (s *Server) serveClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, outbox: make(chan []byte, outboxSize), gone: make(chan struct{})}

	// The welcome frame is queued before the client is registered, so it
	// is the first frame the client reads.
	if s.welcome != nil {
		frame, err := json.Marshal(s.welcome())
		if err != nil {
			s.logger.Printf("cannot encode welcome: %v", err)
			c.close(websocket.StatusInternalError, "")
			return
		}
		c.outbox <- frame
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(websocket.StatusGoingAway, "session ended")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	// Stop marks the server closed under mu before waiting, so this Add
	// never races with Wait.
	s.wg.Add(2)
	s.mu.Unlock()
	s.logger.Printf("client %s connected (%d open)", r.RemoteAddr, n)

	go s.write(c)
	go s.watch(c)
}

// write drains c's outbox until the client or the server goes away.
func (s *Server) write(c *client) {
	defer s.wg.Done()
	defer s.drop(c)
	for {
		select {
		case frame := <-c.outbox:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		case <-c.gone:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// watch reads and discards client frames; it returns when the peer closes.
func (s *Server) watch(c *client) {
	defer s.wg.Done()
	defer s.drop(c)
	for {
		if _, _, err := c.conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	c.close(websocket.StatusNormalClosure, "")
	if ok {
		s.logger.Printf("client disconnected (%d open)", n)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>psync dashboard</title></head>
<body>
<h1>psync dashboard</h1>
<p>Follow bootstrap, imports and new projects at <code>ws://%s/ws</code>.</p>
<p><a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
