// Package dashboard serves live sync monitoring over WebSocket.
//
// The server broadcasts task changes, sync status and task statistics of the
// active session to every connected client. Plain HTTP endpoints report
// server health (/health) and the latest sync status (/status).
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeTaskUpdate indicates a task was created, updated or deleted
	MessageTypeTaskUpdate MessageType = "task_update"

	// MessageTypeSyncStatus carries the engine status snapshot
	MessageTypeSyncStatus MessageType = "sync_status"

	// MessageTypeStats carries task counts
	MessageTypeStats MessageType = "stats"
)

// Message is one frame sent to dashboard clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusFunc returns the latest status document, or false when there is no
// active session.
type StatusFunc func() (any, bool)

// Config holds server configuration
type Config struct {
	// Port to listen on (0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// clientQueue is how many frames a client may fall behind before it is
// disconnected.
const clientQueue = 64

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// client is one WebSocket connection and its outbound queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
	gone chan struct{} // closed when the server drops the client
}

// Server pushes dashboard messages to WebSocket clients.
type Server struct {
	port   int
	logger *log.Logger

	ln       net.Listener
	http     *http.Server
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.RWMutex // guards the fields below
	clients map[*client]struct{}
	stopped bool
	status  StatusFunc
	welcome func() (Message, bool)
}

// NewServer creates a dashboard server. Nothing listens until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Server{
		port:    config.Port,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// SetStatus installs the source of the /status document.
func (s *Server) SetStatus(fn StatusFunc) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// SetWelcome installs the message sent to every new client.
func (s *Server) SetWelcome(fn func() (Message, bool)) {
	s.mu.Lock()
	s.welcome = fn
	s.mu.Unlock()
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWebSocket)
	mux.HandleFunc("GET /health", s.serveHealth)
	mux.HandleFunc("GET /status", s.serveStatus)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the HTTP server down. Calling it
// again has no effect.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for c := range s.clients {
			s.forget(c)
		}
		s.mu.Unlock()

		if s.http == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
		s.wg.Wait()
		s.logger.Println("Dashboard stopped")
	})
	return err
}

// Addr returns the listening address, or the configured port before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return fmt.Sprintf(":%d", s.port)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues msg for every connected client without blocking. A client
// whose queue is full is disconnected.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- frame:
		default:
			s.logger.Println("Warning: client fell behind, disconnecting")
			s.forget(c)
		}
	}
}

// forget unregisters c and signals its writer. Caller holds s.mu.
func (s *Server) forget(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.gone)
}

// serveWebSocket accepts a client, queues the welcome message and then
// writes queued frames until either side goes away.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, clientQueue),
		gone: make(chan struct{}),
	}
	if frame, err := json.Marshal(s.welcomeMessage()); err == nil {
		c.send <- frame
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	total := len(s.clients)
	s.mu.Unlock()
	defer s.wg.Done()

	s.logger.Printf("Client connected (total: %d)", total)

	// Clients only listen; CloseRead handles control frames and reports
	// when the peer closes.
	ctx := conn.CloseRead(r.Context())
	code, reason := s.writeFrames(ctx, c)

	s.mu.Lock()
	s.forget(c)
	total = len(s.clients)
	s.mu.Unlock()

	_ = conn.Close(code, reason)
	s.logger.Printf("Client disconnected (total: %d)", total)
}

// writeFrames drains c.send until the peer leaves, the server drops c or a
// write fails. It returns the close status to send.
func (s *Server) writeFrames(ctx context.Context, c *client) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, ""
		case <-c.gone:
			return websocket.StatusGoingAway, "disconnected by server"
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

// welcomeMessage is the installed welcome, or an empty stats frame.
func (s *Server) welcomeMessage() Message {
	s.mu.RLock()
	fn := s.welcome
	s.mu.RUnlock()

	if fn != nil {
		if msg, ok := fn(); ok {
			return msg
		}
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now()}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.status
	s.mu.RUnlock()

	if fn != nil {
		if doc, ok := fn(); ok {
			writeJSON(w, http.StatusOK, doc)
			return
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no active session"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
