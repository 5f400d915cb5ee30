package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/tasksync/internal/auth"
	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/session"
	tsync "github.com/steveyegge/tasksync/internal/sync"
)

var discard = log.New(io.Discard, "", 0)

func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{Port: 0, Logger: discard})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func openSession(t *testing.T, userID string) *session.Session {
	t.Helper()

	cfg := tsync.DefaultConfig()
	cfg.Logger = discard
	s, err := session.Open(context.Background(), userID, session.Options{
		Auth:   auth.NewStatic(auth.Identity{UserID: userID}),
		Remote: remote.NewMemory(),
		Sync:   cfg,
		Logger: discard,
	})
	if err != nil {
		t.Fatalf("session.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// dial connects a client and consumes the welcome message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, Message) {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	welcome := readMessage(t, ctx, conn)
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn, welcome
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: discard})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: discard})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	// The client reads so it answers the close handshake.
	closed := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(ctx)
		closed <- err
	}()

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if server.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d after Stop", server.ClientCount())
	}
	if err := <-closed; websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("Read() after Stop = %v, want going away", err)
	}
	server.Broadcast(Message{Type: MessageTypeStats})
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const numClients = 3
	conns := make([]*websocket.Conn, numClients)
	for i := range conns {
		conns[i], _ = dial(t, ctx, server)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != numClients && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count := server.ClientCount(); count != numClients {
		t.Fatalf("Expected %d clients, got %d", numClients, count)
	}

	server.Broadcast(Message{Type: MessageTypeStats})
	for i, conn := range conns {
		if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStats {
			t.Errorf("client %d got %s", i, msg.Type)
		}
	}
}

// TestHandler_TaskUpdates tests that store commits reach clients
func TestHandler_TaskUpdates(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, discard)
	s := openSession(t, "u1")
	handler.Attach(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, welcome := dial(t, ctx, server)

	var stats StatsData
	if err := json.Unmarshal(welcome.Data, &stats); err != nil || welcome.Type != MessageTypeStats {
		t.Fatalf("welcome = %+v (%v)", welcome, err)
	}
	if stats.UserID != "u1" {
		t.Errorf("welcome stats user = %q", stats.UserID)
	}

	rec, err := s.AddTask(ctx, "Buy milk")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.ToggleTaskStatus(rec.ID)
	_ = s.DeleteTask(rec.ID)

	for _, want := range []struct{ action, status string }{
		{"created", "pending"},
		{"updated", "completed"},
		{"deleted", "completed"},
	} {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeTaskUpdate {
			t.Fatalf("Expected %s, got %s", MessageTypeTaskUpdate, msg.Type)
		}
		var data TaskUpdateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.TaskID != rec.ID || data.Action != want.action || data.Status != want.status || data.Origin != "local" {
			t.Errorf("task update = %+v, want %s/%s", data, want.action, want.status)
		}
	}

	handler.BroadcastStatus()
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeSyncStatus {
		t.Errorf("Expected %s, got %s", MessageTypeSyncStatus, msg.Type)
	}
	msg := readMessage(t, ctx, conn)
	if err := json.Unmarshal(msg.Data, &stats); err != nil || msg.Type != MessageTypeStats {
		t.Fatalf("stats message = %+v (%v)", msg, err)
	}
	if stats.Total != 1 || stats.Deleted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStatusEndpoints(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, discard)
	base := "http://" + server.Addr()

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("GET %s: bad JSON: %v", path, err)
		}
		return resp.StatusCode, body
	}

	if code, body := get("/health"); code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("/health = %d %v", code, body)
	}
	if code, _ := get("/status"); code != http.StatusServiceUnavailable {
		t.Errorf("/status without session = %d, want 503", code)
	}

	handler.Attach(openSession(t, "u1"))
	code, body := get("/status")
	if code != http.StatusOK || body["user_id"] != "u1" {
		t.Errorf("/status = %d %v", code, body)
	}
}

func TestHandler_RunFollowsLocator(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, discard)

	var mu sync.Mutex
	var current Source
	locate := func() (Source, bool) {
		mu.Lock()
		defer mu.Unlock()
		return current, current != nil
	}
	set := func(src Source) {
		mu.Lock()
		current = src
		mu.Unlock()
	}
	waitFor := func(want Source) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for handler.Current() != want && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if handler.Current() != want {
			t.Fatalf("handler attached to %v, want %v", handler.Current(), want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		handler.Run(ctx, 10*time.Millisecond, locate)
		close(done)
	}()

	s1 := openSession(t, "u1")
	set(s1)
	waitFor(s1)

	s2 := openSession(t, "u2")
	set(s2)
	waitFor(s2)

	set(nil)
	waitFor(nil)

	cancel()
	<-done
}
