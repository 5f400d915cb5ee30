package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/store"
)

// Source is the session the handler reports on.
type Source interface {
	UserID() string
	Subscribe(fn store.Handler) (cancel func())
	Status() session.Status
}

// Locator returns the currently active source, if any.
type Locator func() (Source, bool)

// TaskUpdateData contains task change information
type TaskUpdateData struct {
	TaskID    string    `json:"task_id"`
	Action    string    `json:"action"` // created, updated, deleted
	Origin    string    `json:"origin"` // local, remote, restore
	Status    string    `json:"status,omitempty"`
	Text      string    `json:"text,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StatsData contains task statistics
type StatsData struct {
	UserID    string `json:"user_id"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
	Deleted   int    `json:"deleted"`
	Queued    int    `json:"queued"`
}

// Handler turns session activity into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	mu     sync.Mutex
	src    Source
	detach func()
}

// NewHandler creates a new event handler connected to a dashboard server.
// It installs the server's /status and welcome sources.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{server: server, logger: logger}
	server.SetStatus(h.status)
	server.SetWelcome(h.statsMessage)
	return h
}

// Attach reports on src from now on, replacing any previous source.
// A nil src detaches.
func (h *Handler) Attach(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.detach != nil {
		h.detach()
		h.detach = nil
	}
	h.src = src
	if src == nil {
		return
	}
	h.detach = src.Subscribe(h.OnChange)
	h.logger.Printf("Reporting on %s", src.UserID())
}

// Current returns the attached source.
func (h *Handler) Current() Source {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.src
}

// OnChange broadcasts a task_update for one committed change. It runs under
// the store lock, so it only formats and queues.
func (h *Handler) OnChange(c store.Change) {
	action := "updated"
	switch {
	case c.Created():
		action = "created"
	case c.After.Deleted && !c.Before.Deleted:
		action = "deleted"
	}

	data := TaskUpdateData{
		TaskID:    c.ID,
		Action:    action,
		Origin:    c.Origin.String(),
		Status:    c.After.Status(),
		Text:      c.After.Text,
		UpdatedAt: c.After.UpdatedAt,
	}
	h.send(MessageTypeTaskUpdate, data)
}

// BroadcastStatus sends the sync_status and stats messages of the current
// source. It does nothing without a source.
func (h *Handler) BroadcastStatus() {
	src := h.Current()
	if src == nil {
		return
	}
	st := src.Status()
	h.send(MessageTypeSyncStatus, st)
	h.send(MessageTypeStats, statsOf(st))
}

// Run follows locate and broadcasts status every interval until ctx is done.
// When the located source changes the handler re-attaches.
func (h *Handler) Run(ctx context.Context, interval time.Duration, locate Locator) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer h.Attach(nil)

	for {
		src, ok := locate()
		if !ok {
			src = nil
		}
		if src != h.Current() {
			h.Attach(src)
		}
		h.BroadcastStatus()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

func (h *Handler) status() (any, bool) {
	src := h.Current()
	if src == nil {
		return nil, false
	}
	return src.Status(), true
}

func (h *Handler) statsMessage() (Message, bool) {
	src := h.Current()
	if src == nil {
		return Message{}, false
	}
	data, err := json.Marshal(statsOf(src.Status()))
	if err != nil {
		return Message{}, false
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}, true
}

func statsOf(st session.Status) StatsData {
	return StatsData{
		UserID:    st.UserID,
		Total:     st.Total,
		Pending:   st.Pending,
		Completed: st.Completed,
		Deleted:   st.Tombstones,
		Queued:    st.Queued,
	}
}
