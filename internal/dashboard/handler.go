package dashboard

import (
	"log"
	"sync"
	"time"

	"github.com/iraspa/projectsync/internal/coordinator"
	"github.com/iraspa/projectsync/internal/logging"
	"github.com/iraspa/projectsync/internal/tree"
)

// NodeSplicedData describes a node added to the tree
type NodeSplicedData struct {
	Name     string   `json:"name"`
	RecordID string   `json:"record_id,omitempty"`
	Path     []string `json:"path"`
	Group    bool     `json:"group"`
}

// ProgressData reports import progress of one project
type ProgressData struct {
	Name     string  `json:"name"`
	Fraction float64 `json:"fraction"`
}

// BootstrapData reports the end of the session bootstrap
type BootstrapData struct {
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StatsData holds session counters
type StatsData struct {
	Bootstrapped     bool `json:"bootstrapped"`
	NodesSpliced     int  `json:"nodes_spliced"`
	ImportsCompleted int  `json:"imports_completed"`
	Warnings         int  `json:"warnings"`
	Errors           int  `json:"errors"`
}

// Handler turns coordinator and log events into dashboard messages.
type Handler struct {
	server  *Server
	logger  *log.Logger
	started time.Time

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a new event handler connected to a dashboard server.
// Newly connected clients receive the current stats.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{server: server, logger: logger, started: time.Now()}
	server.SetWelcome(h.statsMessage)
	return h
}

// Observer returns a coordinator observer reporting to the dashboard and
// then to next.
func (h *Handler) Observer(next coordinator.Observer) coordinator.Observer {
	return coordinator.Observer{
		NodeSpliced: func(n *tree.Node) {
			h.OnNodeSpliced(n)
			if next.NodeSpliced != nil {
				next.NodeSpliced(n)
			}
		},
		ImportProgress: func(name string, fraction float64) {
			h.OnProgress(name, fraction)
			if next.ImportProgress != nil {
				next.ImportProgress(name, fraction)
			}
		},
		BootstrapComplete: func(err error) {
			h.OnBootstrapComplete(err)
			if next.BootstrapComplete != nil {
				next.BootstrapComplete(err)
			}
		},
	}
}

// AttachSink forwards every new sink entry until the returned function is
// called.
func (h *Handler) AttachSink(sink *logging.Sink) (detach func()) {
	return sink.Subscribe(h.OnLogEntry)
}

// OnNodeSpliced handles a node added to the tree
func (h *Handler) OnNodeSpliced(n *tree.Node) {
	h.mu.Lock()
	h.stats.NodesSpliced++
	h.mu.Unlock()

	h.send(MessageTypeNodeSpliced, NodeSplicedData{
		Name:     n.DisplayName,
		RecordID: string(n.RecordID()),
		Path:     n.Path(),
		Group:    n.IsGroup(),
	})
}

// OnProgress handles import progress. Stats are broadcast when a project
// finishes.
func (h *Handler) OnProgress(name string, fraction float64) {
	h.send(MessageTypeProgress, ProgressData{Name: name, Fraction: fraction})
	if fraction < 1 {
		return
	}
	h.mu.Lock()
	h.stats.ImportsCompleted++
	h.mu.Unlock()
	h.broadcastStats()
}

// OnBootstrapComplete handles the end of the session bootstrap
func (h *Handler) OnBootstrapComplete(err error) {
	data := BootstrapData{Duration: time.Since(h.started)}
	if err != nil {
		data.Error = err.Error()
		h.logger.Printf("Bootstrap complete with errors: %v", err)
	} else {
		h.logger.Printf("Bootstrap complete in %v", data.Duration)
	}
	h.mu.Lock()
	h.stats.Bootstrapped = true
	h.mu.Unlock()

	h.send(MessageTypeBootstrap, data)
	h.broadcastStats()
}

// OnLogEntry handles a user-facing log entry
func (h *Handler) OnLogEntry(e logging.Entry) {
	h.mu.Lock()
	switch e.Level {
	case logging.LevelWarning:
		h.stats.Warnings++
	case logging.LevelError:
		h.stats.Errors++
	}
	h.mu.Unlock()
	h.send(MessageTypeLog, e)
}

// Stats returns the current counters
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) send(typ MessageType, data any) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Printf("%v", err)
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) statsMessage() Message {
	msg, err := NewMessage(MessageTypeStats, h.Stats())
	if err != nil {
		h.logger.Printf("%v", err)
		return Message{Type: MessageTypeStats, Timestamp: time.Now()}
	}
	return msg
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.statsMessage())
}
