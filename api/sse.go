package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"njlink/gateway"
	"njlink/logging"
)

// SSE event type constants.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type     string
	PLC      string // set when event is controller-specific (for filtering)
	Variable string
	Data     interface{}
}

// valueUpdate is the JSON payload for value-change events.
type valueUpdate struct {
	PLC      string      `json:"plc"`
	Variable string      `json:"variable"`
	Value    interface{} `json:"value"`
	Type     string      `json:"type,omitempty"`
}

// statusUpdate is the JSON payload for status-change events.
type statusUpdate struct {
	PLC       string `json:"plc"`
	Status    string `json:"status"`
	Variables int    `json:"variables"`
	Error     string `json:"error,omitempty"`
}

// sseClient is one connected event stream with its subscription filters.
type sseClient struct {
	events     chan sseEvent
	plcFilter  string
	typeFilter map[string]bool
}

func (c *sseClient) wants(event sseEvent) bool {
	if c.typeFilter != nil && !c.typeFilter[event.Type] {
		return false
	}
	if c.plcFilter != "" && event.PLC != "" && event.PLC != c.plcFilter {
		return false
	}
	return true
}

// sseHub fans events out to connected clients.
type sseHub struct {
	clients map[*sseClient]struct{}
	mu      sync.RWMutex
}

func newSSEHub() *sseHub {
	return &sseHub{clients: make(map[*sseClient]struct{})}
}

func (h *sseHub) add(c *sseClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *sseHub) remove(c *sseClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.events)
	}
	h.mu.Unlock()
}

func (h *sseHub) broadcast(event sseEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(event) {
			continue
		}
		select {
		case c.events <- event:
		default:
			// Slow consumer, drop rather than stall the poller.
			logging.DebugLog("api", "sse client buffer full, dropping %s event", event.Type)
		}
	}
}

func (h *sseHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *sseHub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.events)
	}
	h.mu.Unlock()
}

// PublishValueChanges broadcasts variable changes to event stream clients.
// Wire it to the gateway manager's value change callback.
func (s *Server) PublishValueChanges(changes []gateway.ValueChange) {
	if s.hub.clientCount() == 0 {
		return
	}
	for _, change := range changes {
		s.hub.broadcast(sseEvent{
			Type:     eventValueChange,
			PLC:      change.PLCName,
			Variable: change.VarName,
			Data: valueUpdate{
				PLC:      change.PLCName,
				Variable: change.VarName,
				Value:    change.Value,
				Type:     change.TypeName,
			},
		})
	}
}

// PublishStatusChanges broadcasts the current status of every controller.
// Wire it to the gateway manager's status change callback.
func (s *Server) PublishStatusChanges() {
	if s.hub.clientCount() == 0 {
		return
	}
	for _, plc := range s.manager.ListPLCs() {
		errMsg := ""
		if err := plc.GetError(); err != nil {
			errMsg = err.Error()
		}
		s.hub.broadcast(sseEvent{
			Type: eventStatusChange,
			PLC:  plc.Config.Name,
			Data: statusUpdate{
				PLC:       plc.Config.Name,
				Status:    plc.GetStatus().String(),
				Variables: plc.GetRegistry().Len(),
				Error:     errMsg,
			},
		})
	}
}

// handleSSE serves the /events endpoint.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{
		events:    make(chan sseEvent, 64),
		plcFilter: r.URL.Query().Get("plc"),
	}
	if types := r.URL.Query().Get("types"); types != "" {
		client.typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			client.typeFilter[strings.TrimSpace(t)] = true
		}
	}

	s.hub.add(client)
	defer s.hub.remove(client)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
