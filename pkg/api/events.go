package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/odvcencio/kiln/pkg/bus"
	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/trainjob"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 100
)

// wireEvent is one frame on the job event stream.
type wireEvent struct {
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// eventStream fans bus job events out to WebSocket clients. One bus
// subscription feeds all connections; each client filters by job ID.
type eventStream struct {
	bus    bus.MessageBus
	logger *logging.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]bool
	sub     bus.Subscription
	closed  bool
}

type streamClient struct {
	conn   *websocket.Conn
	jobID  string
	send   chan wireEvent
	cancel context.CancelFunc
}

func newEventStream(mb bus.MessageBus, logger *logging.Logger) *eventStream {
	return &eventStream{
		bus:    mb,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Auth already ran in the middleware chain.
				return true
			},
		},
		clients: make(map[*streamClient]bool),
	}
}

// ensureSubscribed lazily opens the single bus subscription.
func (es *eventStream) ensureSubscribed(ctx context.Context) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.sub != nil || es.closed {
		return nil
	}

	sub, err := es.bus.Subscribe(ctx, trainjob.SubjectAll, func(msg *bus.Message) {
		es.broadcast(msg)
	})
	if err != nil {
		return err
	}
	es.sub = sub
	return nil
}

func (es *eventStream) broadcast(msg *bus.Message) {
	var envelope struct {
		JobID string `json:"jobId"`
	}
	if json.Unmarshal(msg.Data, &envelope) != nil {
		return
	}

	ev := wireEvent{
		Subject:   msg.Subject,
		Timestamp: time.Now().UTC(),
		Data:      append(json.RawMessage(nil), msg.Data...),
	}

	es.mu.RLock()
	defer es.mu.RUnlock()
	for client := range es.clients {
		if client.jobID != "" && client.jobID != envelope.JobID {
			continue
		}
		select {
		case client.send <- ev:
		default:
			// Slow consumer; drop the frame rather than block the bus.
		}
	}
}

// handleJobEvents upgrades the connection and streams bus events for
// one job until the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	jobID := chi.URLParam(r, "id")
	if _, err := s.runner.Describe(jobID); err != nil {
		writeKilnError(w, err)
		return
	}

	// The request context dies with the HTTP exchange; the
	// subscription and connection outlive it.
	if err := s.stream.ensureSubscribed(context.Background()); err != nil {
		writeError(w, http.StatusInternalServerError, "subscribing to events failed")
		return
	}

	conn, err := s.stream.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(logging.CategoryAPI, "api.events", "websocket upgrade failed", map[string]any{
				"error": err.Error(),
			})
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &streamClient{
		conn:   conn,
		jobID:  jobID,
		send:   make(chan wireEvent, sendBufferSize),
		cancel: cancel,
	}

	s.stream.mu.Lock()
	s.stream.clients[client] = true
	s.stream.mu.Unlock()
	metricEventStreamClients.Inc()

	go client.writePump(ctx)
	go s.stream.readPump(client)
}

// readPump drains client frames so pings and close messages are
// processed, then tears the client down.
func (es *eventStream) readPump(client *streamClient) {
	defer es.remove(client)

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (client *streamClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (es *eventStream) remove(client *streamClient) {
	es.mu.Lock()
	if es.clients[client] {
		metricEventStreamClients.Dec()
	}
	delete(es.clients, client)
	es.mu.Unlock()

	client.cancel()
	client.conn.Close()
}

func (es *eventStream) close() {
	es.mu.Lock()
	es.closed = true
	sub := es.sub
	es.sub = nil
	clients := make([]*streamClient, 0, len(es.clients))
	for client := range es.clients {
		clients = append(clients, client)
	}
	es.clients = make(map[*streamClient]bool)
	es.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	for _, client := range clients {
		client.cancel()
		client.conn.Close()
	}
}
