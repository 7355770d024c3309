package orchestrator

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionEvent is a live update about an orchestration session.
type SessionEvent struct {
	Type      string                 `json:"type"` // "session_state", "sub_request_added", "sub_request_updated"
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// clientSendBuffer is the per-client event backlog. A client that falls this
// far behind is disconnected rather than allowed to stall the hub.
const clientSendBuffer = 64

type streamClient struct {
	conn *websocket.Conn
	send chan SessionEvent
}

// writePump drains the client's send channel onto the socket. Each client
// writes from its own goroutine so one slow socket never blocks the others.
func (c *streamClient) writePump() {
	defer c.conn.Close()
	for event := range c.send {
		if err := c.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// SessionStreamer fans session events out to websocket clients.
type SessionStreamer struct {
	clients    map[*streamClient]bool
	broadcast  chan SessionEvent
	register   chan *streamClient
	unregister chan *streamClient
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

func NewSessionStreamer() *SessionStreamer {
	return &SessionStreamer{
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan SessionEvent, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.New(log.Writer(), "[SESSION-STREAM] ", log.LstdFlags),
	}
}

// dropClientLocked removes a client and closes its send channel, ending its
// writePump. Callers hold s.mu.
func (s *SessionStreamer) dropClientLocked(client *streamClient) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	close(client.send)
}

// Run pumps the hub until the context is cancelled.
func (s *SessionStreamer) Run(ctx context.Context) {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected (total: %d)", total)

		case client := <-s.unregister:
			s.mu.Lock()
			s.dropClientLocked(client)
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client disconnected (total: %d)", total)

		case event := <-s.broadcast:
			s.mu.Lock()
			for client := range s.clients {
				select {
				case client.send <- event:
				default:
					s.logger.Printf("dropping slow client (backlog %d)", clientSendBuffer)
					s.dropClientLocked(client)
				}
			}
			s.mu.Unlock()

		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				s.dropClientLocked(client)
			}
			s.mu.Unlock()
			return
		}
	}
}

// HandleWebSocket upgrades the connection and tracks it until it closes.
func (s *SessionStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}

	client := &streamClient{conn: conn, send: make(chan SessionEvent, clientSendBuffer)}
	go client.writePump()
	s.register <- client

	go func() {
		defer func() {
			s.unregister <- client
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastEvent queues an event for all connected clients. Events are
// dropped when the hub queue is full.
func (s *SessionStreamer) BroadcastEvent(event SessionEvent) {
	event.Timestamp = time.Now()
	select {
	case s.broadcast <- event:
	default:
	}
}

// StreamSessionState broadcasts a session lifecycle transition.
func (s *SessionStreamer) StreamSessionState(sessionID, state string, extra map[string]interface{}) {
	data := map[string]interface{}{"state": state}
	for k, v := range extra {
		data[k] = v
	}
	s.BroadcastEvent(SessionEvent{
		Type:      "session_state",
		SessionID: sessionID,
		Data:      data,
	})
}

// StreamSubRequestAdded broadcasts a new DAG node.
func (s *SessionStreamer) StreamSubRequestAdded(sessionID, requestID, adapterName string, dependencies []string) {
	s.BroadcastEvent(SessionEvent{
		Type:      "sub_request_added",
		SessionID: sessionID,
		Data: map[string]interface{}{
			"request_id":   requestID,
			"adapter_name": adapterName,
			"dependencies": dependencies,
		},
	})
}

// StreamSubRequestUpdated broadcasts a sub-request status change.
func (s *SessionStreamer) StreamSubRequestUpdated(sessionID, requestID, status string, extra map[string]interface{}) {
	data := map[string]interface{}{
		"request_id": requestID,
		"status":     status,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.BroadcastEvent(SessionEvent{
		Type:      "sub_request_updated",
		SessionID: sessionID,
		Data:      data,
	})
}

// Statistics reports hub state.
func (s *SessionStreamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}
