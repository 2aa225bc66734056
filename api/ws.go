package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/loomhq/loom/runtime/execution"
	"github.com/loomhq/loom/runtime/steplog"
	"github.com/loomhq/loom/runtime/stream"
)

type (
	// wsEnvelope is the wire form of every websocket message, both
	// directions. Client messages use types "join" and "leave"; server
	// messages use the progress event types plus "execution:state" for the
	// replay sent on join.
	wsEnvelope struct {
		Type        string `json:"type"`
		ExecutionID string `json:"executionId"`
		Payload     any    `json:"payload,omitempty"`
	}

	// statePayload is the replay snapshot sent when a client joins a room.
	statePayload struct {
		Execution *execution.Execution `json:"execution"`
		Steps     []*steplog.Entry     `json:"steps"`
	}

	// wsConn serializes writes to one websocket connection and tracks its
	// room subscriptions.
	wsConn struct {
		conn  *websocket.Conn
		wmu   sync.Mutex
		mu    sync.Mutex
		rooms map[string]context.CancelFunc
	}
)

// socket serves the multi-room feed: clients send join/leave messages and
// receive the progress events of every joined execution.
func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf(r.Context(), err, "websocket upgrade failed")
		return
	}
	c := &wsConn{conn: conn, rooms: make(map[string]context.CancelFunc)}
	defer c.close()

	ctx := r.Context()
	ownerID := owner(r)
	for {
		var msg wsEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "join":
			if err := s.join(ctx, c, ownerID, msg.ExecutionID); err != nil {
				c.send(wsEnvelope{Type: "error", ExecutionID: msg.ExecutionID, Payload: err.Error()})
			}
		case "leave":
			c.leave(msg.ExecutionID)
		}
	}
}

// executionSocket serves a single execution's feed: the connection joins the
// room immediately and needs no protocol messages.
func (s *Server) executionSocket(w http.ResponseWriter, r *http.Request) {
	exec, err := s.ownedExecution(r)
	if err != nil {
		respondError(w, r, err)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf(r.Context(), err, "websocket upgrade failed")
		return
	}
	c := &wsConn{conn: conn, rooms: make(map[string]context.CancelFunc)}
	defer c.close()

	if err := s.join(r.Context(), c, exec.OwnerID, exec.ID); err != nil {
		c.send(wsEnvelope{Type: "error", ExecutionID: exec.ID, Payload: err.Error()})
		return
	}
	// Drain control frames until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// join attaches the live feed and replays the execution's current state.
// The subscription is opened before the snapshot is read so no event falls
// between them; joining a room twice replays again without duplicating the
// subscription.
func (s *Server) join(ctx context.Context, c *wsConn, ownerID, executionID string) error {
	exec, err := s.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.OwnerID != ownerID {
		return execution.ErrNotFound
	}

	var ch <-chan stream.Event
	c.mu.Lock()
	_, joined := c.rooms[executionID]
	if !joined {
		subCtx, cancel := context.WithCancel(ctx)
		ch, err = s.subscriber.Subscribe(subCtx, executionID)
		if err != nil {
			cancel()
			c.mu.Unlock()
			return err
		}
		c.rooms[executionID] = cancel
	}
	c.mu.Unlock()

	steps, err := s.steps.ListByExecution(ctx, executionID)
	if err != nil {
		c.leave(executionID)
		return err
	}
	c.send(wsEnvelope{
		Type:        "execution:state",
		ExecutionID: executionID,
		Payload:     statePayload{Execution: exec, Steps: steps},
	})

	if ch != nil {
		go func() {
			for ev := range ch {
				c.send(wsEnvelope{
					Type:        string(ev.Type()),
					ExecutionID: ev.ExecutionID(),
					Payload:     ev.Payload(),
				})
			}
		}()
	}
	return nil
}

// checkOrigin admits the configured browser origin, or any when unset.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.corsOrigin == "" || s.corsOrigin == "*" {
		return true
	}
	return r.Header.Get("Origin") == s.corsOrigin
}

func (c *wsConn) send(msg wsEnvelope) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		_ = c.conn.Close()
	}
}

func (c *wsConn) leave(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.rooms[executionID]; ok {
		cancel()
		delete(c.rooms, executionID)
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	for id, cancel := range c.rooms {
		cancel()
		delete(c.rooms, id)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
