package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
)

// streamClient is one websocket subscriber to run transitions
type streamClient struct {
	server *Server
	conn   *websocket.Conn
	caller *Caller
	runs   <-chan *ledger.JobRun
	id     string
}

// handleRunStream upgrades to a websocket and pushes every run change the
// caller may see
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Debugw("WebSocket upgrade failed", "error", err.Error())
		return
	}

	c := &streamClient{
		server: s,
		conn:   conn,
		caller: CallerFromContext(r.Context()),
		runs:   s.ledger.Subscribe(),
		id:     logger.RequestIDFromContext(r.Context()),
	}
	s.register(c)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

func (s *Server) register(c *streamClient) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
	s.logger.Infow("Run stream client connected", "client_id", shortID(c.id))
}

// unregister drops the client and its ledger subscription. Safe to call twice.
func (s *Server) unregister(c *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.ledger.Unsubscribe(c.runs)
	s.logger.Infow("Run stream client disconnected", "client_id", shortID(c.id))
}

// readPump only services control frames; clients send nothing we act on.
// It returns when the connection closes.
func (c *streamClient) readPump() {
	defer func() {
		c.server.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("Run stream read error",
					"client_id", shortID(c.id),
					"error", err.Error())
			}
			return
		}
	}
}

// writePump forwards ledger changes and keeps the connection alive with pings
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case run, ok := <-c.runs:
			if !ok {
				// Unsubscribed by readPump
				return
			}
			if !c.server.auth.Permitted(c.server.ctx, c.caller, runTenant(run)) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(StreamEvent{Type: "run", Run: run}); err != nil {
				c.server.logger.Debugw("Run stream write error",
					"client_id", shortID(c.id),
					"error", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
