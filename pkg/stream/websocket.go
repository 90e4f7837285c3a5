package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/labdaq/labdaq/pkg/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream upgrades the connection and forwards documents from the
// engine's broadcast stream as JSON text frames. An optional run_uid
// query parameter restricts the stream to a single run.
func (s *Server) handleStream(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade stream connection")
		return err
	}

	runFilter := c.QueryParam("run_uid")
	sub := s.source.Subscribe()

	done := make(chan struct{})
	go s.readPump(ws, done)
	s.writePump(ws, sub, runFilter, done)

	s.source.Unsubscribe(sub)
	ws.Close()
	if dropped := sub.Dropped(); dropped > 0 {
		s.logger.Warn().Int64("dropped", dropped).Msg("Stream client fell behind broadcast")
	}

	return nil
}

// readPump discards client frames and signals when the peer goes away.
func (s *Server) readPump(ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug().Err(err).Msg("Stream connection read error")
			}
			return
		}
	}
}

// writePump forwards documents to the client and keeps the connection
// alive with pings. It returns when the subscription closes, the client
// disconnects, or a write fails.
func (s *Server) writePump(ws *websocket.Conn, sub *engine.Subscription, runFilter string, done chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case doc, ok := <-sub.C:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if runFilter != "" && doc.RunUID != runFilter {
				continue
			}

			ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := ws.WriteJSON(doc); err != nil {
				s.logger.Debug().Err(err).Msg("Failed to write document to stream client")
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
