package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luddite-os/installer/internal/appstore"
	"github.com/luddite-os/installer/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	lineBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser UIs on another localhost port are expected; the listener is
	// local by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}

	lines, cancelLines := s.cfg.Lines.Subscribe(lineBuffer)
	reports, cancelReports := s.subscribeReports()

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(r, conn, done, lines, reports)

	cancelLines()
	cancelReports()
	conn.Close()
	log.Debug("event client disconnected", "remote", r.RemoteAddr)
}

// readPump discards client messages and keeps the read deadline fresh on
// pongs. done is closed when the client goes away.
func (s *Server) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("event client read error", logging.KeyError, err)
			}
			return
		}
	}
}

func (s *Server) writePump(r *http.Request, conn *websocket.Conn, done <-chan struct{}, lines <-chan logging.Line, reports <-chan appstore.Report) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var ev event
		select {
		case <-done:
			return
		case <-r.Context().Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			return

		case line, ok := <-lines:
			if !ok {
				return
			}
			ev = event{Type: "log", Line: &line}

		case rep, ok := <-reports:
			if !ok {
				return
			}
			ev = event{Type: "report", Report: &rep}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Warn("event client write error", logging.KeyError, err)
			return
		}
	}
}
