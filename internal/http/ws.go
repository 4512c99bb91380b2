package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/chair-dispatch/internal/notify"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsSession serializes writes to one connection; gorilla/websocket allows a
// single concurrent writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) Send(res notify.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(res)
}

func (s *wsSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (s *Server) handleRiderStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, s.rider, userFromContext(r.Context()).ID)
}

func (s *Server) handleChairStream(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, s.chair, chairFromContext(r.Context()).ID)
}

// stream upgrades the request and pushes every poll of ch until the client
// goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, ch *notify.Channel, ownerID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	session := &wsSession{conn: conn}

	ctx, cancel := context.WithCancel(s.base)
	defer cancel()

	// The read loop only notices the client closing the connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := session.Ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	s.logger.Info("notification stream opened", "audience", ch.Audience(), "owner_id", ownerID)
	err = ch.Stream(ctx, ownerID, session.Send)
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("notification stream ended", "audience", ch.Audience(), "owner_id", ownerID, "err", err)
	}
}
