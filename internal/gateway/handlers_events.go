package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a WebSocket and registers the connection with
// the hub, which then pushes every derived UI update and log entry.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.deps.Logger.WithError(err).Warn("gateway: websocket upgrade failed")
		return
	}

	cl := newClient(uuid.New().String(), conn, s.hub, s.deps.Logger)
	s.hub.register(cl)

	go cl.writePump()
	cl.readPump()
}
