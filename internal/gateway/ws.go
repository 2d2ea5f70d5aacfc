package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is enforced by the HTTP middleware in front of
	// the upgrade, not here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a websocket to the gateway's Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadJSON(v interface{}) error { return c.ws.ReadJSON(v) }

func (c *wsConn) WriteJSON(v interface{}) error {
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) Close() error { return c.ws.Close() }

// Upgrade switches an HTTP request to a websocket and wraps it for the
// gateway.
func Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}
