package push

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"chatsync/internal/rest"
)

// Conn is the minimal transport surface the manager needs; tests substitute
// scripted fakes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer dials the push endpoint over a websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{dialer: websocket.DefaultDialer}
}

func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &rest.HTTPError{StatusCode: resp.StatusCode, Message: "websocket handshake rejected"}
		}

		return nil, err
	}

	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	_, payload, err := c.conn.ReadMessage()

	return payload, err
}

func (c *websocketConn) WriteMessage(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}
