package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// wireConn is the slice of a websocket connection the manager needs; tests
// substitute in-memory fakes.
type wireConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens the duplex channel, carrying the bearer token as a
// connection-time parameter.
type Dialer func(ctx context.Context, socketURL, token string) (wireConn, error)

// HandshakeRejectedError is a handshake the server answered and refused, as
// opposed to one the network swallowed.
type HandshakeRejectedError struct {
	Status int
}

func (e *HandshakeRejectedError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.Status)
}

type nhooyrConn struct {
	conn *websocket.Conn
}

func (c nhooyrConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c nhooyrConn) Write(ctx context.Context, payload []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c nhooyrConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

func defaultDialer(ctx context.Context, socketURL, token string) (wireConn, error) {
	endpoint := strings.TrimRight(socketURL, "/") + "/ws?token=" + url.QueryEscape(token)
	conn, resp, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &HandshakeRejectedError{Status: resp.StatusCode}
		}
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return nhooyrConn{conn: conn}, nil
}
