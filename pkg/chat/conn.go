package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Message is a chat frame.
type Message struct {
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
}

// Conn represents a websocket chat connection.
type Conn struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// SocketURL converts a chat page URL to its websocket equivalent.
func SocketURL(chatURL string) (string, error) {
	u, err := url.Parse(chatURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported chat scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Dial opens the chat socket for chatURL.
func Dial(ctx context.Context, chatURL string, logger *slog.Logger) (*Conn, error) {
	target, err := SocketURL(chatURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chat handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial chat: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{conn: conn, log: logger}, nil
}

// Send writes a text message to the chat.
func (c *Conn) Send(text string) error {
	payload, err := json.Marshal(Message{Message: text})
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Receive blocks for the next chat message. Frames that are not JSON are returned as the
// message text.
func (c *Conn) Receive() (Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{Message: string(data)}, nil
	}
	return msg, nil
}

// Leave starts the closing handshake. Receive keeps returning queued messages until the
// peer acknowledges with its own close frame.
func (c *Conn) Leave() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// Closed reports whether err is the normal end of a chat connection.
func Closed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// Close sends a close frame and terminates the connection.
func (c *Conn) Close() {
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
