package devreload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrMalformedMessage is returned by Next for frames that are not valid
// messages. The channel stays usable.
var ErrMalformedMessage = errors.New("malformed reload message")

// Channel is the client end of a reload channel.
type Channel struct {
	URL string

	conn      *websocket.Conn
	closeOnce sync.Once
}

// Dial connects to the reload channel at wsURL.
func Dial(ctx context.Context, wsURL string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Channel{URL: wsURL, conn: conn}, nil
}

// Next blocks until the next message arrives or the channel fails.
func (c *Channel) Next() (Message, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
