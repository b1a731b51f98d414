// Package relayclient is a websocket client for the relay protocol, used by
// the probe binary and end-to-end tests.
package relayclient

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/relay/internal/relay"
)

const writeWait = 10 * time.Second

// Client is one relay connection. Send is safe for concurrent use; Next must
// be called from a single goroutine.
type Client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// Dial connects to the relay websocket endpoint at url (ws:// or wss://).
//
// Postcondition: Returns a connected Client or a non-nil error.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Send encodes and writes one inbound event.
func (c *Client) Send(evt relay.Inbound) error {
	frame, err := relay.Encode(evt)
	if err != nil {
		return err
	}
	return c.SendRaw(frame)
}

// SendRaw writes frame verbatim, for exercising malformed input.
func (c *Client) SendRaw(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Next reads the next server event. The read honours ctx's deadline.
func (c *Client) Next(ctx context.Context) (relay.Outbound, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return relay.DecodeOutbound(frame)
}

// Expect reads events until one named name arrives, discarding the others.
func (c *Client) Expect(ctx context.Context, name string) (relay.Outbound, error) {
	for {
		evt, err := c.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", name, err)
		}
		if evt.EventName() == name {
			return evt, nil
		}
	}
}

// Sync sends a ping and returns every event received before its pong. Since
// the relay handles events in order, the result holds everything the relay
// produced for this connection before the ping.
func (c *Client) Sync(ctx context.Context) ([]relay.Outbound, error) {
	if err := c.Send(relay.Ping{}); err != nil {
		return nil, err
	}
	var before []relay.Outbound
	for {
		evt, err := c.Next(ctx)
		if err != nil {
			return before, fmt.Errorf("waiting for pong: %w", err)
		}
		if _, ok := evt.(relay.Pong); ok {
			return before, nil
		}
		before = append(before, evt)
	}
}

// Close sends a normal closure and closes the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.conn.Close()
}
