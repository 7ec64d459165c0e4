package relay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxFrameBytes  = 10 << 20 // 10MB max frame (spec.md §4.4)
	keepalivePing  = 30 * time.Second
	reconnectFloor = time.Second
	reconnectCeil  = 30 * time.Second
)

// Options configures the relay websocket client (spec.md §4.4, §6)
type Options struct {
	BaseURL   string // e.g. wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos
	UserAgent string
}

// Client dials the firehose websocket and decodes frames into Events
type Client struct {
	opt Options
}

// NewClient constructs a relay Client
func NewClient(opt Options) *Client {
	return &Client{opt: opt}
}

// Dial opens one websocket connection, optionally resuming from cursor.
// cursor <= 0 means subscribe live with no resume parameter
func (c *Client) Dial(ctx context.Context, cursor int64) (*Conn, error) {
	u, err := url.Parse(c.opt.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse base url: %w", err)
	}
	if cursor > 0 {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		u.RawQuery = q.Encode()
	}

	dialer := *websocket.DefaultDialer
	header := make(map[string][]string)
	if c.opt.UserAgent != "" {
		header["User-Agent"] = []string{c.opt.UserAgent}
	}

	ws, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", u.Redacted(), err)
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := &Conn{ws: ws, stop: make(chan struct{})}
	go conn.keepalive()
	return conn, nil
}

// Conn wraps one live websocket connection
type Conn struct {
	ws   *websocket.Conn
	stop chan struct{}
}

// DecodeError wraps a frame that failed to decode. Per §4.4/§7, this means
// only that one frame is unusable; the connection itself is still healthy
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "relay: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// ReadEvent blocks for the next frame and decodes it. A *DecodeError means
// only this frame is unusable; any other error means the connection itself
// failed and the caller should reconnect
func (c *Conn) ReadEvent() (Event, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	ev, err := DecodeFrame(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return ev, nil
}

// Close tears down the connection and stops the keepalive goroutine
func (c *Conn) Close() error {
	close(c.stop)
	return c.ws.Close()
}

func (c *Conn) keepalive() {
	t := time.NewTicker(keepalivePing)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

// NextBackoff returns the reconnect delay for the n'th consecutive failure
// (n starting at 1), doubling from reconnectFloor up to reconnectCeil
// (spec.md §4.4 "reconnection policy")
func NextBackoff(n int) time.Duration {
	d := reconnectFloor
	for i := 1; i < n; i++ {
		d *= 2
		if d >= reconnectCeil {
			return reconnectCeil
		}
	}
	return d
}
