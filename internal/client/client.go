// Package client implements the dirty pool's caller-side API: a
// connection to the arbiter's control socket that can execute unary or
// streaming app calls and issue stash commands. It is the Go counterpart
// of original_source/gunicorn/dirty/client.py's DirtyClient, collapsing
// its separate sync/async code paths into one connection type driven by
// context.Context, the idiomatic Go substitute for asyncio's dual API.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dirtypool/dirtypool/internal/dirtyerr"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

// SocketEnv is the environment variable naming the arbiter's control
// socket, read by FromEnv.
const SocketEnv = "DIRTYPOOL_SOCKET"

// StreamItem is one element of a streamed Dispatch result.
type StreamItem struct {
	Value any
	Err   error
}

// Client is a connection to a dirty pool arbiter. It is safe for
// concurrent use: calls are serialized internally since the wire protocol
// allows only one in-flight request per connection.
type Client struct {
	socketPath string
	timeout    time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// New returns a Client targeting socketPath. The connection is established
// lazily on first use.
func New(socketPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// FromEnv builds a Client from the DIRTYPOOL_SOCKET environment variable,
// as an HTTP worker process would when talking to the dirty pool.
func FromEnv() (*Client, error) {
	path := os.Getenv(SocketEnv)
	if path == "" {
		return nil, fmt.Errorf("dirty client: %s is not set", SocketEnv)
	}
	return New(path, 30*time.Second), nil
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return dirtyerr.NewConnection(fmt.Sprintf("failed to connect to arbiter: %v", err), c.socketPath)
	}
	c.conn = conn
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func newRequestID() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

// Execute runs a unary dirty app action and returns its result.
func (c *Client) Execute(ctx context.Context, appPath, action string, args []any, kwargs map[string]any) (any, error) {
	resp, err := c.roundTrip(ctx, protocol.NewRequestMessage(newRequestID(), protocol.Request{
		AppPath: appPath, Action: action, Args: args, Kwargs: kwargs,
	}))
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.TypeError {
		return nil, errorFromPayload(resp.Payload)
	}
	return resp.Payload["result"], nil
}

// Stream runs a streaming dirty app action, returning a channel of
// StreamItems terminated by the app's END frame or by an error.
func (c *Client) Stream(ctx context.Context, appPath, action string, args []any, kwargs map[string]any) (<-chan StreamItem, error) {
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	conn := c.conn
	requestID := newRequestID()
	if err := protocol.WriteMessage(conn, protocol.NewRequestMessage(requestID, protocol.Request{
		AppPath: appPath, Action: action, Args: args, Kwargs: kwargs,
	})); err != nil {
		c.closeLocked()
		c.mu.Unlock()
		return nil, err
	}

	out := make(chan StreamItem)
	go func() {
		defer c.mu.Unlock()
		defer close(out)
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				c.closeLocked()
				out <- StreamItem{Err: err}
				return
			}
			switch msg.Type {
			case protocol.TypeChunk:
				select {
				case out <- StreamItem{Value: msg.Payload["data"]}:
				case <-ctx.Done():
					return
				}
			case protocol.TypeEnd:
				return
			case protocol.TypeError:
				out <- StreamItem{Err: errorFromPayload(msg.Payload)}
				return
			case protocol.TypeResponse:
				out <- StreamItem{Value: msg.Payload["result"]}
				return
			default:
				out <- StreamItem{Err: dirtyerr.NewProtocol("unexpected message type in stream")}
				return
			}
		}
	}()
	return out, nil
}

// roundTrip writes msg and returns the single response message. On any
// write or read error it closes the connection, so the next call dials a
// fresh one; the failed call itself is not retried.
func (c *Client) roundTrip(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return protocol.Message{}, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		c.closeLocked()
		return protocol.Message{}, dirtyerr.NewConnection(fmt.Sprintf("write failed: %v", err), c.socketPath)
	}
	resp, err := protocol.ReadMessage(c.conn)
	if err != nil {
		c.closeLocked()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return protocol.Message{}, dirtyerr.NewTimeout("dirty request timed out", c.timeout.Seconds())
		}
		return protocol.Message{}, dirtyerr.NewConnection(fmt.Sprintf("read failed: %v", err), c.socketPath)
	}
	return resp, nil
}

// Manage issues a MANAGE control command (scale, kill, reload, shutdown)
// against the arbiter, as dirtyctl does.
func (c *Client) Manage(ctx context.Context, op protocol.ManageOp) error {
	resp, err := c.roundTrip(ctx, protocol.NewManageMessage(newRequestID(), op))
	if err != nil {
		return err
	}
	if resp.Type == protocol.TypeError {
		return errorFromPayload(resp.Payload)
	}
	return nil
}

// Status fetches the arbiter's pool status snapshot.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	resp, err := c.roundTrip(ctx, protocol.NewStatusMessage(newRequestID()))
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.TypeError {
		return nil, errorFromPayload(resp.Payload)
	}
	return resp.Payload, nil
}

func errorFromPayload(payload map[string]any) error {
	errDict, _ := payload["error"].(map[string]any)
	if errDict == nil {
		return dirtyerr.New("unknown dirty pool error")
	}
	return dirtyerr.FromTLV(errDict)
}
