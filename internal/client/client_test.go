package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirtypool/dirtypool/internal/dirtyerr"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

// startFakeArbiter serves one Unix socket connection with handler, standing
// in for a real arbiter so the Client can be exercised without spawning a
// subprocess.
func startFakeArbiter(t *testing.T, handler func(protocol.Message) protocol.Message) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "arbiter.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msg, err := protocol.ReadMessage(conn)
			if err != nil {
				return
			}
			resp := handler(msg)
			if err := protocol.WriteMessage(conn, resp); err != nil {
				return
			}
		}
	}()

	return socketPath
}

func TestExecuteUnaryRoundTrip(t *testing.T) {
	socketPath := startFakeArbiter(t, func(msg protocol.Message) protocol.Message {
		req, err := protocol.DecodeRequest(msg)
		require.NoError(t, err)
		assert.Equal(t, "increment", req.Action)
		return protocol.NewResponseMessage(msg.RequestID, int64(1))
	})

	c := New(socketPath, time.Second)
	defer c.Close()

	result, err := c.Execute(context.Background(), "examples.apps:CounterApp", "increment", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result)
}

func TestExecuteSurfacesAppNotFoundError(t *testing.T) {
	socketPath := startFakeArbiter(t, func(msg protocol.Message) protocol.Message {
		return protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewAppNotFound("ghost:App").ToTLV())
	})

	c := New(socketPath, time.Second)
	defer c.Close()

	_, err := c.Execute(context.Background(), "ghost:App", "go", nil, nil)
	require.Error(t, err)
	assert.True(t, dirtyerr.Is(err, dirtyerr.KindAppNotFound))
}

func TestStreamDeliversChunksThenEnd(t *testing.T) {
	// A stream-aware server: startFakeArbiter's handler signature only
	// supports one reply per request, so this test runs its own accept loop.
	socketPath := filepath.Join(t.TempDir(), "arbiter.sock")
	serverLn, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer serverLn.Close()

	go func() {
		conn, err := serverLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			return
		}
		_ = protocol.WriteMessage(conn, protocol.NewChunkMessage(msg.RequestID, "echo"))
		_ = protocol.WriteMessage(conn, protocol.NewChunkMessage(msg.RequestID, ":"))
		_ = protocol.WriteMessage(conn, protocol.NewEndMessage(msg.RequestID))
	}()

	c := New(socketPath, time.Second)
	defer c.Close()

	stream, err := c.Stream(context.Background(), "examples.apps:ChatApp", "reply", nil, map[string]any{"prompt": "hi"})
	require.NoError(t, err)

	var values []any
	for item := range stream {
		require.NoError(t, item.Err)
		values = append(values, item.Value)
	}
	assert.Equal(t, []any{"echo", ":"}, values)
}

func TestStashPutGetRoundTrip(t *testing.T) {
	store := map[string]any{}
	socketPath := startFakeArbiter(t, func(msg protocol.Message) protocol.Message {
		op := protocol.DecodeStash(msg)
		switch op.Op {
		case protocol.StashOpPut:
			store[op.Key] = op.Value
			return protocol.NewResponseMessage(msg.RequestID, nil)
		case protocol.StashOpGet:
			v, ok := store[op.Key]
			if !ok {
				return protocol.NewErrorMessage(msg.RequestID, (&dirtyerr.Error{ErrKind: "StashKeyNotFoundError", Msg: "not found"}).ToTLV())
			}
			return protocol.NewResponseMessage(msg.RequestID, v)
		default:
			return protocol.NewErrorMessage(msg.RequestID, dirtyerr.NewProtocol("unexpected op").ToTLV())
		}
	})

	c := New(socketPath, time.Second)
	defer c.Close()
	stash := c.Stash()

	require.NoError(t, stash.Put(context.Background(), "sessions", "user:1", "alice"))
	v, err := stash.Get(context.Background(), "sessions", "user:1", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	v, err = stash.Get(context.Background(), "sessions", "user:2", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", v)
}

func TestFromEnvRequiresSocketEnv(t *testing.T) {
	os.Unsetenv(SocketEnv)
	_, err := FromEnv()
	assert.Error(t, err)
}
