package client

import (
	"context"
	"fmt"

	"github.com/dirtypool/dirtypool/internal/dirtyerr"
	"github.com/dirtypool/dirtypool/internal/protocol"
)

// Stash is the stash sub-API of a Client, mirroring
// original_source/gunicorn/dirty/stash.py's StashClient public methods.
type Stash struct {
	client *Client
}

// Stash returns the stash sub-API bound to c's connection.
func (c *Client) Stash() *Stash { return &Stash{client: c} }

func (s *Stash) execute(ctx context.Context, op protocol.StashOp) (any, error) {
	resp, err := s.client.roundTrip(ctx, protocol.NewStashMessage(newRequestID(), op))
	if err != nil {
		return nil, err
	}
	if resp.Type == protocol.TypeError {
		return nil, errorFromPayload(resp.Payload)
	}
	return resp.Payload["result"], nil
}

// Put stores value under key in table, creating the table if needed.
func (s *Stash) Put(ctx context.Context, table, key string, value any) error {
	_, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpPut, Table: table, Key: key, HasKey: true, Value: value})
	return err
}

// Get retrieves the value at key in table, returning def if the key is
// absent (mirroring StashClient.get's default= parameter).
func (s *Stash) Get(ctx context.Context, table, key string, def any) (any, error) {
	v, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpGet, Table: table, Key: key, HasKey: true})
	if dirtyerr.Is(err, "StashKeyNotFoundError") {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Delete removes key from table, reporting whether it was present.
func (s *Stash) Delete(ctx context.Context, table, key string) (bool, error) {
	v, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpDelete, Table: table, Key: key, HasKey: true})
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Exists reports whether key is present in table.
func (s *Stash) Exists(ctx context.Context, table, key string) (bool, error) {
	v, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpExists, Table: table, Key: key, HasKey: true})
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Keys lists keys in table, optionally filtered by a glob pattern.
func (s *Stash) Keys(ctx context.Context, table, pattern string) ([]string, error) {
	v, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpKeys, Table: table, Pattern: pattern})
	if err != nil {
		return nil, err
	}
	return toStrings(v)
}

// Clear removes all entries from table without deleting it.
func (s *Stash) Clear(ctx context.Context, table string) error {
	_, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpClear, Table: table})
	return err
}

// Ensure idempotently creates table.
func (s *Stash) Ensure(ctx context.Context, table string) error {
	_, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpEnsure, Table: table})
	return err
}

// DeleteTable removes table entirely.
func (s *Stash) DeleteTable(ctx context.Context, table string) error {
	_, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpDeleteTable, Table: table})
	return err
}

// Tables lists every known table name.
func (s *Stash) Tables(ctx context.Context) ([]string, error) {
	v, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpTables})
	if err != nil {
		return nil, err
	}
	return toStrings(v)
}

// Info reports the key count for table.
func (s *Stash) Info(ctx context.Context, table string) (int, error) {
	v, err := s.execute(ctx, protocol.StashOp{Op: protocol.StashOpInfo, Table: table})
	if err != nil {
		return 0, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("dirty client: malformed stash info response")
	}
	count, _ := m["key_count"].(int64)
	return int(count), nil
}

func toStrings(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("dirty client: expected a list, got %T", v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("dirty client: expected string items, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}
