package client

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Manager hands out shared Clients keyed by socket path, expiring idle
// entries so a long-running caller (e.g. an HTTP worker handling many
// short-lived requests against the same dirty pool) doesn't redial for
// every request while still releasing connections it has stopped using.
// Grounded on Appboy-worker-pools/worker_pool_manager.go's
// WorkerPoolManager, which keys a pool of reusable workers by name and
// reaps ones that go unused.
type Manager struct {
	cache   *ttlcache.Cache[string, *Client]
	timeout time.Duration
}

// NewManager returns a Manager whose Clients use callTimeout for each
// request and that evicts (and closes) a socket's Client after idleTTL
// of disuse.
func NewManager(callTimeout, idleTTL time.Duration) *Manager {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	cache := ttlcache.New[string, *Client](
		ttlcache.WithTTL[string, *Client](idleTTL),
	)
	cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *Client]) {
		_ = item.Value().Close()
	})
	go cache.Start()

	return &Manager{cache: cache, timeout: callTimeout}
}

// Get returns the shared Client for socketPath, creating one if this is
// the first request for it, and refreshing its idle deadline.
func (m *Manager) Get(socketPath string) *Client {
	item := m.cache.Get(socketPath)
	if item != nil {
		return item.Value()
	}
	c := New(socketPath, m.timeout)
	m.cache.Set(socketPath, c, ttlcache.DefaultTTL)
	return c
}

// Close stops the manager's reaper and closes every cached Client.
func (m *Manager) Close() {
	m.cache.Stop()
	m.cache.DeleteAll()
}
