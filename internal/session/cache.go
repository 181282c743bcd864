package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Credential is the outcome of one login handshake against an endpoint.
// A non-nil Err is memoized just like a success.
type Credential struct {
	SessionID string
	DeviceID  string
	Err       error
}

func (c Credential) OK() bool {
	return c.Err == nil
}

// HandshakeFunc performs the real login against endpointKey.
type HandshakeFunc func(ctx context.Context, endpointKey string) (Credential, error)

type entry struct {
	once       sync.Once
	done       atomic.Bool
	credential Credential
}

// Cache memoizes handshakes per endpoint for a single aggregation call.
// Build a new Cache for every call; it is never meant to be process-wide.
type Cache struct {
	handshake HandshakeFunc

	mu      sync.Mutex
	entries map[string]*entry
	calls   atomic.Int64
}

func NewCache(handshake HandshakeFunc) *Cache {
	return &Cache{
		handshake: handshake,
		entries:   make(map[string]*entry),
	}
}

// Get returns the credential for endpointKey, performing the handshake on
// first use. Concurrent callers for the same key share one handshake.
func (c *Cache) Get(ctx context.Context, endpointKey string) Credential {
	c.mu.Lock()
	item, exists := c.entries[endpointKey]
	if !exists {
		item = &entry{}
		c.entries[endpointKey] = item
	}
	c.mu.Unlock()

	item.once.Do(func() {
		c.calls.Add(1)
		defer func() {
			if recovered := recover(); recovered != nil {
				item.credential = Credential{Err: fmt.Errorf("handshake panic for %s: %v", endpointKey, recovered)}
				item.done.Store(true)
			}
		}()
		credential, err := c.handshake(ctx, endpointKey)
		if err != nil {
			credential = Credential{Err: err}
		}
		item.credential = credential
		item.done.Store(true)
	})
	return item.credential
}

// Calls reports how many real handshakes were performed.
func (c *Cache) Calls() int {
	return int(c.calls.Load())
}

// Failed returns the endpoint keys whose completed handshake failed.
func (c *Cache) Failed() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make(map[string]error)
	for key, item := range c.entries {
		if item.done.Load() && item.credential.Err != nil {
			failed[key] = item.credential.Err
		}
	}
	return failed
}
