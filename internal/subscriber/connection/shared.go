package connection

import "sync"

var shared struct {
	mu     sync.Mutex
	client *Client
	refs   int
}

// Acquire returns the process-wide client, creating and connecting it from
// cfg on first use. Later calls share the existing client and ignore cfg.
// The returned release func unsubscribes h; the last release closes the
// client unless it was created with Persistent set.
func Acquire(cfg Config, h Handlers) (*Client, func(), error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	created := false
	if shared.client == nil {
		shared.client = NewClient(cfg)
		created = true
	}
	c := shared.client
	unsubscribe := c.Subscribe(h)
	if created {
		if err := c.Connect(); err != nil {
			unsubscribe()
			c.Close()
			shared.client = nil
			return nil, nil, err
		}
	}
	shared.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			unsubscribe()
			shared.mu.Lock()
			defer shared.mu.Unlock()
			if shared.client != c {
				return
			}
			shared.refs--
			if shared.refs == 0 && !c.cfg.Persistent {
				shared.client = nil
				c.Close()
			}
		})
	}
	return c, release, nil
}

// Shared returns the process-wide client, or nil if none is held.
func Shared() *Client {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	return shared.client
}

// resetShared closes and forgets the process-wide client.
func resetShared() {
	shared.mu.Lock()
	c := shared.client
	shared.client = nil
	shared.refs = 0
	shared.mu.Unlock()
	if c != nil {
		c.Close()
	}
}
