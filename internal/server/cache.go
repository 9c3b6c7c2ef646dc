package server

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// agentCache memoizes the agent list for a short TTL. A filesystem watch
// on the agents root invalidates early so spawns and kills show up on the
// next request instead of after the TTL.
type agentCache struct {
	mu  sync.Mutex
	ttl time.Duration
	at  time.Time
	val []agentView

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newAgentCache(root string, ttl time.Duration, log *zap.Logger) *agentCache {
	c := &agentCache{ttl: ttl, done: make(chan struct{})}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("agent cache: watcher unavailable, TTL only", zap.Error(err))
		return c
	}
	if err := w.Add(root); err != nil {
		// Root may not exist until the first spawn; TTL still bounds staleness.
		log.Debug("agent cache: watch add failed", zap.String("root", root), zap.Error(err))
	}
	c.watcher = w

	go func() {
		for {
			select {
			case <-c.done:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				c.Invalidate()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return c
}

// Get returns the cached list when fresh, otherwise recomputes it.
func (c *agentCache) Get(compute func() ([]agentView, error)) ([]agentView, error) {
	c.mu.Lock()
	if c.val != nil && time.Since(c.at) < c.ttl {
		v := c.val
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := compute()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.val = v
	c.at = time.Now()
	c.mu.Unlock()
	return v, nil
}

func (c *agentCache) Invalidate() {
	c.mu.Lock()
	c.val = nil
	c.mu.Unlock()
}

func (c *agentCache) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}
