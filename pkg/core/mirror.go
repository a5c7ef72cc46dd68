package core

import (
	"context"
	"time"

	"github.com/suhlabs/kvshare/pkg/fingerprint"
	"go.uber.org/zap"
)

// DefaultMirrorInterval is how often dirty lineage records flush to the
// mirror
const DefaultMirrorInterval = 5 * time.Second

// markDirty queues a node for the next mirror flush
func (c *Cache) markDirty(key fingerprint.Key) {
	if c.mirror == nil {
		return
	}
	c.dirtyMu.Lock()
	c.dirty[key] = struct{}{}
	delete(c.dead, key)
	c.dirtyMu.Unlock()
}

// markDead queues a node removal for the next mirror flush
func (c *Cache) markDead(key fingerprint.Key) {
	if c.mirror == nil {
		return
	}
	c.dirtyMu.Lock()
	c.dead[key] = struct{}{}
	delete(c.dirty, key)
	c.dirtyMu.Unlock()
}

func (c *Cache) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushMirror()
		case <-c.done:
			return
		}
	}
}

// flushMirror pushes the pending dirty and dead sets to the mirror.
// Failed batches merge back into the pending sets and retry on the next
// tick.
func (c *Cache) flushMirror() {
	if c.mirror == nil {
		return
	}
	c.dirtyMu.Lock()
	dirty, dead := c.dirty, c.dead
	c.dirty = make(map[fingerprint.Key]struct{})
	c.dead = make(map[fingerprint.Key]struct{})
	c.dirtyMu.Unlock()

	if len(dirty) == 0 && len(dead) == 0 {
		return
	}
	ctx := context.Background()

	if len(dead) > 0 {
		keys := make([]fingerprint.Key, 0, len(dead))
		for key := range dead {
			keys = append(keys, key)
		}
		if err := c.mirror.DeleteBatch(ctx, keys); err != nil {
			c.l.Warn("mirror delete failed, will retry", zap.Int("keys", len(keys)), zap.Error(err))
			c.dirtyMu.Lock()
			for key := range dead {
				if _, conflict := c.dirty[key]; !conflict {
					c.dead[key] = struct{}{}
				}
			}
			c.dirtyMu.Unlock()
		}
	}

	if len(dirty) > 0 {
		keys := make([]fingerprint.Key, 0, len(dirty))
		for key := range dirty {
			keys = append(keys, key)
		}
		records := c.index.Records(keys)
		if len(records) == 0 {
			return
		}
		if err := c.mirror.UpsertBatch(ctx, records); err != nil {
			c.l.Warn("mirror upsert failed, will retry", zap.Int("records", len(records)), zap.Error(err))
			c.dirtyMu.Lock()
			for key := range dirty {
				if _, conflict := c.dead[key]; !conflict {
					c.dirty[key] = struct{}{}
				}
			}
			c.dirtyMu.Unlock()
		}
	}
}
