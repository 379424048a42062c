package arduino

import "sync"

// Cache holds the last merged snapshot and a shadow copy of each field's
// value before its last change. Reads never touch the device.
type Cache struct {
	mu          sync.RWMutex
	current     Snapshot
	previous    Snapshot
	changed     Field
	initialized bool
}

func NewCache() *Cache {
	return &Cache{}
}

// ApplyFull replaces the cache and seeds the shadow with the same values.
func (c *Cache) ApplyFull(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s.Clone()
	c.previous = s.Clone()
	c.changed = AllFields
	c.initialized = true
}

// ApplyPartial merges the present fields of p and returns the merged view.
// Channel maps merge per key; keys the cache does not know are ignored.
func (c *Cache) ApplyPartial(p PartialSnapshot) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return Snapshot{}, ErrNotInitialized
	}

	if p.Has(FieldOutput) {
		c.previous.Output = c.current.Output
		c.current.Output = p.Output
	}
	if p.Has(FieldChannels) {
		c.previous.Channels = c.current.Channels.Clone()
		mergeChannels(c.current.Channels, p.Channels)
	}
	if p.Has(FieldMin) {
		c.previous.Min = c.current.Min
		c.current.Min = p.Min
	}
	if p.Has(FieldMax) {
		c.previous.Max = c.current.Max
		c.current.Max = p.Max
	}
	if p.Has(FieldOffsets) {
		c.previous.Offsets = c.current.Offsets.Clone()
		mergeChannels(c.current.Offsets, p.Offsets)
	}
	if p.Has(FieldAverage) {
		c.previous.Average = c.current.Average
		c.current.Average = p.Average
	}
	c.changed = p.Present
	return c.current.Clone(), nil
}

func mergeChannels(dst, src Channels) {
	for k, v := range src {
		if _, ok := dst[k]; ok {
			dst[k] = v
		}
	}
}

// Current returns a copy of the merged snapshot and whether a full read has
// seeded the cache.
func (c *Cache) Current() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone(), c.initialized
}

// Previous returns the shadow copy.
func (c *Cache) Previous() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.previous.Clone()
}

// Changed names the fields touched by the last apply.
func (c *Cache) Changed() Field {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}

func (c *Cache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// Reset drops all cached state.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Snapshot{}
	c.previous = Snapshot{}
	c.changed = 0
	c.initialized = false
}
