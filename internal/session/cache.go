package session

import (
	"slices"
	"sync"
)

// Cache is the single source of truth for unacknowledged operations. It is
// shared by the send path, the inbound path and the retry scanner.
type Cache struct {
	mu      sync.RWMutex
	records map[Key]Record
}

func NewCache() *Cache {
	return &Cache{records: make(map[Key]Record)}
}

// Put stores the record unless its key is already outstanding.
func (c *Cache) Put(record Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[record.Key]; exists {
		return false
	}
	c.records[record.Key] = record
	return true
}

func (c *Cache) Get(key Key) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[key]
	return record, ok
}

// Remove deletes the record and returns it; only the first caller sees ok.
func (c *Cache) Remove(key Key) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[key]
	if ok {
		delete(c.records, key)
	}
	return record, ok
}

// Advance moves the record strictly forward to status. Absent records and
// non-forward moves are ignored.
func (c *Cache) Advance(key Key, status ConfirmStatus) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[key]
	if !ok || status <= record.Status {
		return record, false
	}
	record.Status = status
	if !key.Inbound && record.Kind == KindPublish && status >= StatusPubRec {
		record.Kind = KindPubRel
	}
	c.records[key] = record
	return record, true
}

// Touch records a retransmission time on a still-outstanding record.
func (c *Cache) Touch(record Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.records[record.Key]; ok && current.Status == record.Status {
		current.SentAt = record.SentAt
		c.records[record.Key] = current
	}
}

// Clear drops every record and returns how many there were.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.records)
	clear(c.records)
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Keys returns outstanding keys ordered by direction then identifier.
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.records))
	for key := range c.records {
		keys = append(keys, key)
	}
	c.mu.RUnlock()
	slices.SortFunc(keys, func(a, b Key) int {
		if a.Inbound != b.Inbound {
			if a.Inbound {
				return 1
			}
			return -1
		}
		return int(a.PacketID) - int(b.PacketID)
	})
	return keys
}
