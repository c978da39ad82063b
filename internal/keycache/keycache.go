// Package keycache implements the bounded content-key store.
//
// The cache is a fixed table of Capacity slots addressed by key value.
// Pinned entries are never evicted automatically; when the table is full the
// oldest-inserted evictable entry makes room. Slot indexes are stable for the
// lifetime of an entry.
package keycache

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/avaropoint/crunchy/internal/fault"
)

// Capacity is the number of slots in the table.
const Capacity = 64

// Key is a fixed-width content key.
type Key uint64

// State is the pin state of an entry.
type State int

const (
	Evictable State = iota
	Pinned
)

func (s State) String() string {
	if s == Pinned {
		return "pinned"
	}
	return "evictable"
}

// Entry is one occupied slot.
type Entry struct {
	Key   Key
	State State
	Slot  int

	seq uint64 // insertion order, for FIFO eviction
}

// Cache is safe for concurrent use; every operation is atomic with respect
// to the others.
type Cache struct {
	mu      sync.Mutex
	slots   [Capacity]*Entry
	index   map[Key]*Entry
	nextSeq uint64
	log     *zap.Logger
}

// New returns an empty cache.
func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{index: make(map[Key]*Entry, Capacity), log: log}
}

// Put stores key and returns its slot. A key already present keeps its slot
// and insertion order; only its pin state is updated. Inserting into a full
// table evicts the oldest evictable entry, which is returned. If every slot is
// pinned Put fails with CacheFull.
func (c *Cache) Put(key Key, pinned bool) (int, *Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := Evictable
	if pinned {
		state = Pinned
	}

	if e, ok := c.index[key]; ok {
		e.State = state
		return e.Slot, nil, nil
	}

	slot := c.freeSlot()
	var evicted *Entry
	if slot < 0 {
		victim := c.oldestEvictable()
		if victim == nil {
			return -1, nil, fault.New(fault.CacheFull, "all %d slots pinned", Capacity)
		}
		slot = victim.Slot
		delete(c.index, victim.Key)
		c.slots[slot] = nil
		cp := *victim
		evicted = &cp
		c.log.Debug("Evicted content key", zap.Uint64("key", uint64(victim.Key)), zap.Int("slot", slot))
	}

	c.nextSeq++
	e := &Entry{Key: key, State: state, Slot: slot, seq: c.nextSeq}
	c.slots[slot] = e
	c.index[key] = e
	return slot, evicted, nil
}

// Get returns a copy of the entry for key.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pin exempts key from eviction. It reports whether key was present.
func (c *Cache) Pin(key Key) bool { return c.setState(key, Pinned) }

// Unpin makes key evictable again. It reports whether key was present.
func (c *Cache) Unpin(key Key) bool { return c.setState(key, Evictable) }

func (c *Cache) setState(key Key, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[key]
	if ok {
		e.State = s
	}
	return ok
}

// Remove drops key regardless of pin state.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[key]
	if !ok {
		return false
	}
	delete(c.index, key)
	c.slots[e.Slot] = nil
	return true
}

// Len returns the number of occupied slots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Entries returns copies of all entries in insertion order.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.index))
	for _, e := range c.index {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Restore replaces the table with entries, given in insertion order.
// Slots are kept when valid and free, otherwise reassigned.
func (c *Cache) Restore(entries []Entry) error {
	if len(entries) > Capacity {
		return fault.New(fault.CacheFull, "%d entries exceed capacity %d", len(entries), Capacity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.slots = [Capacity]*Entry{}
	c.index = make(map[Key]*Entry, Capacity)
	c.nextSeq = 0

	var pending []*Entry
	for _, in := range entries {
		if _, dup := c.index[in.Key]; dup {
			continue
		}
		c.nextSeq++
		e := &Entry{Key: in.Key, State: in.State, Slot: in.Slot, seq: c.nextSeq}
		c.index[e.Key] = e
		if e.Slot >= 0 && e.Slot < Capacity && c.slots[e.Slot] == nil {
			c.slots[e.Slot] = e
			continue
		}
		pending = append(pending, e)
	}
	for _, e := range pending {
		e.Slot = c.freeSlot()
		c.slots[e.Slot] = e
	}
	return nil
}

func (c *Cache) freeSlot() int {
	for i, e := range c.slots {
		if e == nil {
			return i
		}
	}
	return -1
}

func (c *Cache) oldestEvictable() *Entry {
	var victim *Entry
	for _, e := range c.slots {
		if e == nil || e.State == Pinned {
			continue
		}
		if victim == nil || e.seq < victim.seq {
			victim = e
		}
	}
	return victim
}
