package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// L1 is the in-memory tier: an insertion-ordered map supporting O(1)
// move-to-end and O(1) pop-front, the shape spec.md §4.B requires. It is
// grounded on mercator-hq-jupiter's MemoryBackend map-plus-mutex shape,
// adding the doubly-linked-list LRU ordering that backend's simple
// oldest-by-timestamp scan doesn't provide.
type L1 struct {
	mu        sync.RWMutex
	maxEntries int
	entries   map[string]*list.Element // key -> element holding *Entry
	order     *list.List               // front = LRU, back = MRU
}

// NewL1 builds an in-memory tier. maxEntries <= 0 means unlimited.
func NewL1(maxEntries int) *L1 {
	return &L1{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

func (l *L1) Name() string    { return "L1" }
func (l *L1) Enabled() bool   { return true } // memory only; cannot fail

func (l *L1) Get(ctx context.Context, key string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.entries[key]
	if !ok {
		return nil, nil
	}
	l.order.MoveToBack(el)
	return el.Value.(*Entry).Clone(), nil
}

// Put inserts or replaces key. If the tier is at capacity and inserting a
// new key, the LRU entry is popped and returned to the caller (the
// manager) for demotion to the next lower tier.
func (l *L1) Put(ctx context.Context, key string, e *Entry) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.entries[key]; ok {
		el.Value = e
		l.order.MoveToBack(el)
		return nil, nil
	}

	var evicted *Entry
	if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
		front := l.order.Front()
		if front != nil {
			victim := front.Value.(*Entry)
			evicted = victim
			l.order.Remove(front)
			delete(l.entries, victim.Key)
		}
	}

	el := l.order.PushBack(e)
	l.entries[key] = el
	return evicted, nil
}

func (l *L1) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.entries[key]; ok {
		l.order.Remove(el)
		delete(l.entries, key)
	}
	return nil
}

func (l *L1) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*list.Element)
	l.order.Init()
	return nil
}

func (l *L1) Size(ctx context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

func (l *L1) Keys(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	return out, nil
}

// ExpiredKeys returns all keys whose entry is expired as of now, for the
// manager's full-scan TTL sweep (spec.md §4.C: L1 gets a full scan, no
// index).
func (l *L1) ExpiredKeys(now time.Time) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for el := l.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.Expired(now) {
			out = append(out, e.Key)
		}
	}
	return out
}
