// Package store owns the process wide state: the keyed tables of running
// jobs and login sessions, and the optional sqlite archive of results.
package store

import (
	"errors"
	"sync"

	"github.com/mediacrawler/harvester/internal/model"
)

var (
	ErrNotFound        = model.ErrNotFound
	ErrAlreadyFinished = model.ErrAlreadyFinished
	ErrExists          = errors.New("already exists")
)

// Table is a concurrency safe map from id to V which remembers insertion
// order.
type Table[V any] struct {
	mx    sync.RWMutex
	items map[string]V
	order []string
}

func NewTable[V any]() *Table[V] {
	return &Table[V]{items: make(map[string]V)}
}

// Insert adds v under id. It fails with ErrExists when id is taken.
func (t *Table[V]) Insert(id string, v V) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if _, ok := t.items[id]; ok {
		return ErrExists
	}
	t.items[id] = v
	t.order = append(t.order, id)
	return nil
}

func (t *Table[V]) Get(id string) (V, bool) {
	t.mx.RLock()
	defer t.mx.RUnlock()
	v, ok := t.items[id]
	return v, ok
}

// Delete removes id and returns the removed value.
func (t *Table[V]) Delete(id string) (V, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()
	v, ok := t.items[id]
	if !ok {
		return v, false
	}
	delete(t.items, id)
	for i, o := range t.order {
		if o == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return v, true
}

func (t *Table[V]) Len() int {
	t.mx.RLock()
	defer t.mx.RUnlock()
	return len(t.items)
}

// Values returns the values oldest first.
func (t *Table[V]) Values() []V {
	t.mx.RLock()
	defer t.mx.RUnlock()
	out := make([]V, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.items[id])
	}
	return out
}

// Prune keeps the newest keep entries among those selected by fn and
// removes the older ones. It returns the removed ids.
func (t *Table[V]) Prune(keep int, fn func(V) bool) []string {
	t.mx.Lock()
	defer t.mx.Unlock()

	var candidates []string
	for _, id := range t.order {
		if fn(t.items[id]) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) <= keep {
		return nil
	}
	drop := candidates[:len(candidates)-keep]
	gone := make(map[string]struct{}, len(drop))
	for _, id := range drop {
		delete(t.items, id)
		gone[id] = struct{}{}
	}
	order := t.order[:0]
	for _, id := range t.order {
		if _, ok := gone[id]; !ok {
			order = append(order, id)
		}
	}
	t.order = order
	return append([]string(nil), drop...)
}
