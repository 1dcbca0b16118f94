// Package cache holds derived ledger state between reads. Deriving is cheap
// but not free, and the dashboard rereads it on every request; entries are
// invalidated whenever the underlying ledger mutates.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Store is an LRU cache with per-entry TTL. The zero value is not usable;
// construct with NewStore.
type Store[T any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List
}

type entry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

func NewStore[T any](maxSize int, ttl time.Duration) *Store[T] {
	return &Store[T]{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get returns the cached value and whether it was present and fresh.
// Expired entries are dropped on access.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	elem, ok := s.entries[key]
	if !ok {
		return zero, false
	}

	e := elem.Value.(*entry[T])
	if time.Now().After(e.expiresAt) {
		s.remove(elem)
		return zero, false
	}

	s.order.MoveToFront(elem)
	return e.value, true
}

// Set stores a value, refreshing its TTL and evicting the least recently
// used entry when the store is full.
func (s *Store[T]) Set(key string, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry[T]{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(s.ttl),
	}

	if elem, ok := s.entries[key]; ok {
		elem.Value = e
		s.order.MoveToFront(elem)
		return
	}

	s.entries[key] = s.order.PushFront(e)

	if s.order.Len() > s.maxSize {
		if oldest := s.order.Back(); oldest != nil {
			s.remove(oldest)
		}
	}
}

// Invalidate drops the entry for key, if any.
func (s *Store[T]) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.remove(elem)
	}
}

// CleanExpired removes every expired entry and reports how many were dropped.
func (s *Store[T]) CleanExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []*list.Element
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		if now.After(elem.Value.(*entry[T]).expiresAt) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		s.remove(elem)
	}
	return len(expired)
}

func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// remove must be called with s.mu held.
func (s *Store[T]) remove(elem *list.Element) {
	delete(s.entries, elem.Value.(*entry[T]).key)
	s.order.Remove(elem)
}

// Cleaner is anything whose expired entries can be swept.
type Cleaner interface {
	CleanExpired() int
}

// Janitor periodically sweeps expired entries out of registered stores.
type Janitor struct {
	stores []Cleaner
	stop   chan struct{}
	done   chan struct{}
}

func NewJanitor(stores ...Cleaner) *Janitor {
	return &Janitor{
		stores: stores,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the periodic sweep in a background goroutine.
func (j *Janitor) Start(interval time.Duration) {
	go func() {
		defer close(j.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				for _, s := range j.stores {
					s.CleanExpired()
				}
			case <-j.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep and waits for the goroutine to exit.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}
