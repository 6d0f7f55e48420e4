// Package keylock provides exclusive locks scoped to a string key.
package keylock

import (
	"context"
	"sync"
)

// Set hands out one lock per key. Entries are reference counted and released
// when the last holder unlocks, so the set does not grow with the number of keys ever seen.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry is held while its one-slot channel is full.
type entry struct {
	slot    chan struct{}
	holders int
}

// New returns an empty lock set.
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock blocks until the key is held exclusively and returns the release func.
func (s *Set) Lock(key string) func() {
	release, _ := s.LockContext(context.Background(), key)
	return release
}

// LockContext waits for the key until ctx is done. On failure it returns ctx's error and
// a no-op release.
func (s *Set) LockContext(ctx context.Context, key string) (func(), error) {
	e := s.acquire(key)
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		s.forget(key, e)
		return func() {}, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			s.forget(key, e)
		})
	}, nil
}

func (s *Set) acquire(key string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		s.entries[key] = e
	}
	e.holders++
	return e
}

func (s *Set) forget(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.holders--
	if e.holders == 0 {
		delete(s.entries, key)
	}
}

// Do runs fn while holding key.
func (s *Set) Do(key string, fn func() error) error {
	release := s.Lock(key)
	defer release()
	return fn()
}

// Len reports how many keys are currently held or awaited.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
