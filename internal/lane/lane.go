// Package lane serialises work per key while letting different keys run in
// parallel.
package lane

import "sync"

// Locker is a keyed mutex that grants the lock for one key in request order.
// Keys with no holder and no waiters take no memory.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*slot
}

type slot struct {
	waiters []chan struct{}
}

func NewLocker() *Locker {
	return &Locker{keys: make(map[string]*slot)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	s, held := l.keys[key]
	if !held {
		l.keys[key] = &slot{}
		l.mu.Unlock()
		return l.unlocker(key)
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	l.mu.Unlock()
	<-ch
	return l.unlocker(key)
}

func (l *Locker) unlocker(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			s := l.keys[key]
			if len(s.waiters) == 0 {
				delete(l.keys, key)
				return
			}
			next := s.waiters[0]
			s.waiters = s.waiters[1:]
			close(next)
		})
	}
}

// Serial runs submitted funcs one at a time per key, in submission order.
type Serial struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func NewSerial() *Serial {
	return &Serial{queues: make(map[string][]func())}
}

// Go queues fn behind earlier work for key. It never blocks.
func (s *Serial) Go(key string, fn func()) {
	s.mu.Lock()
	q, running := s.queues[key]
	s.queues[key] = append(q, fn)
	s.mu.Unlock()
	if running {
		return
	}
	s.wg.Add(1)
	go s.drain(key)
}

func (s *Serial) drain(key string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn := q[0]
		s.queues[key] = q[1:]
		s.mu.Unlock()
		fn()
	}
}

// Wait blocks until every queued func has run.
func (s *Serial) Wait() {
	s.wg.Wait()
}
