package agent

import "sync"

// callLocks serializes work per call id. Entries are dropped when no
// goroutine holds or waits on them.
type callLocks struct {
	mu    sync.Mutex
	locks map[string]*callLock
}

type callLock struct {
	sync.Mutex
	refs int
}

func newCallLocks() *callLocks {
	return &callLocks{locks: make(map[string]*callLock)}
}

// lock blocks until id is free and returns the matching unlock.
func (c *callLocks) lock(id string) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &callLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}
}

func (c *callLocks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
