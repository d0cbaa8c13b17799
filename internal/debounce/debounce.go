// Package debounce coalesces rapid repeated calls from one caller into a
// single delayed execution per key.
package debounce

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type slot struct {
	caller     string
	key        string
	timer      *time.Timer
	generation uint64
}

// Coordinator schedules at most one pending call per (caller, key). Only the
// last call scheduled within the delay window runs.
type Coordinator struct {
	logger *logrus.Logger

	mu         sync.Mutex
	pending    map[string]*slot
	generation uint64
	stopped    bool
	running    sync.WaitGroup
}

// New creates a coordinator
func New(logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Coordinator{
		logger:  logger,
		pending: make(map[string]*slot),
	}
}

func slotKey(caller, key string) string {
	return caller + "\x00" + key
}

// Schedule replaces any pending call for (caller, key) with fn, to run after
// delay. It reports false when the coordinator is stopped.
func (c *Coordinator) Schedule(caller, key string, delay time.Duration, fn func()) bool {
	if delay < 0 {
		delay = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}

	id := slotKey(caller, key)
	if prev, ok := c.pending[id]; ok {
		prev.timer.Stop()
	}

	c.generation++
	s := &slot{caller: caller, key: key, generation: c.generation}
	s.timer = time.AfterFunc(delay, func() { c.fire(id, s.generation, fn) })
	c.pending[id] = s
	return true
}

// fire runs fn only if its slot was not superseded or cancelled after the
// timer had already expired
func (c *Coordinator) fire(id string, generation uint64, fn func()) {
	c.mu.Lock()
	s, ok := c.pending[id]
	if !ok || s.generation != generation || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.running.Add(1)
	c.mu.Unlock()

	defer c.running.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"caller": s.caller,
				"key":    s.key,
				"panic":  r,
			}).Error("Debounced call panicked")
		}
	}()
	fn()
}

// Cancel drops the pending call for (caller, key) and reports whether one
// was pending
func (c *Coordinator) Cancel(caller, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := slotKey(caller, key)
	s, ok := c.pending[id]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(c.pending, id)
	return true
}

// CancelCaller drops every pending call of caller and returns how many
func (c *Coordinator) CancelCaller(caller string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, s := range c.pending {
		if s.caller != caller {
			continue
		}
		s.timer.Stop()
		delete(c.pending, id)
		n++
	}
	return n
}

// Pending returns the number of scheduled calls not yet run
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels every pending call, rejects later schedules and waits for
// calls already running
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	for id, s := range c.pending {
		s.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.running.Wait()
}
