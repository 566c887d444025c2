package dbpool

import "sync/atomic"

type counter interface {
	inc() (newVal int)
	add(n int) (newVal int)
	reset() (oldVal int)
	val() int
}

type count struct {
	v int64
}

func newCounter() counter {
	return &count{}
}

func (c *count) inc() (new int) {
	return int(atomic.AddInt64(&c.v, 1))
}

func (c *count) add(n int) (new int) {
	return int(atomic.AddInt64(&c.v, int64(n)))
}

func (c *count) val() int {
	return int(atomic.LoadInt64(&c.v))
}

func (c *count) reset() (old int) {
	return int(atomic.SwapInt64(&c.v, 0))
}

// stats holds the monotonic event counters of a pool. Gauges such as idle or
// in-use are read from the pool itself under its lock.
type stats struct {
	request   counter
	success   counter
	timeout   counter
	resize    counter
	created   counter
	replaced  counter
	discarded counter
}

func newStats() *stats {
	return &stats{
		request:   newCounter(),
		success:   newCounter(),
		timeout:   newCounter(),
		resize:    newCounter(),
		created:   newCounter(),
		replaced:  newCounter(),
		discarded: newCounter(),
	}
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Boundary int    `json:"boundary"`

	// Idle connections waiting in the pool.
	Idle int `json:"idle"`
	// InUse connections held by callers.
	InUse int `json:"in_use"`
	// Pending slots reserved for connections being created or checked.
	Pending   int `json:"pending"`
	Waiters   int `json:"waiters"`
	Penalties int `json:"penalties"`

	// Requests is the total number of acquire attempts.
	Requests int `json:"requests"`
	// Successes is the number of acquire attempts that returned a handle.
	Successes int `json:"successes"`
	Timeouts  int `json:"timeouts"`
	Resizes   int `json:"resizes"`
	Created   int `json:"created"`
	Replaced  int `json:"replaced"`
	Discarded int `json:"discarded"`
}

// Total is the number of connections the pool currently accounts for.
func (s Stats) Total() int {
	return s.Idle + s.InUse + s.Pending
}
