package dbpool

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "dbpool"

// Collector exports pool statistics to prometheus. It reads Pool.Stats on
// every scrape, so acquire and release never touch prometheus.
type Collector struct {
	pools []*Pool

	capacity  *prometheus.Desc
	boundary  *prometheus.Desc
	idle      *prometheus.Desc
	inUse     *prometheus.Desc
	waiters   *prometheus.Desc
	penalties *prometheus.Desc

	requests  *prometheus.Desc
	successes *prometheus.Desc
	timeouts  *prometheus.Desc
	resizes   *prometheus.Desc
	created   *prometheus.Desc
	replaced  *prometheus.Desc
	discarded *prometheus.Desc
}

// NewCollector returns a collector for the given pools.
func NewCollector(pools ...*Pool) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, []string{"pool"}, nil)
	}
	return &Collector{
		pools:     pools,
		capacity:  desc("capacity", "Current soft limit on connections"),
		boundary:  desc("resize_boundary", "Hard ceiling for capacity"),
		idle:      desc("connections_idle", "Idle connections"),
		inUse:     desc("connections_in_use", "Connections held by callers"),
		waiters:   desc("waiters", "Callers waiting for a connection"),
		penalties: desc("penalties", "Acquire timeouts since the last resize"),
		requests:  desc("acquire_requests_total", "Total acquire attempts"),
		successes: desc("acquire_success_total", "Acquire attempts that returned a connection"),
		timeouts:  desc("acquire_timeouts_total", "Acquire waits that timed out"),
		resizes:   desc("resizes_total", "Capacity increases"),
		created:   desc("connections_created_total", "Connections created by the factory"),
		replaced:  desc("connections_replaced_total", "Dead connections replaced on acquire"),
		discarded: desc("connections_discarded_total", "Connections closed after being marked unusable"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.capacity, c.boundary, c.idle, c.inUse, c.waiters, c.penalties,
		c.requests, c.successes, c.timeouts, c.resizes, c.created, c.replaced, c.discarded,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.pools {
		s := p.Stats()
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), s.Name)
		}
		cnt := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), s.Name)
		}
		gauge(c.capacity, s.Capacity)
		gauge(c.boundary, s.Boundary)
		gauge(c.idle, s.Idle)
		gauge(c.inUse, s.InUse)
		gauge(c.waiters, s.Waiters)
		gauge(c.penalties, s.Penalties)
		cnt(c.requests, s.Requests)
		cnt(c.successes, s.Successes)
		cnt(c.timeouts, s.Timeouts)
		cnt(c.resizes, s.Resizes)
		cnt(c.created, s.Created)
		cnt(c.replaced, s.Replaced)
		cnt(c.discarded, s.Discarded)
	}
}
