package dbpool

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	p, _ := newTestPool(t, testConfig())
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(h)

	c := NewCollector(p)
	require.Equal(t, 13, testutil.CollectAndCount(c))

	expected := `
# HELP dbpool_capacity Current soft limit on connections
# TYPE dbpool_capacity gauge
dbpool_capacity{pool="test"} 4
# HELP dbpool_connections_idle Idle connections
# TYPE dbpool_connections_idle gauge
dbpool_connections_idle{pool="test"} 1
# HELP dbpool_connections_in_use Connections held by callers
# TYPE dbpool_connections_in_use gauge
dbpool_connections_in_use{pool="test"} 1
# HELP dbpool_acquire_requests_total Total acquire attempts
# TYPE dbpool_acquire_requests_total counter
dbpool_acquire_requests_total{pool="test"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"dbpool_capacity",
		"dbpool_connections_idle",
		"dbpool_connections_in_use",
		"dbpool_acquire_requests_total",
	))
}
