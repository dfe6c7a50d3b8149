package metrics

import (
	"github.com/openportio/openport-tunnels/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
	"time"
)

func TestCollector(t *testing.T) {
	store := database.NewMemoryDBHandler()
	for id, status := range map[string]database.TunnelStatus{"a": database.StatusRunning, "b": database.StatusRunning, "c": database.StatusFailed} {
		require.NoError(t, store.SaveTunnel(&database.Tunnel{
			TunnelSpec:  database.TunnelSpec{ID: id, Type: database.TunnelDynamic},
			TunnelState: database.TunnelState{Status: status},
		}))
	}
	collector := NewCollector(store)
	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(collector))

	collector.TunnelRestarted("a")
	collector.TunnelRestarted("a")
	collector.LaunchFailed("verification")
	collector.Probed(2 * time.Millisecond)

	expected := `
# HELP openport_tunnels The number of registered tunnels by status.
# TYPE openport_tunnels gauge
openport_tunnels{status="failed"} 1
openport_tunnels{status="restarting"} 0
openport_tunnels{status="running"} 2
openport_tunnels{status="starting"} 0
openport_tunnels{status="stopped"} 0
openport_tunnels{status="unhealthy"} 0
# HELP openport_tunnel_restarts_total The number of automatic tunnel restarts.
# TYPE openport_tunnel_restarts_total counter
openport_tunnel_restarts_total 2
# HELP openport_tunnel_launch_failures_total The number of tunnel launches that failed.
# TYPE openport_tunnel_launch_failures_total counter
openport_tunnel_launch_failures_total{reason="verification"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"openport_tunnels", "openport_tunnel_restarts_total", "openport_tunnel_launch_failures_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(collector, "openport_tunnel_probe_seconds"))
}
