package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionCount is the number of live slave connections on the master.
	ConnectionCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirrorstore_ha_connection_count",
		Help: "Number of connected slaves.",
	})

	// SlaveAckOffset is the furthest offset acknowledged by any slave.
	SlaveAckOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirrorstore_ha_slave_ack_offset_bytes",
		Help: "Greatest commit log offset acknowledged by any slave.",
	})

	// FallBehindBytes is how far the master log is ahead of the slave watermark.
	FallBehindBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirrorstore_ha_slave_fall_behind_bytes",
		Help: "Bytes the master commit log is ahead of the slave acknowledgement watermark.",
	})

	// StartupTime is the server startup duration in seconds.
	StartupTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirrorstore_startup_seconds",
		Help: "Time taken to initialize the server.",
	})
)

// Setter is an interface for prometheus metrics to improve unit-testability.
type Setter interface {
	Set(m float64)
}

// ReplicationStats is the view of the HA service the monitor samples.
type ReplicationStats interface {
	ConnectionCount() int32
	Push2SlaveMaxOffset() int64
	FallBehind() int64
}

// StartReplicationMonitor samples the HA service at each interval and
// publishes the replication gauges. It blocks; run it in a goroutine.
func StartReplicationMonitor(conns, ackOffset, fallBehind Setter, stats ReplicationStats, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for range t.C {
		conns.Set(float64(stats.ConnectionCount()))
		ackOffset.Set(float64(stats.Push2SlaveMaxOffset()))
		fallBehind.Set(float64(stats.FallBehind()))
	}
}
