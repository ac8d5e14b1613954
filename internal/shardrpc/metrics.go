// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics of the shard transport.
type Metrics struct {
	CallDuration *prometheus.HistogramVec
	Connections  prometheus.Gauge
	AuthFailures prometheus.Counter
}

// NewMetrics creates the transport metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "holodir_shard_rpc_duration_seconds",
			Help:    "Duration of directory to shard calls by method and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holodir_shard_streams",
			Help: "Number of open shard streams",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holodir_shard_auth_failures_total",
			Help: "Total number of rejected shard stream authentications",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CallDuration, m.Connections, m.AuthFailures)
	}
	return m
}
