// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package directory

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics of the directory.
type Metrics struct {
	ShardsRegistered  prometheus.Gauge
	SpacesLoaded      prometheus.Gauge
	CharactersLoaded  prometheus.Gauge
	SpaceJoins        *prometheus.CounterVec
	ShardUpdates      *prometheus.CounterVec
	ShardsDeleted     *prometheus.CounterVec
	SpaceRepairsTotal prometheus.Counter
}

// NewMetrics creates the directory metrics and registers them with reg.
// A nil reg leaves them unregistered, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ShardsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holodir_shards_registered",
			Help: "Number of registered shards",
		}),
		SpacesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holodir_spaces_loaded",
			Help: "Number of spaces held in memory",
		}),
		CharactersLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "holodir_characters_loaded",
			Help: "Number of characters held in memory",
		}),
		SpaceJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holodir_space_joins_total",
			Help: "Total number of space join attempts by result",
		}, []string{"result"}),
		ShardUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holodir_shard_updates_total",
			Help: "Total number of shard update sends by status",
		}, []string{"status"}),
		ShardsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "holodir_shards_deleted_total",
			Help: "Total number of deleted shards by cause",
		}, []string{"cause"}),
		SpaceRepairsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "holodir_space_repairs_total",
			Help: "Total number of space records repaired on load",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ShardsRegistered,
			m.SpacesLoaded,
			m.CharactersLoaded,
			m.SpaceJoins,
			m.ShardUpdates,
			m.ShardsDeleted,
			m.SpaceRepairsTotal,
		)
	}
	return m
}
