/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package lock

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a mutex handle's event counters to Prometheus. Register
// one collector per mutex name.
type Collector struct {
	m *Mutex

	contentions *prometheus.Desc
	wakes       *prometheus.Desc
	ownerDeaths *prometheus.Desc
	timeouts    *prometheus.Desc
}

// NewCollector builds a collector for m, labeled with the given mutex name.
func NewCollector(m *Mutex, name string) *Collector {
	labels := prometheus.Labels{"mutex": name}
	return &Collector{
		m: m,
		contentions: prometheus.NewDesc(
			"shmsync_lock_contentions_total",
			"Acquisitions that had to wait for another process.",
			nil, labels),
		wakes: prometheus.NewDesc(
			"shmsync_lock_wakes_total",
			"Futex wakeups observed while waiting.",
			nil, labels),
		ownerDeaths: prometheus.NewDesc(
			"shmsync_lock_owner_deaths_total",
			"Times a dead lock owner was detected.",
			nil, labels),
		timeouts: prometheus.NewDesc(
			"shmsync_lock_timeouts_total",
			"Timed acquisitions that gave up at the deadline.",
			nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.contentions
	ch <- c.wakes
	ch <- c.ownerDeaths
	ch <- c.timeouts
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Stats()
	ch <- prometheus.MustNewConstMetric(c.contentions, prometheus.CounterValue, float64(s.Contentions.Load()))
	ch <- prometheus.MustNewConstMetric(c.wakes, prometheus.CounterValue, float64(s.Wakes.Load()))
	ch <- prometheus.MustNewConstMetric(c.ownerDeaths, prometheus.CounterValue, float64(s.OwnerDeaths.Load()))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts.Load()))
}
