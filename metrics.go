// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sidecar

import (
	"sync"
	"time"
)

// Metrics aggregates poll counters and a bounded FIFO window of per-read
// latencies. It is mutated from the polling cycle and read from client
// metrics requests concurrently, so every access goes through one lock.
type Metrics struct {
	mu         sync.RWMutex
	window     int
	dataPoints int64
	errs       int64
	lastError  string
	startTime  time.Time
	lastData   time.Time
	latencies  []float64 // most recent read latencies, ms
}

// NewMetrics creates an aggregator retaining at most window latencies.
func NewMetrics(window int) *Metrics {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	return &Metrics{
		window:    window,
		startTime: time.Now(),
		latencies: make([]float64, 0, window),
	}
}

// AddDataPoints records n successfully collected points.
func (m *Metrics) AddDataPoints(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataPoints += int64(n)
	m.lastData = time.Now()
}

// RecordError bumps the error counter and remembers the message.
func (m *Metrics) RecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs++
	m.lastError = err.Error()
}

// AddResponseTime appends one read latency, evicting the oldest entry once
// the window is full.
func (m *Metrics) AddResponseTime(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, ms)
	if len(m.latencies) > m.window {
		m.latencies = m.latencies[len(m.latencies)-m.window:]
	}
}

// Snapshot returns an immutable point-in-time payload.
func (m *Metrics) Snapshot() MetricsPayload {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avg float64
	if len(m.latencies) > 0 {
		var sum float64
		for _, ms := range m.latencies {
			sum += ms
		}
		avg = sum / float64(len(m.latencies))
	}

	p := MetricsPayload{
		DataPointsCollected: m.dataPoints,
		ErrorsCount:         m.errs,
		ConnectionUptime:    time.Since(m.startTime).Seconds(),
		LastError:           m.lastError,
		AverageResponseTime: avg,
		StartTime:           m.startTime.UnixNano(),
	}
	if !m.lastData.IsZero() {
		p.LastDataTime = m.lastData.UnixNano()
	}
	return p
}
