// Copyright 2023 LiveKit, Inc.
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

package probecontroller

import "github.com/prometheus/client_golang/prometheus"

// Trigger labels the policy routine that requested a probe, for the
// emitted-cluster counter below.
type Trigger string

const (
	TriggerInitial       Trigger = "initial"
	TriggerFollowUp      Trigger = "follow_up"
	TriggerMaxIncrease   Trigger = "max_increase"
	TriggerAllocation    Trigger = "allocation"
	TriggerAlr           Trigger = "alr"
	TriggerNetworkState  Trigger = "network_state"
	TriggerRapidRecovery Trigger = "rapid_recovery"
	TriggerRequested     Trigger = "requested"
)

// Metrics is the set of prometheus collectors a Controller reports to.
// A nil *Metrics is valid and every method becomes a no-op, matching the
// "must tolerate a null sink" requirement spec section 6 makes for the
// event log.
type Metrics struct {
	clustersEmitted *prometheus.CounterVec
	state           prometheus.Gauge
}

// NewMetrics builds and registers the probe controller's collectors. It
// is safe to call once per process; pass the result to multiple
// Controllers sharing a registry (e.g. one per participant) via
// Params.Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		clustersEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "livekit",
			Subsystem: "probe_controller",
			Name:      "clusters_emitted_total",
			Help:      "Probe clusters emitted, by triggering policy.",
		}, []string{"trigger"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "livekit",
			Subsystem: "probe_controller",
			Name:      "state",
			Help:      "Current controller state (0=init, 1=waiting_for_probing_result, 2=probing_complete).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.clustersEmitted, m.state)
	}
	return m
}

func (m *Metrics) recordEmitted(trigger Trigger, n int) {
	if m == nil || n == 0 {
		return
	}
	m.clustersEmitted.WithLabelValues(string(trigger)).Add(float64(n))
}

func (m *Metrics) recordState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
