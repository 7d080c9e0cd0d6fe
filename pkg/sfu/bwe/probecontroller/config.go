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

import (
	"time"

	"go.uber.org/multierr"
)

// ProbeControllerConfig is immutable once handed to NewController. Field
// names and yaml tags mirror RemoteBWEConfig's style in
// pkg/sfu/bwe/remotebwe so the two configs read the same way in a server
// config file.
type ProbeControllerConfig struct {
	FirstExponentialProbeScale          float64  `yaml:"first_exponential_probe_scale,omitempty"`
	SecondExponentialProbeScale         *float64 `yaml:"second_exponential_probe_scale,omitempty"`
	FurtherExponentialProbeScale        float64  `yaml:"further_exponential_probe_scale,omitempty"`
	FurtherProbeThreshold               float64  `yaml:"further_probe_threshold,omitempty"`

	AlrProbingInterval time.Duration `yaml:"alr_probing_interval,omitempty"`
	AlrProbeScale      float64       `yaml:"alr_probe_scale,omitempty"`

	NetworkStateEstimateProbingInterval time.Duration `yaml:"network_state_estimate_probing_interval,omitempty"`
	NetworkStateEstimateFastRampupRate  float64       `yaml:"network_state_estimate_fast_rampup_rate,omitempty"`
	NetworkStateEstimateDropDownRate    float64       `yaml:"network_state_estimate_drop_down_rate,omitempty"`
	NetworkStateProbeScale              float64       `yaml:"network_state_probe_scale,omitempty"`
	NetworkStateProbeDuration           time.Duration `yaml:"network_state_probe_duration,omitempty"`

	FirstAllocationProbeScale    *float64 `yaml:"first_allocation_probe_scale,omitempty"`
	SecondAllocationProbeScale   *float64 `yaml:"second_allocation_probe_scale,omitempty"`
	AllocationAllowFurtherProbing bool    `yaml:"allocation_allow_further_probing,omitempty"`
	AllocationProbeMax           Bitrate  `yaml:"allocation_probe_max,omitempty"`

	MinProbePacketsSent int           `yaml:"min_probe_packets_sent,omitempty"`
	MinProbeDuration    time.Duration `yaml:"min_probe_duration,omitempty"`

	LimitProbeTargetRateToLossBwe         bool    `yaml:"limit_probe_target_rate_to_loss_bwe,omitempty"`
	SkipIfEstimateLargerThanFractionOfMax float64 `yaml:"skip_if_estimate_larger_than_fraction_of_max,omitempty"`

	InRapidRecoveryExperiment bool `yaml:"in_rapid_recovery_experiment,omitempty"`
}

// DefaultProbeControllerConfig matches the constants the scenarios in
// spec section 8 are written against (first scale 3x, further scale 2x,
// further threshold 0.7, alr probe scale 2x).
var DefaultProbeControllerConfig = ProbeControllerConfig{
	FirstExponentialProbeScale:   3.0,
	FurtherExponentialProbeScale: 2.0,
	FurtherProbeThreshold:        0.7,

	AlrProbingInterval: 5 * time.Second,
	AlrProbeScale:      2.0,

	NetworkStateEstimateProbingInterval: 5 * time.Second,
	NetworkStateEstimateFastRampupRate:  1.2,
	NetworkStateEstimateDropDownRate:    0.8,
	NetworkStateProbeScale:              1.0,

	AllocationProbeMax: PosInfBitrate,

	MinProbePacketsSent: 5,
	MinProbeDuration:    15 * time.Millisecond,

	SkipIfEstimateLargerThanFractionOfMax: 0, // disabled
}

// sanitize fills in defaults for out-of-range values (spec section 7,
// ConfigOutOfRange: "controller still constructs but falls back to
// documented defaults") and returns the aggregated complaints, if any.
func (c *ProbeControllerConfig) sanitize() error {
	var errs error
	bad := func(field string) {
		errs = multierr.Append(errs, wrapConfigOutOfRange(field))
	}

	if c.FirstExponentialProbeScale <= 0 {
		bad("first_exponential_probe_scale")
		c.FirstExponentialProbeScale = DefaultProbeControllerConfig.FirstExponentialProbeScale
	}
	if c.SecondExponentialProbeScale != nil && *c.SecondExponentialProbeScale <= 0 {
		bad("second_exponential_probe_scale")
		c.SecondExponentialProbeScale = nil
	}
	if c.FurtherExponentialProbeScale <= 0 {
		bad("further_exponential_probe_scale")
		c.FurtherExponentialProbeScale = DefaultProbeControllerConfig.FurtherExponentialProbeScale
	}
	if c.FurtherProbeThreshold <= 0 {
		bad("further_probe_threshold")
		c.FurtherProbeThreshold = DefaultProbeControllerConfig.FurtherProbeThreshold
	}
	if c.AlrProbingInterval <= 0 {
		bad("alr_probing_interval")
		c.AlrProbingInterval = DefaultProbeControllerConfig.AlrProbingInterval
	}
	if c.AlrProbeScale <= 0 {
		bad("alr_probe_scale")
		c.AlrProbeScale = DefaultProbeControllerConfig.AlrProbeScale
	}
	if c.NetworkStateEstimateProbingInterval <= 0 {
		bad("network_state_estimate_probing_interval")
		c.NetworkStateEstimateProbingInterval = DefaultProbeControllerConfig.NetworkStateEstimateProbingInterval
	}
	if c.NetworkStateEstimateFastRampupRate <= 1 {
		bad("network_state_estimate_fast_rampup_rate")
		c.NetworkStateEstimateFastRampupRate = DefaultProbeControllerConfig.NetworkStateEstimateFastRampupRate
	}
	if c.NetworkStateEstimateDropDownRate <= 0 || c.NetworkStateEstimateDropDownRate >= 1 {
		bad("network_state_estimate_drop_down_rate")
		c.NetworkStateEstimateDropDownRate = DefaultProbeControllerConfig.NetworkStateEstimateDropDownRate
	}
	if c.NetworkStateProbeScale <= 0 {
		bad("network_state_probe_scale")
		c.NetworkStateProbeScale = DefaultProbeControllerConfig.NetworkStateProbeScale
	}
	if c.AllocationProbeMax <= 0 {
		bad("allocation_probe_max")
		c.AllocationProbeMax = DefaultProbeControllerConfig.AllocationProbeMax
	}
	if c.MinProbePacketsSent <= 0 {
		bad("min_probe_packets_sent")
		c.MinProbePacketsSent = DefaultProbeControllerConfig.MinProbePacketsSent
	}
	if c.MinProbeDuration <= 0 {
		bad("min_probe_duration")
		c.MinProbeDuration = DefaultProbeControllerConfig.MinProbeDuration
	}
	if c.NetworkStateProbeDuration <= 0 {
		c.NetworkStateProbeDuration = c.MinProbeDuration
	}
	if c.SkipIfEstimateLargerThanFractionOfMax < 0 {
		bad("skip_if_estimate_larger_than_fraction_of_max")
		c.SkipIfEstimateLargerThanFractionOfMax = 0
	}

	return errs
}
