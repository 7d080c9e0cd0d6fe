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

package main

import (
	"os"

	"github.com/livekit/probe-controller/pkg/sfu/bwe/probecontroller"
	"github.com/livekit/probe-controller/pkg/sfu/bwe/remotebwe"
	"gopkg.in/yaml.v3"
)

// simConfig is the on-disk shape for probesim's -config flag: the same
// probecontroller/remotebwe config structs an embedder would tune, plus
// a handful of scenario knobs for the simulated pacer loop.
type simConfig struct {
	ProbeController probecontroller.ProbeControllerConfig `yaml:"probe_controller,omitempty"`
	RemoteBWE       remotebwe.RemoteBWEConfig             `yaml:"remote_bwe,omitempty"`

	MinBitrate   int64 `yaml:"min_bitrate,omitempty"`
	StartBitrate int64 `yaml:"start_bitrate,omitempty"`
	MaxBitrate   int64 `yaml:"max_bitrate,omitempty"`

	TickIntervalMs  int64 `yaml:"tick_interval_ms,omitempty"`
	DurationSeconds int64 `yaml:"duration_seconds,omitempty"`

	// EnableAlrProbing mirrors EnablePeriodicAlrProbing; the simulated
	// loop also flips ALR on/off on a fixed schedule, see main.go.
	EnableAlrProbing bool `yaml:"enable_alr_probing,omitempty"`
}

func defaultSimConfig() simConfig {
	return simConfig{
		ProbeController: probecontroller.DefaultProbeControllerConfig,
		RemoteBWE:       remotebwe.DefaultRemoteBWEConfig,
		MinBitrate:      50_000,
		StartBitrate:    300_000,
		MaxBitrate:      5_000_000,
		TickIntervalMs:  200,
		DurationSeconds: 30,
		EnableAlrProbing: true,
	}
}

func loadSimConfig(path string) (simConfig, error) {
	cfg := defaultSimConfig()
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
