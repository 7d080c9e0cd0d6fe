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

// Command probesim wires a probecontroller.Controller to a remotebwe.RemoteBWE
// through a simulated, clock-driven pacer loop so the probe-emission policy can
// be watched end to end without a real network stack. It does not exercise the
// pacer or the wire codec; it is a policy demonstrator, not a load test.
package main

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/livekit/probe-controller/pkg/sfu/bwe"
	"github.com/livekit/probe-controller/pkg/sfu/bwe/probecontroller"
	"github.com/livekit/probe-controller/pkg/sfu/bwe/remotebwe"
	"github.com/livekit/probe-controller/pkg/sfu/ccutils"
	"github.com/livekit/protocol/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "probesim",
		Usage: "drive a probe controller and bandwidth estimator through a simulated network",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a simConfig YAML file"},
			&cli.Int64Flag{Name: "duration", Usage: "override duration_seconds"},
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug-level logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	zapLevel := zap.InfoLevel
	if cctx.Bool("verbose") {
		zapLevel = zap.DebugLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.TimeKey = ""
	zl, err := zapCfg.Build()
	if err != nil {
		return err
	}
	defer zl.Sync()
	narrate := zl.Sugar()

	cfg, err := loadSimConfig(cctx.String("config"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if d := cctx.Int64("duration"); d > 0 {
		cfg.DurationSeconds = d
	}

	log := logger.GetLogger()

	controller, err := probecontroller.NewController(probecontroller.Params{
		Config: cfg.ProbeController,
		Logger: log,
	})
	if err != nil {
		// ConfigOutOfRange is non-fatal: the controller still constructs
		// with fallback defaults (spec section 7). Narrate and continue.
		narrate.Warnw("probe controller config had out-of-range fields, using defaults", "err", err)
	}

	sim := &simulation{
		controller: controller,
		remoteBWE: remotebwe.NewRemoteBWE(remotebwe.RemoteBWEParams{
			Config: cfg.RemoteBWE,
			Logger: log,
		}),
		narrate: narrate,
		minBr:   probecontroller.Bitrate(cfg.MinBitrate),
		startBr: probecontroller.Bitrate(cfg.StartBitrate),
		maxBr:   probecontroller.Bitrate(cfg.MaxBitrate),
	}
	sim.remoteBWE.SetBWEListener(sim)

	sim.runFor(cfg)
	return nil
}

// simulation owns the clock-driven loop and reacts to RemoteBWE's congestion
// callbacks by feeding the controller's estimate input, closing the loop the
// way a real pacer/estimator pair would.
type simulation struct {
	controller *probecontroller.Controller
	remoteBWE  *remotebwe.RemoteBWE
	narrate    *zap.SugaredLogger

	minBr, startBr, maxBr probecontroller.Bitrate

	atTime           probecontroller.Timestamp
	activeCluster    *ccutils.ProbeClusterInfo
	clusterDeadline  probecontroller.Timestamp
	lastEstimateBps  int64
}

// OnCongestionStateChange implements bwe.BWEListener.
func (s *simulation) OnCongestionStateChange(state bwe.CongestionState, committedChannelCapacity int64) {
	s.narrate.Infow("congestion state change", "state", state, "committedBps", committedChannelCapacity)
	out := s.controller.SetEstimatedBitrate(probecontroller.Bitrate(committedChannelCapacity), false, s.atTime)
	s.handleEmitted(out)
}

func (s *simulation) runFor(cfg simConfig) {
	tick := time.Duration(cfg.TickIntervalMs) * time.Millisecond
	end := probecontroller.Timestamp(time.Duration(cfg.DurationSeconds) * time.Second)

	s.handleEmitted(s.controller.OnNetworkAvailability(true, s.atTime))
	out, err := s.controller.SetBitrates(s.minBr, s.startBr, s.maxBr, s.atTime)
	if err != nil {
		s.narrate.Fatalw("invalid bitrate range", "err", err)
	}
	s.handleEmitted(out)

	alrOn := false
	if cfg.EnableAlrProbing {
		s.controller.EnablePeriodicAlrProbing(true)
	}

	for s.atTime < end {
		// toggle ALR every 5 simulated seconds so the periodic-probing
		// path (spec section 4.3) gets exercised in the demo.
		inAlrWindow := (int64(s.atTime)/int64(5*time.Second))%2 == 0
		if inAlrWindow && !alrOn {
			s.controller.SetAlrStartTime(s.atTime)
			alrOn = true
		} else if !inAlrWindow && alrOn {
			s.controller.SetAlrEndedTime(s.atTime)
			alrOn = false
		}

		capacity := networkCapacityBps(s.atTime)
		expectedUsage := s.lastEstimateBps
		if expectedUsage == 0 {
			expectedUsage = int64(s.startBr)
		}
		s.remoteBWE.HandleREMB(capacity, expectedUsage, 50, nackCountFor(s.atTime))

		if s.activeCluster != nil && s.atTime >= s.clusterDeadline {
			signal, committed := s.remoteBWE.ProbeClusterDone(*s.activeCluster)
			s.narrate.Infow("probe cluster done", "id", s.activeCluster.ID, "signal", signal, "committedBps", committed)
			s.activeCluster = nil
		}

		s.handleEmitted(s.controller.Process(s.atTime))

		s.atTime += probecontroller.Timestamp(tick)
	}
}

// handleEmitted starts the first cluster in a freshly emitted batch on the
// simulated estimator side; a real pacer would pace every cluster in the
// batch, but one active cluster is enough to drive the demo's feedback loop.
func (s *simulation) handleEmitted(out []probecontroller.ProbeClusterConfig) {
	for _, cfg := range out {
		s.narrate.Infow("probe cluster emitted", "id", cfg.ID, "targetBps", cfg.TargetRate, "durationMs", cfg.TargetDuration.Milliseconds())
	}
	if len(out) == 0 || s.activeCluster != nil {
		return
	}

	first := out[0]
	pci := ccutils.ProbeClusterInfo{
		ID:        first.ID,
		CreatedAt: time.Unix(0, 0).Add(time.Duration(first.AtTime)),
		Goal: ccutils.ProbeClusterGoal{
			DesiredPackets:    first.TargetProbeCount,
			DesiredDurationMs: first.TargetDuration.Milliseconds(),
			ExpectedUsageBps:  float64(first.TargetRate),
		},
	}
	s.remoteBWE.ProbeClusterStarting(pci)
	s.activeCluster = &pci
	s.clusterDeadline = first.AtTime + probecontroller.Timestamp(first.TargetDuration)
}

// networkCapacityBps is a deterministic synthetic channel: it ramps up,
// dips sharply around the 12s mark to exercise the large-drop path, then
// recovers, so a single run demonstrates most of the controller's triggers.
func networkCapacityBps(at probecontroller.Timestamp) int64 {
	t := time.Duration(at).Seconds()
	base := 1_000_000 + 300_000*math.Sin(t/3)
	if t > 12 && t < 16 {
		base *= 0.25
	}
	ramp := math.Min(t, 10) * 150_000
	return int64(base + ramp)
}

func nackCountFor(at probecontroller.Timestamp) uint32 {
	t := time.Duration(at).Seconds()
	if t > 12 && t < 16 {
		return 3
	}
	return 0
}
