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

package remotebwe

import (
	"testing"

	"github.com/livekit/probe-controller/pkg/sfu/bwe"
	"github.com/livekit/probe-controller/pkg/sfu/ccutils"
	"github.com/livekit/protocol/logger"
	"github.com/stretchr/testify/require"
)

func newTestRemoteBWE(t *testing.T) *RemoteBWE {
	t.Helper()
	return NewRemoteBWE(RemoteBWEParams{
		Config: DefaultRemoteBWEConfig,
		Logger: logger.GetLogger(),
	})
}

func TestRemoteBWEStartsUncongested(t *testing.T) {
	r := newTestRemoteBWE(t)
	require.Equal(t, bwe.CongestionStateNone, r.CongestionState())
}

func TestRemoteBWEDetectsCongestionOnDecliningEstimate(t *testing.T) {
	r := newTestRemoteBWE(t)

	// steady estimates, well above the expected usage threshold, should
	// not trip congestion.
	for i := 0; i < 10; i++ {
		r.HandleREMB(1_000_000, 500_000, 100, 0)
	}
	require.Equal(t, bwe.CongestionStateNone, r.CongestionState())

	// a sustained, sharp decline should.
	for i := 0; i < 10; i++ {
		r.HandleREMB(400_000, 500_000, 100, 0)
	}
	require.Equal(t, bwe.CongestionStateCongested, r.CongestionState())
}

func TestRemoteBWEProbeLifecycle(t *testing.T) {
	r := newTestRemoteBWE(t)

	pci := ccutils.ProbeClusterInfo{
		ID:   1,
		Goal: ccutils.ProbeClusterGoal{ExpectedUsageBps: 2_000_000},
	}
	r.ProbeClusterStarting(pci)

	for i := 0; i < 5; i++ {
		r.HandleREMB(int64(2_000_000+i*10_000), 2_000_000, 50, 0)
	}

	signal, capacity := r.ProbeClusterDone(pci)
	require.Equal(t, bwe.ProbeSignalClearing, signal)
	require.Greater(t, capacity, int64(0))
}
