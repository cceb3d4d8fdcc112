// SPDX-License-Identifier: Apache-2.0

package profiling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionDisabledIsNoop(t *testing.T) {
	SetEnabled(false)
	r := NewRegion("noop")
	r.Start(context.Background())
	r.Stop()
	assert.Empty(t, r.Samples())
}

func TestRegionStartStopRecordsSample(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	r := NewRegion("inference")
	r.Start(context.Background())
	time.Sleep(time.Millisecond)
	r.Stop()

	samples := r.Samples()
	require.Len(t, samples, 1)
	assert.Greater(t, samples[0].Elapsed, time.Duration(0))
}

func TestRegionStopWithoutStartIsNoop(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	r := NewRegion("idle")
	r.Stop()
	assert.Empty(t, r.Samples())
}

func TestRegionSetByNameCreatesOnDemand(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	s := NewRegionSet()
	s.StartByName(context.Background(), "op")
	s.StopByName("op")

	assert.Len(t, s.ByName("op").Samples(), 1)
}

func TestRegionSetSprintAllIncludesEachRegion(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	s := NewRegionSet()
	s.StartByName(context.Background(), "a")
	s.StopByName("a")
	s.StartByName(context.Background(), "b")
	s.StopByName("b")

	out := s.SprintAll()
	assert.Contains(t, out, "a:")
	assert.Contains(t, out, "b:")
}

func TestStartTracingDisabledInstallsNoop(t *testing.T) {
	SetEnabled(false)
	assert.NoError(t, StartTracing("vaccel-test", JaegerConfig{}))
}
