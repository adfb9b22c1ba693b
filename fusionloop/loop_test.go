package fusionloop

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fusiontrack/geo"
	"fusiontrack/registry"
)

type fakePublisher struct {
	estimates []Estimate
}

func (f *fakePublisher) Publish(e Estimate) {
	f.estimates = append(f.estimates, e)
}

func TestStepSkipsWithoutDetection(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.Insert(registry.Report{Identity: "a", Lat: 0, Lon: 0, IsTargetSource: false, RangeM: 10, ReceivedAt: now})
	reg.Insert(registry.Report{Identity: "b", Lat: 0, Lon: 0.001, IsTargetSource: false, RangeM: 10, ReceivedAt: now})
	reg.Insert(registry.Report{Identity: "c", Lat: 0.001, Lon: 0, IsTargetSource: false, RangeM: 10, ReceivedAt: now})

	pub := &fakePublisher{}
	loop := New(reg, pub, nil, nil)
	loop.step(now)

	require.Empty(t, pub.estimates)
}

func TestStepSkipsBelowThreeSensors(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.Insert(registry.Report{Identity: "a", Lat: 0, Lon: 0, IsTargetSource: true, RangeM: 10, ReceivedAt: now})
	reg.Insert(registry.Report{Identity: "b", Lat: 0, Lon: 0.001, IsTargetSource: false, RangeM: 10, ReceivedAt: now})

	pub := &fakePublisher{}
	loop := New(reg, pub, nil, nil)
	loop.step(now)

	require.Empty(t, pub.estimates)
}

func TestStepLatchesReferenceOnce(t *testing.T) {
	reg := registry.New()
	now := time.Now()
	reg.Insert(registry.Report{Identity: "a", Lat: 10, Lon: 20, IsTargetSource: false, RangeM: 10, ReceivedAt: now})

	loop := New(reg, &fakePublisher{}, nil, nil)
	loop.step(now)
	require.NotNil(t, loop.reference)
	first := *loop.reference

	reg.Insert(registry.Report{Identity: "b", Lat: 30, Lon: 40, IsTargetSource: false, RangeM: 10, ReceivedAt: now.Add(10 * time.Millisecond)})
	loop.step(now.Add(10 * time.Millisecond))
	require.Equal(t, first, *loop.reference)
}

func TestStepConvergesWithThreeSensors(t *testing.T) {
	reg := registry.New()
	ref := geo.LLA{Lat: 52.0, Lon: 16.0, Alt: 0}

	sensorOffsets := []geo.ENU{{East: 0, North: 0}, {East: 200, North: 0}, {East: 0, North: 200}}
	truth := geo.ENU{East: 100, North: 100}

	pub := &fakePublisher{}
	loop := New(reg, pub, nil, nil)

	now := time.Now()
	for i := 0; i < 250; i++ {
		now = now.Add(Tick)
		for idx, off := range sensorOffsets {
			lla := geo.ENUToLLA(ref, off)
			dx := truth.East - off.East
			dy := truth.North - off.North
			rangeM := math.Hypot(dx, dy)
			reg.Insert(registry.Report{
				Identity:       string(rune('a' + idx)),
				Lat:            lla.Lat,
				Lon:            lla.Lon,
				IsTargetSource: idx == 0,
				RangeM:         rangeM,
				ReceivedAt:     now,
			})
		}
		loop.step(now)
	}

	require.NotEmpty(t, pub.estimates)
	last := pub.estimates[len(pub.estimates)-1]
	finalENU := geo.LLAToENU(geo.LLA{Lat: last.Lat, Lon: last.Lon, Alt: 0}, ref)
	require.InDelta(t, truth.East, finalENU.East, 2.0)
	require.InDelta(t, truth.North, finalENU.North, 2.0)
}
