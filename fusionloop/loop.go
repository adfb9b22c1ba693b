// Package fusionloop drives the fixed-cadence EKF cycle: snapshot the
// sensor registry, gate on detection and sensor count, predict and
// update the filter, and hand the estimate to an egress sink.
package fusionloop

import (
	"time"

	"fusiontrack/ekf"
	"fusiontrack/geo"
	"fusiontrack/internal/obslog"
	"fusiontrack/registry"

	"github.com/rs/zerolog"
)

// Tick is the fixed cadence at which the fusion loop runs.
const Tick = 50 * time.Millisecond

// Estimate is the output of one successful fusion tick.
type Estimate struct {
	Lat       float64
	Lon       float64
	Alt       float64
	EmittedAt time.Time
}

// Publisher is the egress sink the loop forwards estimates to. A
// publisher that cannot deliver drops the estimate; the loop does not
// retry or buffer.
type Publisher interface {
	Publish(Estimate)
}

// TraceLogger optionally records one frame per tick for offline
// inspection. A nil TraceLogger disables tracing.
type TraceLogger interface {
	Record(sensorCount int, detection bool, est Estimate)
}

// Loop owns the filter state and the session reference point.
// It is not safe for concurrent use; exactly one goroutine should
// call Run.
type Loop struct {
	reg       *registry.Registry
	filter    *ekf.Filter
	pub       Publisher
	trace     TraceLogger
	reference *geo.LLA
	log       zerolog.Logger
}

// New builds a fusion loop reading from reg and forwarding estimates
// to pub. maxDist, if non-nil, caps admissible sensor range.
func New(reg *registry.Registry, pub Publisher, maxDist *float64, trace TraceLogger) *Loop {
	return &Loop{
		reg:    reg,
		filter: ekf.New(0, 0, maxDist),
		pub:    pub,
		trace:  trace,
		log:    obslog.For("fusion"),
	}
}

// Run blocks, ticking forever at Tick cadence until stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	for {
		start := time.Now()

		select {
		case <-stop:
			return
		default:
		}

		l.step(start)

		elapsed := time.Since(start)
		if elapsed < Tick {
			time.Sleep(Tick - elapsed)
		}
	}
}

// step runs the six-step tick algorithm for one cadence period,
// starting at "now".
func (l *Loop) step(now time.Time) {
	beforeEvict := l.reg.Len()
	snapshot := l.reg.Snapshot(now)
	l.log.Debug().Int("registered", beforeEvict).Int("fresh", len(snapshot)).Msg("registry size this tick")

	if l.reference == nil && len(snapshot) > 0 {
		first := snapshot[0]
		l.reference = &geo.LLA{Lat: first.Lat, Lon: first.Lon, Alt: 0}
	}

	detection := false
	for _, r := range snapshot {
		if r.IsTargetSource {
			detection = true
			break
		}
	}
	if !detection {
		l.log.Debug().Msg("no detection this tick")
		return
	}

	if len(snapshot) < 3 {
		l.log.Warn().Int("count", len(snapshot)).Msg("not enough sensors retained to compute solution")
		return
	}

	sensors := make([]ekf.Sensor, 0, len(snapshot))
	for _, r := range snapshot {
		point := geo.LLA{Lat: r.Lat, Lon: r.Lon, Alt: 0}
		enu := geo.LLAToENU(point, *l.reference)
		sensors = append(sensors, ekf.Sensor{East: enu.East, North: enu.North, Range: r.RangeM})
	}

	xPred, pPred := l.filter.Predict(Tick.Seconds())
	l.filter.Update(xPred, pPred, sensors)

	x, _ := l.filter.State()
	lla := geo.ENUToLLA(*l.reference, geo.ENU{East: x.AtVec(0), North: x.AtVec(1), Up: 0})
	est := Estimate{Lat: lla.Lat, Lon: lla.Lon, Alt: 0, EmittedAt: now}

	if l.trace != nil {
		l.trace.Record(len(snapshot), detection, est)
	}
	l.pub.Publish(est)
}
