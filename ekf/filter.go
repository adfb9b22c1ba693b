// Package ekf implements a constant-velocity 2D Extended Kalman Filter
// over range-only measurements from a variable number of sensors per
// tick.
package ekf

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	stateDim = 4

	initPosStddev   = 800.0 // meters
	initVelStddev   = 15.0  // meters/second
	processAccelStd = 5.0   // meters/second^2, acceleration stddev feeding Q(dt)
	measurementStd  = 50.0  // meters

	minSensorsForUpdate = 3
	minRangeJacobian    = 1e-6 // clamp to avoid a singular Jacobian at zero range
)

// Sensor is a single range observation with the sensor's ENU position
// relative to whatever reference frame the caller has chosen. The
// filter applies no sign convention of its own; callers decide it
// (see the fusion loop and replay driver, which differ here).
type Sensor struct {
	East  float64
	North float64
	Range float64
}

// Filter holds the persistent EKF state: position/velocity estimate
// and its covariance. Zero value is not usable; construct with New.
type Filter struct {
	x       *mat.VecDense // [px, py, vx, vy]
	p       *mat.SymDense
	maxDist *float64 // optional admissible-range cap
}

// New builds a filter initialized at (x0, y0) with zero velocity and
// the default position/velocity uncertainty. maxDist, if non-nil,
// caps the range a sensor measurement may report to be admissible.
func New(x0, y0 float64, maxDist *float64) *Filter {
	x := mat.NewVecDense(stateDim, []float64{x0, y0, 0, 0})
	p := mat.NewSymDense(stateDim, nil)
	p.SetSym(0, 0, initPosStddev*initPosStddev)
	p.SetSym(1, 1, initPosStddev*initPosStddev)
	p.SetSym(2, 2, initVelStddev*initVelStddev)
	p.SetSym(3, 3, initVelStddev*initVelStddev)
	return &Filter{x: x, p: p, maxDist: maxDist}
}

// State returns the current estimate. The returned values are owned by
// the filter; callers must not mutate them.
func (f *Filter) State() (x *mat.VecDense, p *mat.SymDense) {
	return f.x, f.p
}

// transition builds F(dt), the constant-velocity state transition.
func transition(dt float64) *mat.Dense {
	return mat.NewDense(stateDim, stateDim, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// processNoise builds Q(dt) for acceleration-stddev processAccelStd.
func processNoise(dt float64) *mat.SymDense {
	qp := math.Pow(processAccelStd*dt*dt/2, 2)
	qv := math.Pow(processAccelStd*dt, 2)
	q := mat.NewSymDense(stateDim, nil)
	q.SetSym(0, 0, qp)
	q.SetSym(1, 1, qp)
	q.SetSym(2, 2, qv)
	q.SetSym(3, 3, qv)
	return q
}

// symmetrize forces numerical symmetry on a square matrix, returning a
// SymDense built from the averaged upper/lower entries.
func symmetrize(m mat.Matrix) *mat.SymDense {
	r, _ := m.Dims()
	sym := mat.NewSymDense(r, nil)
	for i := 0; i < r; i++ {
		for j := i; j < r; j++ {
			v := (m.At(i, j) + m.At(j, i)) / 2
			sym.SetSym(i, j, v)
		}
	}
	return sym
}

func allFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}

// Predict computes the a priori state and covariance for a time step
// of dt seconds. It does not mutate the filter; the caller passes the
// result into Update.
func (f *Filter) Predict(dt float64) (xPred *mat.VecDense, pPred *mat.SymDense) {
	F := transition(dt)
	Q := processNoise(dt)

	xp := mat.NewVecDense(stateDim, nil)
	xp.MulVec(F, f.x)

	var fp mat.Dense
	fp.Mul(F, f.p)
	var fpft mat.Dense
	fpft.Mul(&fp, F.T())

	var raw mat.Dense
	raw.Add(&fpft, Q)

	return xp, symmetrize(&raw)
}

// rangeAdmissible reports whether a measured range participates in the
// update: strictly positive, and within the optional cap.
func (f *Filter) rangeAdmissible(r float64) bool {
	if r <= 0 {
		return false
	}
	if f.maxDist != nil && r > *f.maxDist {
		return false
	}
	return true
}

// Update folds admissible sensor range measurements into the predicted
// state. Fewer than three admissible sensors, or a non-invertible
// innovation covariance, both degrade to committing the prediction
// unchanged rather than failing the tick.
func (f *Filter) Update(xPred *mat.VecDense, pPred *mat.SymDense, sensors []Sensor) {
	admissible := make([]Sensor, 0, len(sensors))
	for _, s := range sensors {
		if f.rangeAdmissible(s.Range) {
			admissible = append(admissible, s)
		}
	}

	if len(admissible) < minSensorsForUpdate {
		f.x = xPred
		f.p = pPred
		return
	}

	m := len(admissible)
	z := mat.NewVecDense(m, nil)
	hx := mat.NewVecDense(m, nil)
	H := mat.NewDense(m, stateDim, nil)

	px, py := xPred.AtVec(0), xPred.AtVec(1)
	for i, s := range admissible {
		dx := px - s.East
		dy := py - s.North
		h := math.Hypot(dx, dy)
		if h < minRangeJacobian {
			h = minRangeJacobian
		}
		z.SetVec(i, s.Range)
		hx.SetVec(i, h)
		H.Set(i, 0, dx/h)
		H.Set(i, 1, dy/h)
		H.Set(i, 2, 0)
		H.Set(i, 3, 0)
	}

	R := mat.NewSymDense(m, nil)
	for i := 0; i < m; i++ {
		R.SetSym(i, i, measurementStd*measurementStd)
	}

	var hp mat.Dense
	hp.Mul(H, pPred)
	var hpht mat.Dense
	hpht.Mul(&hp, H.T())
	var s mat.Dense
	s.Add(&hpht, R)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil || !allFinite(&sInv) {
		f.x = xPred
		f.p = pPred
		return
	}

	var pht mat.Dense
	pht.Mul(pPred, H.T())
	var k mat.Dense
	k.Mul(&pht, &sInv)

	innovation := mat.NewVecDense(m, nil)
	innovation.SubVec(z, hx)

	var ky mat.VecDense
	ky.MulVec(&k, innovation)

	xNew := mat.NewVecDense(stateDim, nil)
	xNew.AddVec(xPred, &ky)

	var kh mat.Dense
	kh.Mul(&k, H)
	ident := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ident.Set(i, i, 1)
	}
	var imkh mat.Dense
	imkh.Sub(ident, &kh)
	var pNewRaw mat.Dense
	pNewRaw.Mul(&imkh, pPred)

	if !allFinite(xNew) || !allFinite(&pNewRaw) {
		f.x = xPred
		f.p = pPred
		return
	}

	f.x = xNew
	f.p = symmetrize(&pNewRaw)
}
