package cmaes

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Snapshot is a serialisable copy of the optimiser state. Two runs with the
// same seed and inputs produce identical snapshots.
type Snapshot struct {
	Generation  int       `json:"generation"`
	Evaluations int       `json:"evaluations"`
	Mean        []float64 `json:"mean"`
	Sigma       float64   `json:"sigma"`
	Scale       []float64 `json:"scale"`
	// Covariance is stored row-major, Dim*Dim entries.
	Covariance []float64 `json:"covariance"`
	PathSigma  []float64 `json:"pathSigma"`
	PathC      []float64 `json:"pathC"`
	Lambda     int       `json:"lambda"`

	// Best is nil until a finite cost has been seen.
	Best *EvaluatedPoint `json:"best,omitempty"`

	// LastSignificant is nil while no finite cost has been recorded.
	LastSignificant *float64  `json:"lastSignificant,omitempty"`
	StaleCount      int       `json:"staleCount"`
	StallHistory    []float64 `json:"stallHistory,omitempty"`

	Status string `json:"status"`
	Reason Reason `json:"reason,omitempty"`
}

// Dim returns the dimensionality recorded in the snapshot.
func (s *Snapshot) Dim() int { return len(s.Mean) }

// Snapshot captures the current state. It is only meaningful after
// Initialise.
func (o *Optimiser) Snapshot() Snapshot {
	n := o.dim
	cov := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			cov[i*n+j] = o.cov.At(i, j)
		}
	}

	snap := Snapshot{
		Generation:  o.generation,
		Evaluations: o.evaluations,
		Mean:        append([]float64(nil), o.mean...),
		Sigma:       o.sigma,
		Scale:       append([]float64(nil), o.scale...),
		Covariance:  cov,
		PathSigma:   append([]float64(nil), o.ps...),
		PathC:       append([]float64(nil), o.pc...),
		Lambda:      o.lambda,
		Status:      o.status.String(),
		Reason:      o.reason,
	}
	if best := o.Best(); !math.IsInf(best.Cost, 1) {
		snap.Best = &best
	}
	if o.stall != nil {
		if last := o.stall.lastSignificant; !math.IsInf(last, 0) {
			snap.LastSignificant = &last
		}
		snap.StaleCount = o.stall.staleCount
		snap.StallHistory = o.stall.History()
	}
	return snap
}

// Resume rebuilds a running optimiser from a snapshot so a stopped or
// interrupted run can continue. The stale counter is reset so a converged
// run gets a fresh stall window; generation and evaluation counters carry on,
// so budget caps in settings are totals across both runs.
func Resume(snap Snapshot, bounds *Boundaries, rng *rand.Rand, settings Settings) (*Optimiser, error) {
	n := snap.Dim()
	switch {
	case n == 0:
		return nil, &DimensionMismatchError{What: "snapshot mean", Expected: 1, Actual: 0}
	case len(snap.Scale) != n:
		return nil, &DimensionMismatchError{What: "snapshot scale", Expected: n, Actual: len(snap.Scale)}
	case len(snap.Covariance) != n*n:
		return nil, &DimensionMismatchError{What: "snapshot covariance", Expected: n * n, Actual: len(snap.Covariance)}
	case len(snap.PathSigma) != n:
		return nil, &DimensionMismatchError{What: "snapshot sigma path", Expected: n, Actual: len(snap.PathSigma)}
	case len(snap.PathC) != n:
		return nil, &DimensionMismatchError{What: "snapshot covariance path", Expected: n, Actual: len(snap.PathC)}
	case bounds != nil && bounds.Dim() != n:
		return nil, &DimensionMismatchError{What: "boundaries", Expected: n, Actual: bounds.Dim()}
	}
	if !(snap.Sigma > 0) {
		return nil, &InvalidSettingsError{Field: "snapshot sigma", Reason: "must be positive"}
	}
	if snap.Lambda != 0 && settings.PopulationSize == 0 {
		settings.PopulationSize = snap.Lambda
	}

	o := New(rng, settings)
	if err := o.settings.validate(); err != nil {
		return nil, err
	}
	o.bounds = bounds
	o.setStrategy(n)

	o.mean = append([]float64(nil), snap.Mean...)
	o.sigma = snap.Sigma
	o.scale = append([]float64(nil), snap.Scale...)
	o.cov = mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// average the two triangles in case of round-off in storage
			o.cov.SetSym(i, j, 0.5*(snap.Covariance[i*n+j]+snap.Covariance[j*n+i]))
		}
	}
	o.ps = append([]float64(nil), snap.PathSigma...)
	o.pc = append([]float64(nil), snap.PathC...)
	o.decompose()

	o.generation = snap.Generation
	o.evaluations = snap.Evaluations
	o.stall = NewStallTracker(o.settings.Stall)
	if snap.LastSignificant != nil {
		o.stall.restore(*snap.LastSignificant, 0, snap.StallHistory)
	}
	if snap.Best != nil {
		o.setBest(EvaluatedPoint{
			X:         append([]float64(nil), snap.Best.X...),
			Cost:      snap.Best.Cost,
			Evaluated: snap.Best.Evaluated,
		})
	}
	o.status = StatusRunning
	o.reason = ReasonNone
	return o, nil
}
