// Package cmaes implements the Covariance Matrix Adaptation Evolution
// Strategy over a box-bounded parameter space.
//
// The optimiser is driven through an ask/tell interface: Ask samples a
// population from the current search distribution, the caller evaluates it,
// and Tell ranks the evaluated points and adapts the distribution. Stop
// reports when the run should end and why.
package cmaes

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ParameterVector is a candidate solution.
type ParameterVector = []float64

// Population is one generation of candidates in sampling order.
type Population = []ParameterVector

// EvaluatedPoint pairs a candidate with its cost. Evaluated is false for
// candidates screened out before reaching the objective.
type EvaluatedPoint struct {
	X         []float64 `json:"x"`
	Cost      float64   `json:"cost"`
	Evaluated bool      `json:"evaluated"`
}

// Optimiser holds the CMA-ES search distribution and run bookkeeping.
// Ask, Tell and Stop must be called from a single goroutine; Best may be
// called concurrently.
type Optimiser struct {
	settings Settings
	rng      *rand.Rand
	bounds   *Boundaries

	// strategy parameters, fixed after initialisation
	dim     int
	lambda  int
	mu      int
	weights []float64
	mueff   float64
	cs      float64
	ds      float64
	cc      float64
	c1      float64
	cmu     float64
	chiN    float64

	// search distribution
	mean      []float64
	sigma     float64
	scale     []float64
	cov       *mat.SymDense
	b         *mat.Dense
	d         []float64
	ps        []float64
	pc        []float64
	condition float64

	generation  int
	evaluations int
	pending     Population
	stall       *StallTracker
	stalled     bool
	status      Status
	reason      Reason

	bestMu sync.RWMutex
	best   EvaluatedPoint
}

// New creates an uninitialised optimiser. A nil rng is replaced by one seeded
// with zero.
func New(rng *rand.Rand, settings Settings) *Optimiser {
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	return &Optimiser{
		settings: settings.withDefaults(),
		rng:      rng,
		status:   StatusUninitialised,
		best:     EvaluatedPoint{Cost: math.Inf(1)},
	}
}

// Initialise sets the mean to x0 and the per-coordinate spread to sigma0.
// bounds may be nil for an unbounded search. A nil sigma0 is derived from the
// boundaries (one sixth of the range) or from x0.
func (o *Optimiser) Initialise(x0, sigma0 []float64, bounds *Boundaries) error {
	if err := o.settings.validate(); err != nil {
		return err
	}
	dim := len(x0)
	if dim == 0 {
		return &DimensionMismatchError{What: "x0", Expected: 1, Actual: 0}
	}
	if bounds != nil && bounds.Dim() != dim {
		return &DimensionMismatchError{What: "boundaries", Expected: dim, Actual: bounds.Dim()}
	}
	if sigma0 == nil {
		sigma0 = defaultSigma0(x0, bounds)
	}
	if len(sigma0) != dim {
		return &DimensionMismatchError{What: "sigma0", Expected: dim, Actual: len(sigma0)}
	}
	for i, s := range sigma0 {
		if !(s > 0) || math.IsInf(s, 1) {
			return &InvalidSettingsError{Field: fmt.Sprintf("sigma0[%d]", i), Reason: "must be positive and finite"}
		}
	}
	for _, v := range x0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &InfeasibleStartError{X: append([]float64(nil), x0...)}
		}
	}
	if bounds != nil && !bounds.Contains(x0) {
		return &InfeasibleStartError{X: append([]float64(nil), x0...)}
	}

	o.bounds = bounds
	o.setStrategy(dim)

	o.mean = append([]float64(nil), x0...)
	o.sigma = 1
	o.scale = append([]float64(nil), sigma0...)
	o.cov = identity(dim)
	o.ps = make([]float64, dim)
	o.pc = make([]float64, dim)
	o.decompose()

	o.generation = 0
	o.evaluations = 0
	o.pending = nil
	o.stall = NewStallTracker(o.settings.Stall)
	o.stalled = false
	o.setBest(EvaluatedPoint{Cost: math.Inf(1)})
	o.status = StatusRunning
	o.reason = ReasonNone

	slog.Debug("CMA-ES initialised",
		"dim", dim,
		"lambda", o.lambda,
		"mu", o.mu,
		"mueff", o.mueff,
	)
	return nil
}

func defaultSigma0(x0 []float64, bounds *Boundaries) []float64 {
	sigma0 := make([]float64, len(x0))
	if bounds != nil {
		for i, r := range bounds.Range() {
			sigma0[i] = r / 6
		}
		return sigma0
	}
	for i, v := range x0 {
		sigma0[i] = math.Abs(v) / 3
		if sigma0[i] == 0 {
			sigma0[i] = 1
		}
	}
	return sigma0
}

func (o *Optimiser) setStrategy(dim int) {
	n := float64(dim)
	o.dim = dim
	o.lambda = o.settings.PopulationSize
	if o.lambda == 0 {
		o.lambda = PopulationSize(dim)
	}
	o.mu = o.lambda / 2

	o.weights = make([]float64, o.mu)
	for i := range o.weights {
		o.weights[i] = math.Log(float64(o.mu)+0.5) - math.Log(float64(i+1))
	}
	floats.Scale(1/floats.Sum(o.weights), o.weights)
	o.mueff = 1 / floats.Dot(o.weights, o.weights)

	o.cs = (o.mueff + 2) / (n + o.mueff + 5)
	o.ds = 1 + 2*math.Max(0, math.Sqrt((o.mueff-1)/(n+1))-1) + o.cs
	o.cc = (4 + o.mueff/n) / (n + 4 + 2*o.mueff/n)
	o.c1 = 2 / ((n+1.3)*(n+1.3) + o.mueff)
	o.cmu = math.Min(1-o.c1, 2*(o.mueff-2+1/o.mueff)/((n+2)*(n+2)+o.mueff))
	o.chiN = math.Sqrt(n) * (1 - 1/(4*n) + 1/(21*n*n))
}

// Ask draws lambda candidates from N(mean, sigma^2 * S C S) where S is the
// diagonal scale matrix. It returns nil unless the optimiser is running.
func (o *Optimiser) Ask() Population {
	if o.status != StatusRunning {
		return nil
	}

	pop := make(Population, o.lambda)
	o.pending = make(Population, o.lambda)
	dz := mat.NewVecDense(o.dim, nil)
	var y mat.VecDense
	for k := range pop {
		for i := 0; i < o.dim; i++ {
			dz.SetVec(i, o.d[i]*o.rng.NormFloat64())
		}
		y.MulVec(o.b, dz)

		x := make([]float64, o.dim)
		for i := range x {
			x[i] = o.mean[i] + o.sigma*o.scale[i]*y.AtVec(i)
		}
		pop[k] = x
		o.pending[k] = append([]float64(nil), x...)
	}
	return pop
}

// Tell ranks the evaluated population and adapts the search distribution.
// The points must be the ones returned by the last Ask, in the same order.
// Non-finite costs are treated as +Inf and excluded from the update. If no
// finite cost remains, the optimiser fails with ErrDegeneratePopulation.
func (o *Optimiser) Tell(points []EvaluatedPoint) error {
	if o.status != StatusRunning {
		return &PopulationMismatchError{Reason: "optimiser is " + o.status.String()}
	}
	if o.pending == nil {
		return &PopulationMismatchError{Reason: "tell without a preceding ask"}
	}
	if len(points) != len(o.pending) {
		return &PopulationMismatchError{Reason: fmt.Sprintf("expected %d points, got %d", len(o.pending), len(points))}
	}
	for i, p := range points {
		if !floats.Same(p.X, o.pending[i]) {
			return &PopulationMismatchError{Reason: fmt.Sprintf("point %d differs from the sampled candidate", i)}
		}
	}
	sampled := o.pending
	o.pending = nil

	costs := make([]float64, len(points))
	ranked := make([]int, 0, len(points))
	for i, p := range points {
		if p.Evaluated {
			o.evaluations++
		}
		costs[i] = p.Cost
		if math.IsNaN(p.Cost) || math.IsInf(p.Cost, 0) {
			costs[i] = math.Inf(1)
			continue
		}
		ranked = append(ranked, i)
	}
	// stable: the earlier sample wins ties
	sort.SliceStable(ranked, func(a, b int) bool { return costs[ranked[a]] < costs[ranked[b]] })

	o.generation++

	if len(ranked) > 0 {
		if best := ranked[0]; costs[best] < o.Best().Cost {
			o.setBest(EvaluatedPoint{
				X:         append([]float64(nil), sampled[best]...),
				Cost:      costs[best],
				Evaluated: points[best].Evaluated,
			})
		}
	}

	if len(ranked) == 0 {
		o.finish(StatusFailed, ReasonDegeneratePopulation)
		slog.Warn("Every candidate was infeasible or non-finite",
			"generation", o.generation,
			"population", len(points),
		)
		return ErrDegeneratePopulation
	}

	o.update(sampled, ranked)
	o.stalled = o.stall.Update(o.Best().Cost)
	return nil
}

// update applies the mean, path, covariance and step-size adaptation using
// the ranked indices of finite-cost samples.
func (o *Optimiser) update(sampled Population, ranked []int) {
	n := o.dim
	k := min(o.mu, len(ranked))
	w := append([]float64(nil), o.weights[:k]...)
	floats.Scale(1/floats.Sum(w), w)
	mueff := 1 / floats.Dot(w, w)

	oldMean := o.mean
	newMean := make([]float64, n)
	for j := 0; j < k; j++ {
		floats.AddScaled(newMean, w[j], sampled[ranked[j]])
	}

	// steps in the scaled, sigma-normalised space
	steps := make([][]float64, k)
	for j := 0; j < k; j++ {
		steps[j] = o.normalised(sampled[ranked[j]], oldMean)
	}
	yw := o.normalised(newMean, oldMean)

	// C^(-1/2) yw = B D^-1 B^T yw
	var tmp, invSqrt mat.VecDense
	tmp.MulVec(o.b.T(), mat.NewVecDense(n, yw))
	for i := 0; i < n; i++ {
		tmp.SetVec(i, tmp.AtVec(i)/o.d[i])
	}
	invSqrt.MulVec(o.b, &tmp)

	floats.Scale(1-o.cs, o.ps)
	floats.AddScaled(o.ps, math.Sqrt(o.cs*(2-o.cs)*mueff), invSqrt.RawVector().Data)
	psNorm := floats.Norm(o.ps, 2)

	hsig := 0.0
	damping := math.Sqrt(1 - math.Pow(1-o.cs, 2*float64(o.generation)))
	if psNorm/damping/o.chiN < 1.4+2/(float64(n)+1) {
		hsig = 1
	}

	floats.Scale(1-o.cc, o.pc)
	floats.AddScaled(o.pc, hsig*math.Sqrt(o.cc*(2-o.cc)*mueff), yw)

	deltaH := (1 - hsig) * o.cc * (2 - o.cc)
	next := mat.NewSymDense(n, nil)
	next.ScaleSym(1-o.c1-o.cmu+o.c1*deltaH, o.cov)
	next.SymRankOne(next, o.c1, mat.NewVecDense(n, append([]float64(nil), o.pc...)))
	for j := 0; j < k; j++ {
		next.SymRankOne(next, o.cmu*w[j], mat.NewVecDense(n, steps[j]))
	}
	o.cov = next

	o.sigma *= math.Exp(math.Min(1, (o.cs/o.ds)*(psNorm/o.chiN-1)))
	o.mean = newMean
	o.decompose()
}

func (o *Optimiser) normalised(x, from []float64) []float64 {
	y := make([]float64, o.dim)
	for i := range y {
		y[i] = (x[i] - from[i]) / (o.sigma * o.scale[i])
	}
	return y
}

// decompose refreshes B and D from the covariance and records its condition
// number. On failure the previous B and D are kept and the condition is +Inf.
func (o *Optimiser) decompose() {
	var eig mat.EigenSym
	if !eig.Factorize(o.cov, true) {
		o.condition = math.Inf(1)
		o.ensureBasis()
		return
	}
	values := eig.Values(nil)
	lo, hi := floats.Min(values), floats.Max(values)
	if !(lo > 0) || math.IsNaN(hi) {
		o.condition = math.Inf(1)
		o.ensureBasis()
		return
	}
	o.condition = hi / lo

	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	o.b = &vecs
	o.d = make([]float64, len(values))
	for i, v := range values {
		o.d[i] = math.Sqrt(v)
	}
}

func (o *Optimiser) ensureBasis() {
	if o.b != nil {
		return
	}
	o.b = mat.NewDense(o.dim, o.dim, nil)
	o.d = make([]float64, o.dim)
	for i := 0; i < o.dim; i++ {
		o.b.Set(i, i, 1)
		o.d[i] = 1
	}
}

// Stop reports whether the run should end, checking stall, conditioning and
// budget in that order. A positive answer moves the optimiser into its
// terminal state.
func (o *Optimiser) Stop() (bool, Reason) {
	switch {
	case o.status == StatusUninitialised:
		return false, ReasonNone
	case o.status.Terminal():
		return true, o.reason
	}

	switch {
	case o.stalled:
		o.finish(StatusConverged, ReasonNoSignificantChange)
	case o.condition > o.settings.ConditionLimit:
		slog.Warn("Covariance matrix is ill-conditioned", "condition", o.condition, "limit", o.settings.ConditionLimit)
		o.finish(StatusStalled, ReasonIllConditioned)
	case o.settings.MaxGenerations > 0 && o.generation >= o.settings.MaxGenerations,
		o.settings.MaxEvaluations > 0 && o.evaluations >= o.settings.MaxEvaluations:
		o.finish(StatusStalled, ReasonBudgetExhausted)
	default:
		return false, ReasonNone
	}
	return true, o.reason
}

func (o *Optimiser) finish(status Status, reason Reason) {
	o.status = status
	o.reason = reason
	o.pending = nil
}

// Best returns the lowest-cost point seen across all generations. Its cost
// is +Inf until a finite cost has been told.
func (o *Optimiser) Best() EvaluatedPoint {
	o.bestMu.RLock()
	defer o.bestMu.RUnlock()
	return EvaluatedPoint{
		X:         append([]float64(nil), o.best.X...),
		Cost:      o.best.Cost,
		Evaluated: o.best.Evaluated,
	}
}

func (o *Optimiser) setBest(p EvaluatedPoint) {
	o.bestMu.Lock()
	o.best = p
	o.bestMu.Unlock()
}

// Status returns the lifecycle state.
func (o *Optimiser) Status() Status { return o.status }

// Reason returns the termination reason, empty while running.
func (o *Optimiser) Reason() Reason { return o.reason }

// Generation returns the number of completed tell calls.
func (o *Optimiser) Generation() int { return o.generation }

// Evaluations returns the number of evaluated (not screened) points told.
func (o *Optimiser) Evaluations() int { return o.evaluations }

// Dim returns the dimensionality of the search space.
func (o *Optimiser) Dim() int { return o.dim }

// Lambda returns the population size.
func (o *Optimiser) Lambda() int { return o.lambda }

// Mu returns the number of parents used in the update.
func (o *Optimiser) Mu() int { return o.mu }

// Sigma returns the global step size. The effective per-coordinate spread is
// Sigma times Scale.
func (o *Optimiser) Sigma() float64 { return o.sigma }

// Scale returns a copy of the per-coordinate scale vector.
func (o *Optimiser) Scale() []float64 { return append([]float64(nil), o.scale...) }

// Mean returns a copy of the distribution mean.
func (o *Optimiser) Mean() []float64 { return append([]float64(nil), o.mean...) }

// Condition returns the condition number of the covariance matrix.
func (o *Optimiser) Condition() float64 { return o.condition }

// Boundaries returns the boundaries given at initialisation, possibly nil.
func (o *Optimiser) Boundaries() *Boundaries { return o.bounds }

// IsDegenerate reports whether err signals a degenerate population.
func IsDegenerate(err error) bool { return errors.Is(err, ErrDegeneratePopulation) }

func identity(n int) *mat.SymDense {
	c := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		c.SetSym(i, i, 1)
	}
	return c
}
