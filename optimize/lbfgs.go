package optimize

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Status is the outcome of one optimizer step.
type Status int

const (
	// Continue requests another objective and gradient evaluation at the
	// updated parameter vector.
	Continue Status = iota
	// Converged means the gradient norm test passed.
	Converged
	// Failed means the line search could not satisfy the Wolfe conditions
	// within its evaluation budget.
	Failed
)

// ErrLineSearch is returned with the Failed status.
var ErrLineSearch = errors.New("optimize: line search failed")

// Config holds the optimizer hyperparameters. Zero values select the
// defaults noted on each field.
type Config struct {
	History     int     // history pairs kept, default 100
	Epsilon     float64 // convergence threshold on ‖g‖∞/max(1,‖x‖∞), default 1e-5
	OrthantWise bool    // enable the orthant-wise (L1) variant
	C           float64 // L1 penalty weight, used when OrthantWise
}

// Optimizer is a limited-memory BFGS optimizer driven by reverse
// communication: Step consumes the objective and gradient at the current
// point, updates the parameter vector in place, and reports whether
// another evaluation is needed. All buffers are allocated by New; Step
// never allocates.
type Optimizer struct {
	cfg  Config
	n    int
	iter int
	inLS bool
	stp  float64

	s        [][]float64
	y        [][]float64
	rho      []float64
	alphaBuf []float64
	updates  int

	dir []float64
	xp  []float64
	pgp []float64
	pg  []float64

	ls lineSearch
}

// New creates an optimizer for an n-dimensional problem.
func New(n int, cfg Config) *Optimizer {
	if cfg.History <= 0 {
		cfg.History = 100
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 1e-5
	}
	o := &Optimizer{
		cfg:      cfg,
		n:        n,
		s:        make([][]float64, cfg.History),
		y:        make([][]float64, cfg.History),
		rho:      make([]float64, cfg.History),
		alphaBuf: make([]float64, cfg.History),
		dir:      make([]float64, n),
		xp:       make([]float64, n),
		pgp:      make([]float64, n),
		pg:       make([]float64, n),
		ls:       newLineSearch(),
	}
	for i := 0; i < cfg.History; i++ {
		o.s[i] = make([]float64, n)
		o.y[i] = make([]float64, n)
	}
	return o
}

// Step advances the optimization. x is the current parameter vector
// (updated in place), f the objective at x and g its gradient. In the
// orthant-wise variant f must already include the C·‖x‖₁ penalty term
// while g must not.
func (o *Optimizer) Step(x []float64, f float64, g []float64) (Status, error) {
	if len(x) != o.n || len(g) != o.n {
		return Failed, errors.New("optimize: dimension mismatch")
	}

	if o.cfg.OrthantWise {
		pseudoGradient(o.pg, g, x, o.cfg.C)
	} else {
		copy(o.pg, g)
	}

	if !o.inLS && o.iter == 0 {
		xnorm := math.Max(1, floats.Norm(x, math.Inf(1)))
		if floats.Norm(o.pg, math.Inf(1))/xnorm <= o.cfg.Epsilon {
			return Converged, nil
		}
	}

	if o.inLS {
		dg := floats.Dot(o.pg, o.dir)
		switch o.ls.iterate(&o.stp, f, dg) {
		case lsEvaluate:
			o.setTrial(x)
			return Continue, nil
		case lsFailed:
			return Failed, ErrLineSearch
		}
		// Line search accepted the step at the current x.
		o.inLS = false
		o.pushHistory(x)
		o.iter++

		xnorm := math.Max(1, floats.Norm(x, math.Inf(1)))
		gnorm := floats.Norm(o.pg, math.Inf(1))
		if gnorm/xnorm <= o.cfg.Epsilon {
			return Converged, nil
		}
	}

	o.computeDirection()
	if o.cfg.OrthantWise {
		for i := 0; i < o.n; i++ {
			if o.dir[i]*o.pg[i] > 0 {
				o.dir[i] = 0
			}
		}
	}
	dginit := floats.Dot(o.pg, o.dir)
	if dginit >= 0 {
		return Failed, ErrLineSearch
	}

	copy(o.xp, x)
	copy(o.pgp, o.pg)
	if o.iter == 0 {
		o.stp = 1 / floats.Norm(o.pg, 2)
	} else {
		o.stp = 1
	}
	o.ls.start(f, dginit)
	o.inLS = true
	o.setTrial(x)
	return Continue, nil
}

// setTrial moves x to the current trial point of the line search. In the
// orthant-wise variant the point is projected back onto the orthant chosen
// by the pseudo-gradient at the search origin.
func (o *Optimizer) setTrial(x []float64) {
	copy(x, o.xp)
	floats.AddScaled(x, o.stp, o.dir)
	if !o.cfg.OrthantWise {
		return
	}
	for i := 0; i < o.n; i++ {
		orient := o.xp[i]
		if orient == 0 {
			orient = -o.pgp[i]
		}
		if x[i]*orient < 0 {
			x[i] = 0
		}
	}
}

// pushHistory stores the (s, y) pair of the accepted step. Pairs with a
// non-positive curvature product are discarded.
func (o *Optimizer) pushHistory(x []float64) {
	sy := 0.0
	for i := range x {
		sy += (x[i] - o.xp[i]) * (o.pg[i] - o.pgp[i])
	}
	if sy <= 0 {
		return
	}
	idx := o.updates % o.cfg.History
	sv := o.s[idx]
	yv := o.y[idx]
	copy(sv, x)
	floats.Sub(sv, o.xp)
	copy(yv, o.pg)
	floats.Sub(yv, o.pgp)
	o.rho[idx] = 1 / sy
	o.updates++
}

// computeDirection fills o.dir with -H̃·pg via the two-loop recursion,
// scaled by γ = (s·y)/(y·y) of the most recent pair.
func (o *Optimizer) computeDirection() {
	d := o.dir
	copy(d, o.pg)

	size := min(o.updates, o.cfg.History)
	if size == 0 {
		floats.Scale(-1, d)
		return
	}

	for i := size - 1; i >= 0; i-- {
		idx := (o.updates - size + i) % o.cfg.History
		o.alphaBuf[i] = o.rho[idx] * floats.Dot(o.s[idx], d)
		floats.AddScaled(d, -o.alphaBuf[i], o.y[idx])
	}

	latest := (o.updates - 1) % o.cfg.History
	yy := floats.Dot(o.y[latest], o.y[latest])
	if yy > 0 {
		gamma := floats.Dot(o.s[latest], o.y[latest]) / yy
		floats.Scale(gamma, d)
	}

	for i := 0; i < size; i++ {
		idx := (o.updates - size + i) % o.cfg.History
		beta := o.rho[idx] * floats.Dot(o.y[idx], d)
		floats.AddScaled(d, o.alphaBuf[i]-beta, o.s[idx])
	}

	floats.Scale(-1, d)
}

// pseudoGradient computes the orthant-wise sub-gradient of f + C·‖x‖₁.
func pseudoGradient(pg, g, x []float64, c float64) {
	for i := range x {
		switch {
		case x[i] > 0:
			pg[i] = g[i] + c
		case x[i] < 0:
			pg[i] = g[i] - c
		default:
			switch {
			case g[i] < -c:
				pg[i] = g[i] + c
			case g[i] > c:
				pg[i] = g[i] - c
			default:
				pg[i] = 0
			}
		}
	}
}
