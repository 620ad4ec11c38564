// Package optimize implements a limited-memory BFGS optimizer with a
// Moré-Thuente line search and an optional orthant-wise variant for
// L1-penalized objectives.
package optimize

import "math"

// Line search outcome codes returned by iterate.
const (
	lsEvaluate = 0  // evaluate the objective at the updated step
	lsSuccess  = 1  // strong Wolfe conditions hold
	lsFailed   = -1 // no acceptable step within the evaluation budget
)

// lineSearch is a Moré-Thuente line search with strong Wolfe conditions,
// driven by reverse communication: the caller evaluates the objective and
// its directional derivative at each trial step.
type lineSearch struct {
	ftol    float64 // sufficient decrease constant c1
	gtol    float64 // curvature constant c2
	xtol    float64
	stpMin  float64
	stpMax  float64
	maxEval int

	brackt bool
	stage1 bool
	finit  float64
	dginit float64
	dgtest float64
	width  float64
	width1 float64
	stx    float64
	fx     float64
	dgx    float64
	sty    float64
	fy     float64
	dgy    float64
	stmin  float64
	stmax  float64
	infoc  int
	nfev   int
}

func newLineSearch() lineSearch {
	return lineSearch{
		ftol:    1e-4,
		gtol:    0.9,
		xtol:    1e-16,
		stpMin:  1e-20,
		stpMax:  1e+20,
		maxEval: 20,
	}
}

const (
	lsP5     = 0.5
	lsP66    = 0.66
	lsXtrapf = 4.0
)

// start begins a search from step 0 with objective f0 and directional
// derivative dg0 (which must be negative).
func (ls *lineSearch) start(f0, dg0 float64) {
	ls.brackt = false
	ls.stage1 = true
	ls.infoc = 1
	ls.nfev = 0
	ls.finit = f0
	ls.dginit = dg0
	ls.dgtest = ls.ftol * dg0
	ls.width = ls.stpMax - ls.stpMin
	ls.width1 = 2 * ls.width
	ls.stx = 0
	ls.fx = f0
	ls.dgx = dg0
	ls.sty = 0
	ls.fy = f0
	ls.dgy = dg0
}

// iterate consumes the evaluation (f, dg) at the current trial step *stp.
// It returns lsSuccess when the strong Wolfe conditions hold, lsEvaluate
// after writing the next trial step into *stp, or lsFailed.
func (ls *lineSearch) iterate(stp *float64, f, dg float64) int {
	ls.nfev++
	ftest1 := ls.finit + *stp*ls.dgtest

	if ls.brackt && (*stp <= ls.stmin || *stp >= ls.stmax) || ls.infoc == 0 {
		return lsFailed
	}
	if *stp == ls.stpMax && f <= ftest1 && dg <= ls.dgtest {
		return lsFailed
	}
	if *stp == ls.stpMin && (f > ftest1 || dg >= ls.dgtest) {
		return lsFailed
	}
	if ls.brackt && ls.stmax-ls.stmin <= ls.xtol*ls.stmax {
		return lsFailed
	}
	if f <= ftest1 && math.Abs(dg) <= ls.gtol*(-ls.dginit) {
		return lsSuccess
	}
	if ls.nfev >= ls.maxEval {
		return lsFailed
	}

	if ls.stage1 && f <= ftest1 && dg >= math.Min(ls.ftol, ls.gtol)*ls.dginit {
		ls.stage1 = false
	}

	// The modified-function trick keeps the interpolation well behaved
	// while the step satisfies sufficient decrease but not the lower
	// bound on the derivative.
	if ls.stage1 && f <= ls.fx && f > ftest1 {
		fm := f - *stp*ls.dgtest
		fxm := ls.fx - ls.stx*ls.dgtest
		fym := ls.fy - ls.sty*ls.dgtest
		dgm := dg - ls.dgtest
		dgxm := ls.dgx - ls.dgtest
		dgym := ls.dgy - ls.dgtest

		ls.infoc = cstep(&ls.stx, &fxm, &dgxm, &ls.sty, &fym, &dgym,
			stp, fm, dgm, &ls.brackt, ls.stmin, ls.stmax)

		ls.fx = fxm + ls.stx*ls.dgtest
		ls.fy = fym + ls.sty*ls.dgtest
		ls.dgx = dgxm + ls.dgtest
		ls.dgy = dgym + ls.dgtest
	} else {
		ls.infoc = cstep(&ls.stx, &ls.fx, &ls.dgx, &ls.sty, &ls.fy, &ls.dgy,
			stp, f, dg, &ls.brackt, ls.stmin, ls.stmax)
	}

	// Force sufficient progress once the interval is bracketed.
	if ls.brackt {
		if math.Abs(ls.sty-ls.stx) >= lsP66*ls.width1 {
			*stp = ls.stx + lsP5*(ls.sty-ls.stx)
		}
		ls.width1 = ls.width
		ls.width = math.Abs(ls.sty - ls.stx)
	}

	if ls.brackt {
		ls.stmin = math.Min(ls.stx, ls.sty)
		ls.stmax = math.Max(ls.stx, ls.sty)
	} else {
		ls.stmin = ls.stx
		ls.stmax = *stp + lsXtrapf*(*stp-ls.stx)
	}

	*stp = math.Max(*stp, ls.stpMin)
	*stp = math.Min(*stp, ls.stpMax)

	// Fall back to the best step so far if another trial cannot improve.
	if ls.brackt && (*stp <= ls.stmin || *stp >= ls.stmax) ||
		ls.nfev >= ls.maxEval-1 || ls.infoc == 0 ||
		ls.brackt && ls.stmax-ls.stmin <= ls.xtol*ls.stmax {
		*stp = ls.stx
	}

	return lsEvaluate
}

// cstep updates the interval of uncertainty and computes the next trial
// step by cubic or quadratic interpolation. It is a direct rendition of
// the MINPACK mcstep routine.
func cstep(stx, fx, dx, sty, fy, dy *float64, stp *float64, fp, dp float64,
	brackt *bool, stpmin, stpmax float64) int {

	info := 0
	if *brackt && (*stp <= math.Min(*stx, *sty) || *stp >= math.Max(*stx, *sty)) ||
		*dx*(*stp-*stx) >= 0 || stpmax < stpmin {
		return info
	}

	sgnd := dp * (*dx / math.Abs(*dx))

	var stpf float64
	var bound bool
	switch {
	case fp > *fx:
		// A higher function value: the minimum is bracketed.
		info = 1
		bound = true
		theta := 3*(*fx-fp)/(*stp-*stx) + *dx + dp
		s := math.Max(math.Abs(theta), math.Max(math.Abs(*dx), math.Abs(dp)))
		gamma := s * math.Sqrt((theta/s)*(theta/s)-(*dx/s)*(dp/s))
		if *stp < *stx {
			gamma = -gamma
		}
		p := (gamma - *dx) + theta
		q := ((gamma - *dx) + gamma) + dp
		r := p / q
		stpc := *stx + r*(*stp-*stx)
		stpq := *stx + ((*dx/((*fx-fp)/(*stp-*stx)+*dx))/2)*(*stp-*stx)
		if math.Abs(stpc-*stx) < math.Abs(stpq-*stx) {
			stpf = stpc
		} else {
			stpf = stpc + (stpq-stpc)/2
		}
		*brackt = true

	case sgnd < 0:
		// Opposite-signed derivatives: the minimum is bracketed.
		info = 2
		bound = false
		theta := 3*(*fx-fp)/(*stp-*stx) + *dx + dp
		s := math.Max(math.Abs(theta), math.Max(math.Abs(*dx), math.Abs(dp)))
		gamma := s * math.Sqrt((theta/s)*(theta/s)-(*dx/s)*(dp/s))
		if *stp > *stx {
			gamma = -gamma
		}
		p := (gamma - dp) + theta
		q := ((gamma - dp) + gamma) + *dx
		r := p / q
		stpc := *stp + r*(*stx-*stp)
		stpq := *stp + (dp/(dp-*dx))*(*stx-*stp)
		if math.Abs(stpc-*stp) > math.Abs(stpq-*stp) {
			stpf = stpc
		} else {
			stpf = stpq
		}
		*brackt = true

	case math.Abs(dp) < math.Abs(*dx):
		// Derivative magnitude decreases: the cubic step may only exist
		// beyond the trial step.
		info = 3
		bound = true
		theta := 3*(*fx-fp)/(*stp-*stx) + *dx + dp
		s := math.Max(math.Abs(theta), math.Max(math.Abs(*dx), math.Abs(dp)))
		gamma := s * math.Sqrt(math.Max(0, (theta/s)*(theta/s)-(*dx/s)*(dp/s)))
		if *stp > *stx {
			gamma = -gamma
		}
		p := (gamma - dp) + theta
		q := (gamma + (*dx - dp)) + gamma
		r := p / q
		var stpc float64
		switch {
		case r < 0 && gamma != 0:
			stpc = *stp + r*(*stx-*stp)
		case *stp > *stx:
			stpc = stpmax
		default:
			stpc = stpmin
		}
		stpq := *stp + (dp/(dp-*dx))*(*stx-*stp)
		if *brackt {
			if math.Abs(*stp-stpc) < math.Abs(*stp-stpq) {
				stpf = stpc
			} else {
				stpf = stpq
			}
		} else {
			if math.Abs(*stp-stpc) > math.Abs(*stp-stpq) {
				stpf = stpc
			} else {
				stpf = stpq
			}
		}

	default:
		// Derivative does not decrease: use the far endpoint.
		info = 4
		bound = false
		if *brackt {
			theta := 3*(fp-*fy)/(*sty-*stp) + *dy + dp
			s := math.Max(math.Abs(theta), math.Max(math.Abs(*dy), math.Abs(dp)))
			gamma := s * math.Sqrt((theta/s)*(theta/s)-(*dy/s)*(dp/s))
			if *stp > *sty {
				gamma = -gamma
			}
			p := (gamma - dp) + theta
			q := ((gamma - dp) + gamma) + *dy
			r := p / q
			stpf = *stp + r*(*sty-*stp)
		} else if *stp > *stx {
			stpf = stpmax
		} else {
			stpf = stpmin
		}
	}

	if fp > *fx {
		*sty = *stp
		*fy = fp
		*dy = dp
	} else {
		if sgnd < 0 {
			*sty = *stx
			*fy = *fx
			*dy = *dx
		}
		*stx = *stp
		*fx = fp
		*dx = dp
	}

	stpf = math.Min(stpmax, stpf)
	stpf = math.Max(stpmin, stpf)
	*stp = stpf
	if *brackt && bound {
		if *sty > *stx {
			*stp = math.Min(*stx+lsP66*(*sty-*stx), *stp)
		} else {
			*stp = math.Max(*stx+lsP66*(*sty-*stx), *stp)
		}
	}
	return info
}
