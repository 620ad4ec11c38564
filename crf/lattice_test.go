package crf

import (
	"math"
	"testing"
)

// testLattice builds a 3-state, length-3 lattice with fixed potentials.
func testLattice() *lattice {
	l := newLattice(3, 3)
	r := [][]float64{
		{0.5, -0.2, 1.1},
		{0.3, 0.9, -0.4},
		{-1.0, 0.2, 0.6},
	}
	m := [][]float64{
		{0.1, -0.3, 0.2},
		{0.4, 0.0, -0.1},
		{-0.2, 0.3, 0.1},
	}
	pi := []float64{0.2, -0.1, 0.0}
	for t := range 3 {
		copy(l.r[t], r[t])
	}
	for i := range 3 {
		copy(l.m[i], m[i])
	}
	copy(l.pi, pi)
	return l
}

// enumerate sums exp(path score) over all label paths.
func enumerate(l *lattice) (float64, []int, float64) {
	paths := [][]int{}
	var rec func(prefix []int)
	rec = func(prefix []int) {
		if len(prefix) == l.T {
			p := make([]int, l.T)
			copy(p, prefix)
			paths = append(paths, p)
			return
		}
		for y := range l.n {
			rec(append(prefix, y))
		}
	}
	rec(nil)

	z := 0.0
	best := math.Inf(-1)
	var bestPath []int
	for _, p := range paths {
		s := l.pathScore(p)
		z += math.Exp(s)
		if s > best {
			best = s
			bestPath = p
		}
	}
	return math.Log(z), bestPath, best
}

func TestPartitionAgainstBruteForce(t *testing.T) {
	l := testLattice()
	l.forward()
	wantLogZ, _, _ := enumerate(l)
	if math.Abs(l.logZ-wantLogZ) > 1e-10 {
		t.Errorf("logZ = %v, want %v", l.logZ, wantLogZ)
	}
}

func TestPartitionForwardBackwardConsistency(t *testing.T) {
	l := testLattice()
	l.forward()
	l.backward()

	// The partition recomputed from the backward messages must agree.
	back := logZero
	for y := range l.n {
		back = logSumExp(back, l.beta[0][y]+l.r[0][y]+l.pi[y])
	}
	rel := math.Abs(l.logZ-back) / math.Max(1, math.Abs(l.logZ))
	if rel > 1e-8 {
		t.Errorf("forward logZ %v vs backward %v (rel %v)", l.logZ, back, rel)
	}
}

func TestMarginalsSumToOne(t *testing.T) {
	l := testLattice()
	l.forward()
	l.backward()
	for pos := range l.T {
		sum := 0.0
		for y := range l.n {
			sum += l.nodeMarginal(pos, y)
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("node marginals at t=%d sum to %v", pos, sum)
		}
	}
	for pos := 1; pos < l.T; pos++ {
		sum := 0.0
		for yp := range l.n {
			for y := range l.n {
				sum += l.edgeMarginal(pos, yp, y)
			}
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("edge marginals at t=%d sum to %v", pos, sum)
		}
	}
}

func TestViterbiAgainstBruteForce(t *testing.T) {
	l := testLattice()
	path, score := l.viterbi()
	_, wantPath, wantScore := enumerate(l)
	if math.Abs(score-wantScore) > 1e-10 {
		t.Errorf("viterbi score = %v, want %v", score, wantScore)
	}
	for i := range path {
		if path[i] != wantPath[i] {
			t.Fatalf("viterbi path = %v, want %v", path, wantPath)
		}
	}
}

func TestViterbiDominatesAnyPath(t *testing.T) {
	l := testLattice()
	_, score := l.viterbi()
	gold := []int{0, 1, 2}
	if score < l.pathScore(gold) {
		t.Errorf("viterbi score %v below a particular path's score %v",
			score, l.pathScore(gold))
	}
}

func TestLogSumExp(t *testing.T) {
	if got := logSumExp(math.Log(2), math.Log(3)); math.Abs(got-math.Log(5)) > 1e-12 {
		t.Errorf("logSumExp(log 2, log 3) = %v, want log 5", got)
	}
	if got := logSumExp(logZero, math.Log(3)); math.Abs(got-math.Log(3)) > 1e-12 {
		t.Errorf("logSumExp with log-zero operand = %v, want log 3", got)
	}
	// Large magnitudes must not overflow.
	if got := logSumExp(1000, 1000); math.Abs(got-(1000+math.Log(2))) > 1e-9 {
		t.Errorf("logSumExp(1000, 1000) = %v", got)
	}
}
