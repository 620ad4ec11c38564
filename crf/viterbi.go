package crf

import "math"

// viterbi runs the max-product recursion over the lattice potentials and
// returns the best path with its unnormalized log-score. Ties break toward
// the lowest state index.
func (l *lattice) viterbi() ([]int, float64) {
	delta := makeMatrix(l.T, l.n)
	psi := make([][]int, l.T)
	for t := range l.T {
		psi[t] = make([]int, l.n)
	}

	for y := range l.n {
		delta[0][y] = l.pi[y] + l.r[0][y]
	}
	for t := 1; t < l.T; t++ {
		for y := range l.n {
			best := math.Inf(-1)
			bestPrev := 0
			for yp := range l.n {
				score := delta[t-1][yp] + l.m[yp][y]
				if score > best {
					best = score
					bestPrev = yp
				}
			}
			delta[t][y] = best + l.r[t][y]
			psi[t][y] = bestPrev
		}
	}

	best := math.Inf(-1)
	bestLast := 0
	for y := range l.n {
		if delta[l.T-1][y] > best {
			best = delta[l.T-1][y]
			bestLast = y
		}
	}

	path := make([]int, l.T)
	path[l.T-1] = bestLast
	for t := l.T - 2; t >= 0; t-- {
		path[t] = psi[t+1][path[t+1]]
	}
	return path, best
}
