package crf

import "math"

// logZero stands in for log(0) in the log-domain recursions.
var logZero = math.Log(math.SmallestNonzeroFloat64)

// logSumExp returns log(exp(a) + exp(b)) with max-subtract stabilization.
// Operands at or below logZero are treated as log(0) and skipped.
func logSumExp(a, b float64) float64 {
	if a <= logZero {
		return b
	}
	if b <= logZero {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// logSumExpSlice folds logSumExp over a slice.
func logSumExpSlice(xs []float64) float64 {
	acc := logZero
	for _, x := range xs {
		acc = logSumExp(acc, x)
	}
	return acc
}
