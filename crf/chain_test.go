package crf

import (
	"math"
	"strings"
	"testing"
)

func TestChainExactRecovery(t *testing.T) {
	var sb strings.Builder
	for range 10 {
		sb.WriteString("B-X f=a\nI-X f=b\nO f=c\n\n")
	}
	c := NewChainCRF()
	if err := c.ReadTrainData(writeCorpus(t, sb.String())); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultTrainConfig()
	cfg.Iterations = 50
	if err := c.Train(cfg); err != nil {
		t.Fatal(err)
	}

	seq := Sequence{}
	for _, feat := range []string{"f=a", "f=b", "f=c"} {
		ev, _ := packEvent([]string{"?", feat}, c.store, true)
		seq = append(seq, ev)
	}
	path := c.Decode(seq)
	want := []string{"B-X", "I-X", "O"}
	for i, y := range path {
		if got := c.store.States.String(y); got != want[i] {
			t.Errorf("position %d: predicted %q, want %q", i, got, want[i])
		}
	}
}

func TestChainGradientCheck(t *testing.T) {
	corpus := "B-X w=a cap\nI-X w=b\nO w=c\n\nO w=c\nB-X w=a\n\nB-X w=b\nO w=c\n"
	c := NewChainCRF()
	if err := c.ReadTrainData(writeCorpus(t, corpus)); err != nil {
		t.Fatal(err)
	}
	c.store.EndUpdate()
	c.ready = true

	theta := c.store.Weight()
	for i := range theta {
		theta[i] = 0.2 * math.Sin(float64(i+1))
	}

	if _, err := c.objective(1); err != nil {
		t.Fatal(err)
	}
	grad := make([]float64, len(theta))
	copy(grad, c.store.Gradient())

	const eps = 1e-5
	for i := range theta {
		orig := theta[i]
		theta[i] = orig + eps
		fp, _ := c.objective(1)
		theta[i] = orig - eps
		fm, _ := c.objective(1)
		theta[i] = orig
		numeric := (fp - fm) / (2 * eps)
		if math.Abs(grad[i]-numeric) > 1e-4 {
			t.Errorf("slot %d: analytic %v vs numeric %v", i, grad[i], numeric)
		}
	}
}

func TestChainViterbiDominatesGold(t *testing.T) {
	corpus := "B-X w=a\nI-X w=b\n\nO w=c\nB-X w=a\n"
	c := NewChainCRF()
	if err := c.ReadTrainData(writeCorpus(t, corpus)); err != nil {
		t.Fatal(err)
	}
	c.store.EndUpdate()
	c.ready = true
	theta := c.store.Weight()
	for i := range theta {
		theta[i] = 0.3 * math.Cos(float64(3*i+1))
	}

	for _, seq := range c.train {
		l := buildChainLattice(c.store, seq)
		_, score := l.viterbi()
		gold := make([]int, len(seq))
		for t2, ev := range seq {
			gold[t2] = ev.Label
		}
		if score < l.pathScore(gold) {
			t.Errorf("viterbi score %v below gold path score %v", score, l.pathScore(gold))
		}
	}
}

func TestChainParallelGradientMatchesSerial(t *testing.T) {
	var sb strings.Builder
	for i := range 8 {
		if i%2 == 0 {
			sb.WriteString("B-X w=a\nI-X w=b\nO w=c\n\n")
		} else {
			sb.WriteString("O w=c\nB-X w=a\n\n")
		}
	}
	c := NewChainCRF()
	if err := c.ReadTrainData(writeCorpus(t, sb.String())); err != nil {
		t.Fatal(err)
	}
	c.store.EndUpdate()
	c.ready = true
	theta := c.store.Weight()
	for i := range theta {
		theta[i] = 0.1 * math.Sin(float64(2*i+1))
	}

	serial, _ := c.objective(1)
	gSerial := make([]float64, len(theta))
	copy(gSerial, c.store.Gradient())

	parallel, _ := c.objective(4)
	gParallel := c.store.Gradient()

	if math.Abs(serial-parallel) > 1e-9 {
		t.Errorf("objective: serial %v vs parallel %v", serial, parallel)
	}
	for i := range gSerial {
		if math.Abs(gSerial[i]-gParallel[i]) > 1e-9 {
			t.Errorf("gradient %d: serial %v vs parallel %v", i, gSerial[i], gParallel[i])
		}
	}
}
