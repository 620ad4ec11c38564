package crf

import (
	"math"
	"strings"
	"testing"
)

func triCorpus() string {
	var sb strings.Builder
	for range 20 {
		sb.WriteString("T1 ft1 ftboth\na1 w=x1\na2 w=x2\n\n")
		sb.WriteString("T2 ft2 ftboth\nb1 w=y1\nb2 w=y2\nb1 w=y1\n\n")
	}
	return sb.String()
}

func trainTri(t *testing.T, partitioned bool, cfg TrainConfig) *TriCRF {
	t.Helper()
	m := NewTriCRF(partitioned)
	if err := m.ReadTrainData(writeCorpus(t, triCorpus())); err != nil {
		t.Fatal(err)
	}
	if err := m.Train(cfg); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTriangularDecoding(t *testing.T) {
	for _, partitioned := range []bool{false, true} {
		cfg := DefaultTrainConfig()
		cfg.Iterations = 40
		m := trainTri(t, partitioned, cfg)

		rec := [][]string{
			{"?", "ft1", "ftboth"},
			{"?", "w=x1"},
			{"?", "w=x2"},
		}
		topic, path := m.decode(m.readTestRecord(rec))
		if topic != "T1" {
			t.Errorf("partitioned=%v: topic = %q, want T1", partitioned, topic)
		}
		for i, lab := range path {
			if lab != "a1" && lab != "a2" {
				t.Errorf("partitioned=%v: position %d predicted %q outside topic T1's labels",
					partitioned, i, lab)
			}
		}

		rec2 := [][]string{
			{"?", "ft2"},
			{"?", "w=y1"},
			{"?", "w=y2"},
		}
		topic2, path2 := m.decode(m.readTestRecord(rec2))
		if topic2 != "T2" {
			t.Errorf("partitioned=%v: topic = %q, want T2", partitioned, topic2)
		}
		for i, lab := range path2 {
			if lab != "b1" && lab != "b2" {
				t.Errorf("partitioned=%v: position %d predicted %q outside topic T2's labels",
					partitioned, i, lab)
			}
		}
	}
}

func TestTriangularGradientCheck(t *testing.T) {
	corpus := "T1 ft1\na1 w=x1\na2 w=x2 sh\n\nT2 ft2\nb1 w=y1 sh\nb2 w=y2\n\nT1 ft1 ft2\na1 w=x2\n"
	for _, partitioned := range []bool{false, true} {
		m := NewTriCRF(partitioned)
		if err := m.ReadTrainData(writeCorpus(t, corpus)); err != nil {
			t.Fatal(err)
		}
		m.endUpdate(0)
		m.ready = true
		m.prepack()

		for i := range m.theta {
			m.theta[i] = 0.25 * math.Sin(float64(2*i+3))
		}

		if _, err := m.objective(1); err != nil {
			t.Fatal(err)
		}
		grad := make([]float64, len(m.theta))
		copy(grad, m.grad)

		const eps = 1e-5
		for i := range m.theta {
			orig := m.theta[i]
			m.theta[i] = orig + eps
			fp, _ := m.objective(1)
			m.theta[i] = orig - eps
			fm, _ := m.objective(1)
			m.theta[i] = orig
			numeric := (fp - fm) / (2 * eps)
			if math.Abs(grad[i]-numeric) > 1e-4 {
				t.Errorf("partitioned=%v slot %d: analytic %v vs numeric %v",
					partitioned, i, grad[i], numeric)
			}
		}
	}
}

func TestTriangularTopicPosterior(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Iterations = 30
	m := trainTri(t, false, cfg)

	rec := [][]string{
		{"?", "ft1"},
		{"?", "w=x1"},
	}
	tr := m.readTestRecord(rec)
	z, path, _ := m.viterbi(tr)
	pz, marg := m.posterior(tr, z)

	sum := 0.0
	for _, p := range pz {
		sum += p
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("topic posterior sums to %v", sum)
	}
	if pz[z] <= 0.5 {
		t.Errorf("winning topic posterior = %v, want > 0.5", pz[z])
	}
	for t2 := range marg {
		sum := 0.0
		for _, p := range marg[t2] {
			sum += p
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("marginals at t=%d sum to %v", t2, sum)
		}
	}
	_ = path
}

func TestTriangularPLWarmStart(t *testing.T) {
	cfg := DefaultTrainConfig()
	cfg.Iterations = 20
	cfg.Init = "PL"
	cfg.InitIter = 10
	m := trainTri(t, true, cfg)

	rec := [][]string{
		{"?", "ft1"},
		{"?", "w=x1"},
		{"?", "w=x2"},
	}
	topic, _ := m.decode(m.readTestRecord(rec))
	if topic != "T1" {
		t.Errorf("topic = %q, want T1", topic)
	}
}

func TestTriangularTiedPotential(t *testing.T) {
	var sb strings.Builder
	for range 10 {
		sb.WriteString("T1 ft1\na1 w=x1\na1 w=x1\na2 w=x2\n\n")
	}
	sb.WriteString("T1 ft1\na2 w=x2\na1 w=x1\n\n")
	for range 10 {
		sb.WriteString("T2 ft2\nb1 w=y1\nb2 w=y2\n\n")
	}
	m := NewTriCRF(true)
	if err := m.ReadTrainData(writeCorpus(t, sb.String())); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultTrainConfig()
	cfg.Iterations = 30
	cfg.TiedK = 5
	if err := m.Train(cfg); err != nil {
		t.Fatal(err)
	}

	rec := [][]string{{"?", "ft1"}, {"?", "w=x1"}, {"?", "w=x1"}, {"?", "w=x2"}}
	topic, path := m.decode(m.readTestRecord(rec))
	if topic != "T1" {
		t.Errorf("topic = %q, want T1", topic)
	}
	if len(path) != 3 {
		t.Fatalf("path length = %d, want 3", len(path))
	}
}
