package crf

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"

	"github.com/usptact/TriCRF/internal/eval"
)

// MaxEnt is a maximum-entropy classifier over independent events: the
// degenerate case of the chain models with no transitions and length-one
// sequences.
type MaxEnt struct {
	store *Store
	train []Event
	dev   []Event
	prune float64
	ready bool
}

// NewMaxEnt creates an untrained maximum-entropy model.
func NewMaxEnt() *MaxEnt {
	return &MaxEnt{store: NewStore()}
}

// SetPrune stores the prune threshold. The threshold has no observable
// effect; it is accepted for compatibility with older tool chains.
func (m *MaxEnt) SetPrune(p float64) {
	m.prune = p
	if p > 0 {
		slog.Debug("Prune threshold set; pruning is a no-op", "threshold", p)
	}
}

// ReadTrainData parses a training corpus. Every nonempty line is one
// event; blank lines only group lines into records.
func (m *MaxEnt) ReadTrainData(path string) error {
	records, err := ReadRecordsFile(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		for _, tokens := range rec {
			ev, _ := packEvent(tokens, m.store, false)
			m.train = append(m.train, ev)
		}
	}
	slog.Info("Training data loaded", "path", path, "events", len(m.train),
		"labels", m.store.States.Size(), "features", m.store.Features.Size())
	return nil
}

// ReadDevData parses a held-out corpus without growing the dictionaries.
func (m *MaxEnt) ReadDevData(path string) error {
	records, err := ReadRecordsFile(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		for _, tokens := range rec {
			ev, _ := packEvent(tokens, m.store, true)
			m.dev = append(m.dev, ev)
		}
	}
	return nil
}

// scores fills out with the per-label linear scores of an event.
func (m *MaxEnt) scores(ev Event, out []float64) {
	for i := range out {
		out[i] = 0
	}
	w := m.store.Weight()
	for _, f := range ev.Obs {
		for _, ref := range m.store.ObsRefs(f.ID) {
			out[ref.Label] += w[ref.Slot] * f.Value
		}
	}
}

// Evaluate returns the posterior P(y|x) for each label and the best label.
func (m *MaxEnt) Evaluate(ev Event) ([]float64, int) {
	n := m.store.States.Size()
	probs := make([]float64, n)
	m.scores(ev, probs)
	logZ := logSumExpSlice(probs)
	best := 0
	for y := 0; y < n; y++ {
		probs[y] = math.Exp(probs[y] - logZ)
		if probs[y] > probs[best] {
			best = y
		}
	}
	return probs, best
}

// objective computes the negative log-likelihood of the training set and
// leaves expected-minus-empirical counts in the gradient.
func (m *MaxEnt) objective(threads int) (float64, error) {
	g := m.store.Gradient()
	for i := range g {
		g[i] = 0
	}
	n := m.store.States.Size()
	w := m.store.Weight()

	nll := accumulate(len(m.train), threads, g, func(i int, g []float64) float64 {
		ev := m.train[i]
		scores := make([]float64, n)
		for _, f := range ev.Obs {
			for _, ref := range m.store.ObsRefs(f.ID) {
				scores[ref.Label] += w[ref.Slot] * f.Value
			}
		}
		logZ := logSumExpSlice(scores)
		for _, f := range ev.Obs {
			for _, ref := range m.store.ObsRefs(f.ID) {
				g[ref.Slot] += math.Exp(scores[ref.Label]-logZ) * f.Value * ev.Weight
			}
		}
		return ev.Weight * (logZ - scores[ev.Label])
	})

	floats.Sub(g, m.store.Count())
	return nll, nil
}

// Train freezes the dictionaries and estimates the weights.
func (m *MaxEnt) Train(cfg TrainConfig) error {
	if len(m.train) == 0 {
		return fmt.Errorf("%w: no training data", ErrParse)
	}
	if !m.ready {
		m.store.EndUpdate()
		m.ready = true
	}
	var devEval func() float64
	if len(m.dev) > 0 {
		devEval = func() float64 {
			correct := 0
			for _, ev := range m.dev {
				_, best := m.Evaluate(ev)
				if best == ev.Label {
					correct++
				}
			}
			return float64(correct) / float64(len(m.dev))
		}
	}
	obj := func() (float64, error) { return m.objective(cfg.Threads) }
	return estimate("MaxEnt", m.store.Weight(), m.store.Gradient(), obj, cfg, devEval)
}

// Test classifies a corpus and tallies accuracy. outPath may be empty.
func (m *MaxEnt) Test(dataPath, outPath string, confidence bool) (*eval.Result, error) {
	records, err := ReadRecordsFile(dataPath)
	if err != nil {
		return nil, err
	}
	var out *bufio.Writer
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		out = bufio.NewWriter(f)
		defer out.Flush()
	}

	acc := eval.NewAccumulator()
	dropped := 0
	for _, rec := range records {
		for _, tokens := range rec {
			ev, nd := packEvent(tokens, m.store, true)
			dropped += nd
			probs, best := m.Evaluate(ev)
			gold := m.store.States.String(ev.Label)
			pred := m.store.States.String(best)
			acc.AddSequence([]string{gold}, []string{pred})
			if out != nil {
				if confidence {
					fmt.Fprintf(out, "%s %.6f\n", pred, probs[best])
				} else {
					fmt.Fprintln(out, pred)
				}
			}
		}
		if out != nil {
			fmt.Fprintln(out)
		}
	}
	if dropped > 0 {
		slog.Debug("Unknown features dropped", "count", dropped)
	}
	return acc.Result(), nil
}

// SaveModel writes the model in the binary TCRF format.
func (m *MaxEnt) SaveModel(path string) error {
	return saveSingleStore(path, modelMaxEnt, m.store)
}

// LoadModel reads a model written by SaveModel.
func (m *MaxEnt) LoadModel(path string) error {
	st, err := loadSingleStore(path, modelMaxEnt)
	if err != nil {
		return err
	}
	m.store = st
	m.ready = true
	return nil
}
