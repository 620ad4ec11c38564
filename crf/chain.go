package crf

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"

	"gonum.org/v1/gonum/floats"

	"github.com/usptact/TriCRF/internal/eval"
)

// ChainCRF is a linear-chain conditional random field: one topic, dense
// transition potentials over observed label bigrams.
type ChainCRF struct {
	store *Store
	train []Sequence
	dev   []Sequence
	ready bool
}

// NewChainCRF creates an untrained linear-chain CRF.
func NewChainCRF() *ChainCRF {
	return &ChainCRF{store: NewStore()}
}

// ReadTrainData parses a training corpus of blank-line-delimited
// sequences, growing the dictionaries and binding the parameters.
func (c *ChainCRF) ReadTrainData(path string) error {
	records, err := ReadRecordsFile(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		seq := make(Sequence, 0, len(rec))
		for _, tokens := range rec {
			ev, _ := packEvent(tokens, c.store, false)
			seq = append(seq, ev)
		}
		bindSequenceTransitions(c.store, seq)
		c.train = append(c.train, seq)
	}
	slog.Info("Training data loaded", "path", path, "sequences", len(c.train),
		"labels", c.store.States.Size(), "features", c.store.Features.Size())
	return nil
}

// ReadDevData parses a held-out corpus without growing the dictionaries.
func (c *ChainCRF) ReadDevData(path string) error {
	records, err := ReadRecordsFile(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		seq := make(Sequence, 0, len(rec))
		for _, tokens := range rec {
			ev, _ := packEvent(tokens, c.store, true)
			seq = append(seq, ev)
		}
		c.dev = append(c.dev, seq)
	}
	return nil
}

// buildChainLattice fills a lattice with the log-potentials of one sequence.
func buildChainLattice(store *Store, seq Sequence) *lattice {
	n := store.States.Size()
	l := newLattice(len(seq), n)
	w := store.Weight()
	for t, ev := range seq {
		for _, f := range ev.Obs {
			for _, ref := range store.ObsRefs(f.ID) {
				l.r[t][ref.Label] += w[ref.Slot] * f.Value
			}
		}
	}
	for _, tp := range store.TransFrom(BOS) {
		l.pi[tp.To] += w[tp.Slot]
	}
	for y1 := 0; y1 < n; y1++ {
		for _, tp := range store.TransFrom(y1) {
			l.m[y1][tp.To] += w[tp.Slot]
		}
	}
	return l
}

// chainSeqGradient adds the expected counts of one sequence to g and returns
// its negative log-likelihood contribution.
func chainSeqGradient(store *Store, seq Sequence, g []float64) float64 {
	l := buildChainLattice(store, seq)
	l.forward()
	l.backward()

	for t, ev := range seq {
		for _, f := range ev.Obs {
			for _, ref := range store.ObsRefs(f.ID) {
				g[ref.Slot] += l.nodeMarginal(t, ref.Label) * f.Value * ev.Weight
			}
		}
	}
	for _, tp := range store.TransFrom(BOS) {
		g[tp.Slot] += l.nodeMarginal(0, tp.To)
	}
	for t := 1; t < len(seq); t++ {
		for y1 := 0; y1 < l.n; y1++ {
			for _, tp := range store.TransFrom(y1) {
				g[tp.Slot] += l.edgeMarginal(t, y1, tp.To)
			}
		}
	}

	gold := make([]int, len(seq))
	for t, ev := range seq {
		gold[t] = ev.Label
	}
	return l.logZ - l.pathScore(gold)
}

func (c *ChainCRF) objective(threads int) (float64, error) {
	g := c.store.Gradient()
	for i := range g {
		g[i] = 0
	}
	nll := accumulate(len(c.train), threads, g, func(i int, g []float64) float64 {
		return chainSeqGradient(c.store, c.train[i], g)
	})
	floats.Sub(g, c.store.Count())
	return nll, nil
}

// Train freezes the dictionaries and estimates the weights.
func (c *ChainCRF) Train(cfg TrainConfig) error {
	if len(c.train) == 0 {
		return fmt.Errorf("%w: no training data", ErrParse)
	}
	if !c.ready {
		c.store.SetTiedPotential(cfg.TiedK)
		c.store.EndUpdate()
		c.ready = true
	}
	var devEval func() float64
	if len(c.dev) > 0 {
		devEval = func() float64 {
			correct, total := 0, 0
			for _, seq := range c.dev {
				path := c.Decode(seq)
				for t, ev := range seq {
					total++
					if path[t] == ev.Label {
						correct++
					}
				}
			}
			return float64(correct) / float64(total)
		}
	}
	obj := func() (float64, error) { return c.objective(cfg.Threads) }
	return estimate("CRF", c.store.Weight(), c.store.Gradient(), obj, cfg, devEval)
}

// Decode returns the Viterbi label path of a sequence.
func (c *ChainCRF) Decode(seq Sequence) []int {
	l := buildChainLattice(c.store, seq)
	path, _ := l.viterbi()
	return path
}

// Marginals returns the per-position posterior P(y, t | x).
func (c *ChainCRF) Marginals(seq Sequence) [][]float64 {
	l := buildChainLattice(c.store, seq)
	l.forward()
	l.backward()
	marg := makeMatrix(l.T, l.n)
	for t := 0; t < l.T; t++ {
		for y := 0; y < l.n; y++ {
			marg[t][y] = l.nodeMarginal(t, y)
		}
	}
	return marg
}

// Test decodes a corpus and tallies token, sequence and chunk scores.
func (c *ChainCRF) Test(dataPath, outPath string, confidence bool) (*eval.Result, error) {
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
		seq := make(Sequence, 0, len(rec))
		for _, tokens := range rec {
			ev, nd := packEvent(tokens, c.store, true)
			dropped += nd
			seq = append(seq, ev)
		}
		path := c.Decode(seq)
		var marg [][]float64
		if confidence {
			marg = c.Marginals(seq)
		}
		gold := make([]string, len(seq))
		pred := make([]string, len(seq))
		for t, ev := range seq {
			gold[t] = c.store.States.String(ev.Label)
			pred[t] = c.store.States.String(path[t])
		}
		acc.AddSequence(gold, pred)
		if out != nil {
			for t := range seq {
				if confidence {
					fmt.Fprintf(out, "%s %.6f\n", pred[t], marg[t][path[t]])
				} else {
					fmt.Fprintln(out, pred[t])
				}
			}
			fmt.Fprintln(out)
		}
	}
	if dropped > 0 {
		slog.Debug("Unknown features dropped", "count", dropped)
	}
	return acc.Result(), nil
}

// SaveModel writes the model in the binary TCRF format.
func (c *ChainCRF) SaveModel(path string) error {
	return saveSingleStore(path, modelCRF, c.store)
}

// LoadModel reads a model written by SaveModel.
func (c *ChainCRF) LoadModel(path string) error {
	st, err := loadSingleStore(path, modelCRF)
	if err != nil {
		return err
	}
	c.store = st
	c.ready = true
	return nil
}
