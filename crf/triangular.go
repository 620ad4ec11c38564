package crf

import (
	"bufio"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/usptact/TriCRF/internal/eval"
)

// TriCRF is a triangular-chain conditional random field: a topic variable
// over the whole sequence plus a label chain whose legal labels and
// potentials depend on the topic.
//
// In the shared variant one parameter store carries the sequence factors
// of every topic and only the legal label subset Y_z varies. In the
// partitioned variant each topic owns a store with its own feature and
// label dictionaries; local label IDs map onto the global label
// dictionary through a side table.
type TriCRF struct {
	partitioned bool

	topicStore *Store
	seqShared  *Store
	seqStores  []*Store

	labels       *Alphabet
	labelFreq    []float64
	defaultLabel int

	// topicStates[z] lists the lattice states of topic z: global label
	// IDs for the shared variant, the store-local identity for the
	// partitioned one. localOf[z] inverts it for the shared variant.
	topicStates [][]int
	localOf     [][]int
	topicSeen   []map[int]bool

	theta    []float64
	grad     []float64
	countAll []float64
	topicOff int
	seqOff   []int

	train []*triRecord
	dev   []*triRecord
	ready bool
}

// triRecord is one training or test example: the TriSequence holding the
// packed topic event and the gold inner events (labels in the gold
// topic's store), plus the raw feature tokens of each position, looked up
// per topic at runtime, and the gold surface forms.
type triRecord struct {
	TriSequence
	goldTopicStr string
	lines        [][]string
	goldLabelStr []string // gold label surface forms
	goldPath     []int    // gold path in gold-topic lattice coordinates

	packed [][][]Feature // [z][t] features; shared variant uses index 0
}

// NewTriCRF creates an untrained triangular CRF. partitioned selects
// per-topic sequence parameter stores.
func NewTriCRF(partitioned bool) *TriCRF {
	m := &TriCRF{
		partitioned:  partitioned,
		topicStore:   NewStore(),
		defaultLabel: -1,
	}
	if partitioned {
		m.labels = NewAlphabet()
	} else {
		m.seqShared = NewStore()
		m.labels = m.seqShared.States
	}
	return m
}

// seqStore returns the sequence parameter store of topic z.
func (m *TriCRF) seqStore(z int) *Store {
	if m.partitioned {
		return m.seqStores[z]
	}
	return m.seqShared
}

func (m *TriCRF) noteLabel(gid int, w float64) {
	for len(m.labelFreq) <= gid {
		m.labelFreq = append(m.labelFreq, 0)
	}
	m.labelFreq[gid] += w
}

// packTopicEvent packs a topic line against the topic store.
func (m *TriCRF) packTopicEvent(tokens []string, test bool) Event {
	ev := Event{Weight: 1.0}
	if test {
		ev.Label = m.topicStore.FindState(tokens[0])
	} else {
		ev.Label = m.topicStore.AddState(tokens[0])
		m.topicStore.NoteState(ev.Label, ev.Weight)
	}
	for _, tok := range tokens[1:] {
		key, val := SplitFeature(tok)
		if val == 0 {
			continue
		}
		var fid int
		if test {
			fid = m.topicStore.FindFeature(key)
			if fid < 0 {
				continue
			}
		} else {
			fid = m.topicStore.AddFeature(key)
			m.topicStore.BindObs(ev.Label, fid, val*ev.Weight)
		}
		ev.Obs = append(ev.Obs, Feature{ID: fid, Value: val})
	}
	return ev
}

// ReadTrainData parses a triangular corpus: the first line of each record
// is the topic line, the rest are labeled positions.
func (m *TriCRF) ReadTrainData(path string) error {
	records, err := ReadRecordsFile(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if len(rec) < 2 {
			return fmt.Errorf("%w: %s: record needs a topic line and at least one position", ErrParse, path)
		}
		topicEv := m.packTopicEvent(rec[0], false)
		z := topicEv.Label
		for len(m.topicSeen) <= z {
			m.topicSeen = append(m.topicSeen, make(map[int]bool))
		}
		if m.partitioned {
			for len(m.seqStores) <= z {
				m.seqStores = append(m.seqStores, NewStore())
			}
		}
		st := m.seqStore(z)

		tr := &triRecord{goldTopicStr: rec[0][0]}
		tr.Topic = topicEv
		seq := make(Sequence, 0, len(rec)-1)
		for _, tokens := range rec[1:] {
			labStr := tokens[0]
			y := st.AddState(labStr)
			st.NoteState(y, 1)
			gid := m.labels.Add(labStr)
			m.noteLabel(gid, 1)
			m.topicSeen[z][gid] = true
			for _, tok := range tokens[1:] {
				key, val := SplitFeature(tok)
				if val == 0 {
					continue
				}
				fid := st.AddFeature(key)
				st.BindObs(y, fid, val)
			}
			seq = append(seq, Event{Label: y, Weight: 1})
			tr.lines = append(tr.lines, tokens[1:])
			tr.goldLabelStr = append(tr.goldLabelStr, labStr)
		}
		bindSequenceTransitions(st, seq)
		tr.Seq = seq
		m.train = append(m.train, tr)
	}
	slog.Info("Training data loaded", "path", path, "records", len(m.train),
		"topics", m.topicStore.States.Size(), "labels", m.labels.Size())
	return nil
}

// readTestRecord packs one raw record against the frozen dictionaries. A
// gold label missing from the label dictionary is scored as the default
// label once training has fixed it.
func (m *TriCRF) readTestRecord(rec [][]string) *triRecord {
	tr := &triRecord{goldTopicStr: rec[0][0]}
	tr.Topic = m.packTopicEvent(rec[0], true)
	for _, tokens := range rec[1:] {
		lab := tokens[0]
		if m.defaultLabel >= 0 && m.labels.Get(lab) < 0 {
			lab = m.labels.String(m.defaultLabel)
		}
		tr.lines = append(tr.lines, tokens[1:])
		tr.goldLabelStr = append(tr.goldLabelStr, lab)
	}
	return tr
}

// ReadDevData parses a held-out corpus without growing the dictionaries.
func (m *TriCRF) ReadDevData(path string) error {
	records, err := ReadRecordsFile(path)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if len(rec) < 2 {
			return fmt.Errorf("%w: %s: record needs a topic line and at least one position", ErrParse, path)
		}
		m.dev = append(m.dev, m.readTestRecord(rec))
	}
	return nil
}

// localIndex maps a store label ID onto the lattice index of topic z, or
// -1 when the label is not legal under z.
func (m *TriCRF) localIndex(z, y int) int {
	if m.partitioned {
		return y
	}
	if y < 0 || y >= len(m.localOf[z]) {
		return -1
	}
	return m.localOf[z][y]
}

// endUpdate freezes every dictionary, builds the per-topic state tables
// and splices all stores into one contiguous parameter vector.
func (m *TriCRF) endUpdate(tiedK float64) {
	m.topicStore.EndUpdate()
	nTopics := m.topicStore.States.Size()

	m.topicStates = make([][]int, nTopics)
	if m.partitioned {
		for z := 0; z < nTopics; z++ {
			st := m.seqStores[z]
			st.SetTiedPotential(tiedK)
			st.EndUpdate()
			states := make([]int, st.States.Size())
			for i := range states {
				states[i] = i
			}
			m.topicStates[z] = states
		}
		m.labels.Freeze()
	} else {
		m.seqShared.SetTiedPotential(tiedK)
		m.seqShared.EndUpdate()
		m.localOf = make([][]int, nTopics)
		for z := 0; z < nTopics; z++ {
			states := make([]int, 0, len(m.topicSeen[z]))
			for gid := range m.topicSeen[z] {
				states = append(states, gid)
			}
			sort.Ints(states)
			m.topicStates[z] = states
			inv := make([]int, m.labels.Size())
			for i := range inv {
				inv[i] = -1
			}
			for i, gid := range states {
				inv[gid] = i
			}
			m.localOf[z] = inv
		}
	}

	m.defaultLabel = 0
	best := -1.0
	for gid, f := range m.labelFreq {
		if f > best {
			best = f
			m.defaultLabel = gid
		}
	}

	m.buildCombined()
}

// buildCombined concatenates every store's parameters into one vector and
// repoints the stores at the shared backing, preserving current weights.
func (m *TriCRF) buildCombined() {
	stores := m.allStores()
	total := 0
	m.seqOff = make([]int, len(stores)-1)
	for _, st := range stores {
		total += st.Size()
	}
	m.theta = make([]float64, total)
	m.grad = make([]float64, total)
	m.countAll = make([]float64, total)

	off := 0
	for i, st := range stores {
		n := st.Size()
		copy(m.theta[off:off+n], st.Weight())
		copy(m.countAll[off:off+n], st.Count())
		st.AttachParams(m.theta[off:off+n:off+n], m.grad[off:off+n:off+n])
		if i == 0 {
			m.topicOff = 0
		} else {
			m.seqOff[i-1] = off
		}
		off += n
	}
}

// allStores lists the topic store followed by the sequence stores in
// topic order (a single shared store for the shared variant).
func (m *TriCRF) allStores() []*Store {
	stores := []*Store{m.topicStore}
	if m.partitioned {
		stores = append(stores, m.seqStores...)
	} else {
		stores = append(stores, m.seqShared)
	}
	return stores
}

// seqOffset returns the combined-vector offset of topic z's store.
func (m *TriCRF) seqOffset(z int) int {
	if m.partitioned {
		return m.seqOff[z]
	}
	return m.seqOff[0]
}

// lookupFeatures resolves raw feature tokens against a frozen store.
func lookupFeatures(tokens []string, st *Store) []Feature {
	var out []Feature
	for _, tok := range tokens {
		key, val := SplitFeature(tok)
		if val == 0 {
			continue
		}
		fid := st.FindFeature(key)
		if fid < 0 {
			continue
		}
		out = append(out, Feature{ID: fid, Value: val})
	}
	return out
}

// prepack resolves every training record's feature tokens against each
// topic's dictionary once, so iterations avoid repeated string lookups.
func (m *TriCRF) prepack() {
	nTopics := m.topicStore.States.Size()
	for _, tr := range m.train {
		if tr.packed != nil {
			continue
		}
		if m.partitioned {
			tr.packed = make([][][]Feature, nTopics)
			for z := 0; z < nTopics; z++ {
				st := m.seqStores[z]
				lines := make([][]Feature, len(tr.lines))
				for t, toks := range tr.lines {
					lines[t] = lookupFeatures(toks, st)
				}
				tr.packed[z] = lines
			}
		} else {
			lines := make([][]Feature, len(tr.lines))
			for t, toks := range tr.lines {
				lines[t] = lookupFeatures(toks, m.seqShared)
			}
			tr.packed = [][][]Feature{lines}
		}
		zg := tr.Topic.Label
		tr.goldPath = make([]int, tr.Len())
		for t, ev := range tr.Seq {
			tr.goldPath[t] = m.localIndex(zg, ev.Label)
		}
	}
}

func (m *TriCRF) packedLines(tr *triRecord, z int) [][]Feature {
	if m.partitioned {
		return tr.packed[z]
	}
	return tr.packed[0]
}

// topicScores returns γ[z], the topic-level log-potentials of a record.
func (m *TriCRF) topicScores(topic Event) []float64 {
	gamma := make([]float64, m.topicStore.States.Size())
	w := m.topicStore.Weight()
	for _, f := range topic.Obs {
		for _, ref := range m.topicStore.ObsRefs(f.ID) {
			gamma[ref.Label] += w[ref.Slot] * f.Value
		}
	}
	return gamma
}

// latticeFor fills the lattice of topic z from packed features.
func (m *TriCRF) latticeFor(z int, lines [][]Feature) *lattice {
	st := m.seqStore(z)
	states := m.topicStates[z]
	l := newLattice(len(lines), len(states))
	w := st.Weight()
	for t, feats := range lines {
		for _, f := range feats {
			for _, ref := range st.ObsRefs(f.ID) {
				if li := m.localIndex(z, ref.Label); li >= 0 {
					l.r[t][li] += w[ref.Slot] * f.Value
				}
			}
		}
	}
	for _, tp := range st.TransFrom(BOS) {
		if li := m.localIndex(z, tp.To); li >= 0 {
			l.pi[li] += w[tp.Slot]
		}
	}
	for li, y1 := range states {
		for _, tp := range st.TransFrom(y1) {
			if lj := m.localIndex(z, tp.To); lj >= 0 {
				l.m[li][lj] += w[tp.Slot]
			}
		}
	}
	return l
}

// seqGradient adds one record's expected counts to g and returns its
// negative log-likelihood contribution under the joint (topic, path)
// distribution.
func (m *TriCRF) seqGradient(tr *triRecord, g []float64) float64 {
	nTopics := m.topicStore.States.Size()
	gamma := m.topicScores(tr.Topic)

	lats := make([]*lattice, nTopics)
	logZStar := logZero
	for z := 0; z < nTopics; z++ {
		l := m.latticeFor(z, m.packedLines(tr, z))
		l.forward()
		l.backward()
		lats[z] = l
		logZStar = logSumExp(logZStar, gamma[z]+l.logZ)
	}

	zg := tr.Topic.Label
	gold := gamma[zg] + lats[zg].pathScore(tr.goldPath)
	nll := logZStar - gold

	// Topic-level expectations.
	for _, f := range tr.Topic.Obs {
		for _, ref := range m.topicStore.ObsRefs(f.ID) {
			pz := math.Exp(gamma[ref.Label] + lats[ref.Label].logZ - logZStar)
			g[m.topicOff+ref.Slot] += pz * f.Value
		}
	}

	// Sequence-level expectations, weighted by the topic posterior.
	for z := 0; z < nTopics; z++ {
		pz := math.Exp(gamma[z] + lats[z].logZ - logZStar)
		if pz == 0 {
			continue
		}
		st := m.seqStore(z)
		off := m.seqOffset(z)
		l := lats[z]
		lines := m.packedLines(tr, z)
		for t, feats := range lines {
			for _, f := range feats {
				for _, ref := range st.ObsRefs(f.ID) {
					if li := m.localIndex(z, ref.Label); li >= 0 {
						g[off+ref.Slot] += pz * l.nodeMarginal(t, li) * f.Value
					}
				}
			}
		}
		for _, tp := range st.TransFrom(BOS) {
			if li := m.localIndex(z, tp.To); li >= 0 {
				g[off+tp.Slot] += pz * l.nodeMarginal(0, li)
			}
		}
		for t := 1; t < l.T; t++ {
			for li, y1 := range m.topicStates[z] {
				for _, tp := range st.TransFrom(y1) {
					if lj := m.localIndex(z, tp.To); lj >= 0 {
						g[off+tp.Slot] += pz * l.edgeMarginal(t, li, lj)
					}
				}
			}
		}
	}
	return nll
}

func (m *TriCRF) objective(threads int) (float64, error) {
	for i := range m.grad {
		m.grad[i] = 0
	}
	nll := accumulate(len(m.train), threads, m.grad, func(i int, g []float64) float64 {
		return m.seqGradient(m.train[i], g)
	})
	floats.Sub(m.grad, m.countAll)
	return nll, nil
}

// plGradient is the pseudo-likelihood analogue of seqGradient: every
// position is an independent classification conditioned on the gold
// previous label and the gold topic.
func (m *TriCRF) plGradient(tr *triRecord, g []float64) float64 {
	gamma := m.topicScores(tr.Topic)
	logZt := logSumExpSlice(gamma)
	zg := tr.Topic.Label
	nll := logZt - gamma[zg]
	for _, f := range tr.Topic.Obs {
		for _, ref := range m.topicStore.ObsRefs(f.ID) {
			g[m.topicOff+ref.Slot] += math.Exp(gamma[ref.Label]-logZt) * f.Value
		}
	}

	st := m.seqStore(zg)
	off := m.seqOffset(zg)
	w := st.Weight()
	states := m.topicStates[zg]
	lines := m.packedLines(tr, zg)
	scores := make([]float64, len(states))

	prev := BOS
	for t, feats := range lines {
		for i := range scores {
			scores[i] = 0
		}
		for _, f := range feats {
			for _, ref := range st.ObsRefs(f.ID) {
				if li := m.localIndex(zg, ref.Label); li >= 0 {
					scores[li] += w[ref.Slot] * f.Value
				}
			}
		}
		for _, tp := range st.TransFrom(prev) {
			if li := m.localIndex(zg, tp.To); li >= 0 {
				scores[li] += w[tp.Slot]
			}
		}
		logZ := logSumExpSlice(scores)
		nll += logZ - scores[tr.goldPath[t]]

		for _, f := range feats {
			for _, ref := range st.ObsRefs(f.ID) {
				if li := m.localIndex(zg, ref.Label); li >= 0 {
					g[off+ref.Slot] += math.Exp(scores[li]-logZ) * f.Value
				}
			}
		}
		for _, tp := range st.TransFrom(prev) {
			if li := m.localIndex(zg, tp.To); li >= 0 {
				g[off+tp.Slot] += math.Exp(scores[li] - logZ)
			}
		}
		prev = tr.Seq[t].Label
	}
	return nll
}

func (m *TriCRF) plObjective(threads int) (float64, error) {
	for i := range m.grad {
		m.grad[i] = 0
	}
	nll := accumulate(len(m.train), threads, m.grad, func(i int, g []float64) float64 {
		return m.plGradient(m.train[i], g)
	})
	floats.Sub(m.grad, m.countAll)
	return nll, nil
}

// Train freezes the dictionaries and estimates the weights, optionally
// warm-starting with pseudo-likelihood.
func (m *TriCRF) Train(cfg TrainConfig) error {
	if len(m.train) == 0 {
		return fmt.Errorf("%w: no training data", ErrParse)
	}
	if !m.ready {
		m.endUpdate(cfg.TiedK)
		m.ready = true
	}
	m.prepack()

	name := "TriCRF-shared"
	if m.partitioned {
		name = "TriCRF-partitioned"
	}

	var devEval func() float64
	if len(m.dev) > 0 {
		devEval = func() float64 {
			correct, total := 0, 0
			for _, tr := range m.dev {
				_, pred := m.decode(tr)
				for t, lab := range tr.goldLabelStr {
					total++
					if pred[t] == lab {
						correct++
					}
				}
			}
			if total == 0 {
				return 0
			}
			return float64(correct) / float64(total)
		}
	}

	if cfg.Init == "PL" {
		plCfg := cfg
		plCfg.Iterations = cfg.InitIter
		plObj := func() (float64, error) { return m.plObjective(cfg.Threads) }
		if err := estimate(name+"/PL", m.theta, m.grad, plObj, plCfg, devEval); err != nil {
			return err
		}
	}

	obj := func() (float64, error) { return m.objective(cfg.Threads) }
	return estimate(name, m.theta, m.grad, obj, cfg, devEval)
}

// decode returns the best topic and its best label path as surface forms.
func (m *TriCRF) decode(tr *triRecord) (string, []string) {
	z, path, _ := m.viterbi(tr)
	return m.topicStore.States.String(z), m.pathStrings(z, path)
}

// viterbi scores every topic's best path and keeps the best-scoring
// topic; ties break toward the lowest topic ID.
func (m *TriCRF) viterbi(tr *triRecord) (int, []int, float64) {
	nTopics := m.topicStore.States.Size()
	gamma := m.topicScores(tr.Topic)
	bestZ := 0
	var bestPath []int
	bestScore := math.Inf(-1)
	for z := 0; z < nTopics; z++ {
		if len(m.topicStates[z]) == 0 || len(tr.lines) == 0 {
			continue
		}
		l := m.latticeFor(z, m.testLines(tr, z))
		path, score := l.viterbi()
		if gamma[z]+score > bestScore {
			bestScore = gamma[z] + score
			bestZ = z
			bestPath = path
		}
	}
	return bestZ, bestPath, bestScore
}

// testLines resolves a record's raw tokens against topic z's dictionary,
// preferring the prepacked form when present.
func (m *TriCRF) testLines(tr *triRecord, z int) [][]Feature {
	if tr.packed != nil {
		return m.packedLines(tr, z)
	}
	st := m.seqStore(z)
	lines := make([][]Feature, len(tr.lines))
	for t, toks := range tr.lines {
		lines[t] = lookupFeatures(toks, st)
	}
	return lines
}

func (m *TriCRF) pathStrings(z int, path []int) []string {
	out := make([]string, len(path))
	states := m.topicStates[z]
	for t, li := range path {
		if m.partitioned {
			out[t] = m.seqStores[z].States.String(states[li])
		} else {
			out[t] = m.labels.String(states[li])
		}
	}
	return out
}

// posterior computes P(z|x) for every topic and the node marginals of the
// requested topic.
func (m *TriCRF) posterior(tr *triRecord, want int) ([]float64, [][]float64) {
	nTopics := m.topicStore.States.Size()
	gamma := m.topicScores(tr.Topic)
	logZs := make([]float64, nTopics)
	var wantLat *lattice
	logZStar := logZero
	for z := 0; z < nTopics; z++ {
		l := m.latticeFor(z, m.testLines(tr, z))
		l.forward()
		l.backward()
		logZs[z] = l.logZ
		if z == want {
			wantLat = l
		}
		logZStar = logSumExp(logZStar, gamma[z]+l.logZ)
	}
	pz := make([]float64, nTopics)
	for z := 0; z < nTopics; z++ {
		pz[z] = math.Exp(gamma[z] + logZs[z] - logZStar)
	}
	var marg [][]float64
	if wantLat != nil {
		marg = makeMatrix(wantLat.T, wantLat.n)
		for t := range wantLat.T {
			for y := range wantLat.n {
				marg[t][y] = wantLat.nodeMarginal(t, y)
			}
		}
	}
	return pz, marg
}

// Test decodes a corpus, writes predictions and tallies topic, token,
// sequence and chunk scores.
func (m *TriCRF) Test(dataPath, outPath string, confidence bool) (*eval.Result, error) {
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
	for _, rec := range records {
		if len(rec) < 2 {
			return nil, fmt.Errorf("%w: %s: record needs a topic line and at least one position", ErrParse, dataPath)
		}
		tr := m.readTestRecord(rec)
		z, path, _ := m.viterbi(tr)
		predTopic := m.topicStore.States.String(z)
		pred := m.pathStrings(z, path)

		acc.AddTopic(tr.goldTopicStr, predTopic)
		acc.AddSequence(tr.goldLabelStr, pred)

		if out != nil {
			if confidence {
				pz, marg := m.posterior(tr, z)
				fmt.Fprintf(out, "%s %.6f\n", predTopic, pz[z])
				for t := range pred {
					fmt.Fprintf(out, "%s %.6f\n", pred[t], marg[t][path[t]])
				}
			} else {
				fmt.Fprintln(out, predTopic)
				for t := range pred {
					fmt.Fprintln(out, pred[t])
				}
			}
			fmt.Fprintln(out)
		}
	}
	return acc.Result(), nil
}

// SaveModel writes the model in the binary TCRF format.
func (m *TriCRF) SaveModel(path string) error {
	return saveTri(path, m)
}

// LoadModel reads a model written by SaveModel.
func (m *TriCRF) LoadModel(path string) error {
	return loadTri(path, m)
}
