package crf

import (
	"fmt"
	"sort"
)

// EdgeFeature is the sentinel feature meaning "always active", used for
// label-bigram transition parameters. It is interned as feature 0 of every
// store.
const EdgeFeature = "@EDGE@"

// BOS is the distinguished begin-of-sequence state. Transitions out of BOS
// carry the initial-position potentials.
const BOS = -1

// ObsRef is one entry of the inverted observation index: weight slot Slot
// holds the parameter for (Label, feature).
type ObsRef struct {
	Label int
	Slot  int
}

// TransParam is one entry of the state index: weight slot Slot holds the
// parameter for the transition From -> To conditioned on feature Feat.
type TransParam struct {
	From int
	To   int
	Feat int
	Slot int
}

type obsKey struct {
	y   int32
	fid int32
}

type transKey struct {
	y1  int32
	y2  int32
	fid int32
}

const (
	slotObs = iota
	slotTrans
	slotTied
)

// slotRecord is the unique back-pointer from a weight slot to its logical
// parameter. Slots are assigned in insertion order.
type slotRecord struct {
	kind int
	y1   int
	y2   int
	fid  int
}

// Store interns features and labels, owns the weight, gradient and
// empirical-count vectors, and exposes the inverted feature index and the
// per-state transition index once EndUpdate has been called.
type Store struct {
	Features *Alphabet
	States   *Alphabet

	weight   []float64
	gradient []float64
	count    []float64

	obsSlot   map[obsKey]int
	transSlot map[transKey]int
	slots     []slotRecord

	obsIndex  [][]ObsRef
	transRows [][]TransParam

	stateFreq    []float64
	defaultState int
	edgeFid      int

	tiedK    float64
	tiedSlot int

	frozen bool
}

// NewStore creates an empty parameter store. The edge feature is interned
// immediately so its ID is stable across runs.
func NewStore() *Store {
	s := &Store{
		Features:     NewAlphabet(),
		States:       NewAlphabet(),
		obsSlot:      make(map[obsKey]int),
		transSlot:    make(map[transKey]int),
		defaultState: -1,
		tiedSlot:     -1,
	}
	s.edgeFid = s.Features.Add(EdgeFeature)
	return s
}

// AddState interns a label string and returns its stable ID.
func (s *Store) AddState(key string) int { return s.States.Add(key) }

// AddFeature interns a feature string and returns its stable ID.
func (s *Store) AddFeature(key string) int { return s.Features.Add(key) }

// FindState returns the ID of a label, or -1 if unknown.
func (s *Store) FindState(key string) int { return s.States.Get(key) }

// FindFeature returns the ID of a feature, or -1 if unknown.
func (s *Store) FindFeature(key string) int { return s.Features.Get(key) }

// EdgeFid returns the ID of the interned edge feature.
func (s *Store) EdgeFid() int { return s.edgeFid }

// NoteState records one gold occurrence of label y with event weight w.
// The most frequent label becomes the default fallback label.
func (s *Store) NoteState(y int, w float64) {
	for len(s.stateFreq) <= y {
		s.stateFreq = append(s.stateFreq, 0)
	}
	s.stateFreq[y] += w
}

func (s *Store) newSlot(rec slotRecord) int {
	slot := len(s.slots)
	s.slots = append(s.slots, rec)
	s.count = append(s.count, 0)
	return slot
}

// BindObs returns the weight slot of the observation parameter (y, fid),
// allocating it on first use, and accumulates fval into the empirical
// count. On a frozen store it is lookup-only and returns -1 for unseen
// pairs.
func (s *Store) BindObs(y, fid int, fval float64) int {
	k := obsKey{int32(y), int32(fid)}
	if slot, ok := s.obsSlot[k]; ok {
		if !s.frozen {
			s.count[slot] += fval
		}
		return slot
	}
	if s.frozen {
		return -1
	}
	slot := s.newSlot(slotRecord{kind: slotObs, y1: y, fid: fid})
	s.obsSlot[k] = slot
	s.count[slot] += fval
	return slot
}

// BindTrans is the transition analogue of BindObs. y1 may be BOS.
func (s *Store) BindTrans(y1, y2, fid int, fval float64) int {
	k := transKey{int32(y1), int32(y2), int32(fid)}
	if slot, ok := s.transSlot[k]; ok {
		if !s.frozen {
			s.count[slot] += fval
		}
		return slot
	}
	if s.frozen {
		return -1
	}
	slot := s.newSlot(slotRecord{kind: slotTrans, y1: y1, y2: y2, fid: fid})
	s.transSlot[k] = slot
	s.count[slot] += fval
	return slot
}

// SetTiedPotential configures transition tying: transitions whose empirical
// count is below K share a single tied weight. Must be called before
// EndUpdate. K = 0 disables tying.
func (s *Store) SetTiedPotential(k float64) { s.tiedK = k }

// EndUpdate freezes the dictionaries, applies transition tying if
// configured, builds the inverted observation index and the per-state
// transition index, and allocates the weight and gradient vectors.
func (s *Store) EndUpdate() {
	remap := s.applyTying()

	s.obsIndex = make([][]ObsRef, s.Features.Size())
	for k, slot := range s.obsSlot {
		fid := int(k.fid)
		s.obsIndex[fid] = append(s.obsIndex[fid], ObsRef{Label: int(k.y), Slot: slot})
	}
	for fid := range s.obsIndex {
		sort.Slice(s.obsIndex[fid], func(i, j int) bool {
			return s.obsIndex[fid][i].Label < s.obsIndex[fid][j].Label
		})
	}

	s.transRows = make([][]TransParam, s.States.Size()+1)
	for k, slot := range s.transSlot {
		if mapped, ok := remap[slot]; ok {
			slot = mapped
		}
		row := int(k.y1) + 1
		s.transRows[row] = append(s.transRows[row], TransParam{
			From: int(k.y1), To: int(k.y2), Feat: int(k.fid), Slot: slot,
		})
	}
	for row := range s.transRows {
		sort.Slice(s.transRows[row], func(i, j int) bool {
			return s.transRows[row][i].To < s.transRows[row][j].To
		})
	}

	s.weight = make([]float64, len(s.slots))
	s.gradient = make([]float64, len(s.slots))

	s.defaultState = 0
	best := -1.0
	for y, f := range s.stateFreq {
		if f > best {
			best = f
			s.defaultState = y
		}
	}

	s.Features.Freeze()
	s.States.Freeze()
	s.frozen = true
}

// applyTying folds low-count transitions into one shared slot and returns
// the slot remapping. Initial-position (BOS) transitions are never tied.
func (s *Store) applyTying() map[int]int {
	if s.tiedK <= 0 {
		return nil
	}
	tied := s.newSlot(slotRecord{kind: slotTied})
	s.tiedSlot = tied
	remap := make(map[int]int)
	for k, slot := range s.transSlot {
		if k.y1 == BOS {
			continue
		}
		if s.count[slot] < s.tiedK {
			s.count[tied] += s.count[slot]
			s.count[slot] = 0
			remap[slot] = tied
		}
	}
	return remap
}

// Size returns the number of weight slots.
func (s *Store) Size() int { return len(s.slots) }

// Weight returns the weight vector.
func (s *Store) Weight() []float64 { return s.weight }

// Gradient returns the gradient vector.
func (s *Store) Gradient() []float64 { return s.gradient }

// Count returns the empirical-count vector.
func (s *Store) Count() []float64 { return s.count }

// AttachParams repoints the weight and gradient vectors at caller-owned
// backing slices, so several stores can share one contiguous parameter
// vector during joint optimization.
func (s *Store) AttachParams(weight, gradient []float64) error {
	if len(weight) != len(s.slots) || len(gradient) != len(s.slots) {
		return fmt.Errorf("attach: got %d/%d values for %d slots",
			len(weight), len(gradient), len(s.slots))
	}
	s.weight = weight
	s.gradient = gradient
	return nil
}

// ObsRefs returns the inverted-index entries for a feature, sorted by label.
func (s *Store) ObsRefs(fid int) []ObsRef {
	if fid < 0 || fid >= len(s.obsIndex) {
		return nil
	}
	return s.obsIndex[fid]
}

// TransFrom returns the transition parameters out of state y1, sorted by
// destination. y1 may be BOS.
func (s *Store) TransFrom(y1 int) []TransParam {
	row := y1 + 1
	if row < 0 || row >= len(s.transRows) {
		return nil
	}
	return s.transRows[row]
}

// DefaultState returns the most frequent gold label seen during training.
func (s *Store) DefaultState() int { return s.defaultState }
