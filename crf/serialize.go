package crf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// Binary model format: little-endian, magic "TCRF", version, model type,
// dictionary cardinalities and parameter count, then per-store string
// tables, slot back-pointers, the derived transition index and the weight
// vector. No compression, no checksums.
var modelMagic = [4]byte{'T', 'C', 'R', 'F'}

const modelVersion = 1

const (
	modelMaxEnt = iota
	modelCRF
	modelTriShared
	modelTriPartitioned
)

const maxStringLen = 1 << 20

type binWriter struct {
	w   io.Writer
	err error
}

func (b *binWriter) write(v any) {
	if b.err == nil {
		b.err = binary.Write(b.w, binary.LittleEndian, v)
	}
}

func (b *binWriter) u8(v uint8)    { b.write(v) }
func (b *binWriter) u32(v uint32)  { b.write(v) }
func (b *binWriter) u64(v uint64)  { b.write(v) }
func (b *binWriter) i32(v int32)   { b.write(v) }
func (b *binWriter) i64(v int64)   { b.write(v) }
func (b *binWriter) f64(v float64) { b.write(v) }

func (b *binWriter) str(s string) {
	b.u32(uint32(len(s)))
	if b.err == nil {
		_, b.err = b.w.Write([]byte(s))
	}
}

type binReader struct {
	r   io.Reader
	err error
}

func (b *binReader) read(v any) {
	if b.err == nil {
		b.err = binary.Read(b.r, binary.LittleEndian, v)
	}
}

func (b *binReader) u8() uint8      { var v uint8; b.read(&v); return v }
func (b *binReader) u32() uint32    { var v uint32; b.read(&v); return v }
func (b *binReader) u64() uint64    { var v uint64; b.read(&v); return v }
func (b *binReader) i32() int32     { var v int32; b.read(&v); return v }
func (b *binReader) i64() int64     { var v int64; b.read(&v); return v }
func (b *binReader) f64() float64   { var v float64; b.read(&v); return v }

func (b *binReader) str() string {
	n := b.u32()
	if b.err != nil {
		return ""
	}
	if n > maxStringLen {
		b.err = fmt.Errorf("%w: string length %d", ErrCorruptModel, n)
		return ""
	}
	buf := make([]byte, n)
	_, b.err = io.ReadFull(b.r, buf)
	return string(buf)
}

// writeStore serializes one parameter store.
func writeStore(b *binWriter, st *Store) {
	b.u64(uint64(st.Features.Size()))
	for _, s := range st.Features.ToStr {
		b.str(s)
	}
	b.u64(uint64(st.States.Size()))
	for _, s := range st.States.ToStr {
		b.str(s)
	}
	b.i64(int64(st.defaultState))
	b.u64(uint64(st.Size()))

	type obsEntry struct {
		key  obsKey
		slot int
	}
	obs := make([]obsEntry, 0, len(st.obsSlot))
	for k, slot := range st.obsSlot {
		obs = append(obs, obsEntry{k, slot})
	}
	sort.Slice(obs, func(i, j int) bool { return obs[i].slot < obs[j].slot })
	b.u64(uint64(len(obs)))
	for _, e := range obs {
		b.u32(uint32(e.key.fid))
		b.i32(e.key.y)
		b.u64(uint64(e.slot))
	}

	b.u64(uint64(len(st.transRows)))
	for _, row := range st.transRows {
		b.u64(uint64(len(row)))
		for _, tp := range row {
			b.i32(int32(tp.From))
			b.i32(int32(tp.To))
			b.u32(uint32(tp.Feat))
			b.u64(uint64(tp.Slot))
		}
	}

	for _, w := range st.weight {
		b.f64(w)
	}
}

// readStore deserializes one parameter store and rebuilds its indexes.
func readStore(b *binReader) *Store {
	st := &Store{
		Features:     NewAlphabet(),
		States:       NewAlphabet(),
		obsSlot:      make(map[obsKey]int),
		transSlot:    make(map[transKey]int),
		defaultState: -1,
		tiedSlot:     -1,
	}
	nf := b.u64()
	for i := uint64(0); i < nf; i++ {
		if b.err != nil {
			return st
		}
		st.Features.Add(b.str())
	}
	ns := b.u64()
	for i := uint64(0); i < ns; i++ {
		if b.err != nil {
			return st
		}
		st.States.Add(b.str())
	}
	st.edgeFid = st.Features.Get(EdgeFeature)
	st.defaultState = int(b.i64())

	size := b.u64()
	if b.err != nil {
		return st
	}
	st.slots = make([]slotRecord, size)
	for i := range st.slots {
		st.slots[i] = slotRecord{kind: slotTied}
	}
	st.count = make([]float64, size)
	st.gradient = make([]float64, size)

	st.obsIndex = make([][]ObsRef, st.Features.Size())
	nObs := b.u64()
	for i := uint64(0); i < nObs; i++ {
		fid := int(b.u32())
		y := b.i32()
		slot := int(b.u64())
		if b.err != nil {
			return st
		}
		if fid >= st.Features.Size() || slot >= int(size) {
			b.err = fmt.Errorf("%w: observation index out of range", ErrCorruptModel)
			return st
		}
		st.obsSlot[obsKey{y, int32(fid)}] = slot
		st.obsIndex[fid] = append(st.obsIndex[fid], ObsRef{Label: int(y), Slot: slot})
		st.slots[slot] = slotRecord{kind: slotObs, y1: int(y), fid: fid}
	}
	for fid := range st.obsIndex {
		sort.Slice(st.obsIndex[fid], func(i, j int) bool {
			return st.obsIndex[fid][i].Label < st.obsIndex[fid][j].Label
		})
	}

	nRows := b.u64()
	if b.err != nil {
		return st
	}
	if int(nRows) != st.States.Size()+1 {
		b.err = fmt.Errorf("%w: transition row count %d for %d states", ErrCorruptModel, nRows, st.States.Size())
		return st
	}
	st.transRows = make([][]TransParam, nRows)
	for row := range st.transRows {
		n := b.u64()
		for i := uint64(0); i < n; i++ {
			tp := TransParam{
				From: int(b.i32()),
				To:   int(b.i32()),
				Feat: int(b.u32()),
				Slot: int(b.u64()),
			}
			if b.err != nil {
				return st
			}
			if tp.Slot >= int(size) {
				b.err = fmt.Errorf("%w: transition slot out of range", ErrCorruptModel)
				return st
			}
			st.transRows[row] = append(st.transRows[row], tp)
			st.transSlot[transKey{int32(tp.From), int32(tp.To), int32(tp.Feat)}] = tp.Slot
			if st.slots[tp.Slot].kind == slotTied {
				st.slots[tp.Slot] = slotRecord{kind: slotTrans, y1: tp.From, y2: tp.To, fid: tp.Feat}
			}
		}
	}

	st.weight = make([]float64, size)
	for i := range st.weight {
		st.weight[i] = b.f64()
	}

	st.Features.Freeze()
	st.States.Freeze()
	st.frozen = true
	return st
}

func writeHeader(b *binWriter, modelType int, nFeat, nLab, nTopic, nParam int) {
	b.write(modelMagic)
	b.u32(modelVersion)
	b.u8(uint8(modelType))
	b.u64(uint64(nFeat))
	b.u64(uint64(nLab))
	b.u64(uint64(nTopic))
	b.u64(uint64(nParam))
}

type modelHeader struct {
	modelType int
	nFeat     int
	nLab      int
	nTopic    int
	nParam    int
}

func readHeader(b *binReader) (modelHeader, error) {
	var magic [4]byte
	b.read(&magic)
	if b.err != nil {
		return modelHeader{}, b.err
	}
	if magic != modelMagic {
		return modelHeader{}, fmt.Errorf("%w: bad magic", ErrCorruptModel)
	}
	if v := b.u32(); v != modelVersion {
		return modelHeader{}, fmt.Errorf("%w: unsupported version %d", ErrCorruptModel, v)
	}
	h := modelHeader{
		modelType: int(b.u8()),
		nFeat:     int(b.u64()),
		nLab:      int(b.u64()),
		nTopic:    int(b.u64()),
		nParam:    int(b.u64()),
	}
	return h, b.err
}

// saveSingleStore writes a MaxEnt or linear-chain model file.
func saveSingleStore(path string, modelType int, st *Store) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	b := &binWriter{w: w}
	writeHeader(b, modelType, st.Features.Size(), st.States.Size(), 1, st.Size())
	writeStore(b, st)
	if b.err != nil {
		return b.err
	}
	return w.Flush()
}

// loadSingleStore reads a MaxEnt or linear-chain model file.
func loadSingleStore(path string, modelType int) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b := &binReader{r: bufio.NewReader(f)}
	h, err := readHeader(b)
	if err != nil {
		return nil, err
	}
	if h.modelType != modelType {
		return nil, fmt.Errorf("%w: model type %d, want %d", ErrCorruptModel, h.modelType, modelType)
	}
	st := readStore(b)
	if b.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptModel, b.err)
	}
	if st.Features.Size() != h.nFeat || st.States.Size() != h.nLab || st.Size() != h.nParam {
		return nil, fmt.Errorf("%w: header disagrees with body", ErrCorruptModel)
	}
	return st, nil
}

// saveTri writes a triangular model file: topic store, per-topic sequence
// stores, the global label table and the per-topic state sets.
func saveTri(path string, m *TriCRF) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	b := &binWriter{w: w}

	modelType := modelTriShared
	if m.partitioned {
		modelType = modelTriPartitioned
	}
	nFeat := 0
	for _, st := range m.allStores() {
		nFeat += st.Features.Size()
	}
	writeHeader(b, modelType, nFeat, m.labels.Size(), m.topicStore.States.Size(), len(m.theta))

	writeStore(b, m.topicStore)
	seq := m.allStores()[1:]
	b.u64(uint64(len(seq)))
	for _, st := range seq {
		writeStore(b, st)
	}

	if m.partitioned {
		b.u64(uint64(m.labels.Size()))
		for _, s := range m.labels.ToStr {
			b.str(s)
		}
	}
	b.i64(int64(m.defaultLabel))
	for _, states := range m.topicStates {
		b.u64(uint64(len(states)))
		for _, y := range states {
			b.i32(int32(y))
		}
	}
	if b.err != nil {
		return b.err
	}
	return w.Flush()
}

// loadTri reads a triangular model file into m, which must have been
// created with the matching variant.
func loadTri(path string, m *TriCRF) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	b := &binReader{r: bufio.NewReader(f)}
	h, err := readHeader(b)
	if err != nil {
		return err
	}
	wantType := modelTriShared
	if m.partitioned {
		wantType = modelTriPartitioned
	}
	if h.modelType != wantType {
		return fmt.Errorf("%w: model type %d, want %d", ErrCorruptModel, h.modelType, wantType)
	}

	m.topicStore = readStore(b)
	nSeq := b.u64()
	if b.err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptModel, b.err)
	}
	if m.partitioned {
		if int(nSeq) != m.topicStore.States.Size() {
			return fmt.Errorf("%w: %d sequence stores for %d topics", ErrCorruptModel, nSeq, m.topicStore.States.Size())
		}
		m.seqStores = make([]*Store, nSeq)
		for z := range m.seqStores {
			m.seqStores[z] = readStore(b)
		}
	} else {
		if nSeq != 1 {
			return fmt.Errorf("%w: %d sequence stores in shared model", ErrCorruptModel, nSeq)
		}
		m.seqShared = readStore(b)
		m.labels = m.seqShared.States
	}

	if m.partitioned {
		m.labels = NewAlphabet()
		n := b.u64()
		for i := uint64(0); i < n; i++ {
			if b.err != nil {
				return fmt.Errorf("%w: %v", ErrCorruptModel, b.err)
			}
			m.labels.Add(b.str())
		}
		m.labels.Freeze()
	}
	if m.labels.Size() != h.nLab {
		return fmt.Errorf("%w: label table size disagrees with header", ErrCorruptModel)
	}

	m.defaultLabel = int(b.i64())
	nTopics := m.topicStore.States.Size()
	m.topicStates = make([][]int, nTopics)
	for z := 0; z < nTopics; z++ {
		n := b.u64()
		if b.err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptModel, b.err)
		}
		states := make([]int, n)
		for i := range states {
			states[i] = int(b.i32())
		}
		m.topicStates[z] = states
	}
	if b.err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptModel, b.err)
	}

	if !m.partitioned {
		m.localOf = make([][]int, nTopics)
		for z := 0; z < nTopics; z++ {
			inv := make([]int, m.labels.Size())
			for i := range inv {
				inv[i] = -1
			}
			for i, gid := range m.topicStates[z] {
				if gid < 0 || gid >= len(inv) {
					return fmt.Errorf("%w: state set entry out of range", ErrCorruptModel)
				}
				inv[gid] = i
			}
			m.localOf[z] = inv
		}
	}

	m.buildCombined()
	if len(m.theta) != h.nParam {
		return fmt.Errorf("%w: parameter count disagrees with header", ErrCorruptModel)
	}
	m.ready = true
	return nil
}
