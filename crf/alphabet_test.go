package crf

import "testing"

func TestAlphabet(t *testing.T) {
	a := NewAlphabet()
	id0 := a.Add("hello")
	id1 := a.Add("world")
	id2 := a.Add("hello") // duplicate

	if id0 != 0 || id1 != 1 || id2 != 0 {
		t.Errorf("IDs: %d, %d, %d; want 0, 1, 0", id0, id1, id2)
	}
	if a.Size() != 2 {
		t.Errorf("Size = %d, want 2", a.Size())
	}
	if a.Get("missing") != -1 {
		t.Error("Get missing should return -1")
	}
	if a.String(1) != "world" {
		t.Errorf("String(1) = %q, want %q", a.String(1), "world")
	}
}

func TestAlphabetFreeze(t *testing.T) {
	a := NewAlphabet()
	a.Add("x")
	a.Freeze()
	if id := a.Add("y"); id != -1 {
		t.Errorf("Add on frozen alphabet = %d, want -1", id)
	}
	if a.Size() != 1 {
		t.Errorf("Size after frozen Add = %d, want 1", a.Size())
	}
	if a.Get("x") != 0 {
		t.Error("lookup must keep working after freeze")
	}
}

func TestStoreBinding(t *testing.T) {
	st := NewStore()
	yA := st.AddState("A")
	yB := st.AddState("B")
	f1 := st.AddFeature("f1")

	s1 := st.BindObs(yA, f1, 1.0)
	s2 := st.BindObs(yA, f1, 1.0) // same slot, count accumulates
	s3 := st.BindObs(yB, f1, 0.5)
	if s1 != s2 {
		t.Errorf("rebinding allocated a new slot: %d vs %d", s1, s2)
	}
	if s1 == s3 {
		t.Error("distinct (y, f) pairs must get distinct slots")
	}

	st.BindTrans(BOS, yA, st.EdgeFid(), 1.0)
	st.BindTrans(yA, yB, st.EdgeFid(), 1.0)
	st.NoteState(yA, 2)
	st.NoteState(yB, 1)
	st.EndUpdate()

	if got := st.Count()[s1]; got != 2.0 {
		t.Errorf("count[%d] = %v, want 2", s1, got)
	}
	if got := st.Count()[s3]; got != 0.5 {
		t.Errorf("count[%d] = %v, want 0.5", s3, got)
	}
	if len(st.Weight()) != st.Size() || len(st.Gradient()) != st.Size() {
		t.Error("weight and gradient must have one entry per slot")
	}
	if st.DefaultState() != yA {
		t.Errorf("default state = %d, want %d", st.DefaultState(), yA)
	}

	refs := st.ObsRefs(f1)
	if len(refs) != 2 || refs[0].Label != yA || refs[1].Label != yB {
		t.Errorf("inverted index for f1 = %+v, want labels [A B]", refs)
	}
	if tp := st.TransFrom(BOS); len(tp) != 1 || tp[0].To != yA {
		t.Errorf("BOS transitions = %+v, want one entry to A", tp)
	}
	if tp := st.TransFrom(yA); len(tp) != 1 || tp[0].To != yB {
		t.Errorf("transitions from A = %+v, want one entry to B", tp)
	}

	// Frozen store: lookup-only binding.
	if slot := st.BindObs(yB, st.FindFeature("f1"), 1.0); slot != s3 {
		t.Errorf("frozen BindObs = %d, want %d", slot, s3)
	}
	before := st.Count()[s3]
	st.BindObs(yB, st.FindFeature("f1"), 1.0)
	if st.Count()[s3] != before {
		t.Error("frozen store must not mutate counts")
	}
}

func TestTiedPotential(t *testing.T) {
	st := NewStore()
	yA := st.AddState("A")
	yB := st.AddState("B")
	yC := st.AddState("C")
	edge := st.EdgeFid()
	for range 5 {
		st.BindTrans(yA, yB, edge, 1.0)
	}
	st.BindTrans(yA, yC, edge, 1.0)
	st.BindTrans(yB, yC, edge, 1.0)
	st.SetTiedPotential(3)
	st.EndUpdate()

	var tied []TransParam
	for _, tp := range st.TransFrom(yA) {
		if tp.To == yC {
			tied = append(tied, tp)
		}
	}
	if len(tied) != 1 {
		t.Fatalf("expected one A->C entry, got %d", len(tied))
	}
	other := st.TransFrom(yB)[0]
	if tied[0].Slot != other.Slot {
		t.Error("low-count transitions must share the tied slot")
	}
	frequent := st.TransFrom(yA)[0]
	if frequent.To == yB && frequent.Slot == tied[0].Slot {
		t.Error("frequent transitions must keep their own slot")
	}
	if got := st.Count()[tied[0].Slot]; got != 2.0 {
		t.Errorf("tied slot count = %v, want 2", got)
	}
}
