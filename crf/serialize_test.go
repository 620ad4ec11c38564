package crf

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChainSaveLoadRoundTrip(t *testing.T) {
	var sb strings.Builder
	for range 5 {
		sb.WriteString("B-X f=a\nI-X f=b\nO f=c\n\n")
	}
	c := NewChainCRF()
	if err := c.ReadTrainData(writeCorpus(t, sb.String())); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultTrainConfig()
	cfg.Iterations = 25
	if err := c.Train(cfg); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.bin")
	if err := c.SaveModel(modelPath); err != nil {
		t.Fatal(err)
	}

	loaded := NewChainCRF()
	if err := loaded.LoadModel(modelPath); err != nil {
		t.Fatal(err)
	}

	if loaded.store.Size() != c.store.Size() {
		t.Fatalf("parameter counts differ: %d vs %d", loaded.store.Size(), c.store.Size())
	}
	for i := range c.store.Weight() {
		if loaded.store.Weight()[i] != c.store.Weight()[i] {
			t.Fatalf("weight %d differs after round trip", i)
		}
	}

	// Identical predictions, byte for byte.
	testPath := writeCorpus(t, "? f=a\n? f=b\n? f=c\n")
	out1 := filepath.Join(dir, "out1.txt")
	out2 := filepath.Join(dir, "out2.txt")
	if _, err := c.Test(testPath, out1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := loaded.Test(testPath, out2, false); err != nil {
		t.Fatal(err)
	}
	b1, _ := os.ReadFile(out1)
	b2, _ := os.ReadFile(out2)
	if string(b1) != string(b2) {
		t.Errorf("predictions differ after round trip:\n%s\nvs\n%s", b1, b2)
	}
}

func TestTriSaveLoadRoundTrip(t *testing.T) {
	for _, partitioned := range []bool{false, true} {
		cfg := DefaultTrainConfig()
		cfg.Iterations = 25
		m := trainTri(t, partitioned, cfg)

		dir := t.TempDir()
		modelPath := filepath.Join(dir, "model.bin")
		if err := m.SaveModel(modelPath); err != nil {
			t.Fatal(err)
		}
		loaded := NewTriCRF(partitioned)
		if err := loaded.LoadModel(modelPath); err != nil {
			t.Fatal(err)
		}

		if len(loaded.theta) != len(m.theta) {
			t.Fatalf("partitioned=%v: parameter counts differ", partitioned)
		}
		for i := range m.theta {
			if loaded.theta[i] != m.theta[i] {
				t.Fatalf("partitioned=%v: weight %d differs after round trip", partitioned, i)
			}
		}

		testPath := writeCorpus(t, "? ft1\n? w=x1\n? w=x2\n")
		out1 := filepath.Join(dir, "out1.txt")
		out2 := filepath.Join(dir, "out2.txt")
		if _, err := m.Test(testPath, out1, true); err != nil {
			t.Fatal(err)
		}
		if _, err := loaded.Test(testPath, out2, true); err != nil {
			t.Fatal(err)
		}
		b1, _ := os.ReadFile(out1)
		b2, _ := os.ReadFile(out2)
		if string(b1) != string(b2) {
			t.Errorf("partitioned=%v: predictions differ after round trip", partitioned)
		}
	}
}

func TestLoadCorruptModel(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(bad, []byte("NOPE not a model"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadSingleStore(bad, modelCRF); !errors.Is(err, ErrCorruptModel) {
		t.Errorf("bad magic: err = %v, want ErrCorruptModel", err)
	}

	// A valid MaxEnt model loaded as a CRF must be rejected.
	m := NewMaxEnt()
	if err := m.ReadTrainData(writeCorpus(t, "A f1\n\nB f2\n")); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultTrainConfig()
	cfg.Iterations = 5
	if err := m.Train(cfg); err != nil {
		t.Fatal(err)
	}
	modelPath := filepath.Join(dir, "me.bin")
	if err := m.SaveModel(modelPath); err != nil {
		t.Fatal(err)
	}
	if _, err := loadSingleStore(modelPath, modelCRF); !errors.Is(err, ErrCorruptModel) {
		t.Errorf("type mismatch: err = %v, want ErrCorruptModel", err)
	}

	// Truncation must be detected.
	full, err := os.ReadFile(modelPath)
	if err != nil {
		t.Fatal(err)
	}
	trunc := filepath.Join(dir, "trunc.bin")
	if err := os.WriteFile(trunc, full[:len(full)/2], 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadSingleStore(trunc, modelMaxEnt); err == nil {
		t.Error("truncated model loaded without error")
	}
}

func TestMaxEntSaveLoad(t *testing.T) {
	corpus := "A f1\n\nA f1\n\nB f2\n"
	cfg := DefaultTrainConfig()
	cfg.Iterations = 30
	m := trainMaxEnt(t, corpus, cfg)

	modelPath := filepath.Join(t.TempDir(), "model.bin")
	if err := m.SaveModel(modelPath); err != nil {
		t.Fatal(err)
	}
	loaded := NewMaxEnt()
	if err := loaded.LoadModel(modelPath); err != nil {
		t.Fatal(err)
	}
	if p := maxentProbs(loaded, "f1")["A"]; p <= 0.9 {
		t.Errorf("P(A|f1) after reload = %v, want > 0.9", p)
	}
}
