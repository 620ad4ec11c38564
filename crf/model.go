package crf

import (
	"context"

	"github.com/usptact/TriCRF/internal/eval"
)

// TrainConfig holds the training hyperparameters shared by all model
// variants.
type TrainConfig struct {
	// Context, when set, is checked between outer iterations; a cancelled
	// context discards the partial iteration and stops training.
	Context context.Context

	Iterations int     // objective evaluations budget
	Sigma      float64 // Gaussian prior scale σ; penalty θ·θ/(2σ²), 0 disables L2
	L1         bool    // enable orthant-wise L1 penalization
	C          float64 // L1 penalty weight
	Init       string  // "" or "PL" (pseudo-likelihood warm start)
	InitIter   int     // warm-start iteration budget
	Threads    int     // parallel gradient workers; <=1 is serial
	TiedK      float64 // tied-potential threshold; 0 disables tying
	Prune      float64 // accepted for compatibility; no observable effect
	History    int     // L-BFGS history size
}

// DefaultTrainConfig returns the baseline hyperparameters.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Iterations: 100,
		Sigma:      20,
		InitIter:   30,
		Threads:    1,
		History:    100,
	}
}

// Model is the common surface of all variants: MaxEnt, ChainCRF and the
// triangular models.
type Model interface {
	// ReadTrainData parses a training corpus, growing the dictionaries.
	ReadTrainData(path string) error
	// ReadDevData parses a held-out corpus for per-iteration monitoring.
	ReadDevData(path string) error
	// Train freezes the dictionaries and runs the optimizer.
	Train(cfg TrainConfig) error
	// Test decodes a corpus against the frozen dictionaries, optionally
	// writing predictions to outPath ("" suppresses output).
	Test(dataPath, outPath string, confidence bool) (*eval.Result, error)
	// SaveModel writes the model in the binary TCRF format.
	SaveModel(path string) error
	// LoadModel reads a model written by SaveModel.
	LoadModel(path string) error
}
