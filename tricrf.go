// Package tricrf trains and applies discriminative probabilistic models
// for hierarchical sequence labeling: a topic label for a whole sequence
// plus per-position labels whose legal values depend on the topic.
//
//	m := tricrf.New(tricrf.TriCRF2)
//	m.ReadTrainData("train.txt")
//	m.Train(crf.DefaultTrainConfig())
//	m.SaveModel("model.bin")
package tricrf

import (
	"fmt"

	"github.com/usptact/TriCRF/crf"
)

// ModelType selects one of the five model variants.
type ModelType int

const (
	// MaxEnt is a flat maximum-entropy classifier over independent events.
	MaxEnt ModelType = iota
	// CRF is a linear-chain conditional random field.
	CRF
	// TriCRF1 is the triangular model with per-topic sequence parameters.
	TriCRF1
	// TriCRF2 is the triangular model with shared sequence parameters.
	TriCRF2
	// TriCRF3 is TriCRF1 with tied transition potentials.
	TriCRF3
)

var modelNames = map[string]ModelType{
	"MaxEnt":  MaxEnt,
	"CRF":     CRF,
	"TriCRF1": TriCRF1,
	"TriCRF2": TriCRF2,
	"TriCRF3": TriCRF3,
}

// ParseModelType resolves a model type name from the command line or a
// configuration file.
func ParseModelType(name string) (ModelType, error) {
	t, ok := modelNames[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown model type %q", crf.ErrParse, name)
	}
	return t, nil
}

// String returns the canonical name of the model type.
func (t ModelType) String() string {
	for name, v := range modelNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("ModelType(%d)", int(t))
}

// New creates an untrained model of the given type.
func New(t ModelType) crf.Model {
	switch t {
	case MaxEnt:
		return crf.NewMaxEnt()
	case CRF:
		return crf.NewChainCRF()
	case TriCRF1, TriCRF3:
		return crf.NewTriCRF(true)
	case TriCRF2:
		return crf.NewTriCRF(false)
	}
	return nil
}
