package dgmr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/openfluke/nowcast/nn"
)

const (
	bundleType    = "nowcast/bundle"
	bundleVersion = 1
	weightsFormat = "safetensors"
)

// ErrModelNotFound is returned when a bundle holds no model with the requested ID.
var ErrModelNotFound = errors.New("dgmr: model not found")

// Bundle is a JSON document carrying one or more generators.
type Bundle struct {
	Type    string       `json:"type"`
	Version int          `json:"version"`
	Models  []SavedModel `json:"models"`
}

// SavedModel is a single generator: its config and its weights.
type SavedModel struct {
	ID      string          `json:"id"`
	Config  GeneratorConfig `json:"cfg"`
	Weights EncodedWeights  `json:"weights"`
}

// EncodedWeights stores a base64 safetensors blob.
type EncodedWeights struct {
	Format string `json:"fmt"`
	Data   string `json:"data"`
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{Type: bundleType, Version: bundleVersion, Models: []SavedModel{}}
}

// SerializeModel captures the generator config and every parameter.
func (g *Generator) SerializeModel(modelID string) (SavedModel, error) {
	blob, err := nn.SerializeSafetensors(g.Params().Tensors())
	if err != nil {
		return SavedModel{}, fmt.Errorf("serialize weights: %w", err)
	}
	return SavedModel{
		ID:     modelID,
		Config: g.cfg,
		Weights: EncodedWeights{
			Format: weightsFormat,
			Data:   base64.StdEncoding.EncodeToString(blob),
		},
	}, nil
}

// DeserializeModel rebuilds a generator from a saved model. The weights
// replace the seeded initialization entirely.
func DeserializeModel(saved SavedModel) (*Generator, error) {
	if saved.Weights.Format != weightsFormat {
		return nil, fmt.Errorf("unsupported weights format %q", saved.Weights.Format)
	}
	g, err := NewGenerator(saved.Config, 0)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", saved.ID, err)
	}
	blob, err := base64.StdEncoding.DecodeString(saved.Weights.Data)
	if err != nil {
		return nil, fmt.Errorf("model %s: decode weights: %w", saved.ID, err)
	}
	tensors, err := nn.LoadSafetensorsFromBytes(blob)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", saved.ID, err)
	}
	if err := g.Params().Apply(tensors); err != nil {
		return nil, fmt.Errorf("model %s: %w", saved.ID, err)
	}
	return g, nil
}

// Add serializes g into the bundle, replacing any model with the same ID.
func (b *Bundle) Add(modelID string, g *Generator) error {
	saved, err := g.SerializeModel(modelID)
	if err != nil {
		return fmt.Errorf("failed to serialize model %s: %w", modelID, err)
	}
	for i := range b.Models {
		if b.Models[i].ID == modelID {
			b.Models[i] = saved
			return nil
		}
	}
	b.Models = append(b.Models, saved)
	return nil
}

// Model rebuilds the generator with the given ID.
func (b *Bundle) Model(modelID string) (*Generator, error) {
	for _, m := range b.Models {
		if m.ID == modelID {
			return DeserializeModel(m)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
}

// IDs lists the model IDs in bundle order.
func (b *Bundle) IDs() []string {
	ids := make([]string, len(b.Models))
	for i, m := range b.Models {
		ids[i] = m.ID
	}
	return ids
}

// Marshal encodes the bundle as indented JSON.
func (b *Bundle) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	return data, nil
}

// SaveToFile writes the bundle to filename.
func (b *Bundle) SaveToFile(filename string) error {
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// UnmarshalBundle parses a bundle and checks its type tag.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bundle: %w", err)
	}
	if b.Type != bundleType {
		return nil, fmt.Errorf("invalid bundle type: %s", b.Type)
	}
	if b.Version > bundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	return &b, nil
}

// LoadBundle reads a bundle file.
func LoadBundle(filename string) (*Bundle, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return UnmarshalBundle(data)
}

// SaveModelToBytes encodes a one-model bundle.
func (g *Generator) SaveModelToBytes(modelID string) ([]byte, error) {
	b := NewBundle()
	if err := b.Add(modelID, g); err != nil {
		return nil, err
	}
	return b.Marshal()
}

// LoadModelFromBytes decodes a bundle and rebuilds the model with modelID.
func LoadModelFromBytes(data []byte, modelID string) (*Generator, error) {
	b, err := UnmarshalBundle(data)
	if err != nil {
		return nil, err
	}
	return b.Model(modelID)
}

// SaveModel writes a one-model bundle file.
func (g *Generator) SaveModel(filename, modelID string) error {
	b := NewBundle()
	if err := b.Add(modelID, g); err != nil {
		return err
	}
	return b.SaveToFile(filename)
}

// LoadModel loads the model with modelID from a bundle file.
func LoadModel(filename, modelID string) (*Generator, error) {
	b, err := LoadBundle(filename)
	if err != nil {
		return nil, err
	}
	return b.Model(modelID)
}

// SaveWeightsToSafetensors writes only the parameters, named as in Params.
func (g *Generator) SaveWeightsToSafetensors(filename string) error {
	return g.Params().SaveWeightsToSafetensors(filename)
}

// LoadWeightsFromSafetensors replaces every parameter from a safetensors file.
func (g *Generator) LoadWeightsFromSafetensors(filename string) error {
	return g.Params().LoadWeightsFromSafetensors(filename)
}
