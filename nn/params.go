package nn

import (
	"fmt"
	"slices"
)

// Module is implemented by every layer that owns parameters.
type Module interface {
	// RegisterParams adds the layer's tensors to ps, each named prefix + "." + local name.
	RegisterParams(prefix string, ps *ParamSet)
}

// ParamSet is an ordered registry of named tensors. Registered tensors are
// held by reference, so Apply updates the live layers.
type ParamSet struct {
	names   []string
	tensors map[string]*Tensor
}

// NewParamSet creates an empty registry.
func NewParamSet() *ParamSet {
	return &ParamSet{tensors: make(map[string]*Tensor)}
}

// Collect builds a ParamSet from a module rooted at prefix.
func Collect(prefix string, m Module) *ParamSet {
	ps := NewParamSet()
	m.RegisterParams(prefix, ps)
	return ps
}

// Add registers t under name. Registering the same name twice panics.
func (ps *ParamSet) Add(name string, t *Tensor) {
	if _, ok := ps.tensors[name]; ok {
		panic(fmt.Sprintf("nn: duplicate parameter %q", name))
	}
	ps.names = append(ps.names, name)
	ps.tensors[name] = t
}

// Get returns the tensor registered under name.
func (ps *ParamSet) Get(name string) (*Tensor, bool) {
	t, ok := ps.tensors[name]
	return t, ok
}

// Names returns the parameter names in registration order.
func (ps *ParamSet) Names() []string {
	return slices.Clone(ps.names)
}

// Len returns the number of registered tensors.
func (ps *ParamSet) Len() int {
	return len(ps.names)
}

// Count returns the total number of scalar values across all tensors.
func (ps *ParamSet) Count() int {
	total := 0
	for _, t := range ps.tensors {
		total += t.Size()
	}
	return total
}

// Tensors returns every parameter as an F32 safetensors entry. Values alias
// the live tensors.
func (ps *ParamSet) Tensors() map[string]TensorWithShape {
	out := make(map[string]TensorWithShape, len(ps.names))
	for _, name := range ps.names {
		t := ps.tensors[name]
		out[name] = TensorWithShape{DType: "F32", Shape: slices.Clone(t.Shape), Values: t.Data}
	}
	return out
}

// Apply copies values into the registered tensors. Every registered name
// must be present with a matching shape; extra entries are an error too.
func (ps *ParamSet) Apply(values map[string]TensorWithShape) error {
	for _, name := range ps.names {
		v, ok := values[name]
		if !ok {
			return fmt.Errorf("%w: missing parameter %q", ErrShape, name)
		}
		t := ps.tensors[name]
		if !slices.Equal(v.Shape, t.Shape) || len(v.Values) != t.Size() {
			return fmt.Errorf("%w: parameter %q has shape %v, want %v", ErrShape, name, v.Shape, t.Shape)
		}
	}
	for name := range values {
		if _, ok := ps.tensors[name]; !ok {
			return fmt.Errorf("%w: unexpected parameter %q", ErrShape, name)
		}
	}
	for _, name := range ps.names {
		copy(ps.tensors[name].Data, values[name].Values)
	}
	return nil
}

// SaveWeightsToSafetensors writes all parameters to a safetensors file.
func (ps *ParamSet) SaveWeightsToSafetensors(filepath string) error {
	return SaveSafetensors(filepath, ps.Tensors())
}

// LoadWeightsFromSafetensors reads a safetensors file and applies it.
func (ps *ParamSet) LoadWeightsFromSafetensors(filepath string) error {
	tensors, err := LoadSafetensors(filepath)
	if err != nil {
		return err
	}
	return ps.Apply(tensors)
}
