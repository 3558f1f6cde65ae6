package nn

import "math/rand"

// ConvGRUCell is a gated recurrent unit whose gates are 3x3 convolutions.
//
//	xh     = cat(x, h)
//	read   = sigmoid(conv(xh))
//	update = sigmoid(conv(xh))
//	c      = relu(conv(cat(x, read*h)))
//	h'     = update*h + (1-update)*c
type ConvGRUCell struct {
	InputChannels int
	StateChannels int

	ReadGate   *Conv2DLayer
	UpdateGate *Conv2DLayer
	Output     *Conv2DLayer
}

// NewConvGRUCell creates a cell taking x with inputChannels and a hidden
// state with stateChannels.
func NewConvGRUCell(inputChannels, stateChannels int, rng *rand.Rand) *ConvGRUCell {
	total := inputChannels + stateChannels
	return &ConvGRUCell{
		InputChannels: inputChannels,
		StateChannels: stateChannels,
		ReadGate:      InitConv2DLayer(total, stateChannels, 3, ActivationSigmoid, rng),
		UpdateGate:    InitConv2DLayer(total, stateChannels, 3, ActivationSigmoid, rng),
		Output:        InitConv2DLayer(total, stateChannels, 3, ActivationReLU, rng),
	}
}

// Step advances the state by one input and returns the new state.
func (c *ConvGRUCell) Step(x, h *Tensor) *Tensor {
	xh := ConcatChannels(x, h)
	read := c.ReadGate.Forward(xh)
	update := c.UpdateGate.Forward(xh)
	candidate := c.Output.Forward(ConcatChannels(x, Mul(read, h)))
	return GRUBlend(update, h, candidate)
}

func (c *ConvGRUCell) RegisterParams(prefix string, ps *ParamSet) {
	c.ReadGate.RegisterParams(prefix+".read_gate_conv", ps)
	c.UpdateGate.RegisterParams(prefix+".update_gate_conv", ps)
	c.Output.RegisterParams(prefix+".output_conv", ps)
}

// ConvGRU runs a ConvGRUCell over a sequence.
type ConvGRU struct {
	Cell *ConvGRUCell
}

// NewConvGRU creates a ConvGRU.
func NewConvGRU(inputChannels, stateChannels int, rng *rand.Rand) *ConvGRU {
	return &ConvGRU{Cell: NewConvGRUCell(inputChannels, stateChannels, rng)}
}

// Forward consumes inputs in order starting from state and returns the
// hidden state after every step.
func (g *ConvGRU) Forward(inputs []*Tensor, state *Tensor) []*Tensor {
	if state.Dim(1) != g.Cell.StateChannels {
		shapePanicf("convgru: initial state has %d channels, cell expects %d", state.Dim(1), g.Cell.StateChannels)
	}
	outputs := make([]*Tensor, len(inputs))
	h := state
	for t, x := range inputs {
		h = g.Cell.Step(x, h)
		outputs[t] = h
	}
	return outputs
}

func (g *ConvGRU) RegisterParams(prefix string, ps *ParamSet) {
	g.Cell.RegisterParams(prefix+".cell", ps)
}
