package dgmr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleRoundTripIsExact(t *testing.T) {
	for name, cfg := range map[string]GeneratorConfig{
		"standard": smallStandardConfig(),
		"reduced":  smallReducedConfig(),
	} {
		t.Run(name, func(t *testing.T) {
			g, err := NewGenerator(cfg, 21)
			require.NoError(t, err)
			// move a running statistic off its default so it must be restored
			rv, ok := g.Params().Get("sampler.head.bn.running_var")
			require.True(t, ok)
			rv.Fill(2.5)

			data, err := g.SaveModelToBytes("radar-1")
			require.NoError(t, err)

			loaded, err := LoadModelFromBytes(data, "radar-1")
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded.Config())

			want, got := g.Params(), loaded.Params()
			require.Equal(t, want.Names(), got.Names())
			for _, n := range want.Names() {
				a, _ := want.Get(n)
				b, _ := got.Get(n)
				require.True(t, a.Equal(b), "parameter %s differs", n)
			}

			history := randomHistory(3, 1, cfg.ContextSteps, 1, cfg.FrameHeight, cfg.FrameWidth)
			outA, err := g.Forward(history, nil)
			require.NoError(t, err)
			outB, err := loaded.Forward(history, nil)
			require.NoError(t, err)
			assert.True(t, outA.Equal(outB))
		})
	}
}

func TestBundleFile(t *testing.T) {
	g, err := NewGenerator(smallStandardConfig(), 4)
	require.NoError(t, err)
	h, err := NewGenerator(smallMultiscaleConfig(), 5)
	require.NoError(t, err)

	b := NewBundle()
	require.NoError(t, b.Add("std", g))
	require.NoError(t, b.Add("ms", h))
	require.NoError(t, b.Add("std", g))
	assert.Equal(t, []string{"std", "ms"}, b.IDs())

	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, b.SaveToFile(path))

	loaded, err := LoadBundle(path)
	require.NoError(t, err)
	ms, err := loaded.Model("ms")
	require.NoError(t, err)
	assert.Equal(t, VariantMultiscale, ms.Config().Sampler.Variant)

	_, err = loaded.Model("nope")
	assert.ErrorIs(t, err, ErrModelNotFound)

	_, err = LoadModel(path, "std")
	assert.NoError(t, err)
}

func TestUnmarshalBundleRejectsForeignDocuments(t *testing.T) {
	_, err := UnmarshalBundle([]byte(`{"type":"modelhost/bundle","version":1,"models":[]}`))
	assert.Error(t, err)
	_, err = UnmarshalBundle([]byte(`{"type":"nowcast/bundle","version":9,"models":[]}`))
	assert.Error(t, err)
	_, err = UnmarshalBundle([]byte(`not json`))
	assert.Error(t, err)

	_, err = DeserializeModel(SavedModel{ID: "x", Config: smallStandardConfig(), Weights: EncodedWeights{Format: "gob"}})
	assert.Error(t, err)
}

func TestWeightsSafetensorsFile(t *testing.T) {
	g, err := NewGenerator(smallStandardConfig(), 1)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, g.SaveWeightsToSafetensors(path))

	other, err := NewGenerator(smallStandardConfig(), 2)
	require.NoError(t, err)
	w1, _ := g.Params().Get("sampler.head.conv_1x1.weight")
	w2, _ := other.Params().Get("sampler.head.conv_1x1.weight")
	require.False(t, w1.Equal(w2))

	require.NoError(t, other.LoadWeightsFromSafetensors(path))
	assert.True(t, w1.Equal(w2))

	mismatched, err := NewGenerator(smallReducedConfig(), 1)
	require.NoError(t, err)
	assert.Error(t, mismatched.LoadWeightsFromSafetensors(path))
}
