package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/nowcast/dgmr"
	"github.com/openfluke/nowcast/nn"
)

func tinyGenerator(t *testing.T, seed int64) *dgmr.Generator {
	t.Helper()
	g, err := dgmr.NewGenerator(dgmr.GeneratorConfig{
		Sampler: dgmr.SamplerConfig{
			ForecastSteps: 2, LatentChannels: 32, ContextChannels: 16, OutputChannels: 1,
			Variant: dgmr.VariantStandard,
		},
		InputChannels: 1, ContextSteps: 2, FrameHeight: 32, FrameWidth: 32, NoiseChannels: 1,
	}, seed)
	require.NoError(t, err)
	return g
}

func openTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := openTestStore(t, clock)

	g := tinyGenerator(t, 1)
	meta, err := s.Put(ctx, "alpha", g)
	require.NoError(t, err)
	assert.Equal(t, dgmr.VariantStandard, meta.Variant)
	assert.Equal(t, g.Params().Count(), meta.Parameters)
	assert.Equal(t, clock.Now().UTC(), meta.CreatedAt)
	assert.Positive(t, meta.SizeBytes)

	clock.Advance(time.Hour)
	_, err = s.Put(ctx, "beta", tinyGenerator(t, 2))
	require.NoError(t, err)

	loaded, err := s.Get(ctx, "alpha")
	require.NoError(t, err)
	history := nn.Full(0.3, 1, 2, 1, 32, 32)
	want, err := g.Forward(history, nil)
	require.NoError(t, err)
	got, err := loaded.Forward(history, nil)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "beta", list[1].ID)

	stored, err := s.Meta(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UTC(), stored.CreatedAt)

	require.NoError(t, s.Delete(ctx, "alpha"))
	_, err = s.Get(ctx, "alpha")
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "alpha"), ErrModelNotFound)
	_, err = s.Meta(ctx, "missing")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestStorePersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	_, err = s.Put(ctx, "disk", tinyGenerator(t, 3))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Get(ctx, "disk")
	assert.NoError(t, err)
}
