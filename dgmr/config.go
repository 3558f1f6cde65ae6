package dgmr

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Variant selects the channel scheme of the sampler cascade.
type Variant string

const (
	// VariantStandard has four stages fed by one latent tensor and ends in a
	// pixel-shuffle head.
	VariantStandard Variant = "standard"
	// VariantMultiscale has four stages fed by a per-scale latent list.
	VariantMultiscale Variant = "multiscale"
	// VariantReduced has three stages, no final upsample and a plain 1x1 head.
	// It is used by the frequency-domain generator.
	VariantReduced Variant = "reduced"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("dgmr: invalid config")

// SamplerConfig holds the sampler hyperparameters. It is a value type; a
// validated copy is stored on the Sampler and never mutated.
type SamplerConfig struct {
	ForecastSteps   int     `json:"forecast_steps" koanf:"forecast_steps" validate:"gt=0"`
	LatentChannels  int     `json:"latent_channels" koanf:"latent_channels" validate:"gt=0"`
	ContextChannels int     `json:"context_channels" koanf:"context_channels" validate:"gt=0"`
	OutputChannels  int     `json:"output_channels" koanf:"output_channels" validate:"gt=0"`
	Variant         Variant `json:"variant" koanf:"variant" validate:"oneof=standard multiscale reduced"`
}

// DefaultSamplerConfig returns the published generator sizes.
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		ForecastSteps:   18,
		LatentChannels:  768,
		ContextChannels: 384,
		OutputChannels:  1,
		Variant:         VariantStandard,
	}
}

// ReducedSamplerConfig returns the frequency-domain sizes: the head emits one
// channel per coefficient of an 8x8 DCT block.
func ReducedSamplerConfig() SamplerConfig {
	return SamplerConfig{
		ForecastSteps:   18,
		LatentChannels:  768,
		ContextChannels: 384,
		OutputChannels:  64,
		Variant:         VariantReduced,
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct runs tag validation and reports the first failing field.
func validateStruct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s (got %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
}

// Validate checks field ranges and the divisibility rules that keep every
// halved channel count a positive integer.
func (c SamplerConfig) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}

	latentDiv := 16
	if c.Variant == VariantReduced {
		latentDiv = 8
	}
	if c.LatentChannels%latentDiv != 0 {
		return fmt.Errorf("%w: latent_channels %d must be divisible by %d for the %s variant",
			ErrInvalidConfig, c.LatentChannels, latentDiv, c.Variant)
	}
	if c.ContextChannels%8 != 0 {
		return fmt.Errorf("%w: context_channels %d must be divisible by 8", ErrInvalidConfig, c.ContextChannels)
	}
	if c.Variant == VariantReduced && c.OutputChannels%4 != 0 {
		return fmt.Errorf("%w: output_channels %d must be divisible by 4 for the reduced variant",
			ErrInvalidConfig, c.OutputChannels)
	}
	return nil
}

// StagePlan describes one scale of the sampler cascade. Stage 0 is the
// coarsest.
type StagePlan struct {
	// ContextIndex selects the initial GRU state from the context list.
	ContextIndex int
	// LatentIndex selects the per-scale latent (multiscale only, else -1).
	LatentIndex int
	// InputChannels is the channel count of the GRU input x, excluding state.
	InputChannels int
	StateChannels int
	// ProjChannels is the output of the 1x1 projection and the GBlock.
	ProjChannels int
	// UpChannels is the output of the UpsampleGBlock; 0 means no upsample.
	UpChannels int
}

// Stages derives the per-scale plan from the config.
func (c SamplerConfig) Stages() []StagePlan {
	L, C, O := c.LatentChannels, c.ContextChannels, c.OutputChannels

	switch c.Variant {
	case VariantReduced:
		stages := make([]StagePlan, 3)
		for k := range stages {
			stages[k] = StagePlan{
				ContextIndex:  2 - k,
				LatentIndex:   -1,
				InputChannels: L >> k,
				StateChannels: C >> k,
				ProjChannels:  L >> k,
				UpChannels:    L >> (k + 1),
			}
		}
		stages[2].ProjChannels = O / 4
		stages[2].UpChannels = 0
		return stages

	case VariantMultiscale:
		stages := make([]StagePlan, 4)
		for k := range stages {
			in := L
			if k > 0 {
				in = L >> (k - 1)
			}
			stages[k] = StagePlan{
				ContextIndex:  3 - k,
				LatentIndex:   3 - k,
				InputChannels: in,
				StateChannels: C >> k,
				ProjChannels:  L >> k,
				UpChannels:    L >> (k + 1),
			}
		}
		return stages

	default:
		stages := make([]StagePlan, 4)
		for k := range stages {
			stages[k] = StagePlan{
				ContextIndex:  3 - k,
				LatentIndex:   -1,
				InputChannels: L >> k,
				StateChannels: C >> k,
				ProjChannels:  L >> k,
				UpChannels:    L >> (k + 1),
			}
		}
		return stages
	}
}

// HeadChannels returns the channel count entering the output head.
func (c SamplerConfig) HeadChannels() int {
	if c.Variant == VariantReduced {
		return c.OutputChannels / 4
	}
	return c.LatentChannels >> 4
}

// LatentChannelsPerScale returns the channel count of each latent-list entry
// for the multiscale variant, largest resolution first.
func (c SamplerConfig) LatentChannelsPerScale() [4]int {
	L := c.LatentChannels
	return [4]int{L >> 3, L >> 2, L >> 1, L}
}

// ContextChannelsPerScale returns the expected channel count of each context
// entry, largest resolution first.
func (c SamplerConfig) ContextChannelsPerScale() [4]int {
	C := c.ContextChannels
	if c.Variant == VariantReduced {
		// index 3 is present but unused; the stack emits 2C there
		return [4]int{C >> 2, C >> 1, C, 2 * C}
	}
	return [4]int{C >> 3, C >> 2, C >> 1, C}
}

// Upsamplings returns how many times the cascade and head double the
// resolution of the coarsest context entry.
func (c SamplerConfig) Upsamplings() int {
	n := 0
	for _, s := range c.Stages() {
		if s.UpChannels > 0 {
			n++
		}
	}
	// The standard head's depth-to-space adds one doubling; the reduced
	// cascade instead starts one scale finer than the coarsest entry.
	return n + 1
}
