// Command nowcast manages generator bundles and runs offline forecasts.
//
// Usage:
//
//	nowcast init     -out model.json [-variant standard|multiscale|reduced] [-config cfg.yaml] [-id dgmr] [-seed 0]
//	nowcast inspect  -bundle model.json [-params]
//	nowcast forecast -bundle model.json -in frames.safetensors -out forecast.safetensors [-members 1] [-seed n]
//	nowcast export-weights -bundle model.json -out weights.safetensors
//	nowcast import-weights -bundle model.json -in weights.safetensors
//	nowcast devices  [-vendor nvidia]
//
// Frames files hold a "history" tensor [b t c h w] and, for the multiscale
// variant, an optional "last" tensor [b c h w]. Forecast files hold one
// "member_<i>" tensor per ensemble member.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/openfluke/nowcast/dgmr"
	"github.com/openfluke/nowcast/gpu"
	"github.com/openfluke/nowcast/internal/config"
	"github.com/openfluke/nowcast/internal/inference"
	"github.com/openfluke/nowcast/internal/logging"
	"github.com/openfluke/nowcast/nn"
)

var errUsage = errors.New("usage: nowcast <init|inspect|forecast|export-weights|import-weights|devices> [flags]")

func main() {
	logging.Init(logging.Config{Level: "warn", Format: "console"})
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return runInit(rest, stdout)
	case "inspect":
		return runInspect(rest, stdout)
	case "forecast":
		return runForecast(rest, stdout)
	case "export-weights":
		return runExportWeights(rest, stdout)
	case "import-weights":
		return runImportWeights(rest, stdout)
	case "devices":
		return runDevices(rest, stdout)
	default:
		return fmt.Errorf("unknown command %q\n%w", cmd, errUsage)
	}
}

func presetConfig(variant string) (dgmr.GeneratorConfig, error) {
	switch dgmr.Variant(variant) {
	case dgmr.VariantStandard:
		return dgmr.DefaultGeneratorConfig(), nil
	case dgmr.VariantMultiscale:
		cfg := dgmr.DefaultGeneratorConfig()
		cfg.Sampler.Variant = dgmr.VariantMultiscale
		return cfg, nil
	case dgmr.VariantReduced:
		return dgmr.DefaultReducedGeneratorConfig(), nil
	}
	return dgmr.GeneratorConfig{}, fmt.Errorf("unknown variant %q", variant)
}

func runInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	out := fs.String("out", "", "bundle file to create or extend")
	variant := fs.String("variant", "", "preset: standard, multiscale or reduced (default: config file)")
	cfgPath := fs.String("config", "", "YAML config providing model.generator")
	id := fs.String("id", "", "model ID (default: config model.id)")
	seed := fs.Int64("seed", 0, "weight initialisation seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("init: -out is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	genCfg := cfg.Model.Generator
	if *variant != "" {
		if genCfg, err = presetConfig(*variant); err != nil {
			return err
		}
	}
	modelID := cfg.Model.ID
	if *id != "" {
		modelID = *id
	}

	gen, err := dgmr.NewGenerator(genCfg, *seed)
	if err != nil {
		return err
	}

	bundle := dgmr.NewBundle()
	if _, err := os.Stat(*out); err == nil {
		if bundle, err = dgmr.LoadBundle(*out); err != nil {
			return err
		}
	}
	if err := bundle.Add(modelID, gen); err != nil {
		return err
	}
	if err := bundle.SaveToFile(*out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s model %q (%d parameters) to %s\n",
		genCfg.Sampler.Variant, modelID, gen.Params().Count(), *out)
	return nil
}

func runInspect(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	path := fs.String("bundle", "", "bundle file")
	params := fs.Bool("params", false, "list every parameter")
	if err := fs.Parse(args); err != nil {
		return err
	}
	bundle, err := dgmr.LoadBundle(*path)
	if err != nil {
		return err
	}

	for _, id := range bundle.IDs() {
		gen, err := bundle.Model(id)
		if err != nil {
			return err
		}
		cfg := gen.Config()
		shape, err := gen.OutputShape(1)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\tvariant=%s\tcontext=%dx%dx%dx%d\tforecast=%v\tparams=%d\n",
			id, cfg.Sampler.Variant, cfg.ContextSteps, cfg.InputChannels, cfg.FrameHeight, cfg.FrameWidth,
			shape[1:], gen.Params().Count())
		if *params {
			ps := gen.Params()
			for _, name := range ps.Names() {
				t, _ := ps.Get(name)
				fmt.Fprintf(stdout, "  %s\t%v\n", name, t.Shape)
			}
		}
	}
	return nil
}

// bundleFlags registers the flags selecting one model of a bundle.
func bundleFlags(fs *flag.FlagSet) (path, id *string) {
	path = fs.String("bundle", "", "bundle file")
	id = fs.String("id", "", "model ID (default: the only model in the bundle)")
	return path, id
}

func loadBundleModel(path, id string) (*dgmr.Bundle, string, *dgmr.Generator, error) {
	bundle, err := dgmr.LoadBundle(path)
	if err != nil {
		return nil, "", nil, err
	}
	if id == "" {
		ids := bundle.IDs()
		if len(ids) != 1 {
			return nil, "", nil, fmt.Errorf("bundle holds %d models, choose one with -id", len(ids))
		}
		id = ids[0]
	}
	gen, err := bundle.Model(id)
	if err != nil {
		return nil, "", nil, err
	}
	return bundle, id, gen, nil
}

func runForecast(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("forecast", flag.ContinueOnError)
	path, id := bundleFlags(fs)
	in := fs.String("in", "", "safetensors file with a history tensor")
	out := fs.String("out", "", "safetensors file to write")
	members := fs.Int("members", 1, "ensemble size")
	var seed *int64
	fs.Func("seed", "noise seed of the first member (default: the model's noise seed)", func(s string) error {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		seed = &v
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return errors.New("forecast: -in and -out are required")
	}

	_, modelID, gen, err := loadBundleModel(*path, *id)
	if err != nil {
		return err
	}
	frames, err := nn.LoadSafetensors(*in)
	if err != nil {
		return err
	}
	req := inference.Request{Members: *members, Seed: seed}
	hist, ok := frames["history"]
	if !ok {
		return fmt.Errorf("%s has no history tensor", *in)
	}
	if req.History, err = tensorOf(hist); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if last, ok := frames["last"]; ok {
		if req.Last, err = tensorOf(last); err != nil {
			return fmt.Errorf("last: %w", err)
		}
	}

	engine := inference.NewEngine(modelID, gen, inference.Options{MaxMembers: max(*members, 1)})
	res, err := engine.Forecast(context.Background(), req)
	if err != nil {
		return err
	}

	tensors := make(map[string]nn.TensorWithShape, len(res.Members))
	for i, m := range res.Members {
		tensors[fmt.Sprintf("member_%d", i)] = nn.TensorWithShape{DType: "F32", Shape: m.Shape, Values: m.Data}
	}
	if err := nn.SaveSafetensors(*out, tensors); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "forecast %s: %d member(s) of %v in %s\n", res.ID, len(res.Members), res.Members[0].Shape, res.Duration)
	for i, m := range res.Members {
		s := nn.Summarize(m)
		fmt.Fprintf(stdout, "  member_%d\tmin=%.4f\tmax=%.4f\tmean=%.4f", i, s.Min, s.Max, s.Mean)
		if s.NonFinite > 0 {
			fmt.Fprintf(stdout, "\tnon_finite=%d", s.NonFinite)
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

func tensorOf(t nn.TensorWithShape) (*nn.Tensor, error) {
	return inference.TensorPayload{Shape: t.Shape, Data: t.Values}.Tensor()
}

func runExportWeights(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export-weights", flag.ContinueOnError)
	path, id := bundleFlags(fs)
	out := fs.String("out", "", "safetensors file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("export-weights: -out is required")
	}
	_, modelID, gen, err := loadBundleModel(*path, *id)
	if err != nil {
		return err
	}
	if err := gen.SaveWeightsToSafetensors(*out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported %d tensors of %q to %s\n", gen.Params().Len(), modelID, *out)
	return nil
}

func runImportWeights(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("import-weights", flag.ContinueOnError)
	path, id := bundleFlags(fs)
	in := fs.String("in", "", "safetensors file named like the model parameters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("import-weights: -in is required")
	}
	bundle, modelID, gen, err := loadBundleModel(*path, *id)
	if err != nil {
		return err
	}
	if err := gen.LoadWeightsFromSafetensors(*in); err != nil {
		return err
	}
	if err := bundle.Add(modelID, gen); err != nil {
		return err
	}
	if err := bundle.SaveToFile(*path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %d tensors into %q\n", gen.Params().Len(), modelID)
	return nil
}

func runDevices(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("devices", flag.ContinueOnError)
	vendor := fs.String("vendor", gpu.PreferredVendor, "preferred adapter vendor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	gpu.PreferredVendor = *vendor
	rep, err := gpu.Probe()
	if err != nil {
		return fmt.Errorf("no usable gpu: %w", err)
	}
	out, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, string(out))
	return err
}
