package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"voxelreg/internal/models"
	"voxelreg/pkg/config"
	"voxelreg/pkg/registration"
	"voxelreg/pkg/visualization"
	"voxelreg/pkg/volume"
	"voxelreg/pkg/xform"
)

// lowOverlapFraction is the share of reference voxels below which the result is flagged.
const lowOverlapFraction = 0.1

func main() {
	// Parse command line arguments
	refDir := flag.String("ref", "", "Directory containing the reference slice stack")
	fltDir := flag.String("flt", "", "Directory containing the floating slice stack")
	configPath := flag.String("config", "voxelreg.yaml", "Configuration file (defaults are used if it does not exist)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	metricName := flag.String("metric", "", "Override the similarity metric (nmi, mi, cr, msd, ncc)")
	numCores := flag.Int("cores", 0, "Number of CPU cores to use (default: from configuration)")
	sliceGap := flag.Float64("gap", 0, "Inter-slice gap in mm (default: from configuration)")
	qaDir := flag.String("qa-dir", "", "Directory to save checkerboard fusion slices")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *refDir == "" || *fltDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *metricName != "" {
		cfg.Registration.Metric = *metricName
	}
	if *numCores > 0 {
		cfg.Registration.Threads = *numCores
	}
	if *sliceGap > 0 {
		cfg.Input.SliceGap = *sliceGap
	}
	if *qaDir != "" {
		cfg.Output.QADir = *qaDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level := slog.LevelWarn
	if cfg.Output.Verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("VOXEL SIMILARITY REGISTRATION OF 3D MRI SLICE STACKS")
	fmt.Println("================================")

	ref, flt, err := loadVolumes(cfg, *refDir, *fltDir)
	if err != nil {
		log.Fatalf("Failed to load volumes: %v", err)
	}
	fmt.Printf("Reference: %v voxels of %v mm\n", ref.Dims, ref.Delta)
	fmt.Printf("Floating:  %v voxels of %v mm (%s)\n", flt.Dims, flt.Delta, flt.Class)

	x, err := initialTransform(cfg, ref, flt)
	if err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	opts, err := cfg.FunctionalOptions()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	settings, err := cfg.OptimizerSettings()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Printf("Registering with %s over %d resolution levels using %d cores...\n",
		opts.Metric, settings.Levels, opts.Threads)
	startTime := time.Now()
	outcome, err := registration.RegisterPair(ctx, ref, flt, x, opts, settings)
	if err != nil {
		if errors.Is(err, registration.ErrNoOverlap) {
			log.Fatalf("Registration failed: images do not overlap under the current transformation")
		}
		log.Fatalf("Registration failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nRegistration completed in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("=======================================\n")
	fmt.Printf("Metric (%s): %.6f\n", opts.Metric, outcome.Result.Value)
	fmt.Printf("Effective samples: %d\n", outcome.Result.Samples)
	fmt.Printf("Evaluations: %d (%v)\n", outcome.Evaluations, outcome.Status)
	fmt.Printf("Transformation: %v\n", x)

	if total := ref.CropRegion().Size(); float64(outcome.Result.Samples) < lowOverlapFraction*float64(total) {
		fmt.Printf("Warning: only %d of %d reference voxels overlap the floating image\n",
			outcome.Result.Samples, total)
	}

	if cfg.Output.QADir != "" {
		fmt.Printf("\nSaving checkerboard fusion slices to: %s\n", cfg.Output.QADir)
		if err := saveFusion(ref, flt, x, cfg.Output.QADir); err != nil {
			log.Printf("Warning: Failed to save fusion slices: %v", err)
		}
	}
}

func loadVolumes(cfg *config.Config, refDir, fltDir string) (*volume.Volume, *volume.Volume, error) {
	class, err := cfg.DataClass()
	if err != nil {
		return nil, nil, err
	}
	ref, err := volume.LoadSliceStack(refDir, cfg.Delta(), models.DataClassContinuous)
	if err != nil {
		return nil, nil, fmt.Errorf("reference: %w", err)
	}
	flt, err := volume.LoadSliceStack(fltDir, cfg.Delta(), class)
	if err != nil {
		return nil, nil, fmt.Errorf("floating: %w", err)
	}

	if cfg.Registration.AutoCrop {
		ref.AutoCrop(cfg.Registration.Background)
		flt.AutoCrop(cfg.Registration.Background)
	}
	return ref, flt, nil
}

// initialTransform seeds the reference to floating map from image moments. The initializer
// maps a shared template onto each image; using the reference grid as template, the chain
// template->reference inverted and then template->floating is the reference to floating map.
func initialTransform(cfg *config.Config, ref, flt *volume.Volume) (*xform.Affine, error) {
	ini := registration.NewAffineInitializer(cfg.InitializerOptions())
	xforms, err := ini.InitializeXforms(ref.CloneGrid(), []*volume.Volume{ref, flt})
	if err != nil {
		return nil, err
	}

	chain := xform.NewList()
	chain.SetEpsilon(cfg.Xform.InversionTolerance)
	if err := chain.Add(xforms[0], true); err != nil {
		return nil, err
	}
	if err := chain.Add(xforms[1], false); err != nil {
		return nil, err
	}
	return chain.Collapse()
}

func saveFusion(ref, flt *volume.Volume, x xform.Transform, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	center := ref.CropRegion()
	for axis, dim := range map[string]int{"x": 0, "y": 1, "z": 2} {
		position := (center.From[dim] + center.To[dim]) / 2
		img, err := visualization.Fusion(ref, flt, x, axis, position, 16)
		if err != nil {
			return err
		}
		scaled, err := visualization.NewViewer(ref).ScaleToAspect(img, axis)
		if err != nil {
			return err
		}
		filename := filepath.Join(dir, fmt.Sprintf("fusion_%s.png", axis))
		if err := visualization.SaveSlice(scaled, filename); err != nil {
			return err
		}
	}
	return nil
}
