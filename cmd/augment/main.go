// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// augment trains a data augmenter for sparse non-negative data (e.g. gene expression counts): an
// auto-encoder whose noisy reconstructions are pushed to look real to a discriminator, while staying close
// to the sample they were generated from.
//
// The data is read from a CSV file (-data) or generated. The trained augmenter and discriminator are
// saved as one checkpoint in -save-dir.
//
// Examples:
//
//	augment -data=counts.csv -label-column=cluster -epochs=100 -save-dir=augmenter
//	augment -mode=ZINB -features=200 -examples=5000 -lambda=1,0.5,0.1,1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/shardbench/pkg/ml/augment"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

// options collects the command line flags.
type options struct {
	params  augment.Params
	network augment.NetworkConfig

	dataPath, labelColumn string
	numExamples           int
	batchSize             int
	metricsJSONL          string
}

func defaultOptions() options {
	return options{
		params:      augment.DefaultParams(),
		network:     augment.DefaultNetworkConfig(100),
		labelColumn: "label",
		numExamples: 2000,
		batchSize:   128,
	}
}

// parseFlags parses args into the options, starting from defaultOptions.
func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	opts := defaultOptions()
	fs.Func("mode", "Augmentation mode, MSE or ZINB.", func(v string) (err error) {
		opts.params.Mode, err = augment.ParseMode(v)
		opts.network.Mode = opts.params.Mode
		return err
	})
	fs.Float64Var(&opts.params.LearningRate, "lr", opts.params.LearningRate, "Learning rate of both Adam optimizers.")
	fs.IntVar(&opts.params.Epochs, "epochs", opts.params.Epochs, "Number of epochs to train.")
	fs.Float64Var(&opts.params.Alpha, "alpha", opts.params.Alpha, "Margin of the triplet loss.")
	fs.Func("lambda", "Four comma-separated weights of the adversarial, triplet, latent and reconstruction losses.",
		func(v string) error {
			parts := strings.Split(v, ",")
			if len(parts) != len(opts.params.Lambda) {
				return errkind.Configurationf("-lambda needs %d values, got %q", len(opts.params.Lambda), v)
			}
			for i, part := range parts {
				l, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
				if err != nil {
					return errkind.Configurationf("-lambda: invalid value %q", part)
				}
				opts.params.Lambda[i] = l
			}
			return nil
		})
	fs.BoolVar(&opts.params.InitialWeights, "initial-weights", false, "Re-initialize the weights from N(0, 0.02) before training.")
	fs.Int64Var(&opts.params.Seed, "seed", opts.params.Seed, "Random seed.")
	fs.StringVar(&opts.params.SaveDir, "save-dir", "", "Directory where the trained networks are saved. Empty to not save.")
	fs.IntVar(&opts.network.Hidden, "hidden", opts.network.Hidden, "Width of the hidden layers.")
	fs.IntVar(&opts.network.Latent, "latent", opts.network.Latent, "Dimension of the latent code.")
	fs.Float64Var(&opts.network.NoiseStd, "noise", opts.network.NoiseStd, "Standard deviation of the latent noise.")
	fs.StringVar(&opts.dataPath, "data", "", "CSV file with the samples. If empty a synthetic dataset is generated.")
	fs.StringVar(&opts.labelColumn, "label-column", opts.labelColumn, "Label column of the CSV file, ignored by the augmenter.")
	fs.IntVar(&opts.network.NumFeatures, "features", opts.network.NumFeatures, "Number of features of the synthetic dataset.")
	fs.IntVar(&opts.numExamples, "examples", opts.numExamples, "Number of examples of the synthetic dataset.")
	fs.IntVar(&opts.batchSize, "batch-size", opts.batchSize, "Batch size.")
	fs.StringVar(&opts.metricsJSONL, "metrics-jsonl", "", "If set, the metrics of each epoch are appended to this JSON-lines file.")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, errkind.Configurationf("unexpected arguments %q", fs.Args())
	}
	if opts.batchSize <= 0 || opts.numExamples <= 0 {
		return opts, errkind.Configurationf("-batch-size and -examples must be positive")
	}
	opts.network.Seed = opts.params.Seed
	return opts, opts.params.Validate()
}

// loadDataset reads the CSV file or generates a sparse synthetic dataset.
func loadDataset(opts options) (*data.Dataset, error) {
	if opts.dataPath != "" {
		return data.LoadCSVFile(opts.dataPath, opts.labelColumn)
	}
	return data.Synthetic(data.SyntheticConfig{
		Name:        "synthetic",
		NumExamples: opts.numExamples,
		NumFeatures: opts.network.NumFeatures,
		NumClasses:  5,
		Noise:       0.3,
		Seed:        opts.params.Seed,
	})
}

func run(ctx context.Context, opts options) error {
	ds, err := loadDataset(opts)
	if err != nil {
		return err
	}
	opts.network.NumFeatures = ds.NumFeatures
	netA, err := augment.NewAugmenter(opts.network)
	if err != nil {
		return err
	}
	netD, err := augment.NewDiscriminator(opts.network)
	if err != nil {
		return err
	}
	sinks := tracking.Multi{&tracking.Klog{Prefix: "augment", Verbosity: 1}}
	if opts.metricsJSONL != "" {
		jsonl, err := tracking.NewJSONL(opts.metricsJSONL, "augment")
		if err != nil {
			return err
		}
		sinks = append(sinks, jsonl)
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			klog.Warningf("closing metrics sinks: %v", err)
		}
	}()

	trainer, err := augment.NewTrainer(netA, netD, opts.params, sinks, os.Stdout)
	if err != nil {
		return err
	}
	loader := data.NewLoader(ds, nil, opts.batchSize)
	loader.DropIncompleteBatch = true
	klog.Infof("training %s augmenter on %q: %d examples, %d features", opts.params.Mode, ds.Name, ds.Len(), ds.NumFeatures)
	history, err := trainer.Train(ctx, loader)
	if err != nil {
		return err
	}
	if history.SavedTo != "" {
		fmt.Printf("Augmenter saved to %s\n", history.SavedTo)
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	opts := must.M1(parseFlags(flag.CommandLine, os.Args[1:]))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := exceptions.TryCatch[error](func() { must.M(run(ctx, opts)) })
	if err != nil {
		klog.Errorf("augment failed: %+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
