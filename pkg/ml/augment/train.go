// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/gomlx/shardbench/pkg/ml/checkpoints"
	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/ml/train/optimizers"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// Params configures Train.
type Params struct {
	Mode         Mode
	LearningRate float64
	Epochs       int

	// Alpha is the margin of the triplet loss.
	Alpha float64

	// Lambda weights the terms of the augmenter loss: adversarial, triplet, latent distance and reconstruction.
	Lambda [4]float64

	// InitialWeights re-initializes both networks with InitWeights before training.
	InitialWeights bool

	// Seed of the Bernoulli sampling in ModeZINB and of InitWeights.
	Seed int64

	// SaveDir, if set, is where both networks are saved after training, as one checkpoint.
	SaveDir string
}

// DefaultParams returns the parameters used by the augmentation command.
func DefaultParams() Params {
	return Params{
		LearningRate: optimizers.AdamDefaultLearningRate,
		Epochs:       50,
		Alpha:        0.2,
		Lambda:       [4]float64{1, 0.5, 0.1, 1},
		Seed:         1,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.LearningRate <= 0 {
		return errkind.Configurationf("learning rate must be positive, got %g", p.LearningRate)
	}
	if p.Epochs <= 0 {
		return errkind.Configurationf("number of epochs must be positive, got %d", p.Epochs)
	}
	if p.Alpha < 0 {
		return errkind.Configurationf("triplet margin must be >= 0, got %g", p.Alpha)
	}
	for i, l := range p.Lambda {
		if l < 0 {
			return errkind.Configurationf("lambda[%d] must be >= 0, got %g", i, l)
		}
	}
	return nil
}

// EpochStats are the means over the iterations of one epoch.
type EpochStats struct {
	Epoch              int
	AugmenterLoss      float64
	DiscriminatorLoss  float64
	GeneratorLoss      float64
	ReconstructionLoss float64
	TripletLoss        float64
	Duration           time.Duration

	// Adversarial counts the iterations where the discriminator was good enough and was not updated.
	Adversarial int
}

// String formats the stats the way they are printed after each epoch.
func (s EpochStats) String() string {
	return fmt.Sprintf("=====> Epoch:%d, Generator Loss: %.4f, Discriminator Loss: %.4f, Recon Loss: %.4f, Trip Loss: %.4f, Elapsed Time:%.2f",
		s.Epoch, s.AugmenterLoss, s.DiscriminatorLoss, s.ReconstructionLoss, s.TripletLoss, s.Duration.Seconds())
}

// History of a training.
type History struct {
	// AugmenterLosses and DiscriminatorLosses have one entry per iteration.
	AugmenterLosses     []float64
	DiscriminatorLosses []float64

	Epochs []EpochStats

	// SavedTo is the directory of the saved checkpoint, if Params.SaveDir was set.
	SavedTo string
}

// Trainer trains an Augmenter against a Discriminator.
type Trainer struct {
	netA       *Augmenter
	netD       *Discriminator
	params     Params
	optA, optD optimizers.Interface
	rng        *rand.Rand
	sink       tracking.Sink
	output     io.Writer
}

// NewTrainer creates a trainer. Metrics of every epoch are logged to sink, which may be nil, and the epoch
// summary lines are written to output, which may also be nil.
func NewTrainer(netA *Augmenter, netD *Discriminator, params Params, sink tracking.Sink, output io.Writer) (*Trainer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if netA.mode != params.Mode {
		return nil, errkind.Configurationf("augmenter built for mode %s, but training in mode %s", netA.mode, params.Mode)
	}
	if sink == nil {
		sink = tracking.Discard
	}
	if output == nil {
		output = io.Discard
	}
	return &Trainer{
		netA:   netA,
		netD:   netD,
		params: params,
		optA:   optimizers.Adam().LearningRate(params.LearningRate).Done(),
		optD:   optimizers.Adam().LearningRate(params.LearningRate).Done(),
		rng:    rand.New(rand.NewSource(params.Seed)),
		sink:   sink,
		output: output,
	}, nil
}

// iteration holds the losses of one training step.
type iteration struct {
	a, d, gen, recon, triplet float64
	adversarial               bool
}

// Train runs params.Epochs epochs over loader and, if params.SaveDir is set, saves both networks.
func (t *Trainer) Train(ctx context.Context, loader *data.Loader) (*History, error) {
	if loader.Dataset.NumFeatures != t.netA.numFeatures {
		return nil, errkind.Preconditionf("dataset %q has %d features, the augmenter expects %d",
			loader.Dataset.Name, loader.Dataset.NumFeatures, t.netA.numFeatures)
	}
	if loader.NumBatches() == 0 {
		return nil, errkind.Preconditionf("dataset %q yields no batches of size %d", loader.Dataset.Name, loader.BatchSize)
	}
	if t.params.InitialWeights {
		klog.V(1).Info("use initial weights")
		InitWeights(t.netA.Module(), t.params.Seed)
		InitWeights(t.netD.Module(), t.params.Seed+1)
	}

	history := &History{}
	for epoch := range t.params.Epochs {
		start := time.Now()
		loader.SetEpoch(epoch)
		stats := EpochStats{Epoch: epoch}
		var count int
		for batch := range loader.All() {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			it, err := t.step(batch.Inputs)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d, iteration %d", epoch, count)
			}
			history.AugmenterLosses = append(history.AugmenterLosses, it.a)
			history.DiscriminatorLosses = append(history.DiscriminatorLosses, it.d)
			stats.AugmenterLoss += it.a
			stats.DiscriminatorLoss += it.d
			stats.GeneratorLoss += it.gen
			stats.ReconstructionLoss += it.recon
			stats.TripletLoss += it.triplet
			if it.adversarial {
				stats.Adversarial++
			}
			count++
		}
		n := float64(count)
		stats.AugmenterLoss /= n
		stats.DiscriminatorLoss /= n
		stats.GeneratorLoss /= n
		stats.ReconstructionLoss /= n
		stats.TripletLoss /= n
		stats.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, stats)
		fmt.Fprintln(t.output, stats)
		err := t.sink.Log(epoch, tracking.Metrics{
			"augmenter_loss":      stats.AugmenterLoss,
			"discriminator_loss":  stats.DiscriminatorLoss,
			"generator_loss":      stats.GeneratorLoss,
			"reconstruction_loss": stats.ReconstructionLoss,
			"triplet_loss":        stats.TripletLoss,
			"adversarial":         float64(stats.Adversarial),
		})
		if err != nil {
			klog.Warningf("failed to log metrics of epoch %d: %v", epoch, err)
		}
	}

	if t.params.SaveDir != "" {
		dir, err := t.Save(t.params.SaveDir, t.params.Epochs)
		if err != nil {
			return history, err
		}
		history.SavedTo = dir
	}
	return history, nil
}

// step runs one discriminator update followed by one augmenter update on a batch of real samples.
func (t *Trainer) step(batch *mat.Dense) (it iteration, err error) {
	numExamples, numFeatures := batch.Dims()
	realBin := binarize(batch, RealThreshold)

	// Discriminator.
	nn.ZeroGrad(t.netD.Module())
	_, probsReal, err := t.netD.Forward(realBin)
	if err != nil {
		return it, err
	}
	lossReal, gradReal := nn.BCE(probsReal, constant(numExamples, 1))
	optimizeD := false
	if lossReal-discriminatorMargin > 0 {
		if err = t.netD.Backward(gradReal); err != nil {
			return it, err
		}
		optimizeD = true
	}

	_, fake1, err := t.netA.Forward(batch, true)
	if err != nil {
		return it, err
	}
	_, fake2, err := t.netA.Forward(batch, false)
	if err != nil {
		return it, err
	}
	var fake1Bin, fake2Bin, fake *mat.Dense
	if t.params.Mode == ModeZINB {
		probs1 := mat.NewDense(numExamples, numFeatures, nil)
		probs1.MulElem(realBin, fake1.Slice(0, numExamples, numFeatures, 2*numFeatures))
		probs2 := mat.NewDense(numExamples, numFeatures, nil)
		probs2.MulElem(realBin, fake2.Slice(0, numExamples, numFeatures, 2*numFeatures))
		fake1Bin = bernoulli(probs1, t.rng)
		fake2Bin = bernoulli(probs2, t.rng)
		fake = mat.NewDense(numExamples, numFeatures, nil)
		fake.MulElem(fake2.Slice(0, numExamples, 0, numFeatures), realBin)
	} else {
		fake1Bin = binarize(fake1, AugmentedThreshold)
		fake2Bin = binarize(fake2, AugmentedThreshold)
		fake = fake2
	}

	zeros := constant(numExamples, 0)
	_, probsFake1, err := t.netD.Forward(fake1Bin)
	if err != nil {
		return it, err
	}
	lossFake1, gradFake1 := nn.BCE(probsFake1, zeros)
	_, probsFake2, err := t.netD.Forward(fake2Bin)
	if err != nil {
		return it, err
	}
	lossFake2, gradFake2 := nn.BCE(probsFake2, zeros)
	lossFake := (lossFake1 + lossFake2) / 2
	if lossFake-discriminatorMargin > 0 {
		// The discriminator caches only its last forward pass: fake2Bin first, then fake1Bin again.
		gradFake2.Scale(0.5, gradFake2)
		if err = t.netD.Backward(gradFake2); err != nil {
			return it, err
		}
		if _, _, err = t.netD.Forward(fake1Bin); err != nil {
			return it, err
		}
		gradFake1.Scale(0.5, gradFake1)
		if err = t.netD.Backward(gradFake1); err != nil {
			return it, err
		}
		optimizeD = true
	}
	it.d = lossReal + lossFake
	if optimizeD {
		if err = t.optD.Step(nn.AllParams(t.netD.Module())); err != nil {
			return it, errors.WithMessage(err, "discriminator optimizer")
		}
	} else {
		it.adversarial = true
	}

	// Augmenter: the binarized samples are constants, so only the reconstruction of fake2 carries a
	// gradient back to the augmenter.
	nn.ZeroGrad(t.netA.Module())
	z1, probsFake1, err := t.netD.Forward(fake1Bin)
	if err != nil {
		return it, err
	}
	z2, probsFake2, err := t.netD.Forward(fake2Bin)
	if err != nil {
		return it, err
	}
	ones := constant(numExamples, 1)
	gen1, _ := nn.BCE(probsFake1, ones)
	gen2, _ := nn.BCE(probsFake2, ones)
	it.gen = (gen1 + gen2) / 2
	it.triplet = tripletLoss(realBin, fake2Bin, fake1Bin, t.params.Alpha)
	latentDistance, _ := nn.MSE(z1, z2)
	mseRecon, gradRecon := nn.MSE(fake, batch)
	bceRecon, _ := nn.BCE(fake2Bin, realBin)
	it.recon = (mseRecon + bceRecon) / 2
	lambda := t.params.Lambda
	it.a = lambda[0]*it.gen + lambda[1]*it.triplet + lambda[2]*latentDistance + lambda[3]*it.recon

	gradRecon.Scale(lambda[3]/2, gradRecon)
	gradOutput := gradRecon
	if t.params.Mode == ModeZINB {
		gradOutput = mat.NewDense(numExamples, 2*numFeatures, nil)
		gradValues := gradOutput.Slice(0, numExamples, 0, numFeatures).(*mat.Dense)
		gradValues.MulElem(gradRecon, realBin)
	}
	if err = t.netA.Backward(gradOutput); err != nil {
		return it, err
	}
	if err = t.optA.Step(nn.AllParams(t.netA.Module())); err != nil {
		return it, errors.WithMessage(err, "augmenter optimizer")
	}
	return it, nil
}

// Save writes both networks to a checkpoint in dir, tagged with step, and returns the directory.
func (t *Trainer) Save(dir string, step int) (string, error) {
	stateA, err := nn.StateDict(t.netA.Module())
	if err != nil {
		return "", err
	}
	stateD, err := nn.StateDict(t.netD.Module())
	if err != nil {
		return "", err
	}
	saver, err := checkpoints.Build(dir).Done()
	if err != nil {
		return "", err
	}
	p := t.params
	err = saver.Save(step, append(stateA, stateD...), map[string]any{
		"mode":          p.Mode.String(),
		"learning_rate": p.LearningRate,
		"epochs":        p.Epochs,
		"alpha":         p.Alpha,
		"lambda":        p.Lambda[:],
		"num_features":  t.netA.numFeatures,
	})
	if err != nil {
		return "", errors.WithMessagef(err, "saving augmenter to %q", dir)
	}
	return saver.Dir(), nil
}

// LoadNetworks restores both networks from the latest checkpoint in dir.
func LoadNetworks(dir string, netA *Augmenter, netD *Discriminator) (*checkpoints.Checkpoint, error) {
	handler, err := checkpoints.Load(dir).Done()
	if err != nil {
		return nil, err
	}
	loaded := handler.Loaded()
	if err = nn.LoadStateDict(netA.Module(), loaded.Tensors); err != nil {
		return nil, errors.WithMessage(err, "augmenter")
	}
	if err = nn.LoadStateDict(netD.Module(), loaded.Tensors); err != nil {
		return nil, errors.WithMessage(err, "discriminator")
	}
	return loaded, nil
}
