// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"math/rand"
	"strings"

	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Mode selects how the augmented samples are produced and binarized.
type Mode int

const (
	// ModeMSE: the augmenter outputs one value per feature, binarized with a fixed threshold.
	ModeMSE Mode = iota

	// ModeZINB: the augmenter outputs a value and a probability per feature. The binarized sample draws
	// each feature present in the real data from a Bernoulli with that probability.
	ModeZINB
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == ModeZINB {
		return "ZINB"
	}
	return "MSE"
}

// ParseMode converts "MSE" or "ZINB" (case-insensitive) to a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToUpper(name) {
	case "MSE":
		return ModeMSE, nil
	case "ZINB":
		return ModeZINB, nil
	}
	return 0, errkind.Configurationf("unknown augmentation mode %q, valid values are MSE and ZINB", name)
}

// NetworkConfig describes the sizes of the augmenter and the discriminator.
type NetworkConfig struct {
	NumFeatures int
	Hidden      int
	Latent      int

	// NoiseStd is the standard deviation of the Gaussian noise added to the latent code of the
	// augmenter when asked for a noisy sample.
	NoiseStd float64

	Mode Mode
	Seed int64
}

// DefaultNetworkConfig returns the configuration for numFeatures features.
func DefaultNetworkConfig(numFeatures int) NetworkConfig {
	return NetworkConfig{NumFeatures: numFeatures, Hidden: 100, Latent: 10, NoiseStd: 0.5, Seed: 1}
}

func (c NetworkConfig) validate() error {
	if c.NumFeatures <= 0 || c.Hidden <= 0 || c.Latent <= 0 || c.NoiseStd < 0 {
		return errkind.Configurationf("invalid augmentation network configuration %+v", c)
	}
	return nil
}

// Augmenter is an auto-encoder that generates variations of its input: the latent code can be perturbed
// with Gaussian noise before decoding.
type Augmenter struct {
	root             *nn.Sequential
	encoder, decoder *nn.Sequential
	noiseStd         float64
	mode             Mode
	numFeatures      int
	rng              *rand.Rand
}

// NewAugmenter creates the augmenter. Its outputs are in (0, 1): NumFeatures values in ModeMSE, and
// NumFeatures values followed by NumFeatures probabilities in ModeZINB.
func NewAugmenter(cfg NetworkConfig) (*Augmenter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	outDim := cfg.NumFeatures
	if cfg.Mode == ModeZINB {
		outDim *= 2
	}
	encoder, err := nn.MLP("augmenter.encoder", []int{cfg.NumFeatures, cfg.Hidden, cfg.Latent}, rng)
	if err != nil {
		return nil, err
	}
	decoder, err := nn.MLP("augmenter.decoder", []int{cfg.Latent, cfg.Hidden, outDim}, rng)
	if err != nil {
		return nil, err
	}
	decoder.Append(nn.Sigmoid("augmenter.decoder.sigmoid"))
	return &Augmenter{
		root:        nn.NewSequential("augmenter", encoder, decoder),
		encoder:     encoder,
		decoder:     decoder,
		noiseStd:    cfg.NoiseStd,
		mode:        cfg.Mode,
		numFeatures: cfg.NumFeatures,
		rng:         rand.New(rand.NewSource(cfg.Seed + 1)),
	}, nil
}

// Module returns the module tree holding all parameters, e.g. for nn.StateDict.
func (a *Augmenter) Module() nn.Module { return a.root }

// Forward returns the latent code and the augmented sample of x. With noise the latent code is perturbed
// before decoding.
func (a *Augmenter) Forward(x *mat.Dense, noise bool) (z, out *mat.Dense, err error) {
	z, err = a.encoder.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	decoderInput := z
	if noise && a.noiseStd > 0 {
		decoderInput = mat.DenseCopyOf(z)
		decoderInput.Apply(func(_, _ int, v float64) float64 { return v + a.noiseStd*a.rng.NormFloat64() }, decoderInput)
	}
	out, err = a.decoder.Forward(decoderInput)
	if err != nil {
		return nil, nil, err
	}
	return z, out, nil
}

// Backward propagates the gradient of the output of the last Forward through the decoder and the encoder.
// The noise is additive, so it passes the gradient unchanged.
func (a *Augmenter) Backward(gradOutput *mat.Dense) error {
	gradLatent, err := a.decoder.Backward(gradOutput)
	if err != nil {
		return errors.WithMessage(err, "augmenter")
	}
	_, err = a.encoder.Backward(gradLatent)
	return errors.WithMessage(err, "augmenter")
}

// Discriminator classifies binarized samples as real (1) or augmented (0), exposing its latent features.
type Discriminator struct {
	root       *nn.Sequential
	body, head *nn.Sequential
}

// NewDiscriminator creates the discriminator for cfg.NumFeatures features.
func NewDiscriminator(cfg NetworkConfig) (*Discriminator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed + 2))
	body, err := nn.MLP("discriminator.body", []int{cfg.NumFeatures, cfg.Hidden, cfg.Latent}, rng)
	if err != nil {
		return nil, err
	}
	head := nn.NewSequential("discriminator.head",
		nn.NewLinear("discriminator.head.linear", cfg.Latent, 1, rng),
		nn.Sigmoid("discriminator.head.sigmoid"))
	return &Discriminator{root: nn.NewSequential("discriminator", body, head), body: body, head: head}, nil
}

// Module returns the module tree holding all parameters.
func (d *Discriminator) Module() nn.Module { return d.root }

// Forward returns the latent features and the probability of being real of each sample (one column).
func (d *Discriminator) Forward(x *mat.Dense) (z, probs *mat.Dense, err error) {
	z, err = d.body.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	probs, err = d.head.Forward(z)
	if err != nil {
		return nil, nil, err
	}
	return z, probs, nil
}

// Backward propagates the gradient of the probabilities of the last Forward, accumulating the gradients
// of the parameters.
func (d *Discriminator) Backward(gradProbs *mat.Dense) error {
	gradLatent, err := d.head.Backward(gradProbs)
	if err != nil {
		return errors.WithMessage(err, "discriminator")
	}
	_, err = d.body.Backward(gradLatent)
	return errors.WithMessage(err, "discriminator")
}

// InitWeights re-initializes the weights of m from a normal distribution with standard deviation 0.02, and
// zeroes the biases.
func InitWeights(m nn.Module, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for _, p := range nn.AllParams(m) {
		if strings.HasSuffix(p.Name, ".bias") {
			clear(p.Data)
			continue
		}
		for i := range p.Data {
			p.Data[i] = 0.02 * rng.NormFloat64()
		}
	}
}
