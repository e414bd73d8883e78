// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/gomlx/shardbench/pkg/ml/data"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// sparseDataset has non-negative features, about a third of them zero.
func sparseDataset(numExamples, numFeatures int) *data.Dataset {
	rng := rand.New(rand.NewSource(7))
	ds := &data.Dataset{Name: "sparse", NumFeatures: numFeatures, NumClasses: 1}
	for range numExamples {
		row := make([]float64, numFeatures)
		for j := range row {
			if rng.Float64() > 0.3 {
				row[j] = rng.Float64()
			}
		}
		ds.Inputs = append(ds.Inputs, row)
		ds.Labels = append(ds.Labels, 0)
	}
	return ds
}

func smallNetworks(t *testing.T, numFeatures int, mode Mode) (*Augmenter, *Discriminator) {
	cfg := DefaultNetworkConfig(numFeatures)
	cfg.Hidden, cfg.Latent, cfg.Mode = 12, 4, mode
	netA, err := NewAugmenter(cfg)
	require.NoError(t, err)
	netD, err := NewDiscriminator(cfg)
	require.NoError(t, err)
	return netA, netD
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("zinb")
	require.NoError(t, err)
	assert.Equal(t, ModeZINB, mode)
	assert.Equal(t, "MSE", ModeMSE.String())
	_, err = ParseMode("poisson")
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestBinarize(t *testing.T) {
	x := mat.NewDense(1, 4, []float64{0, 5e-5, 2e-4, 0.7})
	assert.Equal(t, []float64{0, 0, 1, 1}, binarize(x, RealThreshold).RawMatrix().Data)
	assert.Equal(t, []float64{0, 0, 0, 1}, binarize(x, AugmentedThreshold).RawMatrix().Data)

	probs := mat.NewDense(2, 2, []float64{0, 1, 1, 0})
	assert.Equal(t, []float64{0, 1, 1, 0}, bernoulli(probs, rand.New(rand.NewSource(1))).RawMatrix().Data)
}

func TestTripletLoss(t *testing.T) {
	anchor := mat.NewDense(2, 3, []float64{1, 0, 1, 0, 0, 1})
	opposite := mat.NewDense(2, 3, nil)
	opposite.Apply(func(_, _ int, v float64) float64 { return 1 - v }, anchor)

	// The positive equals the anchor and the negative is far: no loss.
	assert.InDelta(t, 0, tripletLoss(anchor, anchor, opposite, 0.2), 1e-9)

	// Swapped: the distance is -log(1e-12) per element, plus the margin.
	assert.InDelta(t, -math.Log(1e-12)+0.2, tripletLoss(anchor, opposite, anchor, 0.2), 1e-3)
}

func TestNetworks(t *testing.T) {
	x := mat.NewDense(3, 5, nil)
	for _, mode := range []Mode{ModeMSE, ModeZINB} {
		netA, netD := smallNetworks(t, 5, mode)
		z, out, err := netA.Forward(x, true)
		require.NoError(t, err)
		_, latent := z.Dims()
		assert.Equal(t, 4, latent)
		rows, cols := out.Dims()
		assert.Equal(t, 3, rows)
		if mode == ModeZINB {
			assert.Equal(t, 10, cols)
		} else {
			assert.Equal(t, 5, cols)
		}
		for _, v := range out.RawMatrix().Data {
			assert.True(t, v > 0 && v < 1)
		}

		z, probs, err := netD.Forward(x)
		require.NoError(t, err)
		_, latent = z.Dims()
		assert.Equal(t, 4, latent)
		_, cols = probs.Dims()
		assert.Equal(t, 1, cols)
	}

	_, err := NewAugmenter(NetworkConfig{NumFeatures: 0, Hidden: 1, Latent: 1})
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestInitWeights(t *testing.T) {
	netA, _ := smallNetworks(t, 6, ModeMSE)
	InitWeights(netA.Module(), 3)
	var sumSq float64
	var count int
	for _, p := range nn.AllParams(netA.Module()) {
		if strings.HasSuffix(p.Name, ".bias") {
			assert.Equal(t, make([]float64, len(p.Data)), p.Data, p.Name)
			continue
		}
		for _, v := range p.Data {
			sumSq += v * v
			count++
		}
	}
	assert.InDelta(t, 0.02, math.Sqrt(sumSq/float64(count)), 0.005)
}

func TestStepUpdatesUndecidedDiscriminator(t *testing.T) {
	netA, netD := smallNetworks(t, 6, ModeMSE)
	for _, p := range nn.AllParams(netD.Module()) {
		clear(p.Data)
	}
	trainer, err := NewTrainer(netA, netD, DefaultParams(), nil, nil)
	require.NoError(t, err)

	batch := mat.NewDense(4, 6, []float64{
		0.5, 0, 0.2, 0, 0.9, 0.1,
		0, 0.3, 0, 0.4, 0, 0.8,
		0.7, 0.7, 0, 0, 0.1, 0,
		0, 0, 0.6, 0.2, 0, 0.3,
	})
	it, err := trainer.step(batch)
	require.NoError(t, err)

	// A discriminator answering 0.5 everywhere loses ln 2 on real and on augmented samples, above the margin.
	assert.InDelta(t, 2*math.Ln2, it.d, 1e-9)
	assert.False(t, it.adversarial)
	var changed bool
	for _, p := range nn.AllParams(netD.Module()) {
		for _, v := range p.Data {
			changed = changed || v != 0
		}
	}
	assert.True(t, changed, "discriminator was not updated")
}

func TestTrain(t *testing.T) {
	for _, mode := range []Mode{ModeMSE, ModeZINB} {
		t.Run(mode.String(), func(t *testing.T) {
			netA, netD := smallNetworks(t, 8, mode)
			before, err := nn.StateDict(netA.Module())
			require.NoError(t, err)

			loader := data.NewLoader(sparseDataset(70, 8), nil, 16)
			loader.DropIncompleteBatch = true
			params := DefaultParams()
			params.Mode = mode
			params.Epochs = 3
			params.InitialWeights = true
			params.SaveDir = t.TempDir()
			sink := &tracking.Memory{}
			var output bytes.Buffer
			trainer, err := NewTrainer(netA, netD, params, sink, &output)
			require.NoError(t, err)

			history, err := trainer.Train(context.Background(), loader)
			require.NoError(t, err)
			assert.Len(t, history.AugmenterLosses, 12)
			assert.Len(t, history.DiscriminatorLosses, 12)
			require.Len(t, history.Epochs, 3)
			for i, stats := range history.Epochs {
				assert.Equal(t, i, stats.Epoch)
				assert.True(t, stats.Adversarial >= 0 && stats.Adversarial <= 4)
				assert.False(t, math.IsNaN(stats.AugmenterLoss))
				assert.Greater(t, stats.DiscriminatorLoss, 0.0)
			}
			assert.Equal(t, 3, strings.Count(output.String(), "=====> Epoch:"))
			assert.Contains(t, output.String(), "Trip Loss:")
			assert.Len(t, sink.History, 3)

			after, err := nn.StateDict(netA.Module())
			require.NoError(t, err)
			assert.NotEqual(t, before, after, "augmenter parameters did not change")

			// Saved networks load into fresh ones.
			require.NotEmpty(t, history.SavedTo)
			freshA, freshD := smallNetworks(t, 8, mode)
			loaded, err := LoadNetworks(history.SavedTo, freshA, freshD)
			require.NoError(t, err)
			assert.Equal(t, 3, loaded.Step)
			assert.Equal(t, mode.String(), loaded.Params["mode"])
			restored, err := nn.StateDict(freshA.Module())
			require.NoError(t, err)
			assert.Equal(t, after, restored)
		})
	}
}

func TestTrainErrors(t *testing.T) {
	netA, netD := smallNetworks(t, 8, ModeMSE)
	params := DefaultParams()
	params.Mode = ModeZINB
	_, err := NewTrainer(netA, netD, params, nil, nil)
	assert.ErrorIs(t, err, errkind.Configuration)

	params = DefaultParams()
	params.Epochs = 0
	_, err = NewTrainer(netA, netD, params, nil, nil)
	assert.ErrorIs(t, err, errkind.Configuration)

	trainer, err := NewTrainer(netA, netD, DefaultParams(), nil, nil)
	require.NoError(t, err)
	_, err = trainer.Train(context.Background(), data.NewLoader(sparseDataset(10, 3), nil, 4))
	assert.ErrorIs(t, err, errkind.Precondition)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = trainer.Train(ctx, data.NewLoader(sparseDataset(10, 8), nil, 4))
	assert.ErrorIs(t, err, context.Canceled)
}
