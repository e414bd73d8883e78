// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"
	"testing"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func lossOf(t *testing.T, m Module, x *mat.Dense, labels []int) float64 {
	logits, err := m.Forward(x)
	require.NoError(t, err)
	loss, _, _, err := LogSoftmaxNLL(logits, labels)
	require.NoError(t, err)
	return loss
}

func TestMLPGradients(t *testing.T) {
	model, err := MLP("toy", []int{3, 4, 5, 2}, newRand(1))
	require.NoError(t, err)
	assert.Len(t, model.Children(), 3)
	assert.Equal(t, 3*4+4+4*5+5+5*2+2, CountParams(model))

	x := mat.NewDense(2, 3, []float64{0.1, -0.2, 0.3, 0.5, 0.4, -0.6})
	labels := []int{1, 0}
	logits, err := model.Forward(x)
	require.NoError(t, err)
	_, _, grad, err := LogSoftmaxNLL(logits, labels)
	require.NoError(t, err)
	ZeroGrad(model)
	_, err = model.Backward(grad)
	require.NoError(t, err)

	// Compare with finite differences.
	const eps = 1e-6
	for _, p := range AllParams(model) {
		for i := range p.Data {
			original := p.Data[i]
			p.Data[i] = original + eps
			plus := lossOf(t, model, x, labels)
			p.Data[i] = original - eps
			minus := lossOf(t, model, x, labels)
			p.Data[i] = original
			numeric := (plus - minus) / (2 * eps)
			assert.InDeltaf(t, numeric, p.Grad[i], 1e-5, "%s[%d]", p, i)
		}
	}
}

func TestLogSoftmaxNLL(t *testing.T) {
	logits := mat.NewDense(2, 2, []float64{0, 0, 3, 1})
	loss, correct, grad, err := LogSoftmaxNLL(logits, []int{0, 0})
	require.NoError(t, err)
	assert.InDelta(t, math.Ln2+math.Log(1+math.Exp(-2)), loss, 1e-12)
	assert.Equal(t, 2, correct, "ties resolve to the first class")
	assert.InDelta(t, -0.5, grad.At(0, 0), 1e-12)

	_, _, _, err = LogSoftmaxNLL(logits, []int{0, 2})
	assert.Error(t, err)
}

func TestMSEAndBCE(t *testing.T) {
	pred := mat.NewDense(1, 2, []float64{1, 3})
	target := mat.NewDense(1, 2, []float64{0, 3})
	loss, grad := MSE(pred, target)
	assert.Equal(t, 0.5, loss)
	assert.Equal(t, []float64{1, 0}, grad.RawRowView(0))

	probs := mat.NewDense(1, 2, []float64{0.5, 0.5})
	loss, _ = BCE(probs, mat.NewDense(1, 2, []float64{1, 0}))
	assert.InDelta(t, math.Ln2, loss, 1e-9)
}

func TestActivations(t *testing.T) {
	x := mat.NewDense(1, 3, []float64{-1, 0, 2})
	relu := ReLU("relu")
	y, err := relu.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 2}, y.RawRowView(0))
	g, err := relu.Backward(mat.NewDense(1, 3, []float64{1, 1, 1}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 1}, g.RawRowView(0))

	_, err = Sigmoid("s").Backward(x)
	assert.Error(t, err, "Backward without Forward")
}

func TestModelKinds(t *testing.T) {
	for _, k := range ModelKinds {
		parsed, err := ParseModelKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseModelKind("resnet")
	assert.ErrorIs(t, err, errkind.Configuration)

	assert.Equal(t, []int{9216, 128, 10}, ModelNet.Dims(9216, 10, 1))
	assert.Equal(t, []int{9216, 9000, 1000, 1000, 1000, 128, 10}, ModelDeep.Dims(9216, 10, 1))
	deepest := ModelDeepest.Dims(9216, 10, 1)
	assert.Len(t, deepest, 83)
	assert.Equal(t, 2000, deepest[80])
	assert.Equal(t, []int{784, 90, 10, 10}, ModelDeep.Dims(784, 10, 0.01)[:4])

	model, err := ModelNet.Build(20, 4, 0.5, 3)
	require.NoError(t, err)
	assert.Equal(t, 20*64+64+64*4+4, CountParams(model))
	_, err = ModelNet.Build(20, 4, 0, 3)
	assert.ErrorIs(t, err, errkind.Configuration)
	_, err = MLP("bad", []int{3}, newRand(0))
	assert.ErrorIs(t, err, errkind.Configuration)
}

func TestStateDict(t *testing.T) {
	a, err := ModelNet.Build(5, 2, 0.1, 1)
	require.NoError(t, err)
	b, err := ModelNet.Build(5, 2, 0.1, 2)
	require.NoError(t, err)
	state, err := StateDict(a)
	require.NoError(t, err)
	require.NoError(t, LoadStateDict(b, state))
	stateB, err := StateDict(b)
	require.NoError(t, err)
	assert.Equal(t, state, stateB)

	AllParams(b)[0].Data = nil
	_, err = StateDict(b)
	assert.Error(t, err)
	assert.Error(t, LoadStateDict(a, state[1:]))
}
