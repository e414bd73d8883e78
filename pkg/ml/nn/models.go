// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/gomlx/shardbench/pkg/support/errkind"
)

// MLP builds a multi-layer perceptron from consecutive (in, out) pairs of dims: dims[0] is the input
// dimension and dims[len(dims)-1] the output. Each hidden layer is a block "Linear -> ReLU"; the last
// layer is a plain Linear, producing logits.
//
// The result is a tree: the root Sequential holds one Sequential block per hidden layer, so the
// sharding transformer can wrap each block separately.
func MLP(name string, dims []int, rng *rand.Rand) (*Sequential, error) {
	if len(dims) < 2 {
		return nil, errkind.Configurationf("MLP %q needs at least an input and an output dimension, got %v", name, dims)
	}
	for _, dim := range dims {
		if dim <= 0 {
			return nil, errkind.Configurationf("MLP %q has invalid dimensions %v", name, dims)
		}
	}
	root := NewSequential(name)
	last := len(dims) - 2
	for i := range last {
		blockName := fmt.Sprintf("%s.block%d", name, i)
		root.Append(NewSequential(blockName,
			NewLinear(blockName+".linear", dims[i], dims[i+1], rng),
			ReLU(blockName+".relu")))
	}
	root.Append(NewLinear(fmt.Sprintf("%s.output", name), dims[last], dims[last+1], rng))
	return root, nil
}

// ModelKind enumerates the fixed architectures of the benchmark, of increasing size.
type ModelKind int

const (
	ModelNet ModelKind = iota
	ModelDeep
	ModelDeepest
)

// ModelKinds lists all valid kinds.
var ModelKinds = []ModelKind{ModelNet, ModelDeep, ModelDeepest}

// String implements fmt.Stringer. It is also the name accepted by ParseModelKind.
func (k ModelKind) String() string {
	switch k {
	case ModelNet:
		return "net"
	case ModelDeep:
		return "deep"
	case ModelDeepest:
		return "deepest"
	}
	return fmt.Sprintf("ModelKind(%d)", int(k))
}

// ParseModelKind converts a name ("net", "deep" or "deepest") to a ModelKind.
func ParseModelKind(name string) (ModelKind, error) {
	for _, k := range ModelKinds {
		if strings.EqualFold(name, k.String()) {
			return k, nil
		}
	}
	return 0, errkind.Configurationf("unknown model %q, valid models are net, deep and deepest", name)
}

// deepestRepeatedLayers is the number of 2000x2000 layers in the middle of the "deepest" model.
const deepestRepeatedLayers = 78

// HiddenWidths returns the widths of the hidden layers of the architecture.
func (k ModelKind) HiddenWidths() []int {
	switch k {
	case ModelNet:
		return []int{128}
	case ModelDeep:
		return []int{9000, 1000, 1000, 1000, 128}
	case ModelDeepest:
		widths := []int{9000}
		for range deepestRepeatedLayers + 1 {
			widths = append(widths, 2000)
		}
		return append(widths, 128)
	}
	return nil
}

// Dims returns the layer dimensions of the architecture for the given input and output dimensions,
// with hidden widths multiplied by widthScale (at least 1 unit wide). Use widthScale=1 for the full size.
func (k ModelKind) Dims(inputDim, outputDim int, widthScale float64) []int {
	dims := []int{inputDim}
	for _, width := range k.HiddenWidths() {
		dims = append(dims, max(1, int(float64(width)*widthScale)))
	}
	return append(dims, outputDim)
}

// Build creates the model with parameters initialized from seed, so every worker builds the same initial model.
func (k ModelKind) Build(inputDim, outputDim int, widthScale float64, seed int64) (*Sequential, error) {
	if widthScale <= 0 {
		return nil, errkind.Configurationf("model width scale must be > 0, got %g", widthScale)
	}
	return MLP(k.String(), k.Dims(inputDim, outputDim, widthScale), newRand(seed))
}
