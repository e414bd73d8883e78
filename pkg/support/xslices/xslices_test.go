// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean([]float64{}))
	assert.Equal(t, 2.0, Mean([]int{1, 2, 3}))
	assert.InDelta(t, 2.5, Mean([]uint64{2, 3}), 1e-12)
	assert.Equal(t, 6.0, Sum([]int8{1, 2, 3}))
}

func TestIotaAndMap(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, Iota(3, 3))
	assert.Equal(t, []float64{0.5, 1.5}, Iota(0.5, 2))
	assert.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, strconv.Itoa))
	assert.Equal(t, 2, Last([]int{1, 2}))
}

func TestListFlag(t *testing.T) {
	f := &listFlag[int]{values: []int{1}, parserFn: strconv.Atoi}
	assert.Equal(t, "1", f.String())
	require.NoError(t, f.Set("4, 5,6"))
	assert.Equal(t, []int{4, 5, 6}, f.values)
	assert.Equal(t, "4,5,6", f.String())
	require.NoError(t, f.Set(""))
	assert.Empty(t, f.values)
	require.Error(t, f.Set("x"))
}
