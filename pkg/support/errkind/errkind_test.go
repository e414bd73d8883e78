// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package errkind

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := Configurationf("backend %q requires an accelerator", "nccl")
	require.Error(t, err)
	assert.ErrorIs(t, err, Configuration)
	assert.NotErrorIs(t, err, Communication)
	assert.Contains(t, err.Error(), "nccl")
	assert.Equal(t, "configuration", Kind(err))

	wrapped := errors.WithMessagef(Preconditionf("sampler still running"), "rank %d", 3)
	assert.ErrorIs(t, wrapped, Precondition)
	assert.Equal(t, "precondition", Kind(wrapped))

	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "", Kind(io.EOF))
}

func TestWrapCommunication(t *testing.T) {
	require.NoError(t, WrapCommunication(nil, "reading frame"))

	err := WrapCommunication(io.ErrUnexpectedEOF, "reading frame from rank %d", 2)
	assert.ErrorIs(t, err, Communication)
	assert.Contains(t, err.Error(), "rank 2")
	assert.Contains(t, err.Error(), io.ErrUnexpectedEOF.Error())

	again := WrapCommunication(err, "collective #%d", 7)
	assert.ErrorIs(t, again, Communication)
	assert.Contains(t, again.Error(), "collective #7")
}
