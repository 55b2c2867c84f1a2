// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 8, 16, 64)
	require.True(t, s.Ok())
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, 8*16*64, s.Size())
	assert.Equal(t, uintptr(4*8*16*64), s.Memory())
	assert.Equal(t, "(Float32)[8 16 64]", s.String())

	require.Panics(t, func() { Make(dtypes.Float32, 8, 0) })
	require.Panics(t, func() { Make(dtypes.Float32, -1) })
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Float64, 2, 3)
	assert.True(t, s.Equal(Make(dtypes.Float64, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 3, 2)))

	clone := s.Clone()
	clone.Dimensions[0] = 7
	assert.Equal(t, 2, s.Dimensions[0])
}

func TestScalarAndInvalid(t *testing.T) {
	var zero Shape
	assert.False(t, zero.Ok())
	scalar := Make(dtypes.Float32)
	assert.True(t, scalar.Ok())
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, "(Float32)", scalar.String())
}
