// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"slices"

	"github.com/gomlx/normexec/engine"
	"github.com/gomlx/normexec/tensors"
	"github.com/pkg/errors"
)

// canonicalDescs rewrites a layer-norm call into the fixed NCHW layout the
// fused engine compiles against:
//
//	input  -> (N, C, 1, 1)  N = product of the leading extents (1 if none)
//	weight -> (1, C, 1, 1)  C = product of the normalizedShape suffix
//	bias   -> (1, C, 1, 1)
//
// Strides are assumed packed NCHW regardless of the operands' actual layout:
// non-contiguous operands silently get a descriptor that doesn't reflect their
// memory, so contiguity is a documented precondition of this path.
//
// Pure function: no side effects, no caching -- caching happens one level up,
// keyed on the descriptors returned here.
func canonicalDescs(input *tensors.Tensor, normalizedShape []int, weight, bias *tensors.Tensor) (in4d, scale4d, bias4d engine.TensorDesc, err error) {
	if input == nil {
		err = errors.Wrap(ErrUnsupported, "input tensor is nil")
		return
	}
	if weight == nil || bias == nil {
		// The fused graph always takes scale and bias operands.
		err = errors.Wrap(ErrUnsupported, "fused layer-norm requires explicit weight and bias")
		return
	}
	suffix := len(normalizedShape)
	if suffix == 0 || suffix > input.Rank() {
		err = errors.Wrapf(ErrUnsupported,
			"normalized shape %v must be a non-empty suffix of the input shape %s",
			normalizedShape, input.Shape())
		return
	}
	for _, extent := range normalizedShape {
		if extent <= 0 {
			err = errors.Wrapf(ErrDegenerateShape, "normalized shape %v", normalizedShape)
			return
		}
	}
	inputDims := input.Dims()
	for _, extent := range inputDims {
		if extent <= 0 {
			err = errors.Wrapf(ErrDegenerateShape, "input shape %s", input.Shape())
			return
		}
	}
	if !slices.Equal(inputDims[input.Rank()-suffix:], normalizedShape) {
		err = errors.Wrapf(ErrUnsupported,
			"normalized shape %v doesn't match the trailing dimensions of the input shape %s",
			normalizedShape, input.Shape())
		return
	}
	if !slices.Equal(weight.Dims(), normalizedShape) || !slices.Equal(bias.Dims(), normalizedShape) {
		err = errors.Wrapf(ErrUnsupported,
			"weight %s and bias %s must have the normalized shape %v",
			weight.Shape(), bias.Shape(), normalizedShape)
		return
	}
	if weight.DType() != input.DType() || bias.DType() != input.DType() {
		err = errors.Wrapf(ErrUnsupported,
			"weight (%s) and bias (%s) dtypes must match the input dtype (%s)",
			weight.DType(), bias.DType(), input.DType())
		return
	}
	if weight.Device() != input.Device() || bias.Device() != input.Device() {
		err = errors.Wrapf(ErrUnsupported,
			"operands must live on the same device: input@%d, weight@%d, bias@%d",
			input.Device(), weight.Device(), bias.Device())
		return
	}

	cols := 1
	for _, extent := range normalizedShape {
		cols *= extent
	}
	rows := 1
	for _, extent := range inputDims[:input.Rank()-suffix] {
		rows *= extent
	}
	device := input.Device()
	strides := [4]int{cols, 1, 1, 1}
	in4d = engine.NewDesc([4]int{rows, cols, 1, 1}, strides, input.DType(), device)
	scale4d = engine.NewDesc([4]int{1, cols, 1, 1}, strides, weight.DType(), device)
	bias4d = engine.NewDesc([4]int{1, cols, 1, 1}, strides, bias.DType(), device)
	return
}
