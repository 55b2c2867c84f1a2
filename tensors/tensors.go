// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the minimal live-tensor abstraction the fused
// executor consumes from the host runtime: logical shape, row-major strides,
// element type, device identity and zero-initialized allocation.
//
// Data is stored as a flat Go slice of the shape's DType. Tensors are always
// row-major contiguous -- a precondition of the fused execution path.
package tensors

import (
	"reflect"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/normexec/engine"
	"github.com/gomlx/normexec/shapes"
)

// Tensor is a host-side tensor: a logical shape over flat storage, placed on a
// device. The flat data is a slice of the Go type corresponding to the shape's
// DType.
type Tensor struct {
	shape  shapes.Shape
	flat   any
	device engine.DeviceNum
}

// FromFlat creates a tensor with the given dimensions from a flat slice of
// values, on device 0. The slice is used directly, not copied.
// It panics if the number of values doesn't match the dimensions.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: %d values given for shape %s (%d values needed)",
			len(flat), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: flat}
}

// Zeros creates a zero-initialized tensor of the given shape on the given device.
func Zeros(shape shapes.Shape, device engine.DeviceNum) *Tensor {
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface()
	return &Tensor{shape: shape.Clone(), flat: flat, device: device}
}

// OnDevice sets the device the tensor lives on.
// It returns the tensor so calls can be cascaded.
func (t *Tensor) OnDevice(device engine.DeviceNum) *Tensor {
	t.device = device
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor, the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dims returns a copy of the tensor's dimensions.
func (t *Tensor) Dims() []int { return slices.Clone(t.shape.Dimensions) }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Device the tensor lives on.
func (t *Tensor) Device() engine.DeviceNum { return t.device }

// Strides returns the row-major strides, in elements, for each axis.
func (t *Tensor) Strides() []int {
	strides := make([]int, t.Rank())
	stride := 1
	for axis := t.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= t.shape.Dimensions[axis]
	}
	return strides
}

// IsContiguous reports whether the tensor's memory layout is row-major
// contiguous. Always true for tensors created by this package; kept as part
// of the live-tensor surface for hosts with richer layouts.
func (t *Tensor) IsContiguous() bool { return true }

// Flat returns the underlying flat data slice. Its type is the slice of the Go
// type corresponding to the tensor's DType, e.g. []float32 for dtypes.Float32.
func (t *Tensor) Flat() any { return t.flat }

// String implements fmt.Stringer.
func (t *Tensor) String() string { return t.shape.String() }
