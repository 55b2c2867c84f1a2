// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// TensorDesc is the structural summary of a tensor operand: extents, memory
// strides (in elements), element type and device. It is what fused-kernel
// graphs are compiled against -- the engine requires static shapes, so two
// calls share a compiled graph exactly when their descriptors are equal.
//
// The rank is fixed at 4 (NCHW) because that is the layout fused-kernel
// engines require; descriptors are produced by canonicalization, never taken
// directly from arbitrary-rank tensors.
//
// TensorDesc is an immutable comparable value type: == gives structural
// equality and it can be used directly as a map key.
type TensorDesc struct {
	Dims    [4]int
	Strides [4]int
	DType   dtypes.DType
	Device  DeviceNum
}

// NewDesc returns a TensorDesc with the given extents, strides, dtype and device.
func NewDesc(dims, strides [4]int, dtype dtypes.DType, device DeviceNum) TensorDesc {
	return TensorDesc{Dims: dims, Strides: strides, DType: dtype, Device: device}
}

// Size is the number of elements, the product of the extents.
func (d TensorDesc) Size() int {
	return d.Dims[0] * d.Dims[1] * d.Dims[2] * d.Dims[3]
}

// Memory is the storage in bytes for a packed tensor of this descriptor.
func (d TensorDesc) Memory() uintptr {
	return d.DType.Memory() * uintptr(d.Size())
}

// PackedStrides returns the row-major (fully packed) strides for the given extents.
func PackedStrides(dims [4]int) (strides [4]int) {
	stride := 1
	for axis := 3; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return
}

// IsPacked reports whether the descriptor's strides are row-major contiguous.
func (d TensorDesc) IsPacked() bool {
	return d.Strides == PackedStrides(d.Dims)
}

// String implements fmt.Stringer, pretty-printing the descriptor.
func (d TensorDesc) String() string {
	return fmt.Sprintf("(%s)%v/%v@%d", d.DType, d.Dims, d.Strides, d.Device)
}
