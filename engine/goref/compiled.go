// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"math"
	"sync"
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/normexec/engine"
	"github.com/gomlx/normexec/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Graph is a compiled goref fused-kernel graph. Write-once after Build;
// executions may run concurrently, each with its own workspace.
type Graph struct {
	name                                string
	input, scale, bias, epsilon, output *node
	workspaceSize                       int

	mu        sync.Mutex
	finalized bool
}

var _ engine.CompiledGraph = (*Graph)(nil)

// WorkspaceSize is the scratch the kernels need: per-row mean and inverse
// stddev in the accumulator type.
func (g *Graph) WorkspaceSize() int { return g.workspaceSize }

// Finalize releases the graph. Executions already in flight complete normally;
// new ones fail.
func (g *Graph) Finalize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finalized = true
}

// tensorBinding resolves the concrete tensor bound to a placeholder and checks
// it against the descriptor the graph was compiled for.
func (g *Graph) tensorBinding(bindings engine.Bindings, n *node) (*tensors.Tensor, error) {
	binding, found := bindings[n]
	if !found {
		return nil, errors.Errorf("graph %q: no binding for placeholder %q", g.name, n.name)
	}
	t, ok := binding.(*tensors.Tensor)
	if !ok {
		return nil, errors.Errorf("graph %q: binding for %q is a %T, goref takes *tensors.Tensor", g.name, n.name, binding)
	}
	if t.DType() != n.desc.DType {
		return nil, errors.Errorf("graph %q: %q bound to a %s tensor, compiled for %s",
			g.name, n.name, t.DType(), n.desc.DType)
	}
	// The caller's tensor keeps its original logical rank; only the element
	// count has to match the canonical descriptor.
	if t.Size() != n.desc.Size() {
		return nil, errors.Errorf("graph %q: %q bound to %d elements, compiled for %d",
			g.name, n.name, t.Size(), n.desc.Size())
	}
	return t, nil
}

// Execute runs the compiled layer normalization synchronously.
func (g *Graph) Execute(bindings engine.Bindings, workspace []byte) error {
	g.mu.Lock()
	finalized := g.finalized
	g.mu.Unlock()
	if finalized {
		return errors.Errorf("graph %q has been finalized", g.name)
	}
	if len(workspace) < g.workspaceSize {
		return errors.Errorf("graph %q needs a %d-byte workspace, got %d bytes",
			g.name, g.workspaceSize, len(workspace))
	}

	input, err := g.tensorBinding(bindings, g.input)
	if err != nil {
		return err
	}
	scale, err := g.tensorBinding(bindings, g.scale)
	if err != nil {
		return err
	}
	bias, err := g.tensorBinding(bindings, g.bias)
	if err != nil {
		return err
	}
	output, err := g.tensorBinding(bindings, g.output)
	if err != nil {
		return err
	}
	epsBinding, found := bindings[g.epsilon]
	if !found {
		return errors.Errorf("graph %q: no binding for placeholder %q", g.name, g.epsilon.name)
	}
	epsFlat, ok := epsBinding.([]float32)
	if !ok || len(epsFlat) < 1 {
		return errors.Errorf("graph %q: epsilon must be bound to a non-empty []float32, got %T", g.name, epsBinding)
	}
	eps := epsFlat[0]

	rows := g.input.desc.Dims[0]
	cols := g.input.desc.Size() / rows
	switch g.input.desc.DType {
	case dtypes.Float32:
		means, invStds := f32Scratch(workspace, rows)
		layerNormF32(input.Flat().([]float32), scale.Flat().([]float32), bias.Flat().([]float32),
			output.Flat().([]float32), means, invStds, rows, cols, eps)
	case dtypes.Float64:
		means, invStds := f64Scratch(workspace, rows)
		layerNormF64(input.Flat().([]float64), scale.Flat().([]float64), bias.Flat().([]float64),
			output.Flat().([]float64), means, invStds, rows, cols, float64(eps))
	case dtypes.Float16:
		means, invStds := f32Scratch(workspace, rows)
		layerNormF16(input.Flat().([]float16.Float16), scale.Flat().([]float16.Float16), bias.Flat().([]float16.Float16),
			output.Flat().([]float16.Float16), means, invStds, rows, cols, eps)
	default:
		// Build rejects other dtypes, this is unreachable.
		return errors.Errorf("graph %q compiled for unsupported dtype %s", g.name, g.input.desc.DType)
	}
	return nil
}

// f32Scratch carves per-row mean and inverse-stddev float32 slices out of the
// caller's workspace. Byte slices from make are sufficiently aligned.
func f32Scratch(workspace []byte, rows int) (means, invStds []float32) {
	means = unsafe.Slice((*float32)(unsafe.Pointer(&workspace[0])), rows)
	invStds = unsafe.Slice((*float32)(unsafe.Pointer(&workspace[4*rows])), rows)
	return
}

func f64Scratch(workspace []byte, rows int) (means, invStds []float64) {
	means = unsafe.Slice((*float64)(unsafe.Pointer(&workspace[0])), rows)
	invStds = unsafe.Slice((*float64)(unsafe.Pointer(&workspace[8*rows])), rows)
	return
}

func layerNormF32(x, gamma, beta, out, means, invStds []float32, rows, cols int, eps float32) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(cols)
		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(cols)
		means[r] = mean
		invStds[r] = 1 / math32.Sqrt(variance+eps)
	}
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		o := out[r*cols : (r+1)*cols]
		mean, invStd := means[r], invStds[r]
		for i, v := range row {
			o[i] = (v-mean)*invStd*gamma[i] + beta[i]
		}
	}
}

func layerNormF64(x, gamma, beta, out, means, invStds []float64, rows, cols int, eps float64) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		var sum float64
		for _, v := range row {
			sum += v
		}
		mean := sum / float64(cols)
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		means[r] = mean
		invStds[r] = 1 / math.Sqrt(variance+eps)
	}
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		o := out[r*cols : (r+1)*cols]
		mean, invStd := means[r], invStds[r]
		for i, v := range row {
			o[i] = (v-mean)*invStd*gamma[i] + beta[i]
		}
	}
}

// layerNormF16 accumulates in float32, like the intermediate/compute dtype of
// vendor fused kernels.
func layerNormF16(x, gamma, beta, out []float16.Float16, means, invStds []float32, rows, cols int, eps float32) {
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		var sum float32
		for _, v := range row {
			sum += v.Float32()
		}
		mean := sum / float32(cols)
		var variance float32
		for _, v := range row {
			d := v.Float32() - mean
			variance += d * d
		}
		variance /= float32(cols)
		means[r] = mean
		invStds[r] = 1 / math32.Sqrt(variance+eps)
	}
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		o := out[r*cols : (r+1)*cols]
		mean, invStd := means[r], invStds[r]
		for i, v := range row {
			o[i] = float16.Fromfloat32((v.Float32()-mean)*invStd*gamma[i].Float32() + beta[i].Float32())
		}
	}
}
