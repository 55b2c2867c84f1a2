// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"github.com/gomlx/normexec/engine"
	"github.com/gomlx/normexec/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LayerNorm normalizes input over the trailing normalizedShape dimensions,
// scaling by weight and shifting by bias, through the engine's fused graph.
//
// It matches the generic layer-norm operator contract: the output has the
// input's original shape, dtype and device -- the canonical 4D layout exists
// only for the graph's benefit. eps is added to the variance for numerical
// stability.
//
// The compiled graph for the operands' layout is reused if cached, compiled
// once otherwise. A cached graph that fails at execution time stays cached:
// the graph is known-good, the fault is environmental, and the error is
// returned to the caller.
func (e *Executor) LayerNorm(input *tensors.Tensor, normalizedShape []int, weight, bias *tensors.Tensor, eps float64) (*tensors.Tensor, error) {
	in4d, scale4d, bias4d, err := canonicalDescs(input, normalizedShape, weight, bias)
	if err != nil {
		return nil, err
	}
	entry, err := e.cache.compileOrGet(graphKey{input: in4d, scale: scale4d, bias: bias4d})
	if err != nil {
		return nil, err
	}

	output := tensors.Zeros(input.Shape(), input.Device())
	epsilon := []float32{float32(eps)} // Pass-by-value host buffer.
	// Scratch workspace scoped to this call, released unconditionally on return.
	workspace := make([]byte, entry.workspaceSize)

	bindings := engine.Bindings{
		entry.input:   input,
		entry.scale:   weight,
		entry.bias:    bias,
		entry.epsilon: epsilon,
		entry.output:  output,
	}
	if err := entry.graph.Execute(bindings, workspace); err != nil {
		return nil, errors.WithMessagef(err, "executing fused layer-norm graph")
	}
	return output, nil
}

// IsSupported reports whether LayerNorm can handle the call: the engine is
// available and the operands' layout compiles. It never panics and mutates no
// state on failure.
//
// A successful check compiles and caches the graph, so the real call that
// follows is a guaranteed cache hit -- the dry run is not wasted work.
//
// Every failure yields false, matching the dispatcher contract; failures other
// than the expected "can't handle this configuration" kinds are logged, since
// they indicate a bug rather than a routing decision.
func (e *Executor) IsSupported(input *tensors.Tensor, normalizedShape []int, weight, bias *tensors.Tensor, eps float64) bool {
	if e == nil || e.eng == nil {
		return false
	}
	_ = eps // Epsilon is pass-by-value at execution time; it never affects compilability.
	in4d, scale4d, bias4d, err := canonicalDescs(input, normalizedShape, weight, bias)
	if err == nil {
		_, err = e.cache.compileOrGet(graphKey{input: in4d, scale: scale4d, bias: bias4d})
	}
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrUnsupported) && !errors.Is(err, ErrDegenerateShape) && !errors.Is(err, engine.ErrNotSupported) {
		klog.Warningf("normexec: layer-norm support check failed with unexpected error: %+v", err)
	}
	return false
}
