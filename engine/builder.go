// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

// Placeholder is a symbolic tensor handle within a fused-kernel graph, created
// by GraphBuilder.Tensor and bound to a concrete buffer at execution time.
//
// It is opaque from the normexec perspective: callers only pass it back to the
// engine that created it.
type Placeholder any

// Binding is a concrete buffer bound to a Placeholder for one execution.
// Engines define what they accept; the goref engine takes *tensors.Tensor for
// device operands and []float32 for pass-by-value host scalars.
type Binding any

// Bindings maps each graph Placeholder to the buffer backing it for one call.
type Bindings map[Placeholder]Binding

// HeurMode selects the engine's kernel-selection heuristic when building a graph.
type HeurMode int

const (
	// HeurModeA is the engine's default, fast heuristic.
	HeurModeA HeurMode = iota

	// HeurModeB is a slower heuristic that may pick better kernels.
	HeurModeB
)

// String returns the name of the heuristic mode.
func (m HeurMode) String() string {
	switch m {
	case HeurModeA:
		return "A"
	case HeurModeB:
		return "B"
	default:
		return "unknown"
	}
}

// GraphBuilder builds one fused-kernel graph. It is single-use: after Build
// succeeds the builder is spent.
//
// Methods return an error wrapping ErrNotSupported when the engine cannot
// handle the requested shape/dtype/device combination.
type GraphBuilder interface {
	// Name of the graph being built.
	Name() string

	// Tensor creates a symbolic device-resident tensor placeholder with the
	// given descriptor.
	Tensor(name string, desc TensorDesc) (Placeholder, error)

	// TensorPassByValue creates a placeholder whose value is passed by value
	// from host memory at execution time (e.g. the epsilon scalar).
	TensorPassByValue(name string, desc TensorDesc) (Placeholder, error)

	// LayerNorm adds an inference-phase layer normalization: input is
	// normalized over its non-batch axes, scaled and shifted. It returns the
	// output placeholder. Epsilon must be a pass-by-value scalar placeholder.
	LayerNorm(input, scale, bias, epsilon Placeholder) (Placeholder, error)

	// Build compiles the graph for the exact descriptors given, using the
	// requested kernel-selection heuristics in order of preference.
	// It invalidates the builder.
	Build(modes ...HeurMode) (CompiledGraph, error)
}

// CompiledGraph is a compiled, executable fused-kernel graph. It is write-once:
// never mutated after Build, shareable across callers, released with Finalize.
type CompiledGraph interface {
	// WorkspaceSize is the minimum scratch workspace, in bytes, the engine
	// needs during Execute.
	WorkspaceSize() int

	// Execute runs the graph synchronously: outputs are valid to read when it
	// returns. The bindings must cover every placeholder of the graph;
	// workspace must be at least WorkspaceSize bytes and is not retained.
	Execute(bindings Bindings, workspace []byte) error

	// Finalize releases the compiled graph's resources immediately.
	Finalize()
}
