// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goref

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/normexec/engine"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// node is a symbolic tensor placeholder within a graph being built.
type node struct {
	builder     *Builder
	name        string
	desc        engine.TensorDesc
	passByValue bool
}

// Builder implements engine.GraphBuilder. Single-use: spent after Build.
type Builder struct {
	eng   *Engine
	name  string
	built bool

	input, scale, bias, epsilon, output *node
}

var _ engine.GraphBuilder = (*Builder)(nil)

// Name of the graph being built.
func (b *Builder) Name() string { return b.name }

func (b *Builder) newNode(name string, desc engine.TensorDesc, passByValue bool) (*node, error) {
	if b.built {
		return nil, errors.Errorf("graph %q has already been compiled, cannot add tensor %q", b.name, name)
	}
	for axis, extent := range desc.Dims {
		if extent <= 0 {
			return nil, errors.Wrapf(engine.ErrNotSupported,
				"tensor %q has non-positive extent %d on axis %d, graphs require static non-empty shapes",
				name, extent, axis)
		}
	}
	if !desc.IsPacked() {
		return nil, errors.Wrapf(engine.ErrNotSupported,
			"tensor %q has strides %v, only fully-packed NCHW layouts are supported (want %v)",
			name, desc.Strides, engine.PackedStrides(desc.Dims))
	}
	if desc.Device < 0 || desc.Device >= b.eng.NumDevices() {
		return nil, errors.Wrapf(engine.ErrNotSupported,
			"tensor %q placed on device %d, engine has %d device(s)", name, desc.Device, b.eng.NumDevices())
	}
	return &node{builder: b, name: name, desc: desc, passByValue: passByValue}, nil
}

// Tensor creates a device-resident tensor placeholder.
func (b *Builder) Tensor(name string, desc engine.TensorDesc) (engine.Placeholder, error) {
	return b.newNode(name, desc, false)
}

// TensorPassByValue creates a placeholder passed by value from host memory.
func (b *Builder) TensorPassByValue(name string, desc engine.TensorDesc) (engine.Placeholder, error) {
	return b.newNode(name, desc, true)
}

// ownNode checks the placeholder was created by this builder.
func (b *Builder) ownNode(p engine.Placeholder, role string) (*node, error) {
	n, ok := p.(*node)
	if !ok || n.builder != b {
		return nil, errors.Errorf("%s placeholder was not created by graph %q", role, b.name)
	}
	return n, nil
}

// LayerNorm adds the inference layer normalization: each of input's N rows is
// normalized over the remaining C*H*W elements, then scaled and shifted.
// Only one per graph.
func (b *Builder) LayerNorm(input, scale, bias, epsilon engine.Placeholder) (engine.Placeholder, error) {
	if b.output != nil {
		return nil, errors.Errorf("graph %q already has a layer-norm operation", b.name)
	}
	in, err := b.ownNode(input, "input")
	if err != nil {
		return nil, err
	}
	sc, err := b.ownNode(scale, "scale")
	if err != nil {
		return nil, err
	}
	bi, err := b.ownNode(bias, "bias")
	if err != nil {
		return nil, err
	}
	eps, err := b.ownNode(epsilon, "epsilon")
	if err != nil {
		return nil, err
	}

	if !supportedDTypes[in.desc.DType] {
		return nil, errors.Wrapf(engine.ErrNotSupported, "layer-norm on dtype %s", in.desc.DType)
	}
	wantParam := [4]int{1, in.desc.Dims[1], in.desc.Dims[2], in.desc.Dims[3]}
	for _, param := range []*node{sc, bi} {
		if param.desc.Dims != wantParam {
			return nil, errors.Wrapf(engine.ErrNotSupported,
				"%s extents %v don't broadcast over input %v (want %v)",
				param.name, param.desc.Dims, in.desc.Dims, wantParam)
		}
		if param.desc.DType != in.desc.DType {
			return nil, errors.Wrapf(engine.ErrNotSupported,
				"%s dtype %s differs from input dtype %s", param.name, param.desc.DType, in.desc.DType)
		}
		if param.desc.Device != in.desc.Device {
			return nil, errors.Wrapf(engine.ErrNotSupported,
				"%s on device %d, input on device %d", param.name, param.desc.Device, in.desc.Device)
		}
	}
	if !eps.passByValue || eps.desc.Size() != 1 || eps.desc.DType != dtypes.Float32 {
		return nil, errors.Wrapf(engine.ErrNotSupported,
			"epsilon must be a pass-by-value float32 scalar, got %s (pass-by-value=%v)", eps.desc, eps.passByValue)
	}

	b.input, b.scale, b.bias, b.epsilon = in, sc, bi, eps
	b.output = &node{builder: b, name: "output", desc: in.desc}
	return b.output, nil
}

// Build compiles the graph. goref has a single kernel per dtype, so heuristic
// modes only affect logging.
func (b *Builder) Build(modes ...engine.HeurMode) (engine.CompiledGraph, error) {
	if b.built {
		return nil, errors.Errorf("graph %q has already been compiled", b.name)
	}
	if b.output == nil {
		return nil, errors.Errorf("graph %q has no operation to compile", b.name)
	}
	b.built = true
	if klog.V(2).Enabled() {
		klog.Infof("goref: building graph %q with heuristic modes %v", b.name, modes)
	}

	// Scratch for per-row mean and inverse stddev, in the accumulator type.
	rows := b.input.desc.Dims[0]
	accSize := 4
	if b.input.desc.DType == dtypes.Float64 {
		accSize = 8
	}
	return &Graph{
		name:          b.name,
		input:         b.input,
		scale:         b.scale,
		bias:          b.bias,
		epsilon:       b.epsilon,
		output:        b.output,
		workspaceSize: 2 * rows * accSize,
	}, nil
}
