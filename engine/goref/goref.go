// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package goref implements a pure Go, not very fast, but very portable
// fused-kernel engine for normexec.
//
// It supports the Float32, Float64 and Float16 dtypes and the single graph
// topology normexec compiles (inference layer normalization). A cuDNN-backed
// engine would be a sibling package implementing the same interface over the
// vendor library.
package goref

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/normexec/engine"
)

// EngineName to be used in NORMEXEC_ENGINE to select this engine.
const EngineName = "go"

// Registers New() as the constructor for the "go" engine.
func init() {
	engine.Register(EngineName, New)
}

// New constructs a goref Engine.
// There are no configurations, the string is simply ignored.
func New(_ string) (engine.Engine, error) {
	return &Engine{}, nil
}

// Engine implements the engine.Engine interface in pure Go.
type Engine struct{}

// Compile-time check that goref.Engine implements engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// supportedDTypes the goref kernels implement.
var supportedDTypes = map[dtypes.DType]bool{
	dtypes.Float32: true,
	dtypes.Float64: true,
	dtypes.Float16: true,
}

// Name returns the short name of the engine.
func (e *Engine) Name() string { return EngineName }

// Description is a longer description of the engine.
func (e *Engine) Description() string {
	return "Pure Go reference engine for fused normalization graphs"
}

// Version of the engine.
func (e *Engine) Version() string { return "goref-1" }

// NumDevices returns 1: goref runs on host memory only.
func (e *Engine) NumDevices() engine.DeviceNum { return 1 }

// NewGraph creates a builder for a new fused-kernel graph.
func (e *Engine) NewGraph(name string) engine.GraphBuilder {
	return &Builder{eng: e, name: name}
}

// Finalize releases the engine. goref holds no resources.
func (e *Engine) Finalize() {}
