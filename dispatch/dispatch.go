// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch routes operator calls to registered implementations.
//
// An implementation is a (checker, fn) pair: the dispatcher prefers the first
// registered implementation whose checker accepts the call and falls back to
// the operator's generic implementation otherwise. This is the host-runtime
// side of the contract: accelerated executors register themselves here and the
// dispatcher owns the fallback decision.
package dispatch

import (
	"slices"
	"sync"

	"github.com/gomlx/normexec/tensors"
	"github.com/pkg/errors"
)

// OpLayerNorm is the name of the layer normalization operator.
const OpLayerNorm = "layer_norm"

// Fn is the execution entry point of a layer-norm style operator
// implementation.
type Fn func(input *tensors.Tensor, normalizedShape []int, weight, bias *tensors.Tensor, eps float64) (*tensors.Tensor, error)

// Checker reports whether an implementation can handle the call. It must not
// panic and must not fail the call: a false simply routes elsewhere.
type Checker func(input *tensors.Tensor, normalizedShape []int, weight, bias *tensors.Tensor, eps float64) bool

// Impl is a registered operator implementation.
type Impl struct {
	// Name identifies the implementation in errors and logs.
	Name string

	// Check gates the implementation. A nil Check always accepts.
	Check Checker

	// Fn executes the call.
	Fn Fn
}

// Dispatcher holds the implementations registered per operator.
// Safe for concurrent use.
type Dispatcher struct {
	mu        sync.RWMutex
	impls     map[string][]Impl
	fallbacks map[string]Fn
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		impls:     make(map[string][]Impl),
		fallbacks: make(map[string]Fn),
	}
}

// RegisterImpl registers an implementation for the operator. Implementations
// are tried in registration order.
func (d *Dispatcher) RegisterImpl(op string, impl Impl) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.impls[op] = append(d.impls[op], impl)
}

// SetFallback sets the generic implementation used when no registered
// implementation accepts a call.
func (d *Dispatcher) SetFallback(op string, fn Fn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallbacks[op] = fn
}

// Call dispatches the operator: the first implementation whose checker accepts
// wins; otherwise the fallback runs. It errors if nothing can take the call.
func (d *Dispatcher) Call(op string, input *tensors.Tensor, normalizedShape []int, weight, bias *tensors.Tensor, eps float64) (*tensors.Tensor, error) {
	d.mu.RLock()
	impls := slices.Clone(d.impls[op])
	fallback := d.fallbacks[op]
	d.mu.RUnlock()

	for _, impl := range impls {
		if impl.Check == nil || impl.Check(input, normalizedShape, weight, bias, eps) {
			return impl.Fn(input, normalizedShape, weight, bias, eps)
		}
	}
	if fallback != nil {
		return fallback(input, normalizedShape, weight, bias, eps)
	}
	return nil, errors.Errorf("no implementation available for operator %q", op)
}
