// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layernorm dispatches layer normalization to a fused-kernel graph
// engine, compiling one graph per distinct operand layout and caching it.
//
// The flow per call is: canonicalize the operands into the engine's fixed NCHW
// layout (see canonicalDescs), look up or compile the graph for the resulting
// descriptors (graphCache), then bind buffers and execute (Executor.LayerNorm).
// Executor.IsSupported is the non-destructive dry run a host dispatcher uses to
// decide between this path and its generic fallback.
//
// Operands must be row-major contiguous: canonicalization assumes packed NCHW
// strides regardless of the operands' actual layout.
package layernorm

import (
	"github.com/gomlx/normexec/dispatch"
	"github.com/gomlx/normexec/engine"
	"github.com/pkg/errors"
)

// Executor compiles, caches and executes fused layer-normalization graphs on
// one engine. It is safe for concurrent use.
type Executor struct {
	eng   engine.Engine
	cache *graphCache
}

type options struct {
	capacity int
}

// Option configures an Executor created by New.
type Option func(*options)

// WithCacheCapacity sets the maximum number of compiled graphs kept; past it
// the least-recently-used graph is finalized and evicted.
// Defaults to DefaultCacheCapacity.
func WithCacheCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// New creates an Executor on the given engine.
func New(eng engine.Engine, opts ...Option) (*Executor, error) {
	if eng == nil {
		return nil, errors.WithStack(engine.ErrNoEngine)
	}
	o := options{capacity: DefaultCacheCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := newGraphCache(eng, o.capacity)
	if err != nil {
		return nil, err
	}
	return &Executor{eng: eng, cache: cache}, nil
}

// Engine returns the engine the executor runs on.
func (e *Executor) Engine() engine.Engine { return e.eng }

// ClearCache drops every cached compiled graph, finalizing each. Meant for
// tests and for memory-pressure recovery.
func (e *Executor) ClearCache() { e.cache.clear() }

// CacheLen returns the number of compiled graphs currently cached.
func (e *Executor) CacheLen() int { return e.cache.len() }

// Finalize clears the cache and makes the executor invalid. It does not
// finalize the engine, which the host owns.
func (e *Executor) Finalize() {
	e.cache.clear()
	e.eng = nil
}

// Register creates an Executor on eng and registers it with the dispatcher as
// an implementation of the layer-norm operator, guarded by its IsSupported
// checker.
//
// Registration is explicitly two-phase: the host probes engine availability
// first (engine.TryNew) and owns when -- and whether -- Register is called.
// This package has no import-time side effects on the dispatcher.
func Register(d *dispatch.Dispatcher, eng engine.Engine, opts ...Option) (*Executor, error) {
	exec, err := New(eng, opts...)
	if err != nil {
		return nil, err
	}
	d.RegisterImpl(dispatch.OpLayerNorm, dispatch.Impl{
		Name:  "fused-" + eng.Name(),
		Check: exec.IsSupported,
		Fn:    exec.LayerNorm,
	})
	return exec, nil
}
