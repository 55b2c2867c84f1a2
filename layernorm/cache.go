// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/normexec/engine"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// DefaultCacheCapacity is the default maximum number of compiled graphs kept
// per Executor.
const DefaultCacheCapacity = 1024

// graphKey is the structural fingerprint of a compiled graph: the canonical
// descriptors of the three operands. Comparable, so two calls share a graph
// exactly when their keys are equal.
type graphKey struct {
	input, scale, bias engine.TensorDesc
}

func (k graphKey) String() string {
	return k.input.String() + " " + k.scale.String() + " " + k.bias.String()
}

// compiledEntry is a compiled graph plus everything needed to execute it: the
// symbolic placeholders to bind buffers to and the scratch workspace size.
// Write-once; owned by the cache, borrowed by callers for one call at a time.
type compiledEntry struct {
	graph                               engine.CompiledGraph
	input, scale, bias, epsilon, output engine.Placeholder
	workspaceSize                       int
}

// graphCache is a bounded LRU of compiled graphs keyed by graphKey, with
// per-key single-flight compilation on misses.
type graphCache struct {
	eng     engine.Engine
	entries *lru.Cache[graphKey, *compiledEntry]
	group   singleflight.Group
}

func newGraphCache(eng engine.Engine, capacity int) (*graphCache, error) {
	c := &graphCache{eng: eng}
	entries, err := lru.NewWithEvict[graphKey, *compiledEntry](capacity, c.onEvict)
	if err != nil {
		return nil, errors.Wrapf(err, "creating graph cache with capacity %d", capacity)
	}
	c.entries = entries
	return c, nil
}

// onEvict releases the compiled graph before its entry is dropped, both under
// capacity pressure and on clear().
func (c *graphCache) onEvict(key graphKey, entry *compiledEntry) {
	klog.V(1).Infof("normexec: evicting compiled layer-norm graph for %s", key)
	entry.graph.Finalize()
}

// compileOrGet returns the compiled graph for key, compiling it on a miss.
//
// Hits only touch the LRU (recency bookkeeping, no other side effects).
// Concurrent misses on the same key coalesce into a single compilation;
// distinct keys compile in parallel. Compilation failures are returned and NOT
// cached: they may depend on transient device state, so the key is retried on
// the next call.
func (c *graphCache) compileOrGet(key graphKey) (*compiledEntry, error) {
	if entry, found := c.entries.Get(key); found {
		return entry, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Another caller may have finished compiling while we joined the flight.
		if entry, found := c.entries.Get(key); found {
			return entry, nil
		}
		entry, err := c.compile(key)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiledEntry), nil
}

// compile builds and compiles the fused layer-norm graph specialized to the
// exact extents/strides/dtypes in key.
func (c *graphCache) compile(key graphKey) (entry *compiledEntry, err error) {
	builder := c.eng.NewGraph("layer_norm")
	entry = &compiledEntry{}
	entry.input, err = builder.Tensor("input", key.input)
	if err == nil {
		entry.scale, err = builder.Tensor("scale", key.scale)
	}
	if err == nil {
		entry.bias, err = builder.Tensor("bias", key.bias)
	}
	if err == nil {
		// The engine takes epsilon by value from host memory, always float32.
		epsDesc := engine.NewDesc([4]int{1, 1, 1, 1}, [4]int{1, 1, 1, 1}, dtypes.Float32, key.input.Device)
		entry.epsilon, err = builder.TensorPassByValue("epsilon", epsDesc)
	}
	if err == nil {
		entry.output, err = builder.LayerNorm(entry.input, entry.scale, entry.bias, entry.epsilon)
	}
	var graph engine.CompiledGraph
	if err == nil {
		graph, err = builder.Build(engine.HeurModeA)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "compiling fused layer-norm graph for %s", key)
	}
	entry.graph = graph
	entry.workspaceSize = graph.WorkspaceSize()
	klog.V(1).Infof("normexec: compiled layer-norm graph for %s (workspace=%d bytes)", key, entry.workspaceSize)
	return entry, nil
}

// clear drops all entries, finalizing each compiled graph.
func (c *graphCache) clear() {
	c.entries.Purge()
}

func (c *graphCache) len() int {
	return c.entries.Len()
}
