// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import (
	"math"
	"testing"

	"github.com/gomlx/normexec/engine"
	"github.com/gomlx/normexec/engine/goref"
	"github.com/gomlx/normexec/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

const testTol = 1e-5

// hostLayerNorm is the decomposed reference the fused path must match:
// normalize each row of x over cols elements, then scale and shift.
func hostLayerNorm(x, gamma, beta []float64, rows, cols int, eps float64) []float64 {
	out := make([]float64, len(x))
	for r := 0; r < rows; r++ {
		row := x[r*cols : (r+1)*cols]
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		var variance float64
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(cols)
		invStd := 1 / math.Sqrt(variance+eps)
		for i, v := range row {
			out[r*cols+i] = (v-mean)*invStd*gamma[i] + beta[i]
		}
	}
	return out
}

func TestLayerNormFloat32(t *testing.T) {
	exec := must.M1(New(must.M1(goref.New(""))))

	const rows, cols = 3, 5
	x64 := make([]float64, rows*cols)
	x32 := make([]float32, rows*cols)
	for i := range x64 {
		x64[i] = math.Sin(float64(i))
		x32[i] = float32(x64[i])
	}
	gamma64 := []float64{0.5, 1, 1.5, 2, 2.5}
	beta64 := []float64{-1, 0, 1, 2, 3}
	gamma32 := make([]float32, cols)
	beta32 := make([]float32, cols)
	for i := 0; i < cols; i++ {
		gamma32[i] = float32(gamma64[i])
		beta32[i] = float32(beta64[i])
	}

	output, err := exec.LayerNorm(
		tensors.FromFlat(x32, rows, cols), []int{cols},
		tensors.FromFlat(gamma32, cols), tensors.FromFlat(beta32, cols), 1e-5)
	require.NoError(t, err)

	want := hostLayerNorm(x64, gamma64, beta64, rows, cols, 1e-5)
	got := output.Flat().([]float32)
	require.Len(t, got, rows*cols)
	for i := range want {
		assert.InDelta(t, want[i], got[i], testTol, "index %d", i)
	}
}

func TestLayerNormFloat64(t *testing.T) {
	exec := must.M1(New(must.M1(goref.New(""))))

	const rows, cols = 2, 8
	x := make([]float64, rows*cols)
	for i := range x {
		x[i] = math.Cos(float64(i)) * 10
	}
	gamma := make([]float64, cols)
	beta := make([]float64, cols)
	for i := range gamma {
		gamma[i] = 1 + float64(i)/10
		beta[i] = float64(i)
	}

	output, err := exec.LayerNorm(
		tensors.FromFlat(x, rows, cols), []int{cols},
		tensors.FromFlat(gamma, cols), tensors.FromFlat(beta, cols), 1e-6)
	require.NoError(t, err)

	want := hostLayerNorm(x, gamma, beta, rows, cols, 1e-6)
	got := output.Flat().([]float64)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "index %d", i)
	}
}

func TestLayerNormFloat16(t *testing.T) {
	exec := must.M1(New(must.M1(goref.New(""))))

	const cols = 4
	toF16 := func(values []float32) []float16.Float16 {
		out := make([]float16.Float16, len(values))
		for i, v := range values {
			out[i] = float16.Fromfloat32(v)
		}
		return out
	}
	x := toF16([]float32{1, 2, 3, 4})
	gamma := toF16([]float32{1, 1, 1, 1})
	beta := toF16([]float32{0, 0, 0, 0})

	output, err := exec.LayerNorm(
		tensors.FromFlat(x, 1, cols), []int{cols},
		tensors.FromFlat(gamma, cols), tensors.FromFlat(beta, cols), 1e-5)
	require.NoError(t, err)

	want := hostLayerNorm([]float64{1, 2, 3, 4}, []float64{1, 1, 1, 1}, []float64{0, 0, 0, 0}, 1, cols, 1e-5)
	got := output.Flat().([]float16.Float16)
	for i := range want {
		// Float16 has ~3 decimal digits.
		assert.InDelta(t, want[i], float64(got[i].Float32()), 1e-2, "index %d", i)
	}
}

// The output keeps the caller's original shape: the canonical 4D layout never
// leaks out.
func TestLayerNormRoundTripShape(t *testing.T) {
	exec := must.M1(New(must.M1(goref.New(""))))

	output, err := exec.LayerNorm(ramp(8, 16, 64), []int{64}, ones(64), f32Tensor(64), 1e-5)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16, 64}, output.Dims())
	assert.Equal(t, ramp(8, 16, 64).DType(), output.DType())
}

func TestLayerNormEpsilonIsApplied(t *testing.T) {
	exec := must.M1(New(must.M1(goref.New(""))))

	x := tensors.FromFlat([]float32{1, 2, 3, 4}, 1, 4)
	small, err := exec.LayerNorm(x, []int{4}, ones(4), f32Tensor(4), 1e-5)
	require.NoError(t, err)
	large, err := exec.LayerNorm(x, []int{4}, ones(4), f32Tensor(4), 100)
	require.NoError(t, err)

	// A large epsilon shrinks the normalized values; both calls share the
	// same compiled graph.
	assert.Less(t,
		math.Abs(float64(large.Flat().([]float32)[0])),
		math.Abs(float64(small.Flat().([]float32)[0])))
	assert.Equal(t, 1, exec.CacheLen())
}

func TestLayerNormDegenerateShape(t *testing.T) {
	exec := must.M1(New(must.M1(goref.New(""))))

	_, err := exec.LayerNorm(f32Tensor(4, 6), []int{0}, f32Tensor(6), f32Tensor(6), 1e-5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateShape))
	assert.Equal(t, 0, exec.CacheLen(), "degenerate shapes must not touch the cache")
}

func TestExecutionFailureKeepsCacheEntry(t *testing.T) {
	eng := newCountingEngine()
	exec := must.M1(New(eng))

	_, err := exec.LayerNorm(ramp(2, 4), []int{4}, ones(4), f32Tensor(4), 1e-5)
	require.NoError(t, err)
	require.Equal(t, 1, exec.CacheLen())

	// A transient device fault surfaces to the caller but the graph is
	// structurally known-good: it stays cached.
	eng.execErr = errors.New("device lost")
	_, err = exec.LayerNorm(ramp(2, 4), []int{4}, ones(4), f32Tensor(4), 1e-5)
	require.Error(t, err)
	assert.Equal(t, 1, exec.CacheLen())

	eng.execErr = nil
	_, err = exec.LayerNorm(ramp(2, 4), []int{4}, ones(4), f32Tensor(4), 1e-5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), eng.compiles.Load(), "no recompilation after an execution failure")
}

func TestIsSupported(t *testing.T) {
	eng := newCountingEngine()
	exec := must.M1(New(eng))

	// A successful dry run compiles and caches: the real call is a hit.
	require.True(t, exec.IsSupported(ramp(8, 16, 64), []int{64}, ones(64), f32Tensor(64), 1e-5))
	assert.Equal(t, int32(1), eng.compiles.Load())
	assert.Equal(t, 1, exec.CacheLen())
	_, err := exec.LayerNorm(ramp(8, 16, 64), []int{64}, ones(64), f32Tensor(64), 1e-5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), eng.compiles.Load(), "the dry run must have warmed the cache")

	// Unsupported dtype: goref has no integer kernels.
	ints := tensors.FromFlat(make([]int32, 8), 2, 4)
	intParam := tensors.FromFlat(make([]int32, 4), 4)
	assert.False(t, exec.IsSupported(ints, []int{4}, intParam, intParam, 1e-5))
	assert.Equal(t, 1, exec.CacheLen(), "failed dry runs must not cache")

	// Device out of range for the engine.
	offDevice := ramp(2, 4).OnDevice(5)
	assert.False(t, exec.IsSupported(offDevice, []int{4}, ones(4).OnDevice(5), f32Tensor(4).OnDevice(5), 1e-5))

	// Degenerate and structurally unsupported calls: false, never a panic.
	assert.False(t, exec.IsSupported(f32Tensor(4, 6), []int{0}, f32Tensor(6), f32Tensor(6), 1e-5))
	assert.False(t, exec.IsSupported(f32Tensor(4, 6), nil, f32Tensor(6), f32Tensor(6), 1e-5))
	assert.False(t, exec.IsSupported(f32Tensor(4, 6), []int{6}, nil, nil, 1e-5))

	// Executor without an engine: false for every input.
	var nilExec *Executor
	assert.False(t, nilExec.IsSupported(f32Tensor(4, 6), []int{6}, f32Tensor(6), f32Tensor(6), 1e-5))
}

// A transformer-typical call: (8, 16, 64) normalized over (64,) canonicalizes
// to N=128, C=64; two calls with distinct buffers compile exactly once.
func TestTransformerShapeCompilesOnce(t *testing.T) {
	eng := newCountingEngine()
	exec := must.M1(New(eng))

	in4d, _, _, err := canonicalDescs(ramp(8, 16, 64), []int{64}, ones(64), f32Tensor(64))
	require.NoError(t, err)
	require.Equal(t, [4]int{128, 64, 1, 1}, in4d.Dims)

	first, err := exec.LayerNorm(ramp(8, 16, 64), []int{64}, ones(64), f32Tensor(64), 1e-5)
	require.NoError(t, err)
	second, err := exec.LayerNorm(ramp(8, 16, 64), []int{64}, ones(64), f32Tensor(64), 1e-5)
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16, 64}, first.Dims())
	assert.Equal(t, []int{8, 16, 64}, second.Dims())
	assert.Equal(t, int32(1), eng.compiles.Load())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrNoEngine))

	_, err = New(must.M1(goref.New("")), WithCacheCapacity(0))
	require.Error(t, err, "a cache needs a positive capacity")
}

func TestFinalize(t *testing.T) {
	eng := newCountingEngine()
	exec := must.M1(New(eng))
	_, err := exec.LayerNorm(ramp(2, 4), []int{4}, ones(4), f32Tensor(4), 1e-5)
	require.NoError(t, err)

	exec.Finalize()
	assert.Equal(t, int32(1), eng.finalizes.Load())
	assert.False(t, exec.IsSupported(ramp(2, 4), []int{4}, ones(4), f32Tensor(4), 1e-5))
}
