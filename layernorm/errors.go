// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layernorm

import "github.com/pkg/errors"

var (
	// ErrDegenerateShape indicates an operand with a non-positive extent: the
	// engine requires static, non-empty shapes, so the call fails fast before
	// any compilation is attempted. It is never silently coerced.
	ErrDegenerateShape = errors.New("degenerate shape: extents must be positive")

	// ErrUnsupported indicates a call this executor cannot express for the
	// fused engine (normalized shape not a trailing suffix, operand dtype or
	// device mismatch, missing weight/bias). The host dispatcher should route
	// such calls to its generic fallback.
	ErrUnsupported = errors.New("layer-norm call not supported by the fused execution path")
)
