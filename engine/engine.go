// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine defines the interface a vendor fused-kernel graph engine needs
// to implement to execute normalization graphs for normexec.
//
// An engine builds a small, fixed-topology computation graph from tensor
// descriptors (see TensorDesc), compiles it for the exact shapes/dtypes given,
// and executes the compiled graph against concrete buffers. This mirrors the
// cuDNN frontend graph API; the pure Go reference engine lives in
// github.com/gomlx/normexec/engine/goref.
package engine

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// DeviceNum identifies which compute device holds a buffer or executes a graph.
// It is interpreted by the engine and should be in the range [0, Engine.NumDevices).
type DeviceNum int

// Engine is the API a fused-kernel graph engine implements.
type Engine interface {
	// Name returns the short name of the engine, e.g. "go" for the pure Go reference engine.
	Name() string

	// Description is a longer description of the engine that can be used to pretty-print.
	Description() string

	// Version of the underlying engine library.
	Version() string

	// NumDevices returns the number of devices available for this engine.
	NumDevices() DeviceNum

	// NewGraph creates a builder for a new named fused-kernel graph.
	NewGraph(name string) GraphBuilder

	// Finalize releases all associated resources immediately and makes the engine invalid.
	Finalize()
}

// ErrNotSupported indicates the engine rejects a shape/dtype/device combination.
// Engines wrap this error so callers can distinguish "configuration not
// supported, fall back" from genuine bugs.
var ErrNotSupported = errors.New("configuration not supported by fused-kernel engine")

// ErrNoEngine indicates that no fused-kernel engine is registered or available.
var ErrNoEngine = errors.New("no fused-kernel engine registered or available")

// Constructor takes a config string (optionally empty) and returns an Engine.
type Constructor func(config string) (Engine, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an engine with the given name and constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the engine configuration to use if none is given -- see
// NewWithConfig for the format. The ConfigEnv environment variable trumps it.
var DefaultConfig string

// ConfigEnv is the environment variable with the default engine configuration.
//
// The format of its value is "<engine_name>:<engine_configuration>", where
// "<engine_name>" is the name of a registered engine (e.g. "go") and
// "<engine_configuration>" is engine specific.
const ConfigEnv = "NORMEXEC_ENGINE"

// New returns the default Engine, or panics if none is available.
//
// The default is:
//
//  1. The environment variable NORMEXEC_ENGINE, if set.
//  2. The DefaultConfig package variable, if set.
//  3. The first registered engine with an empty configuration.
//
// Hosts probing for availability should use TryNew instead.
func New() Engine {
	eng, err := TryNew()
	if err != nil {
		exceptions.Panicf("engine.New: %+v", err)
	}
	return eng
}

// NewWithConfig is like New, but takes the configuration string instead of
// reading it from the environment. It panics on error.
func NewWithConfig(config string) Engine {
	eng, err := TryNewWithConfig(config)
	if err != nil {
		exceptions.Panicf("engine.NewWithConfig(%q): %+v", config, err)
	}
	return eng
}

// TryNew is the non-panicking form of New: it returns an error (wrapping
// ErrNoEngine where appropriate) if no engine can be constructed. This is the
// probe hosts use to decide whether to register the fused executor at all.
func TryNew() (Engine, error) {
	if config, found := os.LookupEnv(ConfigEnv); found {
		return TryNewWithConfig(config)
	}
	return TryNewWithConfig(DefaultConfig)
}

// TryNewWithConfig takes a configuration string formatted as
// "<engine_name>:<engine_configuration>" and constructs the named engine.
// An empty name selects the first registered engine.
func TryNewWithConfig(config string) (Engine, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.WithStack(ErrNoEngine)
	}
	name := firstRegistered
	engConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		engConfig = config[idx+1:]
	} else if config != "" {
		name = config
		engConfig = ""
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Wrapf(ErrNoEngine, "no engine %q registered (configuration %q)", name, config)
	}
	eng, err := constructor(engConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "constructing engine %q", name)
	}
	return eng, nil
}

// Available reports whether a default engine can be constructed. The probe
// engine is finalized before returning.
func Available() bool {
	eng, err := TryNew()
	if err != nil {
		return false
	}
	eng.Finalize()
	return true
}
