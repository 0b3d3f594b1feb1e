// Package loader implements transport.ModelLoader: it owns bringing an
// engine.Engine up in response to a LoadModel request. This repository's
// only backend is the cgo-free reference engine (see
// internal/engine/reference); a real deployment would plug a cgo-backed
// implementation in behind the same engine.Engine interface without
// internal/runner or internal/transport changing at all.
package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/corerun/llamarunner/internal/engine"
	"github.com/corerun/llamarunner/internal/engine/reference"
	"github.com/corerun/llamarunner/internal/transport"
)

// Loader implements transport.ModelLoader.
type Loader struct {
	backend string
	vision  bool

	mu       sync.Mutex
	eng      engine.Engine
	ready    bool
	progress float32
}

// New constructs a Loader for the named backend. It builds a reference
// engine immediately, whatever the backend name, so Engine is usable before
// Load; Load builds the engine again and rejects an unknown backend. vision
// controls whether the constructed engine exposes an ImageEncoder.
func New(backend string, vision bool) *Loader {
	l := &Loader{backend: backend, vision: vision}
	// The reference engine has no weights to stream in, so it is available
	// immediately; a cgo-backed loader would leave eng nil here and build it
	// inside Load as the real model loads in the background.
	l.eng = reference.New(vision)
	return l
}

// Engine returns the currently active engine, usable before Load is ever
// called because the reference backend needs no asynchronous warmup.
func (l *Loader) Engine() engine.Engine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eng
}

// Load implements transport.ModelLoader. For the reference backend this is
// a formality: there are no weights to read from disk, so it builds a fresh
// reference engine and marks the loader ready. opts is not read.
func (l *Loader) Load(ctx context.Context, opts transport.ModelOptions) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.backend {
	case "reference", "":
		l.eng = reference.New(l.vision)
	default:
		return fmt.Errorf("loader: unknown engine backend %q", l.backend)
	}

	l.progress = 1
	l.ready = true
	return nil
}

func (l *Loader) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *Loader) Progress() float32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}
