// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package wal

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"

	"github.com/pagewal/wal/catalog"
	"github.com/pagewal/wal/config"
	"github.com/pagewal/wal/metrics"
)

// Registry maps namespace identifiers to SharedWal instances, owning
// segment rotation and checkpointing for every namespace it has opened.
// It is the top-level entry point: one Registry per process, opened
// once against a WAL root directory.
type Registry struct {
	mu         sync.Mutex
	namespaces map[string]*SharedWal

	cfg     config.Config
	logger  log.Logger
	metrics *metrics.Metrics
	catalog *catalog.Catalog

	checkpointer *Checkpointer
}

// OpenRegistry opens the catalog database under cfg.WalDir and
// prepares an empty, ready-to-use Registry. Namespaces are opened
// lazily on first Open call, not eagerly here.
func OpenRegistry(opts ...config.Option) (*Registry, error) {
	return OpenRegistryIn(".wal", opts...)
}

// OpenRegistryIn is OpenRegistry with an explicit default WAL
// directory, used when the caller wants a root path without reaching
// for config.WithRotateFrames-style options just to set it.
func OpenRegistryIn(walDir string, opts ...config.Option) (*Registry, error) {
	cfg := config.New(walDir, opts...)
	m := metrics.New(cfg.Registerer)

	cat, err := catalog.Open(filepath.Join(cfg.WalDir, "catalog.db"))
	if err != nil {
		return nil, err
	}

	return &Registry{
		namespaces:   make(map[string]*SharedWal),
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      m,
		catalog:      cat,
		checkpointer: NewCheckpointer(cfg.Logger, m),
	}, nil
}

// Open returns the SharedWal for namespace, opening and recovering it
// from disk on first access. openSharedWal verifies invariant I1
// (exactly one current segment per namespace) and I2 (sealed segments
// form a contiguous, non-overlapping run ending just before current)
// against whatever segment files it actually finds, returning a
// corruption error if either is violated; once open, no subsequent
// operation on the returned SharedWal can break them.
func (r *Registry) Open(namespace string) (*SharedWal, error) {
	if namespace == "" {
		return nil, fmt.Errorf("wal: namespace must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.namespaces[namespace]; ok {
		return w, nil
	}
	w, err := openSharedWal(r.cfg.WalDir, namespace, r.cfg, r.logger, r.metrics, r.catalog, r.checkpointer)
	if err != nil {
		return nil, err
	}
	r.namespaces[namespace] = w
	return w, nil
}

// Checkpoint runs one checkpoint pass over namespace's sealed queue.
// Safe to call concurrently with ongoing reads and writes against that
// namespace's SharedWal.
func (r *Registry) Checkpoint(namespace string) error {
	r.mu.Lock()
	w, ok := r.namespaces[namespace]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("wal: namespace %q is not open", namespace)
	}
	return r.checkpointer.Run(w)
}

// CheckpointAll runs one checkpoint pass over every currently open
// namespace, returning the first error encountered (after attempting
// all of them).
func (r *Registry) CheckpointAll() error {
	r.mu.Lock()
	namespaces := make([]*SharedWal, 0, len(r.namespaces))
	for _, w := range r.namespaces {
		namespaces = append(namespaces, w)
	}
	r.mu.Unlock()

	var firstErr error
	for _, w := range namespaces {
		if err := r.checkpointer.Run(w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown seals the current segment of every open namespace, waits
// for any checkpoint that triggers, then closes every namespace and the
// catalog database. The Registry must not be used again afterward.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for ns, w := range r.namespaces {
		if err := w.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.namespaces, ns)
	}
	if r.catalog != nil {
		if err := r.catalog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
