// Package config holds the tunables for the WAL engine and the functional
// options used to set them, following the teacher's walOpt option pattern.
package config

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultRotateFrames is the segment seal threshold: once the
	// current segment has committed this many frames, it is sealed and
	// a new current segment is rotated in.
	DefaultRotateFrames = 1000

	// DefaultCheckpointSegments is the sealed-queue length that triggers
	// a checkpoint of the oldest segments into the base database file.
	DefaultCheckpointSegments = 10
)

// Config collects the tunables for a Registry. Zero value is not usable
// directly; build one with New.
type Config struct {
	// WalDir is the root directory under which namespace subdirectories
	// and their segment files live.
	WalDir string

	// RotateFrames is the per-segment frame count that triggers a seal
	// and rotation to a new current segment.
	RotateFrames int

	// CheckpointSegments is the sealed-queue length that triggers a
	// checkpoint.
	CheckpointSegments int

	// Logger receives structured log output from every component.
	Logger log.Logger

	// Registerer receives Prometheus metric registrations. Metrics are
	// not registered at all if this is nil.
	Registerer prometheus.Registerer
}

// Option mutates a Config during New.
type Option func(*Config)

// WithRotateFrames overrides the segment seal threshold.
func WithRotateFrames(n int) Option {
	return func(c *Config) { c.RotateFrames = n }
}

// WithCheckpointSegments overrides the sealed-queue checkpoint trigger.
func WithCheckpointSegments(n int) Option {
	return func(c *Config) { c.CheckpointSegments = n }
}

// WithLogger overrides the default stderr logfmt logger.
func WithLogger(l log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRegisterer overrides the default Prometheus registerer. Pass nil to
// disable metrics registration entirely.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = r }
}

// New builds a Config for walDir, applying opts over the defaults.
func New(walDir string, opts ...Option) Config {
	c := Config{
		WalDir:             walDir,
		RotateFrames:       DefaultRotateFrames,
		CheckpointSegments: DefaultCheckpointSegments,
		Logger:             level.NewFilter(log.NewLogfmtLogger(os.Stderr), level.AllowInfo()),
		Registerer:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.RotateFrames <= 0 {
		c.RotateFrames = DefaultRotateFrames
	}
	if c.CheckpointSegments <= 0 {
		c.CheckpointSegments = DefaultCheckpointSegments
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	return c
}
