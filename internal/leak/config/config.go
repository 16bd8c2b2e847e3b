// Copyright 2025 The leakguard Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the agent's runtime options.
//
// Options come from three layers, later ones winning:
//
//  1. Default()
//  2. a TOML file, named by LEAKGUARD_CONFIG when using FromEnv
//  3. LEAKGUARD, a space separated list of key=value pairs:
//
//     LEAKGUARD="eager_resolve=0 log_level=debug stack_skip=1"
//
// Keys match the TOML keys.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// EnvConfigFile names a TOML file to load before applying EnvOverrides.
	EnvConfigFile = "LEAKGUARD_CONFIG"
	// EnvOverrides holds key=value overrides.
	EnvOverrides = "LEAKGUARD"
)

// MaxStackSkip bounds StackSkip; deeper skips leave no useful frames.
const MaxStackSkip = 32

// Options configures a tracker.
type Options struct {
	// Enabled turns hook processing on at Init.
	Enabled bool `toml:"enabled"`
	// EagerResolve resolves new stacks inside the hook when the loader
	// lock can be held, instead of always deferring to ResolvePending.
	EagerResolve bool `toml:"eager_resolve"`
	// TryLoaderLock attempts the loader lock without blocking.
	TryLoaderLock bool `toml:"try_loader_lock"`
	// StackSkip drops this many extra frames from captured stacks, for
	// callers that wrap the hooks.
	StackSkip int `toml:"stack_skip"`
	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`
	// ReportOnExit logs the live blocks at Fini.
	ReportOnExit bool `toml:"report_on_exit"`
}

// Default returns the built-in options.
func Default() Options {
	return Options{
		Enabled:       true,
		EagerResolve:  true,
		TryLoaderLock: true,
		StackSkip:     0,
		LogLevel:      "warning",
		ReportOnExit:  true,
	}
}

// Validate checks option values.
func (o Options) Validate() error {
	if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid log_level %q", o.LogLevel)
	}
	if o.StackSkip < 0 || o.StackSkip > MaxStackSkip {
		return errors.Errorf("stack_skip %d out of range [0, %d]", o.StackSkip, MaxStackSkip)
	}
	return nil
}

// Level returns the parsed LogLevel, falling back to Warn.
func (o Options) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(o.LogLevel)
	if err != nil {
		return logrus.WarnLevel
	}
	return lvl
}

// Load reads path as TOML over Default(). Unknown keys are an error.
func Load(path string) (Options, error) {
	opts := Default()
	if err := opts.decodeFile(path); err != nil {
		return Options{}, err
	}
	return opts, opts.Validate()
}

func (o *Options) decodeFile(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "error reading configuration file %s", path)
	}
	md, err := toml.Decode(string(contents), o)
	if err != nil {
		return errors.Wrapf(err, "error decoding configuration file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("configuration file %s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}

// FromEnv builds options from the process environment.
func FromEnv() (Options, error) {
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (Options, error) {
	opts := Default()
	if path := getenv(EnvConfigFile); path != "" {
		if err := opts.decodeFile(path); err != nil {
			return Options{}, err
		}
	}
	if err := opts.ApplyOverrides(getenv(EnvOverrides)); err != nil {
		return Options{}, errors.Wrapf(err, "parsing %s", EnvOverrides)
	}
	return opts, opts.Validate()
}

// ApplyOverrides applies space separated key=value pairs.
func (o *Options) ApplyOverrides(s string) error {
	for _, field := range strings.Fields(s) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return errors.Errorf("malformed pair %q", field)
		}
		if err := o.set(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (o *Options) set(key, value string) error {
	var err error
	switch key {
	case "enabled":
		o.Enabled, err = strconv.ParseBool(value)
	case "eager_resolve":
		o.EagerResolve, err = strconv.ParseBool(value)
	case "try_loader_lock":
		o.TryLoaderLock, err = strconv.ParseBool(value)
	case "report_on_exit":
		o.ReportOnExit, err = strconv.ParseBool(value)
	case "stack_skip":
		o.StackSkip, err = strconv.Atoi(value)
	case "log_level":
		o.LogLevel = value
	default:
		return errors.Errorf("unknown key %q", key)
	}
	return errors.Wrapf(err, "key %s", key)
}

// Option modifies Options before a tracker is created.
type Option func(*Options) error

// Apply runs opts over o in order and validates the result.
func (o *Options) Apply(opts ...Option) error {
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return err
		}
	}
	return o.Validate()
}

// WithOptions replaces all options with opts.
func WithOptions(opts Options) Option {
	return func(o *Options) error {
		*o = opts
		return nil
	}
}

// WithFile loads a TOML file over the current options.
func WithFile(path string) Option {
	return func(o *Options) error {
		return o.decodeFile(path)
	}
}

// WithEnabled sets whether hooks are processed from the start.
func WithEnabled(enabled bool) Option {
	return func(o *Options) error {
		o.Enabled = enabled
		return nil
	}
}

// WithEagerResolve sets whether new stacks may be resolved in the hook.
func WithEagerResolve(eager bool) Option {
	return func(o *Options) error {
		o.EagerResolve = eager
		return nil
	}
}

// WithTryLoaderLock sets whether the loader lock is only tried.
func WithTryLoaderLock(try bool) Option {
	return func(o *Options) error {
		o.TryLoaderLock = try
		return nil
	}
}

// WithStackSkip sets the number of extra frames dropped from stacks.
func WithStackSkip(skip int) Option {
	return func(o *Options) error {
		if skip < 0 {
			return errors.Errorf("negative stack skip %d", skip)
		}
		o.StackSkip = skip
		return nil
	}
}

// WithLogLevel sets the logrus level name.
func WithLogLevel(level string) Option {
	return func(o *Options) error {
		if _, err := logrus.ParseLevel(level); err != nil {
			return errors.Wrapf(err, "invalid log level %q", level)
		}
		o.LogLevel = level
		return nil
	}
}

// WithReportOnExit sets whether Fini logs remaining live blocks.
func WithReportOnExit(report bool) Option {
	return func(o *Options) error {
		o.ReportOnExit = report
		return nil
	}
}
