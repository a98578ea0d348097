// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the YAML configuration of the cdcd service.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/juju/cdc/core/changefeed"
	"github.com/juju/cdc/internal/transform"
)

const (
	// StartNow opens a feed without a checkpoint at the current end of
	// the source.
	StartNow = "now"

	// DefaultLogging is the loggo configuration used when none is set.
	DefaultLogging = "<root>=INFO"

	// DefaultDialTimeout bounds the initial connection to MongoDB.
	DefaultDialTimeout = 30 * time.Second

	// DefaultMaxAwait is how long a change stream waits for new events
	// before reporting that the feed is idle.
	DefaultMaxAwait = time.Second
)

// Config is the top level configuration of the service.
type Config struct {
	// Logging is a loggo configuration string.
	Logging string `yaml:"logging"`
	// MetricsAddress is the address of the prometheus scrape endpoint.
	// Empty disables it.
	MetricsAddress string   `yaml:"metrics-address"`
	Tracing        Tracing  `yaml:"tracing"`
	Mongo          Mongo    `yaml:"mongo"`
	SQLite         SQLite   `yaml:"sqlite"`
	Pipeline       Pipeline `yaml:"pipeline"`
	Feeds          []Feed   `yaml:"feeds"`

	// dir is the directory of the config file, used to resolve
	// relative paths.
	dir string
}

// Tracing configures span export. An empty endpoint disables it.
type Tracing struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample-ratio"`
}

// Enabled reports whether spans are exported.
func (t Tracing) Enabled() bool {
	return t.Endpoint != ""
}

// Mongo configures the MongoDB change stream source.
type Mongo struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial-timeout"`
	MaxAwait    time.Duration `yaml:"max-await"`
	BatchSize   int           `yaml:"batch-size"`
}

// SQLite configures the record and checkpoint database.
type SQLite struct {
	Path string `yaml:"path"`
}

// Pipeline holds the runner settings shared by every feed. Zero values
// use the runner defaults.
type Pipeline struct {
	OpTimeout       time.Duration `yaml:"op-timeout"`
	MinBackoff      time.Duration `yaml:"min-backoff"`
	MaxBackoff      time.Duration `yaml:"max-backoff"`
	DrainTimeout    time.Duration `yaml:"drain-timeout"`
	StartupAttempts int           `yaml:"startup-attempts"`
}

// Feed configures a single feed.
type Feed struct {
	Name       string `yaml:"name"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	// StartFrom is either StartNow or a resume token, used when the feed
	// has no checkpoint.
	StartFrom   string       `yaml:"start-from"`
	Kinds       []string     `yaml:"kinds"`
	Projections []Projection `yaml:"projections"`
	SchemaFile  string       `yaml:"schema-file"`
	MaxDepth    int          `yaml:"max-depth"`
}

// Projection configures one record emitted per event.
type Projection struct {
	Name    string   `yaml:"name"`
	Include []string `yaml:"include"`
}

// Read reads and validates the config file at path.
func Read(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %q", path)
	}
	cfg.dir = filepath.Dir(path)
	return cfg, nil
}

// Parse parses and validates a YAML config. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, errors.Annotate(err, "parsing config")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging == "" {
		c.Logging = DefaultLogging
	}
	if c.Tracing.Enabled() && c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
	if c.Mongo.DialTimeout == 0 {
		c.Mongo.DialTimeout = DefaultDialTimeout
	}
	if c.Mongo.MaxAwait == 0 {
		c.Mongo.MaxAwait = DefaultMaxAwait
	}
	for i := range c.Feeds {
		if c.Feeds[i].StartFrom == "" {
			c.Feeds[i].StartFrom = StartNow
		}
	}
}

// Validate ensures that the config values are valid.
func (c *Config) Validate() error {
	if c.Mongo.URL == "" {
		return errors.NotValidf("empty mongo url")
	}
	if c.Mongo.DialTimeout < 0 {
		return errors.NotValidf("negative mongo dial-timeout")
	}
	if c.Mongo.MaxAwait < 0 {
		return errors.NotValidf("negative mongo max-await")
	}
	if c.Mongo.BatchSize < 0 {
		return errors.NotValidf("negative mongo batch-size")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.NotValidf("tracing sample-ratio %v", c.Tracing.SampleRatio)
	}
	if c.SQLite.Path == "" {
		return errors.NotValidf("empty sqlite path")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return errors.Trace(err)
	}
	if len(c.Feeds) == 0 {
		return errors.NotValidf("empty feeds")
	}
	names := set.NewStrings()
	for _, f := range c.Feeds {
		if err := f.Validate(); err != nil {
			return errors.Trace(err)
		}
		if names.Contains(f.Name) {
			return errors.NotValidf("duplicate feed %q", f.Name)
		}
		names.Add(f.Name)
	}
	return nil
}

// Validate ensures that the pipeline settings are valid.
func (p Pipeline) Validate() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"op-timeout", p.OpTimeout},
		{"min-backoff", p.MinBackoff},
		{"max-backoff", p.MaxBackoff},
		{"drain-timeout", p.DrainTimeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			return errors.NotValidf("negative pipeline %s", d.name)
		}
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.MinBackoff {
		return errors.NotValidf("pipeline max-backoff less than min-backoff")
	}
	if p.StartupAttempts < 0 {
		return errors.NotValidf("negative pipeline startup-attempts")
	}
	return nil
}

// Validate ensures that the feed settings are valid.
func (f Feed) Validate() error {
	if f.Name == "" {
		return errors.NotValidf("empty feed name")
	}
	if f.Database == "" {
		return errors.NotValidf("feed %q with empty database", f.Name)
	}
	if f.Collection == "" {
		return errors.NotValidf("feed %q with empty collection", f.Name)
	}
	if _, err := f.OperationKinds(); err != nil {
		return errors.Annotatef(err, "feed %q", f.Name)
	}
	if f.MaxDepth < 0 {
		return errors.NotValidf("feed %q with negative max-depth", f.Name)
	}
	projections := set.NewStrings()
	for _, p := range f.Projections {
		if p.Name == "" {
			return errors.NotValidf("feed %q projection with empty name", f.Name)
		}
		if projections.Contains(p.Name) {
			return errors.NotValidf("feed %q duplicate projection %q", f.Name, p.Name)
		}
		projections.Add(p.Name)
	}
	return nil
}

// OperationKinds returns the parsed kinds filter of the feed.
func (f Feed) OperationKinds() ([]changefeed.OperationKind, error) {
	kinds := make([]changefeed.OperationKind, 0, len(f.Kinds))
	for _, name := range f.Kinds {
		kind, err := changefeed.ParseOperationKind(name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// StartToken returns the position used when the feed has no checkpoint.
func (f Feed) StartToken() changefeed.ResumeToken {
	if f.StartFrom == StartNow {
		return ""
	}
	return changefeed.ResumeToken(f.StartFrom)
}

// FeedNames returns the names of every configured feed.
func (c *Config) FeedNames() []string {
	names := make([]string, len(c.Feeds))
	for i, f := range c.Feeds {
		names[i] = f.Name
	}
	return names
}

// Feed returns the feed with the given name.
func (c *Config) Feed(name string) (Feed, error) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return f, nil
		}
	}
	return Feed{}, errors.NotFoundf("feed %q", name)
}

// TransformConfig returns the transformer config of the feed. A relative
// schema file is resolved against the directory of the config file.
func (c *Config) TransformConfig(f Feed) (transform.Config, error) {
	kinds, err := f.OperationKinds()
	if err != nil {
		return transform.Config{}, errors.Trace(err)
	}

	cfg := transform.Config{
		Feed:     f.Name,
		Kinds:    kinds,
		MaxDepth: f.MaxDepth,
	}
	for _, p := range f.Projections {
		cfg.Projections = append(cfg.Projections, transform.Projection{
			Name:    p.Name,
			Include: p.Include,
		})
	}

	if f.SchemaFile != "" {
		path := f.SchemaFile
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		schema, err := os.ReadFile(path)
		if err != nil {
			return transform.Config{}, errors.Annotatef(err, "reading schema for feed %q", f.Name)
		}
		cfg.Schema = string(schema)
	}
	return cfg, nil
}

// SQLitePath returns the database path, resolved against the directory
// of the config file when relative.
func (c *Config) SQLitePath() string {
	if filepath.IsAbs(c.SQLite.Path) || c.dir == "" {
		return c.SQLite.Path
	}
	return filepath.Join(c.dir, c.SQLite.Path)
}
