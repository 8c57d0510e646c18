package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigurationError marks a problem with the configuration itself, as
// opposed to a runtime failure. The CLI maps it to its own exit status.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration: %s: %v", e.Msg, e.Err)
	}
	return "configuration: " + e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Errorf builds a ConfigurationError from a format string.
func Errorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

type Config struct {
	StateDir            string        `yaml:"state_dir"`
	SnapshotPrefix      string        `yaml:"snapshot_prefix"`
	IncludeIntermediate bool          `yaml:"include_intermediate"`
	Parallelism         int           `yaml:"parallelism"`
	ChunkSizeKiB        int           `yaml:"chunk_size_kib"`
	QueueDepth          int           `yaml:"queue_depth"`
	AgeRecipient        string        `yaml:"age_recipient,omitempty"`
	Remotes             []Remote      `yaml:"remotes,omitempty"`
	S3                  *S3           `yaml:"s3,omitempty"`
	TargetGroups        []TargetGroup `yaml:"target_groups"`
	Sources             []Source      `yaml:"sources"`
}

// Remote describes an SSH endpoint that target group paths live on.
type Remote struct {
	Name       string `yaml:"name"`
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Port       int    `yaml:"port"`
	KeyPath    string `yaml:"key_path,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
}

type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	StorageClass    string `yaml:"storage_class,omitempty"`
	Retry           struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"retry,omitempty"`
}

// TargetGroup is a set of sinks that together hold one replica chain per
// dataset. Paths are local directories unless Remote names an SSH endpoint,
// in which case they are directories on that host. S3Prefix adds an S3 sink
// backed by the top-level s3 block.
type TargetGroup struct {
	Name     string   `yaml:"name"`
	Remote   string   `yaml:"remote,omitempty"`
	Paths    []string `yaml:"paths,omitempty"`
	S3Prefix string   `yaml:"s3_prefix,omitempty"`
}

// Source selects datasets to replicate and names the groups they go to.
type Source struct {
	Name         string   `yaml:"name"`
	Datasets     []string `yaml:"datasets"`
	Recursive    bool     `yaml:"recursive"`
	Include      []string `yaml:"include,omitempty"`
	Exclude      []string `yaml:"exclude,omitempty"`
	TargetGroups []string `yaml:"target_groups"`

	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// IncludePatterns returns the compiled include patterns. Only valid after
// Validate has run.
func (s *Source) IncludePatterns() []*regexp.Regexp { return s.include }

// ExcludePatterns returns the compiled exclude patterns. Only valid after
// Validate has run.
func (s *Source) ExcludePatterns() []*regexp.Regexp { return s.exclude }

func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, &ConfigurationError{Msg: "read config file", Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Msg: "parse config file", Err: err}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SnapshotPrefix == "" {
		c.SnapshotPrefix = "zmt"
	}
	if c.Parallelism == 0 {
		c.Parallelism = 1
	}
	if c.ChunkSizeKiB == 0 {
		c.ChunkSizeKiB = 1024
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 8
	}
	for i := range c.Remotes {
		if c.Remotes[i].Port == 0 {
			c.Remotes[i].Port = 22
		}
	}
}

func (c *Config) Validate() error {
	if c.StateDir == "" {
		return Errorf("state_dir is required")
	}
	if strings.ContainsAny(c.SnapshotPrefix, "@/ \t") {
		return Errorf("snapshot_prefix %q contains invalid characters", c.SnapshotPrefix)
	}
	if c.Parallelism < 1 {
		return Errorf("parallelism must be at least 1")
	}
	if c.ChunkSizeKiB < 1 {
		return Errorf("chunk_size_kib must be at least 1")
	}
	if c.QueueDepth < 1 {
		return Errorf("queue_depth must be at least 1")
	}

	remotes := map[string]bool{}
	for i, r := range c.Remotes {
		if r.Name == "" {
			return Errorf("remotes[%d].name is required", i)
		}
		if remotes[r.Name] {
			return Errorf("duplicate remote %q", r.Name)
		}
		remotes[r.Name] = true
		if r.Host == "" {
			return Errorf("remotes[%d].host is required", i)
		}
		if r.User == "" {
			return Errorf("remotes[%d].user is required", i)
		}
	}

	if c.S3 != nil {
		if c.S3.Bucket == "" {
			return Errorf("s3.bucket is required")
		}
		if c.S3.Region == "" {
			return Errorf("s3.region is required")
		}
		switch c.S3.StorageClass {
		case "GLACIER", "DEEP_ARCHIVE":
			return Errorf("s3.storage_class %s cannot be read back for verify or restore", c.S3.StorageClass)
		}
	}

	if len(c.TargetGroups) == 0 {
		return Errorf("at least one target group is required")
	}
	groups := map[string]bool{}
	for i, g := range c.TargetGroups {
		if g.Name == "" {
			return Errorf("target_groups[%d].name is required", i)
		}
		if groups[g.Name] {
			return Errorf("duplicate target group %q", g.Name)
		}
		groups[g.Name] = true
		if len(g.Paths) == 0 && g.S3Prefix == "" {
			return Errorf("target group %q has no sinks", g.Name)
		}
		if g.Remote != "" && !remotes[g.Remote] {
			return Errorf("target group %q references unknown remote %q", g.Name, g.Remote)
		}
		if g.S3Prefix != "" && c.S3 == nil {
			return Errorf("target group %q sets s3_prefix but no s3 block is configured", g.Name)
		}
	}

	if len(c.Sources) == 0 {
		return Errorf("at least one source is required")
	}
	sources := map[string]bool{}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Name == "" {
			return Errorf("sources[%d].name is required", i)
		}
		if sources[s.Name] {
			return Errorf("duplicate source %q", s.Name)
		}
		sources[s.Name] = true
		if len(s.Datasets) == 0 {
			return Errorf("source %q has no datasets", s.Name)
		}
		if len(s.TargetGroups) == 0 {
			return Errorf("source %q has no target groups", s.Name)
		}
		for _, g := range s.TargetGroups {
			if !groups[g] {
				return Errorf("source %q references unknown target group %q", s.Name, g)
			}
		}
		if err := s.Compile(); err != nil {
			return err
		}
	}

	return nil
}

// Compile prepares the include and exclude patterns. Validate calls it for
// every source; it only needs calling directly on hand-built sources.
func (s *Source) Compile() error {
	var err error
	if s.include, err = compilePatterns(s.Include); err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("source %q include pattern", s.Name), Err: err}
	}
	if s.exclude, err = compilePatterns(s.Exclude); err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("source %q exclude pattern", s.Name), Err: err}
	}
	return nil
}

// compilePatterns anchors every pattern at the start of the dataset path,
// matching how selection patterns are written (prefix-style, "pool0/.*").
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	var compiled []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")")
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func (c *Config) FindRemote(name string) (*Remote, error) {
	for i := range c.Remotes {
		if c.Remotes[i].Name == name {
			return &c.Remotes[i], nil
		}
	}
	return nil, fmt.Errorf("remote not found: %s", name)
}

func (c *Config) FindGroup(name string) (*TargetGroup, error) {
	for i := range c.TargetGroups {
		if c.TargetGroups[i].Name == name {
			return &c.TargetGroups[i], nil
		}
	}
	return nil, fmt.Errorf("target group not found: %s", name)
}

func (c *Config) FindSource(name string) (*Source, error) {
	for i := range c.Sources {
		if c.Sources[i].Name == name {
			return &c.Sources[i], nil
		}
	}
	return nil, fmt.Errorf("source not found: %s", name)
}

func (c *Config) S3RetryAttempts() int {
	if c.S3 != nil && c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return 3
}
