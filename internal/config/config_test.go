package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{
		StateDir: "/var/lib/zmt",
		TargetGroups: []TargetGroup{
			{Name: "mirror", Paths: []string{"/mnt/b1", "/mnt/b2"}},
		},
		Sources: []Source{
			{
				Name:         "tank",
				Datasets:     []string{"tank/data"},
				Recursive:    true,
				TargetGroups: []string{"mirror"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	t.Run("empty state_dir", func(t *testing.T) {
		cfg := validConfig()
		cfg.StateDir = ""
		assert.ErrorContains(t, cfg.Validate(), "state_dir is required")
	})

	t.Run("snapshot prefix with at sign", func(t *testing.T) {
		cfg := validConfig()
		cfg.SnapshotPrefix = "zmt@bad"
		assert.ErrorContains(t, cfg.Validate(), "invalid characters")
	})

	t.Run("no target groups", func(t *testing.T) {
		cfg := validConfig()
		cfg.TargetGroups = nil
		assert.ErrorContains(t, cfg.Validate(), "at least one target group")
	})

	t.Run("duplicate target group", func(t *testing.T) {
		cfg := validConfig()
		cfg.TargetGroups = append(cfg.TargetGroups, TargetGroup{Name: "mirror", Paths: []string{"/x"}})
		assert.ErrorContains(t, cfg.Validate(), `duplicate target group "mirror"`)
	})

	t.Run("group without sinks", func(t *testing.T) {
		cfg := validConfig()
		cfg.TargetGroups = []TargetGroup{{Name: "empty"}}
		cfg.Sources[0].TargetGroups = []string{"empty"}
		assert.ErrorContains(t, cfg.Validate(), `target group "empty" has no sinks`)
	})

	t.Run("group with unknown remote", func(t *testing.T) {
		cfg := validConfig()
		cfg.TargetGroups[0].Remote = "nowhere"
		assert.ErrorContains(t, cfg.Validate(), `unknown remote "nowhere"`)
	})

	t.Run("remote missing host", func(t *testing.T) {
		cfg := validConfig()
		cfg.Remotes = []Remote{{Name: "offsite", User: "zmt", Port: 22}}
		assert.ErrorContains(t, cfg.Validate(), "remotes[0].host is required")
	})

	t.Run("s3_prefix without s3 block", func(t *testing.T) {
		cfg := validConfig()
		cfg.TargetGroups[0].S3Prefix = "backups/"
		assert.ErrorContains(t, cfg.Validate(), "no s3 block is configured")
	})

	t.Run("s3 missing bucket", func(t *testing.T) {
		cfg := validConfig()
		cfg.S3 = &S3{Region: "us-east-1"}
		assert.ErrorContains(t, cfg.Validate(), "s3.bucket is required")
	})

	t.Run("cold s3 storage class", func(t *testing.T) {
		cfg := validConfig()
		cfg.S3 = &S3{Bucket: "b", Region: "us-east-1", StorageClass: "DEEP_ARCHIVE"}
		assert.ErrorContains(t, cfg.Validate(), "cannot be read back")
	})

	t.Run("source with unknown group", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sources[0].TargetGroups = []string{"missing"}
		assert.ErrorContains(t, cfg.Validate(), `unknown target group "missing"`)
	})

	t.Run("source without datasets", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sources[0].Datasets = nil
		assert.ErrorContains(t, cfg.Validate(), `source "tank" has no datasets`)
	})

	t.Run("invalid include pattern", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sources[0].Include = []string{"tank/(unbalanced"}
		err := cfg.Validate()
		assert.ErrorContains(t, err, "include pattern")

		var cerr *ConfigurationError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("patterns compile on validate", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sources[0].Include = []string{"tank/data/.*"}
		cfg.Sources[0].Exclude = []string{".*/tmp"}
		require.NoError(t, cfg.Validate())
		assert.Len(t, cfg.Sources[0].IncludePatterns(), 1)
		assert.Len(t, cfg.Sources[0].ExcludePatterns(), 1)
		assert.True(t, cfg.Sources[0].IncludePatterns()[0].MatchString("tank/data/vm"))
		assert.False(t, cfg.Sources[0].IncludePatterns()[0].MatchString("tank/data"))
	})
}

func TestLoad(t *testing.T) {
	t.Run("full config round trip", func(t *testing.T) {
		raw := `
state_dir: /var/lib/zmt
snapshot_prefix: backup
include_intermediate: true
parallelism: 3
remotes:
  - name: offsite
    host: backup.example.com
    user: zmt
    key_path: /root/.ssh/id_ed25519
s3:
  bucket: my-backups
  region: eu-central-1
target_groups:
  - name: mirror
    paths: [/mnt/b1, /mnt/b2]
  - name: offsite
    remote: offsite
    paths: [/srv/zmt]
  - name: cloud
    s3_prefix: zmt/
sources:
  - name: tank
    datasets: [tank/data]
    recursive: true
    include: ["tank/data/.*"]
    exclude: [".*/scratch"]
    target_groups: [mirror, offsite, cloud]
`
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "backup", cfg.SnapshotPrefix)
		assert.True(t, cfg.IncludeIntermediate)
		assert.Equal(t, 3, cfg.Parallelism)
		assert.Equal(t, 1024, cfg.ChunkSizeKiB)
		assert.Equal(t, 8, cfg.QueueDepth)
		assert.Equal(t, 22, cfg.Remotes[0].Port)
		assert.Len(t, cfg.TargetGroups, 3)

		g, err := cfg.FindGroup("offsite")
		require.NoError(t, err)
		assert.Equal(t, "offsite", g.Remote)
	})

	t.Run("missing file is a configuration error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		var cerr *ConfigurationError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("bad yaml is a configuration error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("state_dir: [\n"), 0o644))
		_, err := Load(path)
		var cerr *ConfigurationError
		assert.True(t, errors.As(err, &cerr))
	})
}

func TestFindRemote(t *testing.T) {
	cfg := validConfig()
	cfg.Remotes = []Remote{{Name: "offsite", Host: "h", User: "u", Port: 22}}

	r, err := cfg.FindRemote("offsite")
	require.NoError(t, err)
	assert.Equal(t, "h", r.Host)

	_, err = cfg.FindRemote("nonexistent")
	assert.Error(t, err)
}

func TestS3RetryAttempts(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   int
	}{
		{
			name:   "no s3 block",
			config: &Config{},
			want:   3,
		},
		{
			name: "default retry attempts",
			config: &Config{S3: &S3{}},
			want: 3,
		},
		{
			name: "custom retry attempts",
			config: func() *Config {
				c := &Config{S3: &S3{}}
				c.S3.Retry.MaxAttempts = 5
				return c
			}(),
			want: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.S3RetryAttempts())
		})
	}
}
