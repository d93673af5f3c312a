package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("LOCKOUT_POLICY", "")

	cfg := LoadConfig()
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "scylla", cfg.Store.Driver)
	assert.Equal(t, "enforcing", cfg.Lockout.Policy)
	assert.Equal(t, 5, cfg.Lockout.Threshold)
	assert.Equal(t, 15*time.Minute, cfg.Lockout.Window)
	assert.Equal(t, 2*time.Minute, cfg.Biometric.ChallengeTTL)
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.Same(t, cfg, Get())
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("STORE_SEED_SUBJECTS", "patient:p-1, clinician:c-9")
	t.Setenv("LOCKOUT_THRESHOLD", "3")
	t.Setenv("LOCKOUT_WINDOW", "30m")
	t.Setenv("SCYLLA_NODES", "10.0.0.1:9042,10.0.0.2:9042")
	t.Setenv("HASH_PEPPERS", "1:old,2:new")
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg := LoadConfig()
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, []string{"patient:p-1", "clinician:c-9"}, cfg.Store.SeedSubjects)
	assert.Equal(t, 3, cfg.Lockout.Threshold)
	assert.Equal(t, 30*time.Minute, cfg.Lockout.Window)
	assert.Equal(t, []string{"10.0.0.1:9042", "10.0.0.2:9042"}, cfg.Scylla.Nodes)
	assert.Equal(t, []string{"1:old", "2:new"}, cfg.Hashing.Peppers)
	assert.Equal(t, 8080, cfg.Server.Port, "unparsable values fall back to the default")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment: "development",
			Store:       StoreConfig{Driver: "memory"},
			Lockout:     LockoutConfig{Policy: "enforcing", Threshold: 5, Window: time.Minute},
			Bucketing:   BucketingConfig{CredentialBuckets: 16, EventBuckets: 64},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid"},
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Store.Driver = "postgres" },
			want:   "unknown store driver",
		},
		{
			name:   "unknown policy",
			mutate: func(c *Config) { c.Lockout.Policy = "lenient" },
			want:   "unknown lockout policy",
		},
		{
			name:   "enforcing without threshold",
			mutate: func(c *Config) { c.Lockout.Threshold = 0 },
			want:   "threshold must be positive",
		},
		{
			name:   "noop ignores threshold",
			mutate: func(c *Config) { c.Lockout.Policy = "noop"; c.Lockout.Threshold = 0 },
		},
		{
			name:   "tls required but disabled",
			mutate: func(c *Config) { c.Server.RequireTLS = true },
			want:   "SERVER_REQUIRE_TLS",
		},
		{
			name:   "zero buckets",
			mutate: func(c *Config) { c.Bucketing.EventBuckets = 0 },
			want:   "bucket counts",
		},
		{
			name:   "production needs keys and a durable store",
			mutate: func(c *Config) { c.Environment = "production" },
			want:   "memory store is not allowed in production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
