package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func validConfig() *Config {
	c := &Config{}
	c.Watcher.Dir = "./extracted"
	c.Watcher.QueueSize = 16
	c.Watcher.QuietPeriod = time.Second
	c.Rules.Dir = "./rules.d"
	c.Scanner.Workers = 2
	c.Scanner.MaxFileSize = 1024
	c.Correlation.Window = 300 * time.Second
	c.Correlation.TimeProximity = 60 * time.Second
	c.Correlation.MinConfidence = 70
	c.API.Port = 8081
	return c
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validateAndHash(validConfig()))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty watch dir", func(c *Config) { c.Watcher.Dir = "" }},
		{"empty rules dir", func(c *Config) { c.Rules.Dir = "" }},
		{"zero workers", func(c *Config) { c.Scanner.Workers = 0 }},
		{"zero max file size", func(c *Config) { c.Scanner.MaxFileSize = 0 }},
		{"zero queue size", func(c *Config) { c.Watcher.QueueSize = 0 }},
		{"zero quiet period", func(c *Config) { c.Watcher.QuietPeriod = 0 }},
		{"confidence over 100", func(c *Config) { c.Correlation.MinConfidence = 101 }},
		{"negative confidence", func(c *Config) { c.Correlation.MinConfidence = -1 }},
		{"zero window", func(c *Config) { c.Correlation.Window = 0 }},
		{"proximity beyond window", func(c *Config) { c.Correlation.TimeProximity = 301 * time.Second }},
		{"bad port", func(c *Config) { c.API.Port = 0 }},
		{"auth without credentials", func(c *Config) { c.API.Auth.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(c)
			assert.Error(t, validateAndHash(c))
		})
	}
}

func TestValidateHashesAPIPassword(t *testing.T) {
	c := validConfig()
	c.API.Auth.Enabled = true
	c.API.Auth.Username = "argus"
	c.API.Auth.Password = "sekret"
	c.API.Auth.BcryptCost = bcrypt.MinCost

	require.NoError(t, validateAndHash(c))
	assert.Empty(t, c.API.Auth.Password, "plaintext password must be cleared")
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(c.API.Auth.HashedPassword), []byte("sekret")))
}

func TestResolveDataPaths(t *testing.T) {
	c := &Config{}
	c.ResolveDataPaths()
	assert.Equal(t, "./data", c.DataPaths.DataDir)
	assert.Equal(t, "data/argus.db", c.DataPaths.SQLitePath)

	c = &Config{}
	c.DataPaths.DataDir = "/var/lib/argus"
	c.ResolveDataPaths()
	assert.Equal(t, "/var/lib/argus/argus.db", c.DataPaths.SQLitePath)
}

func TestReadPoolSizeDefault(t *testing.T) {
	c := validConfig()
	assert.Equal(t, 4, c.ReadPoolSize()) // workers + ingester + correlator

	c.Storage.ReadPoolSize = 9
	assert.Equal(t, 9, c.ReadPoolSize())
}
