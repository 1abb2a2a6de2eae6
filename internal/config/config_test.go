package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pipeline.db", cfg.Database.Path)
	assert.Equal(t, []string{"Italy", "Spain", "France", "Germany"}, cfg.Data.Countries)
	assert.Equal(t, "NY.GDP.MKTP.KD", cfg.GDP.Indicator)
	assert.Equal(t, "1990:2024", cfg.GDP.DateRange)
	assert.Equal(t, 30*time.Second, cfg.GDP.Timeout)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COUNTRIES", " Spain , France ,")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("WORLDBANK_TIMEOUT", "5s")
	t.Setenv("DATA_DIR", "/srv/data")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"Spain", "France"}, cfg.Data.Countries)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.GDP.Timeout)
	assert.Equal(t, "/srv/data/data.csv", cfg.Data.EmissionsPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no countries",
			mutate:  func(c *Config) { c.Data.Countries = nil },
			wantErr: "COUNTRIES",
		},
		{
			name:    "empty indicator",
			mutate:  func(c *Config) { c.GDP.Indicator = "" },
			wantErr: "GDP_INDICATOR",
		},
		{
			name:    "malformed date range",
			mutate:  func(c *Config) { c.GDP.DateRange = "1990-2024" },
			wantErr: "GDP_DATE_RANGE",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "SERVER_PORT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
