package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexfrei/cloudflare-geo-pool-controller/internal/config"
)

func newTestViper(values map[string]any) *viper.Viper {
	v := viper.New()
	configureViper(v)

	for key, value := range values {
		v.Set(key, value)
	}

	return v
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	v := newTestViper(map[string]any{
		"api-token":    "token",
		"zone-id":      "zone",
		"geo-location": "eu",
	})

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "token", cfg.APIToken)
	assert.Equal(t, "zone", cfg.ZoneID)
	assert.Empty(t, cfg.AccountID)
	assert.Equal(t, config.GeoKey("eu"), cfg.GeoLocation)
	assert.Equal(t, config.DefaultHostname, cfg.Hostname)
	assert.Equal(t, config.DefaultLabelSelector, cfg.LabelSelector)
	assert.InDelta(t, config.DefaultOriginWeight, cfg.OriginWeight, 0)
	assert.True(t, cfg.Proxied)
	assert.True(t, cfg.PoolNameGeoSuffix)
	assert.True(t, cfg.ValidateZone)
	assert.Equal(t, int64(config.DefaultTTL), cfg.TTL)
	assert.Equal(t, config.DefaultSteeringPolicy, cfg.SteeringPolicy)
	assert.Equal(t, config.DefaultWatchTimeout, cfg.WatchTimeout)
	assert.Equal(t, config.DefaultReconnectDelay, cfg.ReconnectDelay)
	assert.Equal(t, config.DefaultEventTimeout, cfg.EventTimeout)
	assert.Equal(t, config.DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, config.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, ":8080", cfg.MetricsAddr)
	assert.Equal(t, ":8081", cfg.HealthAddr)
	assert.Equal(t, 4, cfg.GeoLocations.Len())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Parallel()

	v := newTestViper(map[string]any{
		"api-token":          "token",
		"zone-id":            "zone",
		"account-id":         "acc",
		"multi-geo":          true,
		"lb-hostname":        "geo.example.com",
		"origin-weight":      "50",
		"lb-ttl":             "120",
		"lb-proxied":         false,
		"watch-timeout":      "1m",
		"reconnect-delay":    "2s",
		"lb-steering-policy": "geo",
	})

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "acc", cfg.AccountID)
	assert.True(t, cfg.MultiGeo)
	assert.Equal(t, "geo.example.com", cfg.Hostname)
	assert.InDelta(t, 50, cfg.OriginWeight, 0)
	assert.Equal(t, int64(120), cfg.TTL)
	assert.False(t, cfg.Proxied)
	assert.Equal(t, time.Minute, cfg.WatchTimeout)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, "geo", cfg.SteeringPolicy)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		values  map[string]any
		wantErr string
	}{
		{
			name:    "missing token",
			values:  map[string]any{"zone-id": "zone", "geo-location": "eu"},
			wantErr: "api-token is required",
		},
		{
			name:    "missing geo in single-geo mode",
			values:  map[string]any{"api-token": "t", "zone-id": "zone"},
			wantErr: "geo-location is required",
		},
		{
			name:    "unknown geo",
			values:  map[string]any{"api-token": "t", "zone-id": "zone", "geo-location": "mars"},
			wantErr: `invalid geo-location "mars"`,
		},
		{
			name:    "weight out of range",
			values:  map[string]any{"api-token": "t", "zone-id": "zone", "geo-location": "eu", "origin-weight": 101},
			wantErr: "origin-weight",
		},
		{
			name: "multi geo without pool suffix",
			values: map[string]any{
				"api-token": "t", "zone-id": "zone", "multi-geo": true, "pool-name-geo-suffix": false,
			},
			wantErr: "pool-name-geo-suffix may only be disabled",
		},
		{
			name:    "bad selector",
			values:  map[string]any{"api-token": "t", "zone-id": "zone", "geo-location": "eu", "label-selector": "a in (b"},
			wantErr: "invalid label-selector",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := loadConfig(newTestViper(tt.values))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_GeoLocationsFromFile(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api-token: token
zone-id: zone
geo-location: sa
geo-locations:
  sa:
    name: South America
    latitude: -23.5505
    longitude: -46.6333
  eu:
    name: Europe
    latitude: 50.1109
    longitude: 8.6821
`
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	v := viper.New()
	configureViper(v)
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())

	cfg, err := loadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.GeoLocations.Len())

	loc, ok := cfg.GeoLocations.Lookup("sa")
	require.True(t, ok)
	assert.Equal(t, "South America", loc.DisplayName)
	assert.InDelta(t, -23.5505, loc.Latitude, 1e-9)
	assert.InDelta(t, -46.6333, loc.Longitude, 1e-9)

	_, ok = cfg.GeoLocations.Lookup("asia")
	assert.False(t, ok, "file table replaces the built-in one")
}

func TestLoadConfig_InvalidGeoLocations(t *testing.T) {
	t.Parallel()

	v := newTestViper(map[string]any{
		"api-token":    "token",
		"zone-id":      "zone",
		"geo-location": "eu",
		"geo-locations": map[string]any{
			"eu": map[string]any{"name": "Europe", "latitude": 200, "longitude": 8},
		},
	})

	_, err := loadConfig(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid geo-locations")
}

func TestConfigureViper_UnprefixedEnv(t *testing.T) {
	t.Setenv("GEO_LOCATION", "asia")
	t.Setenv("CF_API_TOKEN", "env-token")

	v := viper.New()
	configureViper(v)

	assert.Equal(t, "asia", v.GetString("geo-location"))
	assert.Equal(t, "env-token", v.GetString("api-token"))
}
