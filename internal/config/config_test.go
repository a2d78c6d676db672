package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.VehiclePollInterval)
	assert.Equal(t, 60*time.Second, cfg.AlertPollInterval)
	assert.Equal(t, 9.0, cfg.UpstreamRateLimit)
	assert.Equal(t, 1500.0, cfg.TripMatchScoreThreshold)
	assert.Equal(t, -1, cfg.DeviationSign)
	assert.Equal(t, "America/New_York", cfg.Location.String())
	assert.Contains(t, cfg.RailRoutes, "RED")
	assert.Empty(t, cfg.RouteBlacklist)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("VEHICLE_POLL_INTERVAL", "10")
	t.Setenv("TRIP_MATCH_SCORE_THRESHOLD", "25")
	t.Setenv("ROUTE_BLACKLIST", "B99, 10Bv1 ,")
	t.Setenv("ROUTE_OVERRIDES", "5Av1=5A,bogus")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.VehiclePollInterval)
	assert.Equal(t, 25.0, cfg.TripMatchScoreThreshold)
	assert.Equal(t, []string{"B99", "10Bv1"}, cfg.RouteBlacklist)
	assert.Equal(t, map[string]string{"5Av1": "5A"}, cfg.RouteStaticOverrides)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad timezone", "AGENCY_TIMEZONE", "Mars/Olympus"},
		{"bad sign", "DEVIATION_SIGN", "2"},
		{"zero rate", "UPSTREAM_RATE_LIMIT", "0"},
		{"bad url", "UPSTREAM_API_URL", "not a url"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tc.key, tc.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RulesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	rulesPath := filepath.Join(dir, "rules.yaml")
	rules := []byte(`
blacklist: [B99, X1]
overrides:
  "5Av1": "5A"
rail_routes: [RED]
`)
	require.NoError(t, os.WriteFile(rulesPath, rules, 0644))

	t.Setenv("ROUTE_RULES_FILE", rulesPath)
	t.Setenv("ROUTE_BLACKLIST", "B99")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"B99", "X1"}, cfg.RouteBlacklist)
	assert.Equal(t, "5A", cfg.RouteStaticOverrides["5Av1"])
	assert.Equal(t, []string{"RED"}, cfg.RailRoutes)
}

func TestLoadRules_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("blacklist: [\"\"]\n"), 0644))

	_, err := LoadRules(path)
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
