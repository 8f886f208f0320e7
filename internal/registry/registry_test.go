package registry_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/mcp-gateway/internal/eventbus"
	"github.com/janhq/mcp-gateway/internal/registry"
)

func newTestRegistry(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New(zerolog.Nop())
	r, err := registry.Load(dir, bus)
	require.NoError(t, err)
	return r, dir
}

func TestLoad_MissingFileYieldsEmptyRegistry(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Empty(t, r.List())
}

func TestRegistry_AddGetAndPersist(t *testing.T) {
	r, dir := newTestRegistry(t)

	s, err := r.Add(registry.Spec{Name: "Weather", URL: "https://weather.example.com/mcp/"})
	require.NoError(t, err)
	assert.Equal(t, "weather", s.Name, "names are normalized to lowercase")
	assert.Equal(t, "https://weather.example.com/mcp", s.URL, "trailing slash is trimmed")
	assert.Equal(t, registry.HealthUnknown, s.Health)

	got, ok := r.Get("WEATHER")
	require.True(t, ok, "Get must normalize lookups the same way Add does")
	assert.Equal(t, "weather", got.Name)

	assert.FileExists(t, filepath.Join(dir, "registry.json"))

	reloaded, err := registry.Load(dir, eventbus.New(zerolog.Nop()))
	require.NoError(t, err)
	_, ok = reloaded.Get("weather")
	assert.True(t, ok, "registry.json must round-trip the added server")
}

func TestRegistry_AddRejectsDuplicateName(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(registry.Spec{Name: "weather", URL: "https://weather.example.com"})
	require.NoError(t, err)

	_, err = r.Add(registry.Spec{Name: "Weather", URL: "https://other.example.com"})
	assert.Error(t, err)
}

func TestRegistry_AddRejectsInvalidURL(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(registry.Spec{Name: "weather", URL: "not-a-url"})
	assert.Error(t, err)
}

func TestRegistry_AddRejectsEmptyName(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(registry.Spec{Name: "  ", URL: "https://weather.example.com"})
	assert.Error(t, err)
}

func TestRegistry_RemoveUnknownServerErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Remove("nope")
	assert.Error(t, err)
}

func TestRegistry_RemoveDeletesServer(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(registry.Spec{Name: "weather", URL: "https://weather.example.com"})
	require.NoError(t, err)

	require.NoError(t, r.Remove("weather"))
	_, ok := r.Get("weather")
	assert.False(t, ok)
}

func TestRegistry_UpdateHealth(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(registry.Spec{Name: "weather", URL: "https://weather.example.com"})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, r.UpdateHealth("weather", registry.HealthUp, now))

	s, _ := r.Get("weather")
	assert.Equal(t, registry.HealthUp, s.Health)
	assert.WithinDuration(t, now, s.LastHealthCheck, time.Second)
}

func TestRegistry_BumpActivityIncrementsCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(registry.Spec{Name: "weather", URL: "https://weather.example.com"})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, r.BumpActivity("weather", now))
	require.NoError(t, r.BumpActivity("weather", now.Add(time.Second)))

	s, _ := r.Get("weather")
	assert.Equal(t, int64(2), s.ExchangeCount)
}

func TestRegistry_CacheToolList(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Add(registry.Spec{Name: "weather", URL: "https://weather.example.com"})
	require.NoError(t, err)

	tools := []registry.Tool{{Name: "get_forecast", Description: "fetch the forecast"}}
	require.NoError(t, r.CacheToolList("weather", tools))

	s, _ := r.Get("weather")
	require.Len(t, s.ToolList, 1)
	assert.Equal(t, "get_forecast", s.ToolList[0].Name)
}

func TestRegistry_UnknownServerOperationsError(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Error(t, r.UpdateHealth("ghost", registry.HealthUp, time.Now()))
	assert.Error(t, r.BumpActivity("ghost", time.Now()))
	assert.Error(t, r.CacheToolList("ghost", nil))
}

func TestRegistry_SaveCreatesRootDirectory(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested", "data")
	bus := eventbus.New(zerolog.Nop())
	r, err := registry.Load(nested, bus)
	require.NoError(t, err)

	_, err = r.Add(registry.Spec{Name: "weather", URL: "https://weather.example.com"})
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(nested, "registry.json"))
	assert.NoError(t, statErr)
}
