package dbpool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
pool_name: orders
host: db.internal
port: 3307
user: app
password: secret
database: orders
max_pool_size: 8
step_size: 3
enable_auto_resize: true
pool_resize_boundary: 32
auto_resize_scale: 2
wait_timeout: 1500ms
extra:
  parseTime: "true"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "orders", cfg.Name)
	assert.Equal(t, "db.internal", cfg.Conn.Host)
	assert.Equal(t, 3307, cfg.Conn.Port)
	assert.Equal(t, "secret", cfg.Conn.Password)
	assert.Equal(t, map[string]string{"parseTime": "true"}, cfg.Conn.Extra)
	assert.Equal(t, 8, cfg.MaxPoolSize)
	assert.Equal(t, 3, cfg.StepSize)
	assert.True(t, cfg.EnableAutoResize)
	assert.Equal(t, 32, cfg.ResizeBoundary)
	assert.Equal(t, 2.0, cfg.AutoResizeScale)
	assert.Equal(t, 1500*time.Millisecond, cfg.WaitTimeout)

	// untouched options keep their defaults
	assert.Equal(t, "utf8", cfg.Conn.Charset)
	assert.True(t, cfg.UseDictRows)
	assert.Equal(t, 1, cfg.ResizeThreshold)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		desc string
		body string
	}{
		{desc: "scale below one", body: "auto_resize_scale: 0.5\n"},
		{desc: "negative step", body: "step_size: -1\n"},
		{desc: "step above boundary", body: "step_size: 10\npool_resize_boundary: 4\n"},
		{desc: "not yaml", body: "max_pool_size: [\n"},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_Durations(t *testing.T) {
	tests := []struct {
		desc string
		body string
		want time.Duration
	}{
		{desc: "integer seconds", body: "wait_timeout: 60\n", want: 60 * time.Second},
		{desc: "duration string", body: "wait_timeout: 1m30s\n", want: 90 * time.Second},
		{desc: "quoted duration", body: "wait_timeout: \"45s\"\n", want: 45 * time.Second},
		{desc: "empty file", body: "", want: DefaultConfig().WaitTimeout},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.WaitTimeout)
		})
	}

	cfg, err := LoadConfig(writeConfig(t, "ping_timeout: 3\nconnect_backoff: 0\nmax_pool_size: 7\n"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.PingTimeout)
	assert.Equal(t, time.Duration(0), cfg.ConnectBackoff)
	assert.Equal(t, 7, cfg.MaxPoolSize, "integers under other keys are left alone")
}

func TestConfig_Identity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "orders"
	cfg.Conn.User = "app"
	cfg.Conn.Password = "secret"
	cfg.Conn.Database = "orders"
	cfg.Conn.Extra = map[string]string{"b": "2", "a": "1"}

	id := cfg.Identity()
	assert.Equal(t, "orders|app@localhost:3306/orders?charset=utf8&a=1&b=2", id)
	assert.False(t, strings.Contains(id, "secret"))

	other := cfg
	other.Conn.Password = "changed"
	assert.Equal(t, id, other.Identity())

	other.Name = "reporting"
	assert.NotEqual(t, id, other.Identity())
}
