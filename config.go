package dbpool

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnParams are the parameters handed to the Factory for every new connection.
type ConnParams struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"-"`
	Database string `yaml:"database" json:"database"`
	Charset  string `yaml:"charset" json:"charset"`

	// Extra is forwarded verbatim to the factory.
	Extra map[string]string `yaml:"extra" json:"extra,omitempty"`
}

// Config describes one pool.
type Config struct {
	Name string     `yaml:"pool_name" json:"pool_name"`
	Conn ConnParams `yaml:",inline" json:"conn"`

	// UseDictRows makes sessions materialize rows as column-keyed maps.
	UseDictRows bool `yaml:"use_dict_cursor" json:"use_dict_cursor"`

	// MaxPoolSize is the initial capacity.
	MaxPoolSize int `yaml:"max_pool_size" json:"max_pool_size"`
	// StepSize is the number of connections created on the initial fill
	// and on every growth action.
	StepSize int `yaml:"step_size" json:"step_size"`

	EnableAutoResize bool    `yaml:"enable_auto_resize" json:"enable_auto_resize"`
	ResizeBoundary   int     `yaml:"pool_resize_boundary" json:"pool_resize_boundary"`
	AutoResizeScale  float64 `yaml:"auto_resize_scale" json:"auto_resize_scale"`
	// ResizeThreshold is how many acquire timeouts are needed before a resize.
	ResizeThreshold int `yaml:"resize_penalty_threshold" json:"resize_penalty_threshold"`

	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout"`
	PingTimeout time.Duration `yaml:"ping_timeout" json:"ping_timeout"`

	// ConnectRetries applies to growth only, never to the initial fill.
	ConnectRetries int           `yaml:"connect_retries" json:"connect_retries"`
	ConnectBackoff time.Duration `yaml:"connect_backoff" json:"connect_backoff"`

	DeferConnect bool `yaml:"defer_connect_pool" json:"defer_connect_pool"`
}

// DefaultConfig returns a config with every option at its default value.
func DefaultConfig() Config {
	return Config{
		Conn: ConnParams{
			Host:    "localhost",
			Port:    3306,
			Charset: "utf8",
		},
		UseDictRows:     true,
		MaxPoolSize:     16,
		StepSize:        2,
		ResizeBoundary:  48,
		AutoResizeScale: 1.5,
		ResizeThreshold: 1,
		WaitTimeout:     60 * time.Second,
		PingTimeout:     5 * time.Second,
		ConnectRetries:  2,
		ConnectBackoff:  50 * time.Millisecond,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	secondsAsDurations(&doc)
	if err := doc.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var durationKeys = map[string]bool{
	"wait_timeout":    true,
	"ping_timeout":    true,
	"connect_backoff": true,
}

// secondsAsDurations rewrites bare integers under duration keys as seconds,
// so "wait_timeout: 60" and "wait_timeout: 1m" mean the same.
func secondsAsDurations(doc *yaml.Node) {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return
	}
	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if durationKeys[k.Value] && v.Kind == yaml.ScalarNode && v.ShortTag() == "!!int" {
			v.SetString(v.Value + "s")
		}
	}
}

// Identity is the key under which a Registry shares pools. It never
// contains the password.
func (c Config) Identity() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString("|")
	b.WriteString(c.Conn.User)
	b.WriteString("@")
	b.WriteString(c.Conn.Host)
	b.WriteString(":")
	b.WriteString(strconv.Itoa(c.Conn.Port))
	b.WriteString("/")
	b.WriteString(c.Conn.Database)
	if c.Conn.Charset != "" {
		b.WriteString("?charset=")
		b.WriteString(c.Conn.Charset)
	}
	keys := make([]string, 0, len(c.Conn.Extra))
	for k := range c.Conn.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(c.Conn.Extra[k])
	}
	return b.String()
}

func (c *Config) validate() error {
	if c.MaxPoolSize <= 0 || c.StepSize <= 0 || c.ResizeBoundary <= 0 {
		return fmt.Errorf("invalid configuration, max_pool_size, step_size and pool_resize_boundary must be positive")
	}
	if c.StepSize > c.ResizeBoundary {
		return fmt.Errorf("step_size %d exceeds pool_resize_boundary %d", c.StepSize, c.ResizeBoundary)
	}
	if c.AutoResizeScale < 1 {
		return fmt.Errorf("invalid auto_resize_scale %v, must not be less than 1", c.AutoResizeScale)
	}
	if c.ResizeThreshold < 1 {
		c.ResizeThreshold = 1
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("invalid wait_timeout %v", c.WaitTimeout)
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("invalid connect_retries %d", c.ConnectRetries)
	}
	return nil
}

func (c Config) initialCapacity() int {
	return min(max(c.MaxPoolSize, c.StepSize), c.ResizeBoundary)
}
