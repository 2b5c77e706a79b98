// Package confloader loads the cN tree runtime configuration: tree-shape
// parameters, media pool and metadata journal locations, and logging
// options, layered as struct defaults, then a YAML file, then CNTREE_*
// environment variables (highest priority).
package confloader

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the environment variable prefix:
// CNTREE_TREE_FANOUT=8 overrides tree.fanout.
const DefaultEnvPrefix = "CNTREE_"

// Config is the module's full runtime configuration.
type Config struct {
	Tree      TreeParams      `koanf:"tree"`
	MediaPool MediaPoolParams `koanf:"mediapool"`
	Journal   JournalParams   `koanf:"journal"`
	Log       LogParams       `koanf:"log"`
}

// MediaPoolParams locates and tunes the mblock store.
type MediaPoolParams struct {
	Dir            string `koanf:"dir"`
	GCIntervalSecs int64  `koanf:"gc_interval_secs"`
	PageSize       uint64 `koanf:"page_size"`
}

// JournalParams locates the metadata journal segment.
type JournalParams struct {
	Path    string `koanf:"path"`
	SyncAll bool   `koanf:"sync_all"`
}

// LogParams selects logging level and format.
type LogParams struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when no file or environment
// overrides a key.
func Default() Config {
	return Config{
		Tree: DefaultTreeParams(),
		MediaPool: MediaPoolParams{
			GCIntervalSecs: 600,
			PageSize:       4096,
		},
		Journal: JournalParams{
			SyncAll: true,
		},
		Log: LogParams{
			Level:  "info",
			Format: "json",
		},
	}
}

// Loader layers configuration sources over Default.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
}

// Option configures a Loader.
type Option func(*Loader)

// WithConfigFile points the loader at a YAML file.
func WithConfigFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

// NewLoader builds a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New("."),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load resolves the full configuration: defaults, then the YAML file (if
// configured), then the environment.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.filePath != "" {
		if err := l.k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("confloader: file %s: %w", l.filePath, err)
		}
	}
	if err := l.k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return cfg, fmt.Errorf("confloader: env: %w", err)
	}
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("confloader: unmarshal: %w", err)
	}
	return cfg, nil
}

// LoadMap layers explicit overrides (CLI flags, tests) into the loader.
// Call before Load; the configured file and the environment, both loaded
// by Load afterwards, win over these keys.
func (l *Loader) LoadMap(data map[string]any) error {
	if err := l.k.Load(mapProvider(data), nil); err != nil {
		return fmt.Errorf("confloader: map: %w", err)
	}
	return nil
}

// envKey maps CNTREE_TREE_FANOUT to tree.fanout.
func (l *Loader) envKey(s string) string {
	s = strings.TrimPrefix(s, l.envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}
