package objload

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Policy decides what happens when a unit defines a name that is already bound.
type Policy int

const (
	// PolicyOverride rebinds strong definitions to the newest unit. Weak definitions
	// never replace an existing binding.
	PolicyOverride Policy = iota
	// PolicyReject fails the load of a unit redefining any strong name.
	PolicyReject
)

func (p Policy) String() string {
	switch p {
	case PolicyOverride:
		return "override"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "override":
		*p = PolicyOverride
	case "reject":
		*p = PolicyReject
	default:
		return fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, b)
	}
	return nil
}

const (
	DefaultArenaSize    = 64 << 20
	DefaultExportPrefix = "__objld_"
	DefaultScratchSize  = 4096
	DefaultMaxScratch   = 1 << 20
	DefaultLogLevel     = "warn"
)

// Config of a Session. The zero value is usable: sizes and log level fall back to
// their defaults, the export prefix stays empty.
type Config struct {
	ArenaSize       int      `toml:"arena_size"`       // bytes reserved for all units of a session
	Policy          Policy   `toml:"policy"`           // "override" or "reject"
	ExportPrefix    string   `toml:"export_prefix"`    // prepended by Session.Function
	HostLibraries   []string `toml:"host_libraries"`   // shared libraries searched for imports
	ScratchSize     int      `toml:"scratch_size"`     // initial per call scratch buffer
	MaxScratch      int      `toml:"max_scratch"`      // bound for callee requested growth
	SkipIdentical   bool     `toml:"skip_identical"`   // loading the same name and bytes again is a no-op
	RunInitializers bool     `toml:"run_initializers"` // run .init_array and .fini_array
	LogLevel        string   `toml:"log_level"`

	Logger     *zerolog.Logger       `toml:"-"`
	Registerer prometheus.Registerer `toml:"-"`
}

// DefaultConfig returns the configuration NewSession uses.
func DefaultConfig() Config {
	return Config{
		ArenaSize:       DefaultArenaSize,
		Policy:          PolicyOverride,
		ExportPrefix:    DefaultExportPrefix,
		ScratchSize:     DefaultScratchSize,
		MaxScratch:      DefaultMaxScratch,
		RunInitializers: true,
		LogLevel:        DefaultLogLevel,
	}
}

// LoadConfig decodes a TOML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, keys)
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.ArenaSize == 0 {
		c.ArenaSize = DefaultArenaSize
	}
	if c.ScratchSize == 0 {
		c.ScratchSize = DefaultScratchSize
	}
	if c.MaxScratch == 0 {
		c.MaxScratch = max(DefaultMaxScratch, c.ScratchSize)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

func (c *Config) Validate() error {
	if c.ArenaSize < 0 {
		return fmt.Errorf("%w: arena_size %d", ErrInvalidConfig, c.ArenaSize)
	}
	if c.Policy != PolicyOverride && c.Policy != PolicyReject {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Policy)
	}
	if c.ScratchSize < 0 || c.MaxScratch < 0 {
		return fmt.Errorf("%w: negative scratch size", ErrInvalidConfig)
	}
	if c.MaxScratch != 0 && c.MaxScratch < c.ScratchSize {
		return fmt.Errorf("%w: max_scratch %d below scratch_size %d", ErrInvalidConfig, c.MaxScratch, c.ScratchSize)
	}
	if c.LogLevel != "" {
		if _, ok := parseLevel(c.LogLevel); !ok {
			return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
		}
	}
	for _, lib := range c.HostLibraries {
		if strings.TrimSpace(lib) == "" {
			return fmt.Errorf("%w: empty host library path", ErrInvalidConfig)
		}
	}
	return nil
}
