package sitecache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPrecache is the static asset list cached when a generation installs.
var DefaultPrecache = []string{
	"/",
	"/manifest.json",
	"/favicon.ico",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

const (
	InstallStrict  = "strict"
	InstallLenient = "lenient"
)

type Config struct {
	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Server struct {
		Port    int    `yaml:"port"`
		Origin  string `yaml:"origin"`
		Timeout string `yaml:"timeout"`
	} `yaml:"server"`

	Cache CacheConfig `yaml:"cache"`

	Contact ContactConfig `yaml:"contact"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	originURL  *url.URL
	ramMax     int64
	diskMax    int64
	timeoutDur time.Duration
	statsEvery time.Duration
}

type CacheConfig struct {
	Site     string   `yaml:"site"`
	Version  string   `yaml:"version"`
	Precache []string `yaml:"precache"`
	Offline  string   `yaml:"offline"`
	Sitemaps []string `yaml:"sitemaps"`
	Install  struct {
		Mode     string `yaml:"mode"`
		Parallel int    `yaml:"parallel"`
	} `yaml:"install"`

	// CrossOrigin lists other origins (scheme://host) that absolute-form
	// requests may be forwarded to. Responses from them are never stored.
	CrossOrigin []string `yaml:"crossOrigin"`
}

// Name is the cache generation name, e.g. "it-solutions-v1".
func (c CacheConfig) Name() string {
	return c.Site + "-" + c.Version
}

type ContactConfig struct {
	Forward       string `yaml:"forward"`
	SimulateDelay string `yaml:"simulateDelay"`
	SyncEvery     string `yaml:"syncEvery"`

	simulateDelayDur time.Duration
	syncEveryDur     time.Duration
}

func (c ContactConfig) SimulateDelayDuration() time.Duration { return c.simulateDelayDur }
func (c ContactConfig) SyncEveryDuration() time.Duration { return c.syncEveryDur }

type envOverrides struct {
	Port         int    `env:"SITECACHE_PORT"`
	Origin       string `env:"SITECACHE_ORIGIN"`
	CacheVersion string `env:"SITECACHE_CACHE_VERSION"`
	DataDir      string `env:"SITECACHE_DATA_DIR"`
	Forward      string `env:"SITECACHE_CONTACT_FORWARD"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies SITECACHE_* environment overrides and
// fills defaults.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.Origin != "" {
		cfg.Server.Origin = o.Origin
	}
	if o.CacheVersion != "" {
		cfg.Cache.Version = o.CacheVersion
	}
	if o.DataDir != "" {
		cfg.Storage.Dir = o.DataDir
	}
	if o.Forward != "" {
		cfg.Contact.Forward = o.Forward
	}
	return nil
}

func (cfg *Config) finalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin: unsupported scheme %q", u.Scheme)
	}
	cfg.originURL = u

	cfg.timeoutDur = 30 * time.Second
	if cfg.Server.Timeout != "" {
		if cfg.timeoutDur, err = time.ParseDuration(cfg.Server.Timeout); err != nil {
			return fmt.Errorf("server.timeout: %w", err)
		}
	}

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1gb"
	}
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if err := cfg.Cache.finalize(); err != nil {
		return err
	}
	if err := cfg.Contact.finalize(); err != nil {
		return err
	}

	if cfg.Logging.StatsEvery != "" {
		if cfg.statsEvery, err = time.ParseDuration(cfg.Logging.StatsEvery); err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
	}
	return nil
}

func (c *CacheConfig) finalize() error {
	if c.Site == "" {
		c.Site = "it-solutions"
	}
	if c.Version == "" {
		c.Version = "v1"
	}
	if c.Precache == nil {
		c.Precache = append([]string(nil), DefaultPrecache...)
	}
	for i, p := range c.Precache {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.precache[%d]: %q is not root-relative", i, p)
		}
		c.Precache[i] = p
	}
	if c.Offline == "" {
		c.Offline = "/offline.html"
	}
	if !strings.HasPrefix(c.Offline, "/") {
		return fmt.Errorf("cache.offline: %q is not root-relative", c.Offline)
	}
	for i, o := range c.CrossOrigin {
		u, err := url.Parse(strings.TrimSpace(o))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("cache.crossOrigin[%d]: %q is not an http(s) origin", i, o)
		}
		c.CrossOrigin[i] = originKey(u)
	}
	switch c.Install.Mode {
	case "":
		c.Install.Mode = InstallStrict
	case InstallStrict, InstallLenient:
	default:
		return fmt.Errorf("cache.install.mode: unknown mode %q", c.Install.Mode)
	}
	if c.Install.Parallel <= 0 {
		c.Install.Parallel = 4
	}
	return nil
}

func (c *ContactConfig) finalize() error {
	var err error
	if c.Forward != "" {
		u, perr := url.Parse(c.Forward)
		if perr != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("contact.forward: invalid url %q", c.Forward)
		}
	}
	if c.SimulateDelay != "" {
		if c.simulateDelayDur, err = time.ParseDuration(c.SimulateDelay); err != nil {
			return fmt.Errorf("contact.simulateDelay: %w", err)
		}
	}
	c.syncEveryDur = 5 * time.Minute
	if c.SyncEvery != "" {
		if c.syncEveryDur, err = time.ParseDuration(c.SyncEvery); err != nil {
			return fmt.Errorf("contact.syncEvery: %w", err)
		}
	}
	return nil
}

// Timeout is the per-request network timeout used for origin fetches.
func (cfg Config) Timeout() time.Duration { return cfg.timeoutDur }

func (cfg Config) manifest() Manifest {
	return Manifest{
		Required: cfg.Cache.Precache,
		Optional: []string{cfg.Cache.Offline},
		Offline:  cfg.Cache.Offline,
		Sitemaps: cfg.Cache.Sitemaps,
		Strict:   cfg.Cache.Install.Mode == InstallStrict,
		Parallel: cfg.Cache.Install.Parallel,
	}
}
