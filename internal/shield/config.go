package shield

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPS *bool `yaml:"https"`

	Hosts struct {
		Front           string `yaml:"front"`
		Cache           string `yaml:"cache"`
		Insecure        string `yaml:"insecure"`
		Exclude         string `yaml:"exclude"`
		InsecureExclude string `yaml:"insecureExclude"`
	} `yaml:"hosts"`

	Server struct {
		Bind        string `yaml:"bind"`
		Port        int    `yaml:"port"`
		MetricsAddr string `yaml:"metricsAddr"`
	} `yaml:"server"`

	Storage struct {
		Backend       string `yaml:"backend"`
		CacheDir      string `yaml:"cacheDir"`
		FilesDir      string `yaml:"filesDir"`
		Expiry        string `yaml:"expiry"`
		PruneSchedule string `yaml:"pruneSchedule"`
		MaxBody       string `yaml:"maxBody"`

		// compiled
		expiryDur    time.Duration
		maxBodyBytes int64
	} `yaml:"storage"`

	Memory struct {
		Entries    int    `yaml:"entries"`
		TTL        string `yaml:"ttl"`
		FailureTTL string `yaml:"failureTTL"`

		// compiled
		ttlDur        time.Duration
		failureTTLDur time.Duration
	} `yaml:"memory"`

	Fetch struct {
		UserAgent      string `yaml:"userAgent"`
		ConnectTimeout string `yaml:"connectTimeout"`
		Timeout        string `yaml:"timeout"`
		MaxRedirects   int    `yaml:"maxRedirects"`

		// compiled
		connectTimeoutDur time.Duration
		timeoutDur        time.Duration
	} `yaml:"fetch"`

	Shield struct {
		UseCacheDomain *bool    `yaml:"useCacheDomain"`
		UAPatterns     []string `yaml:"uaPatterns"`
		IgnoredHosts   []string `yaml:"ignoredHosts"`

		// compiled
		uaPatterns   []*regexp.Regexp
		ignoredHosts map[string]struct{}
	} `yaml:"shield"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	// compiled
	hosts *HostMap
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes, defaults and compiles a YAML configuration.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.HTTPS == nil {
		t := true
		cfg.HTTPS = &t
	}
	if cfg.Shield.UseCacheDomain == nil {
		t := true
		cfg.Shield.UseCacheDomain = &t
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 17312
	}

	hosts, err := NewHostMap(map[Role]string{
		RoleFront:           cfg.Hosts.Front,
		RoleCache:           cfg.Hosts.Cache,
		RoleInsecure:        cfg.Hosts.Insecure,
		RoleExclude:         cfg.Hosts.Exclude,
		RoleInsecureExclude: cfg.Hosts.InsecureExclude,
	})
	if err != nil {
		return fmt.Errorf("hosts: %w", err)
	}
	cfg.hosts = hosts

	if cfg.Storage.CacheDir == "" {
		return fmt.Errorf("storage.cacheDir is required")
	}
	if cfg.Storage.FilesDir == "" {
		return fmt.Errorf("storage.filesDir is required")
	}
	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = backendFiles
	case backendFiles, backendLevelDB:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.PruneSchedule == "" {
		cfg.Storage.PruneSchedule = "@every 4h"
	}
	if _, err := cron.ParseStandard(cfg.Storage.PruneSchedule); err != nil {
		return fmt.Errorf("storage.pruneSchedule: %w", err)
	}
	if cfg.Storage.MaxBody == "" {
		cfg.Storage.MaxBody = "8m"
	}
	if cfg.Storage.maxBodyBytes, err = parseBytes(cfg.Storage.MaxBody); err != nil {
		return fmt.Errorf("storage.maxBody: %w", err)
	}
	if cfg.Storage.maxBodyBytes <= 0 {
		return fmt.Errorf("storage.maxBody must be positive")
	}

	if cfg.Memory.Entries <= 0 {
		cfg.Memory.Entries = 1024
	}

	durations := []struct {
		key  string
		raw  string
		def  time.Duration
		dest *time.Duration
	}{
		{"storage.expiry", cfg.Storage.Expiry, 24 * time.Hour, &cfg.Storage.expiryDur},
		{"memory.ttl", cfg.Memory.TTL, 2 * time.Hour, &cfg.Memory.ttlDur},
		{"memory.failureTTL", cfg.Memory.FailureTTL, 10 * time.Minute, &cfg.Memory.failureTTLDur},
		{"fetch.connectTimeout", cfg.Fetch.ConnectTimeout, 10 * time.Second, &cfg.Fetch.connectTimeoutDur},
		{"fetch.timeout", cfg.Fetch.Timeout, 60 * time.Second, &cfg.Fetch.timeoutDur},
		{"logging.logStatsEvery", cfg.Logging.LogStatsEvery, 0, &cfg.Logging.logStatsEveryDur},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dest = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.key)
		}
		*d.dest = v
	}
	if cfg.Storage.expiryDur == 0 {
		return fmt.Errorf("storage.expiry must be positive")
	}

	if cfg.Fetch.MaxRedirects <= 0 {
		cfg.Fetch.MaxRedirects = 10
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = fmt.Sprintf("Mozilla/5.0 (fedishield; +%s://%s)", cfg.Scheme(), cfg.Hosts.Front)
	}

	cfg.Shield.uaPatterns = cfg.Shield.uaPatterns[:0]
	for i, p := range cfg.Shield.UAPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("shield.uaPatterns[%d]: %w", i, err)
		}
		cfg.Shield.uaPatterns = append(cfg.Shield.uaPatterns, re)
	}
	cfg.Shield.ignoredHosts = make(map[string]struct{}, len(cfg.Shield.IgnoredHosts))
	for _, h := range cfg.Shield.IgnoredHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			cfg.Shield.ignoredHosts[h] = struct{}{}
		}
	}
	return nil
}

// Scheme is the scheme of links and redirects pointing at our own hosts.
func (cfg Config) Scheme() string {
	if cfg.HTTPS != nil && !*cfg.HTTPS {
		return "http"
	}
	return "https"
}

func (cfg Config) HostMap() *HostMap { return cfg.hosts }

func (cfg Config) useCacheDomain() bool {
	return cfg.Shield.UseCacheDomain == nil || *cfg.Shield.UseCacheDomain
}

// isShieldClient reports whether ua matches any link-preview pattern.
func (cfg Config) isShieldClient(ua string) bool {
	if ua == "" {
		return false
	}
	for _, re := range cfg.Shield.uaPatterns {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

func (cfg Config) isIgnoredHost(host string) bool {
	_, ok := cfg.Shield.ignoredHosts[host]
	return ok
}
