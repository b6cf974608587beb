package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	RegistryMemory = "memory"
	RegistrySQL    = "sql"
	RegistryBolt   = "bolt"
)

// Config holds the settings that are not owned by an infrastructure package.
// Database, redis and S3 settings are read by their own packages.
type Config struct {
	HTTPPort    string
	OpsGRPCPort string
	LogLevel    slog.Level
	PublicHost  string
	CORSOrigins []string
	JWTSecret   string
	CatalogPath string

	RegistryBackend string
	BoltPath        string

	Provisioner Provisioner
	Runner      Runner
	Reaper      Reaper
	Terminal    Terminal
	RateLimit   RateLimit
}

type Provisioner struct {
	MaxPerUser       int
	MaxInstances     int
	InstanceTTL      time.Duration
	PortRangeStart   int
	PortRangeEnd     int
	ProvisionTimeout time.Duration
}

type Runner struct {
	RegistryURL string
	PullPolicy  string
	MemoryLimit string
	CPULimit    float64
	Network     string
}

type Reaper struct {
	Interval        time.Duration
	MaxBackoff      time.Duration
	AlertAfter      int
	StopTimeout     time.Duration
	TeardownTimeout time.Duration
	RetainTerminal  time.Duration
	Concurrency     int
}

type Terminal struct {
	Shell        string
	BufferSize   int
	WriteTimeout time.Duration
}

type RateLimit struct {
	MaxRequests int
	Window      time.Duration
}

func NewConfigFromEnv() (*Config, error) {
	p := &parser{}

	c := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8000"),
		OpsGRPCPort:     getEnv("OPS_GRPC_PORT", "50060"),
		LogLevel:        p.level("LOG_LEVEL", slog.LevelInfo),
		PublicHost:      getEnv("PUBLIC_HOST", "localhost"),
		CORSOrigins:     splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		CatalogPath:     os.Getenv("CATALOG_PATH"),
		RegistryBackend: getEnv("REGISTRY_BACKEND", RegistryMemory),
		BoltPath:        getEnv("BOLT_PATH", "instancer.bolt"),
		Provisioner: Provisioner{
			MaxPerUser:       p.int("MAX_INSTANCES_PER_USER", 3),
			MaxInstances:     p.int("MAX_INSTANCES", 0),
			InstanceTTL:      p.duration("INSTANCE_TTL", 30*time.Minute),
			PortRangeStart:   p.int("PORT_RANGE_START", 30000),
			PortRangeEnd:     p.int("PORT_RANGE_END", 39999),
			ProvisionTimeout: p.duration("PROVISION_TIMEOUT", 2*time.Minute),
		},
		Runner: Runner{
			RegistryURL: os.Getenv("REGISTRY_URL"),
			PullPolicy:  getEnv("PULL_POLICY", "missing"),
			MemoryLimit: getEnv("CONTAINER_MEM_LIMIT", "128m"),
			CPULimit:    p.float("CONTAINER_CPU_LIMIT", 0.5),
			Network:     os.Getenv("CONTAINER_NETWORK"),
		},
		Reaper: Reaper{
			Interval:        p.duration("REAPER_INTERVAL", 30*time.Second),
			MaxBackoff:      p.duration("REAPER_MAX_BACKOFF", 10*time.Minute),
			AlertAfter:      p.int("REAPER_ALERT_AFTER", 5),
			StopTimeout:     p.duration("STOP_TIMEOUT", 2*time.Minute),
			TeardownTimeout: p.duration("TEARDOWN_TIMEOUT", 30*time.Second),
			RetainTerminal:  p.duration("RETAIN_TERMINAL", time.Hour),
			Concurrency:     p.int("REAPER_CONCURRENCY", 8),
		},
		Terminal: Terminal{
			Shell:        getEnv("TERMINAL_SHELL", "/bin/sh"),
			BufferSize:   p.int("TERMINAL_BUFFER_SIZE", 4096),
			WriteTimeout: p.duration("TERMINAL_WRITE_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimit{
			MaxRequests: p.int("CREATE_RATE_LIMIT", 10),
			Window:      p.duration("CREATE_RATE_WINDOW", time.Minute),
		},
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.RegistryBackend {
	case RegistryMemory, RegistrySQL, RegistryBolt:
	default:
		return fmt.Errorf("unknown REGISTRY_BACKEND %q", c.RegistryBackend)
	}
	if c.Provisioner.InstanceTTL <= 0 {
		return fmt.Errorf("INSTANCE_TTL must be positive")
	}
	if c.Provisioner.PortRangeStart <= 0 || c.Provisioner.PortRangeEnd < c.Provisioner.PortRangeStart {
		return fmt.Errorf("invalid port range %d-%d", c.Provisioner.PortRangeStart, c.Provisioner.PortRangeEnd)
	}
	if c.Provisioner.ProvisionTimeout <= 0 {
		return fmt.Errorf("PROVISION_TIMEOUT must be positive")
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive")
	}
	if c.Reaper.Concurrency <= 0 {
		return fmt.Errorf("REAPER_CONCURRENCY must be positive")
	}
	if c.Terminal.BufferSize <= 0 {
		return fmt.Errorf("TERMINAL_BUFFER_SIZE must be positive")
	}
	return nil
}

// parser keeps the first malformed variable so NewConfigFromEnv can report
// it after reading everything.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return n
}

func (p *parser) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return f
}

// duration accepts Go durations ("90s", "30m") and bare integers, which are
// taken as seconds.
func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return d
}

func (p *parser) level(key string, defaultValue slog.Level) slog.Level {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		p.fail(key, value, err)
		return defaultValue
	}
	return level
}

func splitList(value string) []string {
	var result []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
