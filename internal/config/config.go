package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver names accepted in browser.driver.
const (
	DriverChromedp   = "chromedp"
	DriverPlaywright = "playwright"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    LoggerConfig    `yaml:"logger"`
	Browser   BrowserConfig   `yaml:"browser"`
	Stealth   StealthConfig   `yaml:"stealth"`
	Signer    SignerConfig    `yaml:"signer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Access    AccessConfig    `yaml:"access"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port the HTTP server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggerConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	ServiceName string `yaml:"service_name"`
	LogFile     string `yaml:"log_file"`
	MaxSize     int    `yaml:"max_size"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"`
	Compress    bool   `yaml:"compress"`
}

type BrowserConfig struct {
	Driver    string   `yaml:"driver"`
	Headless  bool     `yaml:"headless"`
	ExecPath  string   `yaml:"exec_path"`
	RemoteURL string   `yaml:"remote_url"`
	UserAgent string   `yaml:"user_agent"`
	Args      []string `yaml:"args"`
	HomeURL   string   `yaml:"home_url"`
	// IdentityCookie is the cookie whose value becomes the session's a1 token.
	IdentityCookie string `yaml:"identity_cookie"`
	// SettleDelay is waited after the home page loads and before cookies are
	// read. The page sets its cookies asynchronously; reading earlier yields
	// signatures the platform rejects.
	SettleDelay time.Duration `yaml:"settle_delay"`
	InitTimeout time.Duration `yaml:"init_timeout"`
	EagerInit   bool          `yaml:"eager_init"`
}

type StealthConfig struct {
	Path             string        `yaml:"path"`
	Mirrors          []string      `yaml:"mirrors"`
	Timeout          time.Duration `yaml:"timeout"`
	MinSize          int           `yaml:"min_size"`
	VerifySyntax     bool          `yaml:"verify_syntax"`
	EmbeddedFallback bool          `yaml:"embedded_fallback"`
}

type SignerConfig struct {
	Function       string        `yaml:"function"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
	RedisAddr         string `yaml:"redis_addr"`
	RedisPassword     string `yaml:"redis_password"`
	RedisDB           int    `yaml:"redis_db"`
}

type AuthConfig struct {
	APIKeys   []string `yaml:"api_keys"`
	JWTSecret string   `yaml:"jwt_secret"`
}

// Enabled reports whether /sign requires credentials.
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0 || a.JWTSecret != ""
}

type AccessConfig struct {
	GeoIPDB         string   `yaml:"geoip_db"`
	BannedCountries []string `yaml:"banned_countries"`
	TrustForwarded  bool     `yaml:"trust_forwarded"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5005,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "xhssign",
			MaxSize:     100,
			MaxBackups:  3,
			MaxAge:      28,
		},
		Browser: BrowserConfig{
			Driver:         DriverChromedp,
			Headless:       true,
			HomeURL:        "https://www.xiaohongshu.com",
			IdentityCookie: "a1",
			SettleDelay:    time.Second,
			InitTimeout:    60 * time.Second,
			EagerInit:      true,
		},
		Stealth: StealthConfig{
			Path: "stealth.min.js",
			Mirrors: []string{
				"https://cdn.jsdelivr.net/gh/requireCool/stealth.min.js/stealth.min.js",
				"https://fastly.jsdelivr.net/gh/requireCool/stealth.min.js/stealth.min.js",
				"https://raw.githubusercontent.com/requireCool/stealth.min.js/main/stealth.min.js",
			},
			Timeout:      30 * time.Second,
			MinSize:      100,
			VerifySyntax: true,
		},
		Signer: SignerConfig{
			Function:       "_webmsxyw",
			MaxAttempts:    10,
			RetryDelay:     500 * time.Millisecond,
			AttemptTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadConfig overlays the YAML file at path onto DefaultConfig. The returned
// config is always usable; callers decide whether a read error is fatal.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides. PORT follows the convention of
// hosting platforms that inject the listening port.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := getenv("XHSSIGN_LOG_LEVEL"); v != "" {
		c.Logger.Level = v
	}
	if v := getenv("XHSSIGN_REDIS_ADDR"); v != "" {
		c.RateLimit.RedisAddr = v
	}
	if v := getenv("XHSSIGN_BROWSER_REMOTE_URL"); v != "" {
		c.Browser.RemoteURL = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Browser.Driver {
	case DriverChromedp, DriverPlaywright:
	default:
		errs = append(errs, fmt.Errorf("browser.driver %q is not one of %s, %s", c.Browser.Driver, DriverChromedp, DriverPlaywright))
	}
	if c.Browser.HomeURL == "" {
		errs = append(errs, errors.New("browser.home_url is required"))
	}
	if c.Browser.IdentityCookie == "" {
		errs = append(errs, errors.New("browser.identity_cookie is required"))
	}
	if c.Browser.SettleDelay < 0 {
		errs = append(errs, errors.New("browser.settle_delay must not be negative"))
	}
	if c.Signer.Function == "" {
		errs = append(errs, errors.New("signer.function is required"))
	}
	if c.Signer.MaxAttempts <= 0 {
		errs = append(errs, errors.New("signer.max_attempts must be positive"))
	}
	if c.Signer.RetryDelay < 0 {
		errs = append(errs, errors.New("signer.retry_delay must not be negative"))
	}
	if c.Stealth.Path == "" {
		errs = append(errs, errors.New("stealth.path is required"))
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must not be negative"))
	}
	return errors.Join(errs...)
}
