package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Scheduler SchedulerConfig
	Proxy     ProxyConfig
	Browser   BrowserConfig
	S3        S3Config
	LogLevel  string
	Sites     map[string]*SiteConfig
}

type DatabaseConfig struct {
	Driver string // postgres or sqlite
	URL    string
	Path   string
}

type ServerConfig struct {
	ListenAddr string
}

type SchedulerConfig struct {
	Cron     string
	Interval time.Duration
}

type ProxyConfig struct {
	URL string
}

type BrowserConfig struct {
	Headless    bool
	UserDataDir string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// SiteConfig describes one target site: where its search lives, which
// cookie carries the anti-bot token, and what a challenge page looks like.
type SiteConfig struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	BaseURL          string   `yaml:"base_url"`
	SearchPath       string   `yaml:"search_path"`
	TokenCookie      string   `yaml:"token_cookie"`
	RateLimitMS      int      `yaml:"rate_limit_ms"`
	ChallengeMarkers []string `yaml:"challenge_markers"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "postgres"),
			URL:    os.Getenv("DATABASE_URL"),
			Path:   getEnv("DB_PATH", "ingest.db"),
		},
		Server: ServerConfig{
			ListenAddr: getEnv("LISTEN_ADDR", ":8090"),
		},
		Scheduler: SchedulerConfig{
			Cron: os.Getenv("INGEST_CRON"),
		},
		Proxy: ProxyConfig{
			URL: os.Getenv("PROXY_URL"),
		},
		Browser: BrowserConfig{
			Headless:    os.Getenv("BROWSER_HEADLESS") == "true",
			UserDataDir: getEnv("BROWSER_DATA_DIR", "browser_data"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "eu-west-3"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Sites:    make(map[string]*SiteConfig),
	}

	if interval := os.Getenv("INGEST_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.Interval = d
		}
	}

	if err := cfg.loadSiteConfigs(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadSiteConfigs() error {
	configDir := "config/sites"
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var site SiteConfig
		if err := yaml.Unmarshal(data, &site); err != nil {
			return err
		}

		c.Sites[site.ID] = &site
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
