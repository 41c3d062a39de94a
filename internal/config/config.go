package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  Server  `yaml:"server"`
	Sandbox Sandbox `yaml:"sandbox"`
	Scan    Scan    `yaml:"scan"`
	Archive Archive `yaml:"archive"`
	Minio   Minio   `yaml:"minio"`
	AI      AI      `yaml:"ai"`
	Log     Log     `yaml:"log"`
}

type Server struct {
	Port            int           `yaml:"port" env:"ARMOUREYE_SERVER_PORT"`
	CORSOrigins     []string      `yaml:"corsOrigins" env:"ARMOUREYE_SERVER_CORS_ORIGINS" envSeparator:","`
	RateLimit       float64       `yaml:"rateLimit" env:"ARMOUREYE_SERVER_RATE_LIMIT"` // req/s per client, 0 disables
	RateBurst       int           `yaml:"rateBurst" env:"ARMOUREYE_SERVER_RATE_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"ARMOUREYE_SERVER_SHUTDOWN_TIMEOUT"`
}

type Sandbox struct {
	Name           string        `yaml:"name" env:"ARMOUREYE_SANDBOX_NAME"`
	Image          string        `yaml:"image" env:"ARMOUREYE_SANDBOX_IMAGE"`
	DockerBinary   string        `yaml:"dockerBinary" env:"ARMOUREYE_SANDBOX_DOCKER_BINARY"`
	SocketPath     string        `yaml:"socketPath" env:"ARMOUREYE_SANDBOX_SOCKET"`
	CredentialsDir string        `yaml:"credentialsDir" env:"ARMOUREYE_SANDBOX_CREDENTIALS_DIR"`
	BuildContext   string        `yaml:"buildContext" env:"ARMOUREYE_SANDBOX_BUILD_CONTEXT"` // empty: never build
	KillGrace      time.Duration `yaml:"killGrace" env:"ARMOUREYE_SANDBOX_KILL_GRACE"`
	CleanupOnStart bool          `yaml:"cleanupOnStart" env:"ARMOUREYE_SANDBOX_CLEANUP_ON_START"`
}

type Scan struct {
	WorkDir            string        `yaml:"workDir" env:"ARMOUREYE_SCAN_WORK_DIR"`
	HistoryFile        string        `yaml:"historyFile" env:"ARMOUREYE_SCAN_HISTORY_FILE"`
	HistoryLimit       int           `yaml:"historyLimit" env:"ARMOUREYE_SCAN_HISTORY_LIMIT"`
	LogLimit           int           `yaml:"logLimit" env:"ARMOUREYE_SCAN_LOG_LIMIT"`
	DefaultProfile     string        `yaml:"defaultProfile" env:"ARMOUREYE_SCAN_DEFAULT_PROFILE"`
	DefaultTimeout     time.Duration `yaml:"defaultTimeout" env:"ARMOUREYE_SCAN_DEFAULT_TIMEOUT"`
	BruteForceTimeout  time.Duration `yaml:"bruteForceTimeout" env:"ARMOUREYE_SCAN_BRUTE_FORCE_TIMEOUT"`
	SupplyChainTimeout time.Duration `yaml:"supplyChainTimeout" env:"ARMOUREYE_SCAN_SUPPLY_CHAIN_TIMEOUT"` // 0: no deadline
	DirWordlist        string        `yaml:"dirWordlist" env:"ARMOUREYE_SCAN_DIR_WORDLIST"`
	UserList           string        `yaml:"userList" env:"ARMOUREYE_SCAN_USER_LIST"`
	PasswordList       string        `yaml:"passwordList" env:"ARMOUREYE_SCAN_PASSWORD_LIST"`
}

// Archive is the optional SQL report archive. Driver "" disables it.
type Archive struct {
	Driver   string `yaml:"driver" env:"ARMOUREYE_ARCHIVE_DRIVER"` // mysql | postgres
	Host     string `yaml:"host" env:"ARMOUREYE_ARCHIVE_HOST"`
	Port     int    `yaml:"port" env:"ARMOUREYE_ARCHIVE_PORT"`
	User     string `yaml:"user" env:"ARMOUREYE_ARCHIVE_USER"`
	Password string `yaml:"password" env:"ARMOUREYE_ARCHIVE_PASSWORD"`
	Name     string `yaml:"name" env:"ARMOUREYE_ARCHIVE_NAME"`
	SSLMode  string `yaml:"sslMode" env:"ARMOUREYE_ARCHIVE_SSL_MODE"`
	Migrate  bool   `yaml:"migrate" env:"ARMOUREYE_ARCHIVE_MIGRATE"`
}

type Minio struct {
	Enabled    bool          `yaml:"enabled" env:"ARMOUREYE_MINIO_ENABLED"`
	Endpoint   string        `yaml:"endpoint" env:"ARMOUREYE_MINIO_ENDPOINT"`
	AccessKey  string        `yaml:"accessKey" env:"ARMOUREYE_MINIO_ACCESS_KEY"`
	SecretKey  string        `yaml:"secretKey" env:"ARMOUREYE_MINIO_SECRET_KEY"`
	BucketName string        `yaml:"bucketName" env:"ARMOUREYE_MINIO_BUCKET"`
	Region     string        `yaml:"region" env:"ARMOUREYE_MINIO_REGION"`
	UseSSL     bool          `yaml:"useSSL" env:"ARMOUREYE_MINIO_USE_SSL"`
	PresignTTL time.Duration `yaml:"presignTTL" env:"ARMOUREYE_MINIO_PRESIGN_TTL"`
}

// AI is the package enrichment collaborator. Provider "" disables it.
type AI struct {
	Provider         string        `yaml:"provider" env:"ARMOUREYE_AI_PROVIDER"` // rag | openai
	BaseURL          string        `yaml:"baseURL" env:"ARMOUREYE_AI_BASE_URL"`
	APIKey           string        `yaml:"apiKey" env:"ARMOUREYE_AI_API_KEY"`
	Model            string        `yaml:"model" env:"ARMOUREYE_AI_MODEL"`
	Timeout          time.Duration `yaml:"timeout" env:"ARMOUREYE_AI_TIMEOUT"`
	SummarizeWithLLM bool          `yaml:"summarizeWithLLM" env:"ARMOUREYE_AI_SUMMARIZE_WITH_LLM"`
	MaxPackages      int           `yaml:"maxPackages" env:"ARMOUREYE_AI_MAX_PACKAGES"`
	Concurrency      int           `yaml:"concurrency" env:"ARMOUREYE_AI_CONCURRENCY"`
	RatePerSecond    float64       `yaml:"ratePerSecond" env:"ARMOUREYE_AI_RATE_PER_SECOND"`
}

type Log struct {
	Level       string `yaml:"level" env:"ARMOUREYE_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"ARMOUREYE_LOG_DEVELOPMENT"`
}

// Default config; a missing config.yaml runs on these plus env.
func Default() *Config {
	return &Config{
		Server: Server{Port: 8080, RateLimit: 10, RateBurst: 20, ShutdownTimeout: 10 * time.Second},
		Sandbox: Sandbox{
			Name:         "armoureye-sandbox",
			Image:        "armoureye/tools:latest",
			DockerBinary: "docker",
			SocketPath:   "/var/run/docker.sock",
			KillGrace:    15 * time.Second,
		},
		Scan: Scan{
			WorkDir:           "/tmp/armoureye",
			HistoryFile:       "scan_history.json",
			HistoryLimit:      15,
			LogLimit:          1000,
			DefaultProfile:    "misconfigs",
			DefaultTimeout:    5 * time.Minute,
			BruteForceTimeout: 30 * time.Minute,
			DirWordlist:       "/usr/share/wordlists/dirb/common.txt",
			UserList:          "/usr/share/wordlists/users.txt",
			PasswordList:      "/usr/share/wordlists/passwords.txt",
		},
		Minio: Minio{Region: "us-east-1", BucketName: "armoureye"},
		AI: AI{
			Timeout:     60 * time.Second,
			MaxPackages: 20,
			Concurrency: 2,
		},
		Log: Log{Level: "info"},
	}
}

// Load baca file config.yaml (optional) lalu override dari env ARMOUREYE_*
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Archive.Driver {
	case "", "mysql", "postgres":
	default:
		return fmt.Errorf("archive.driver %q: want mysql, postgres or empty", c.Archive.Driver)
	}
	switch c.AI.Provider {
	case "", "rag", "openai":
	default:
		return fmt.Errorf("ai.provider %q: want rag, openai or empty", c.AI.Provider)
	}
	if c.AI.Provider == "rag" && c.AI.BaseURL == "" {
		return errors.New("ai.baseURL is required for the rag provider")
	}
	if c.Minio.Enabled && c.Minio.Endpoint == "" {
		return errors.New("minio.endpoint is required when minio is enabled")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Archive.User,
		c.Archive.Password,
		c.Archive.Host,
		c.Archive.Port,
		c.Archive.Name,
	)
}

// PostgresDSN builds a lib/pq URL.
func (c *Config) PostgresDSN() string {
	ssl := c.Archive.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Archive.User, c.Archive.Password),
		Host:     fmt.Sprintf("%s:%d", c.Archive.Host, c.Archive.Port),
		Path:     "/" + c.Archive.Name,
		RawQuery: "sslmode=" + ssl,
	}
	return u.String()
}
