// Package config loads the scheduler's runtime configuration:
// environment variables first, optionally layered under a YAML file for
// local/dev overrides (mirrors the teacher's LoadConfig(log) shape).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/invocation-scheduler/internal/platform/envutil"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
	"github.com/yungbote/invocation-scheduler/internal/utils"
)

// Config is the scheduler process's composition-root configuration.
type Config struct {
	InstanceName string `yaml:"instance_name"`

	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`

	WorkerCount         int           `yaml:"worker_count"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	DefaultInvisibility time.Duration `yaml:"default_invisibility"`
	ObjectStorageMode   string        `yaml:"object_storage_mode"`
	InvocationLogBucket string        `yaml:"invocation_log_bucket"`
}

// Load reads environment variables, optionally overlaying a YAML file
// named by SCHEDULER_CONFIG_FILE if it's set and exists.
func Load(log *logger.Logger) (*Config, error) {
	cfg := &Config{
		InstanceName:        envOrHostname("INSTANCE_NAME"),
		PostgresHost:        utils.GetEnv("POSTGRES_HOST", "localhost", log),
		PostgresPort:        utils.GetEnv("POSTGRES_PORT", "5432", log),
		PostgresUser:        utils.GetEnv("POSTGRES_USER", "postgres", log),
		PostgresPassword:    utils.GetEnv("POSTGRES_PASSWORD", "", log),
		PostgresDB:          utils.GetEnv("POSTGRES_NAME", "invocation_scheduler", log),
		WorkerCount:         envutil.Int("WORKER_COUNT", 2),
		PollInterval:        time.Duration(envutil.Int("POLL_INTERVAL_SECONDS", 10)) * time.Second,
		DefaultInvisibility: time.Duration(envutil.Int("DEFAULT_INVISIBILITY_MINUTES", 30)) * time.Minute,
		ObjectStorageMode:   utils.GetEnv("OBJECT_STORAGE_MODE", "", log),
		InvocationLogBucket: utils.GetEnv("INVOCATION_LOG_BUCKET_NAME", "", log),
	}

	if path := strings.TrimSpace(os.Getenv("SCHEDULER_CONFIG_FILE")); path != "" {
		if err := overlayYAML(cfg, path); err != nil {
			return nil, fmt.Errorf("load scheduler config overlay %q: %w", path, err)
		}
	}

	return cfg, nil
}

func overlayYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func envOrHostname(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-local"
	}
	return host
}

// PostgresDSN assembles the libpq-style DSN the gorm postgres driver
// expects.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB,
	)
}
