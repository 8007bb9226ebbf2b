package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Worker    WorkerConfig    `yaml:"worker"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Log       LogConfig       `yaml:"log"`
	Seed      []SeedProduct   `yaml:"seed"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr          string        `yaml:"addr"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type BrokerConfig struct {
	// Backend is "redis" or "memory".
	Backend           string        `yaml:"backend"`
	Queue             string        `yaml:"queue"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	FailedCap         int           `yaml:"failed_cap"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

type WorkerConfig struct {
	Count      int           `yaml:"count"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

type ReconcileConfig struct {
	OnStartup bool          `yaml:"on_startup"`
	Interval  time.Duration `yaml:"interval"`

	// OrphanAfter is how old an untracked pending reservation must be before
	// it is credited back. Zero derives it from the broker retry settings.
	OrphanAfter time.Duration `yaml:"orphan_after"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	DeadLetterTopic string   `yaml:"dead_letter_topic"`
}

type TracingConfig struct {
	ServiceName    string  `yaml:"service_name"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type SeedProduct struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Stock int64  `yaml:"stock"`
	Price string `yaml:"price"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RequestTimeout:  2 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:          ":50051",
			ProbeInterval: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 100,
		},
		Database: DatabaseConfig{
			Driver:          "mysql",
			DSN:             "root:root@tcp(localhost:3306)/stockreservation?parseTime=true",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Broker: BrokerConfig{
			Backend:           "redis",
			Queue:             "reservations",
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          30 * time.Second,
			VisibilityTimeout: 30 * time.Second,
			PollInterval:      100 * time.Millisecond,
			FailedCap:         1000,
			BreakerFailures:   5,
			BreakerTimeout:    10 * time.Second,
		},
		Worker: WorkerConfig{
			Count:      10,
			JobTimeout: 5 * time.Second,
		},
		Reconcile: ReconcileConfig{
			OnStartup: true,
			Interval:  time.Minute,
		},
		Kafka: KafkaConfig{
			DeadLetterTopic: "reservations.dlt",
		},
		Tracing: TracingConfig{
			ServiceName: "stock-reservation",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads defaults, then the YAML file at path when path is set, then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	duration("HTTP_REQUEST_TIMEOUT", &cfg.HTTP.RequestTimeout)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	integer("REDIS_DB", &cfg.Redis.DB)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("DB_DSN", &cfg.Database.DSN)
	boolean("DB_AUTO_MIGRATE", &cfg.Database.AutoMigrate)
	str("BROKER_BACKEND", &cfg.Broker.Backend)
	integer("BROKER_MAX_ATTEMPTS", &cfg.Broker.MaxAttempts)
	duration("BROKER_BASE_DELAY", &cfg.Broker.BaseDelay)
	duration("BROKER_VISIBILITY_TIMEOUT", &cfg.Broker.VisibilityTimeout)
	integer("WORKER_COUNT", &cfg.Worker.Count)
	duration("WORKER_JOB_TIMEOUT", &cfg.Worker.JobTimeout)
	duration("RECONCILE_INTERVAL", &cfg.Reconcile.Interval)
	duration("RECONCILE_ORPHAN_AFTER", &cfg.Reconcile.OrphanAfter)
	str("KAFKA_DLT_TOPIC", &cfg.Kafka.DeadLetterTopic)
	str("JAEGER_ENDPOINT", &cfg.Tracing.JaegerEndpoint)
	str("LOG_LEVEL", &cfg.Log.Level)
	boolean("LOG_PRETTY", &cfg.Log.Pretty)

	if v, ok := lookup("KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	switch c.Broker.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("broker.backend: unsupported %q", c.Broker.Backend))
	}
	if c.Broker.MaxAttempts < 1 {
		errs = append(errs, errors.New("broker.max_attempts must be at least 1"))
	}
	if c.Broker.BaseDelay <= 0 {
		errs = append(errs, errors.New("broker.base_delay must be positive"))
	}
	if c.Broker.MaxDelay < c.Broker.BaseDelay {
		errs = append(errs, errors.New("broker.max_delay must not be below base_delay"))
	}
	if c.Broker.VisibilityTimeout <= c.Worker.JobTimeout {
		errs = append(errs, errors.New("broker.visibility_timeout must exceed worker.job_timeout"))
	}

	if c.Worker.Count < 1 {
		errs = append(errs, errors.New("worker.count must be at least 1"))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("http.request_timeout must be positive"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Reconcile.Interval < 0 {
		errs = append(errs, errors.New("reconcile.interval must not be negative"))
	}
	if c.Reconcile.OrphanAfter < 0 {
		errs = append(errs, errors.New("reconcile.orphan_after must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}

	seen := make(map[string]bool, len(c.Seed))
	for i, p := range c.Seed {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("seed[%d]: id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("seed[%d]: duplicate id %q", i, p.ID))
		case p.Stock < 0:
			errs = append(errs, fmt.Errorf("seed[%d]: stock must not be negative", i))
		}
		seen[p.ID] = true
	}

	return errors.Join(errs...)
}
