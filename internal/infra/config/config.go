package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

const (
	envPath     = "FILEFLOW_CONFIG"
	defaultPath = "./configs/local.yaml"
)

type Config struct {
	Addr            string        `yaml:"addr" default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
	NodeID          string        `yaml:"node_id"`

	BaseDir string `yaml:"base_dir" validate:"required"`

	TaskTTL          time.Duration `yaml:"task_ttl" default:"24h" validate:"gt=0"`
	MaxUploadBytesMb int64         `yaml:"max_upload_mb" default:"64"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl" default:"72h" validate:"gt=0"`

	Log     Log     `yaml:"log"`
	Redis   Redis   `yaml:"redis"`
	MinIO   MinIO   `yaml:"minio"`
	Storage Storage `yaml:"storage"`
	NATS    NATS    `yaml:"nats"`
	Runner  Runner  `yaml:"runner"`
	Guard   Guard   `yaml:"guard"`
	Sweeper Sweeper `yaml:"sweeper"`
	Hooks   Hooks   `yaml:"hooks"`
	Plugins Plugins `yaml:"plugins"`
}

type Log struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json"`
	// File enables rotation through lumberjack; stdout when empty.
	File       string `yaml:"file"`
	MaxSizeMb  int    `yaml:"max_size_mb" default:"100"`
	MaxBackups int    `yaml:"max_backups" default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" default:"14"`
	Compress   bool   `yaml:"compress"`
}

type Redis struct {
	Addr     string `yaml:"addr" default:"localhost:6379" validate:"required"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
}

type Storage struct {
	Driver string `yaml:"driver" default:"minio" validate:"oneof=local minio"`
	// Root of the local driver, relative paths resolve against base_dir.
	LocalRoot string `yaml:"local_root" default:"objects"`
}

type NATS struct {
	URL               string        `yaml:"url" default:"nats://localhost:4222" validate:"required"`
	Name              string        `yaml:"name" default:"fileflow"`
	MaxReconnects     int           `yaml:"max_reconnects" default:"60"`
	Stream            string        `yaml:"stream" default:"FILEFLOW_DISPATCH"`
	SubjectPrefix     string        `yaml:"subject_prefix" default:"fileflow.dispatch"`
	Partitions        int           `yaml:"partitions" default:"8" validate:"gte=1,lte=1024"`
	Consumers         []int         `yaml:"consumers" validate:"dive,gte=0"`
	MaxDeliver        int           `yaml:"max_deliver" default:"5" validate:"gte=1"`
	AckWait           time.Duration `yaml:"ack_wait" default:"10m"`
	NakDelay          time.Duration `yaml:"nak_delay" default:"5s"`
	DuplicateWindow   time.Duration `yaml:"duplicate_window" default:"2m"`
	DispatchDeadline  time.Duration `yaml:"dispatch_deadline" default:"1h"`
	DeadLetterSubject string        `yaml:"dead_letter_subject" default:"fileflow.dlq"`
	EventsPrefix      string        `yaml:"events_prefix" default:"fileflow.events"`
	FlushTimeout      time.Duration `yaml:"flush_timeout" default:"5s" validate:"gt=0"`
	RegistrySubject   string        `yaml:"registry_subject" default:"fileflow.registry.task_created"`
}

type Runner struct {
	MaxRetriesPerCallback int           `yaml:"max_retries_per_callback" default:"3" validate:"gte=0"`
	Backoff               time.Duration `yaml:"backoff" default:"500ms"`
	Multiplier            float64       `yaml:"multiplier" default:"2"`
	MaxBackoff            time.Duration `yaml:"max_backoff" default:"30s"`
	StepTimeout           time.Duration `yaml:"step_timeout" default:"5m" validate:"gt=0"`
}

type Guard struct {
	ExpectedItems     uint          `yaml:"expected_items" default:"1000000"`
	FalsePositiveRate float64       `yaml:"false_positive_rate" default:"0.01" validate:"gt=0,lt=1"`
	CacheTTL          time.Duration `yaml:"cache_ttl" default:"30s"`
	AbsentTTL         time.Duration `yaml:"absent_ttl" default:"5s"`
	CacheLimit        int           `yaml:"cache_limit" default:"100000"`
	RegistrationGrace time.Duration `yaml:"registration_grace" default:"30s"`
}

type Sweeper struct {
	Spec string `yaml:"spec" default:"@every 30s"`
}

type Hooks struct {
	QueueCapacity int `yaml:"queue_capacity" default:"256"`
	PoolSize      int `yaml:"pool_size" default:"2"`
	MaxRetries    int `yaml:"max_retries" default:"3"`
}

type Plugins struct {
	Remote []RemotePlugin `yaml:"remote"`
	// Addr of the plugin host gRPC server.
	HostAddr string `yaml:"host_addr" default:":50051"`
}

type RemotePlugin struct {
	Name    string        `yaml:"name" validate:"required"`
	Target  string        `yaml:"target" validate:"required"`
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// Path resolves the config file location.
func Path() string {
	if p := os.Getenv(envPath); p != "" {
		return p
	}
	return defaultPath
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatal(err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &loadError{op: "read file " + path, err: err}
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	defaults.SetDefaults(&cfg)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &loadError{op: "unmarshal yaml", err: err}
	}

	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, &loadError{op: "validate", err: err}
	}
	if cfg.Storage.Driver == "minio" && (cfg.MinIO.Endpoint == "" || cfg.MinIO.Bucket == "") {
		return nil, &loadError{op: "validate", err: errMinIORequired}
	}
	for _, p := range cfg.NATS.Consumers {
		if p >= cfg.NATS.Partitions {
			return nil, &loadError{op: "validate", err: &partitionError{partition: p, partitions: cfg.NATS.Partitions}}
		}
	}

	return &cfg, nil
}
