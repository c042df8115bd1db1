// Package config loads the process configuration from the environment and
// the per-dataset registry from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfig marks configuration problems. Callers map it to exit code 2 or
// HTTP 400.
var ErrConfig = errors.New("invalid configuration")

const (
	defaultPrefix       = "datasets"
	defaultRegion       = "us-east-1"
	defaultKafkaTopic   = "dataset-updates"
	defaultDatasetDir   = "configs/datasets"
	defaultFetchTimeout = 300 * time.Second
)

// App is the process-level configuration. Empty LockTable disables leasing;
// empty SNSTopicARN and KafkaBrokers disable the respective notification
// transports.
type App struct {
	Env        string
	DataBucket string
	Prefix     string

	AWSRegion       string
	S3Endpoint      string
	AccessKeyID     string
	SecretAccessKey string

	LockTable   string
	SNSTopicARN string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaPartitions  int
	KafkaReplication int

	DatasetDir   string
	FetchTimeout time.Duration
	CACertFile   string
	Verbose      bool
}

// LoadApp reads the environment, after loading .env when present.
func LoadApp() (*App, error) {
	_ = godotenv.Load()

	cfg := &App{
		Env:          "local",
		Prefix:       defaultPrefix,
		AWSRegion:    defaultRegion,
		KafkaTopic:   defaultKafkaTopic,
		DatasetDir:   defaultDatasetDir,
		FetchTimeout: defaultFetchTimeout,
	}

	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	cfg.DataBucket = os.Getenv("DATA_BUCKET")
	if v := os.Getenv("DATASETS_PREFIX"); v != "" {
		cfg.Prefix = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWSRegion = v
	}
	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT_URL")
	cfg.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	cfg.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	cfg.LockTable = os.Getenv("LOCK_TABLE")
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}
	if v := os.Getenv("KAFKA_TOPIC_PARTITIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: KAFKA_TOPIC_PARTITIONS must be a positive integer, got %q", ErrConfig, v)
		}
		cfg.KafkaPartitions = n
	}
	if v := os.Getenv("KAFKA_REPLICATION_FACTOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: KAFKA_REPLICATION_FACTOR must be a positive integer, got %q", ErrConfig, v)
		}
		cfg.KafkaReplication = n
	}
	if v := os.Getenv("DATASET_CONFIG_DIR"); v != "" {
		cfg.DatasetDir = v
	}
	if v := os.Getenv("FETCH_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("%w: FETCH_TIMEOUT_SECONDS must be a positive integer, got %q", ErrConfig, v)
		}
		cfg.FetchTimeout = time.Duration(secs) * time.Second
	}
	cfg.CACertFile = os.Getenv("SSL_CERT_FILE")
	if v := os.Getenv("VERBOSE"); v != "" {
		verbose, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: VERBOSE must be a boolean, got %q", ErrConfig, v)
		}
		cfg.Verbose = verbose
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *App) Validate() error {
	if c.DataBucket == "" {
		return fmt.Errorf("%w: DATA_BUCKET is required", ErrConfig)
	}
	if strings.Contains(c.Prefix, "/") || c.Prefix == "" {
		return fmt.Errorf("%w: DATASETS_PREFIX must be a single path segment, got %q", ErrConfig, c.Prefix)
	}
	switch c.Env {
	case "local", "staging", "production":
	default:
		return fmt.Errorf("%w: ENV must be local, staging or production, got %q", ErrConfig, c.Env)
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.KafkaPartitions <= 0 {
		c.KafkaPartitions = 1
	}
	if c.KafkaReplication <= 0 {
		c.KafkaReplication = 1
	}
	return nil
}
