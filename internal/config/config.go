package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName     string
	AppEnv      string
	HealthPort  string
	DatabaseURL string
	NATSURL     string

	// Grader selection: "local" runs jobs in-process against the Docker
	// daemon, "queue" ships them to the external worker fleet.
	GraderBackend string

	AWSRegion        string
	JobsQueueName    string
	ResultsQueueName string
	ResultsBucket    string

	DockerHost       string
	PullImages       bool
	SandboxRoot      string
	MemoryLimitMB    int64
	KernelMemoryMB   int64
	DiskQuotaMB      int64
	PidsLimit        int64
	CPUShares        int64
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	TimeoutOverhead  time.Duration
	MaxResultBytes   int64
	ConsumerBatch    int
	ConsumerWaitSecs int
}

// HealthAddress returns the address the health server should listen on.
func (c Config) HealthAddress() string {
	if strings.HasPrefix(c.HealthPort, ":") {
		return c.HealthPort
	}

	return fmt.Sprintf(":%s", c.HealthPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Classline Grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("health.port", "8081")
	v.SetDefault("backend", "local")
	v.SetDefault("aws.region", "us-east-2")
	v.SetDefault("jobs_queue_name", "grading_jobs")
	v.SetDefault("results_queue_name", "grading_results")
	v.SetDefault("pull_images", true)
	v.SetDefault("sandbox_root", "/tmp/grader")
	v.SetDefault("memory_limit_mb", 2048)
	v.SetDefault("kernel_memory_mb", 512)
	v.SetDefault("disk_quota_mb", 1024)
	v.SetDefault("pids_limit", 1024)
	v.SetDefault("cpu_shares", 1024)
	v.SetDefault("default_timeout_s", 30)
	v.SetDefault("max_timeout_s", 600)
	v.SetDefault("timeout_overhead_s", 300)
	v.SetDefault("max_result_bytes", 1024*1024)
	v.SetDefault("consumer_batch", 10)
	v.SetDefault("consumer_wait_s", 20)

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		HealthPort:       v.GetString("health.port"),
		DatabaseURL:      v.GetString("database.url"),
		NATSURL:          v.GetString("nats.url"),
		GraderBackend:    strings.ToLower(v.GetString("backend")),
		AWSRegion:        v.GetString("aws.region"),
		JobsQueueName:    v.GetString("jobs_queue_name"),
		ResultsQueueName: v.GetString("results_queue_name"),
		ResultsBucket:    v.GetString("results_bucket"),
		DockerHost:       v.GetString("docker_host"),
		PullImages:       v.GetBool("pull_images"),
		SandboxRoot:      v.GetString("sandbox_root"),
		MemoryLimitMB:    v.GetInt64("memory_limit_mb"),
		KernelMemoryMB:   v.GetInt64("kernel_memory_mb"),
		DiskQuotaMB:      v.GetInt64("disk_quota_mb"),
		PidsLimit:        v.GetInt64("pids_limit"),
		CPUShares:        v.GetInt64("cpu_shares"),
		DefaultTimeout:   time.Duration(v.GetInt("default_timeout_s")) * time.Second,
		MaxTimeout:       time.Duration(v.GetInt("max_timeout_s")) * time.Second,
		TimeoutOverhead:  time.Duration(v.GetInt("timeout_overhead_s")) * time.Second,
		MaxResultBytes:   v.GetInt64("max_result_bytes"),
		ConsumerBatch:    v.GetInt("consumer_batch"),
		ConsumerWaitSecs: v.GetInt("consumer_wait_s"),
	}

	if cfg.GraderBackend != "local" && cfg.GraderBackend != "queue" {
		return Config{}, fmt.Errorf("unknown grader backend %q", cfg.GraderBackend)
	}

	if cfg.GraderBackend == "queue" && cfg.ResultsBucket == "" {
		return Config{}, fmt.Errorf("results bucket must be set for the queue backend")
	}

	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}

	if cfg.ConsumerBatch <= 0 || cfg.ConsumerBatch > 10 {
		cfg.ConsumerBatch = 10
	}

	return cfg, nil
}
