package batchflow

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

//Config all engine knobs. Every field has a default, a zero host can run on
//DefaultConfig() alone. Durations accept Go syntax ("90s", "5m") in files
//and environment overrides.
type Config struct {
	Batch      BatchConfig      `mapstructure:"batch"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Pressure   PressureConfig   `mapstructure:"pressure"`
	Workers    WorkerConfig     `mapstructure:"workers"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Processing ProcessingConfig `mapstructure:"processing"`
}

//BatchConfig adaptive sizing behavior
type BatchConfig struct {
	InitialSize       int           `mapstructure:"initial_size"`
	MinSize           int           `mapstructure:"min_size"`
	MaxSize           int           `mapstructure:"max_size"`
	StepSize          int           `mapstructure:"step_size"`
	AdjustInterval    time.Duration `mapstructure:"adjust_interval"`
	Sensitivity       float64       `mapstructure:"sensitivity"`
	TargetThroughput  float64       `mapstructure:"target_throughput"`
	TargetErrorRate   float64       `mapstructure:"target_error_rate"`
	HistoryRetention  time.Duration `mapstructure:"history_retention"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	UseHistoricalBest bool          `mapstructure:"use_historical_best"`
}

//QueueConfig pending task store limits
type QueueConfig struct {
	Capacity        int `mapstructure:"capacity"`
	RefillThreshold int `mapstructure:"refill_threshold"`
	RefillMax       int `mapstructure:"refill_max"`
}

//PressureConfig monitor sampling and thresholds
type PressureConfig struct {
	MemoryCeiling      int64         `mapstructure:"memory_ceiling"`
	CPUThreshold       float64       `mapstructure:"cpu_threshold"`
	LatencyThreshold   time.Duration `mapstructure:"latency_threshold"`
	SampleInterval     time.Duration `mapstructure:"sample_interval"`
	DeescalateInterval time.Duration `mapstructure:"deescalate_interval"`
	DeescalateStep     float64       `mapstructure:"deescalate_step"`
	TrendWindow        time.Duration `mapstructure:"trend_window"`
	HistorySize        int           `mapstructure:"history_size"`
}

//WorkerConfig pool size and health monitoring
type WorkerConfig struct {
	Count                int           `mapstructure:"count"`
	Mailbox              int           `mapstructure:"mailbox"`
	MemoryCeiling        int64         `mapstructure:"memory_ceiling"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	ZombieWindow         time.Duration `mapstructure:"zombie_window"`
	LeakCheckInterval    time.Duration `mapstructure:"leak_check_interval"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`
	CommunicationTimeout time.Duration `mapstructure:"communication_timeout"`
}

//TransferConfig communication strategy thresholds and staging
type TransferConfig struct {
	InlineMax       int           `mapstructure:"inline_max"`
	SharedBufferMax int           `mapstructure:"shared_buffer_max"`
	BufferSlots     int           `mapstructure:"buffer_slots"`
	SpoolDir        string        `mapstructure:"spool_dir"`
	SpoolMaxAge     time.Duration `mapstructure:"spool_max_age"`
	MetricsRing     int           `mapstructure:"metrics_ring"`
}

//ProcessingConfig coordinator loop behavior
type ProcessingConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	CycleDelay     time.Duration `mapstructure:"cycle_delay"`
	PoolSize       int           `mapstructure:"pool_size"`
}

const (
	//DefaultInitialBatchSize starting batch size before any adaptation
	DefaultInitialBatchSize = 50
	//DefaultMinBatchSize lower clamp for the adaptive sizer
	DefaultMinBatchSize = 10
	//DefaultMaxBatchSize upper clamp for the adaptive sizer
	DefaultMaxBatchSize = 500
	//DefaultQueueCapacity maximum number of pending tasks
	DefaultQueueCapacity = 1000
	//DefaultInlineMax payloads below this go inline
	DefaultInlineMax = 64 << 10
	//DefaultSharedBufferMax payloads below this use a shared buffer
	DefaultSharedBufferMax = 1 << 20
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch.initial_size", DefaultInitialBatchSize)
	v.SetDefault("batch.min_size", DefaultMinBatchSize)
	v.SetDefault("batch.max_size", DefaultMaxBatchSize)
	v.SetDefault("batch.step_size", 10)
	v.SetDefault("batch.adjust_interval", "5s")
	v.SetDefault("batch.sensitivity", 0.5)
	v.SetDefault("batch.target_throughput", 200.0)
	v.SetDefault("batch.target_error_rate", 0.05)
	v.SetDefault("batch.history_retention", "1h")
	v.SetDefault("batch.history_limit", 1000)
	v.SetDefault("batch.use_historical_best", true)

	v.SetDefault("queue.capacity", DefaultQueueCapacity)
	v.SetDefault("queue.refill_threshold", 0)
	v.SetDefault("queue.refill_max", 256)

	v.SetDefault("pressure.memory_ceiling", int64(512<<20))
	v.SetDefault("pressure.cpu_threshold", 0.8)
	v.SetDefault("pressure.latency_threshold", "1s")
	v.SetDefault("pressure.sample_interval", "100ms")
	v.SetDefault("pressure.deescalate_interval", "1s")
	v.SetDefault("pressure.deescalate_step", 0.05)
	v.SetDefault("pressure.trend_window", "5s")
	v.SetDefault("pressure.history_size", 100)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.mailbox", 8)
	v.SetDefault("workers.memory_ceiling", int64(64<<20))
	v.SetDefault("workers.heartbeat_interval", "30s")
	v.SetDefault("workers.health_check_interval", "30s")
	v.SetDefault("workers.zombie_window", "90s")
	v.SetDefault("workers.leak_check_interval", "5m")
	v.SetDefault("workers.shutdown_grace", "5s")
	v.SetDefault("workers.communication_timeout", "30s")

	v.SetDefault("transfer.inline_max", DefaultInlineMax)
	v.SetDefault("transfer.shared_buffer_max", DefaultSharedBufferMax)
	v.SetDefault("transfer.buffer_slots", 128)
	v.SetDefault("transfer.spool_dir", "")
	v.SetDefault("transfer.spool_max_age", "10m")
	v.SetDefault("transfer.metrics_ring", 256)

	v.SetDefault("processing.timeout", "30s")
	v.SetDefault("processing.max_retries", 3)
	v.SetDefault("processing.retry_base_delay", "100ms")
	v.SetDefault("processing.cycle_delay", "10ms")
	v.SetDefault("processing.pool_size", 8)
}

//DefaultConfig the coded defaults without reading any file or environment.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(err)
	}
	return cfg
}

//LoadConfig read a YAML or JSON config file, apply defaults for everything
//absent, and let BATCHFLOW_* environment variables override file values
//(BATCHFLOW_WORKERS_COUNT overrides workers.count). An empty path skips the
//file and uses defaults plus environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BATCHFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

//Validate reject configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Batch.MinSize <= 0 {
		return errors.Errorf("batch.min_size must be positive, got %d", c.Batch.MinSize)
	}
	if c.Batch.MaxSize < c.Batch.MinSize {
		return errors.Errorf("batch.max_size %d below batch.min_size %d", c.Batch.MaxSize, c.Batch.MinSize)
	}
	if c.Batch.InitialSize < c.Batch.MinSize || c.Batch.InitialSize > c.Batch.MaxSize {
		return errors.Errorf("batch.initial_size %d outside [%d, %d]", c.Batch.InitialSize, c.Batch.MinSize, c.Batch.MaxSize)
	}
	if c.Batch.StepSize <= 0 {
		return errors.Errorf("batch.step_size must be positive, got %d", c.Batch.StepSize)
	}
	if c.Queue.Capacity <= 0 {
		return errors.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Workers.Count <= 0 {
		return errors.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Workers.ZombieWindow < c.Workers.HeartbeatInterval {
		return errors.Errorf("workers.zombie_window %v shorter than heartbeat interval %v", c.Workers.ZombieWindow, c.Workers.HeartbeatInterval)
	}
	if c.Transfer.InlineMax <= 0 || c.Transfer.SharedBufferMax <= c.Transfer.InlineMax {
		return errors.Errorf("transfer thresholds out of order: inline %d, shared %d", c.Transfer.InlineMax, c.Transfer.SharedBufferMax)
	}
	if c.Pressure.LatencyThreshold <= 0 {
		return errors.Errorf("pressure.latency_threshold must be positive")
	}
	if c.Pressure.CPUThreshold <= 0 || c.Pressure.CPUThreshold > 1 {
		return errors.Errorf("pressure.cpu_threshold must be in (0, 1], got %v", c.Pressure.CPUThreshold)
	}
	if c.Processing.MaxRetries < 1 {
		return errors.Errorf("processing.max_retries must be at least 1, got %d", c.Processing.MaxRetries)
	}
	return nil
}
