package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Replica   ReplicaConfig   `mapstructure:"replica"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Feature   FeatureConfig   `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID   string `mapstructure:"node_id"`
	ClientID string `mapstructure:"client_id"`
	DataDir  string `mapstructure:"data_dir"`
}

type SchedulerConfig struct {
	FrameBudgetMs  int `mapstructure:"frame_budget_ms"`
	TickIntervalMs int `mapstructure:"tick_interval_ms"`
}

func (c SchedulerConfig) FrameBudget() time.Duration {
	return time.Duration(c.FrameBudgetMs) * time.Millisecond
}

func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

type IngestConfig struct {
	Socket   SocketConfig   `mapstructure:"socket"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type SocketConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Network          string `mapstructure:"network"`
	Address          string `mapstructure:"address"`
	UnixSocketPath   string `mapstructure:"unix_socket_path"`
	AuthToken        string `mapstructure:"auth_token"`
	Workers          int    `mapstructure:"workers"`
	MaxInflight      int    `mapstructure:"max_inflight"`
	GlobalQueueLimit int    `mapstructure:"global_queue_limit"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topics  []string `mapstructure:"topics"`
	GroupID string   `mapstructure:"group_id"`
	Workers int      `mapstructure:"workers"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`
}

type ReplicaConfig struct {
	Enabled             bool              `mapstructure:"enabled"`
	NodeID              uint64            `mapstructure:"node_id"`
	Address             string            `mapstructure:"address"`
	Peers               map[uint64]string `mapstructure:"peers"`
	BootstrapNewCluster bool              `mapstructure:"bootstrap_new_cluster"`
}

type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("boardsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feature.allow_multiple_adapters", true)
	v.SetDefault("server.data_dir", "data")
	v.SetDefault("scheduler.frame_budget_ms", 12)
	v.SetDefault("scheduler.tick_interval_ms", 16)
	v.SetDefault("ingest.socket.network", "tcp")
	v.SetDefault("ingest.socket.workers", 4)
	v.SetDefault("ingest.socket.max_inflight", 64)
	v.SetDefault("ingest.socket.global_queue_limit", 4096)
	v.SetDefault("ingest.kafka.workers", 4)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 32)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)
	v.SetDefault("archive.enabled", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.ClientID == "" {
		return fmt.Errorf("server.client_id is required")
	}
	if c.Scheduler.FrameBudgetMs <= 0 {
		return fmt.Errorf("scheduler.frame_budget_ms must be positive")
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("scheduler.tick_interval_ms must be positive")
	}
	if c.Ingest.Socket.Enabled && c.Ingest.Socket.Network == "unix" && c.Ingest.Socket.UnixSocketPath == "" {
		return fmt.Errorf("ingest.socket.unix_socket_path is required for unix network")
	}
	if c.Replica.Enabled {
		if c.Replica.NodeID == 0 {
			return fmt.Errorf("replica.node_id is required")
		}
		if c.Replica.Address == "" {
			return fmt.Errorf("replica.address is required")
		}
	}
	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		if c.Ingest.Socket.Enabled {
			enabled++
		}
		if c.Ingest.Kafka.Enabled {
			enabled++
		}
		if c.Ingest.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
		}
	}
	return nil
}
