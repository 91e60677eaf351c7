package config

import "time"

// DefaultConfig 返回默认配置：内存检查点，指标与事件关闭
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: DefaultOrchestratorConfig(),
		Checkpoint:   DefaultCheckpointConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Mongo:        DefaultMongoConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
		Metrics:      DefaultMetricsConfig(),
		Events:       DefaultEventsConfig(),
	}
}

// DefaultOrchestratorConfig 与 workflow.DefaultConfig 保持一致
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxParallelSteps:   4,
		CheckpointInterval: 5 * time.Second,
		CheckpointEnabled:  true,
		EventBuffer:        256,
	}
}

func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Type:        CheckpointMemory,
		BaseDir:     "./checkpoints",
		KeyPrefix:   "fabflow:checkpoint",
		AutoMigrate: false,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "fabflow",
		Name:            "fabflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "fabflow",
		Collection:     "checkpoints",
		ConnectTimeout: 10 * time.Second,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fabflow",
		SampleRate:   0.1,
		Insecure:     true,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:         false,
		Addr:            ":9091",
		Namespace:       "fabflow",
		ShutdownTimeout: 10 * time.Second,
	}
}

func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Enabled:    false,
		Driver:     EventsGoChannel,
		Topic:      "fabflow.events",
		BufferSize: 256,
	}
}
