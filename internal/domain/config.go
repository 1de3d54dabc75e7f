package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Model artifact and feature registry
	Model    ModelConfig    `json:"model"`
	Registry RegistryConfig `json:"registry"`

	// Inference pipeline settings
	Inference InferenceConfig `json:"inference"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ModelConfig locates the trained model artifact.
type ModelConfig struct {
	// Path to the JSON model artifact exported by the training
	// pipeline. Loaded once at startup; a load failure leaves the
	// service up with predictions reporting the model unavailable.
	Path string `json:"path"`
}

// RegistryConfig locates the category registry.
type RegistryConfig struct {
	// Path to a JSON registry overriding the built-in training-time
	// registry. Empty means use the built-in one.
	Path string `json:"path"`
}

// InferenceConfig tunes the scoring pipeline.
type InferenceConfig struct {
	// ExplainEnabled attaches attributions to predictions.
	ExplainEnabled bool `json:"explainEnabled"`

	// ExplainTimeout bounds attribution work per request. Encoding
	// and prediction are not subject to it.
	ExplainTimeout time.Duration `json:"explainTimeout"`

	// TopK is the number of attributions returned per prediction.
	TopK int `json:"topK"`

	// AttributionTTL is how long computed attributions stay cached.
	AttributionTTL time.Duration `json:"attributionTtl"`

	// MaxBatchSize caps rows per batch request.
	MaxBatchSize int `json:"maxBatchSize"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"

	// TierEnterprise includes multi-node, SSO, etc.
	TierEnterprise Tier = "enterprise"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Model: ModelConfig{
			Path: "./models/fraud_model.json",
		},
		Inference: InferenceConfig{
			ExplainEnabled: true,
			ExplainTimeout: 2 * time.Second,
			TopK:           10,
			AttributionTTL: 15 * time.Minute,
			MaxBatchSize:   5000,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
