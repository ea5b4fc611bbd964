package domain

import "time"

// Config holds the complete txpolicy configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Pricing    PricingConfig    `json:"pricing"`
	Policy     PolicyConfig     `json:"policy"`
	Auth       AuthConfig       `json:"auth"`

	// AsyncWorker enables consumption of TopicRequestIngested.
	AsyncWorker bool `json:"asyncWorker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// PolicyConfig controls where the policy comes from and which checks the engine runs.
type PolicyConfig struct {
	// DocumentPath and GroupsPath seed the repository when no policy is stored yet.
	DocumentPath string `json:"documentPath"`
	GroupsPath   string `json:"groupsPath"`

	// The initiator and approver predicates are implemented but off by default.
	EnableInitiatorCheck bool `json:"enableInitiatorCheck"`
	EnableApproverCheck  bool `json:"enableApproverCheck"`
}

// AuthConfig holds the key material for the co-signer JWT exchange.
type AuthConfig struct {
	CosignerPublicKeyPath  string `json:"cosignerPublicKeyPath"`
	CallbackPrivateKeyPath string `json:"callbackPrivateKeyPath"`

	// Disabled accepts plain JSON bodies and answers unsigned JSON. Development only.
	Disabled bool `json:"disabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns a single-node configuration: SQLite, in-memory cache, channels.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./txpolicy.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			DecisionTTL:  24 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Pricing: PricingConfig{
			URL:     DefaultRateURL,
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			ServiceName: "txpolicy",
		},
	}
}
