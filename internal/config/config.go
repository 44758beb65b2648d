package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Consent default policies applied when no explicit opt-in row exists.
const (
	ConsentPolicyAllow = "ALLOW"
	ConsentPolicyDeny  = "DENY"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	NATS struct {
		URL             string `mapstructure:"url"`
		Stream          string `mapstructure:"stream"`          // Stream name for outbound domain events
		SubjectPrefix   string `mapstructure:"subjectPrefix"`   // Base subject (e.g. v1.wa)
		StreamMaxAgeDay int    `mapstructure:"streamMaxAgeDay"` // Retention for outbound events (days)
	} `mapstructure:"nats"`
	Vault struct {
		MasterKey     string        `mapstructure:"masterKey"`     // Hex-encoded 32-byte AES key
		TokenCacheTTL time.Duration `mapstructure:"tokenCacheTTL"` // TTL for decrypted tokens held in memory
	} `mapstructure:"vault"`
	Provider struct {
		BaseURL    string        `mapstructure:"baseURL"`
		APIVersion string        `mapstructure:"apiVersion"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"provider"`
	Consent struct {
		DefaultPolicy string `mapstructure:"defaultPolicy"` // ALLOW or DENY when no opt-in row exists
	} `mapstructure:"consent"`
	Webhook struct {
		VerifyToken string `mapstructure:"verifyToken"` // Token echoed back during the Meta verification handshake
		AppSecret   string `mapstructure:"appSecret"`   // HMAC secret for X-Hub-Signature-256; empty disables the check
		PoolSize    int    `mapstructure:"poolSize"`    // Concurrent webhook processing goroutines
	} `mapstructure:"webhook"`
	Resolver struct {
		CacheTTL time.Duration `mapstructure:"cacheTTL"`
	} `mapstructure:"resolver"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		StatusRetry StatusRetryPoolConfig `mapstructure:"statusRetry"`
	} `mapstructure:"workerPools"`
	Replay struct {
		Interval  time.Duration `mapstructure:"interval"`  // How often unprocessed webhook events are replayed
		BatchSize int           `mapstructure:"batchSize"` // Events fetched per replay pass
	} `mapstructure:"replay"`
}

// StatusRetryPoolConfig holds configuration for the status-update retry worker pool
type StatusRetryPoolConfig struct {
	PoolSize    int           `mapstructure:"poolSize"`    // Number of workers
	QueueSize   int           `mapstructure:"queueSize"`   // Task queue buffer size
	MaxAttempts int           `mapstructure:"maxAttempts"` // Attempts before a status update is dropped
	BaseDelay   time.Duration `mapstructure:"baseDelay"`   // Base delay for exponential backoff between attempts
	MaxDelay    time.Duration `mapstructure:"maxDelay"`    // Maximum delay between attempts
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	// Create new viper instance
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("nats.stream", "wa_events")
	v.SetDefault("nats.subjectPrefix", "v1.wa")
	v.SetDefault("nats.streamMaxAgeDay", 7)

	v.SetDefault("vault.tokenCacheTTL", 5*time.Minute)

	v.SetDefault("provider.baseURL", "https://graph.facebook.com")
	v.SetDefault("provider.apiVersion", "v20.0")
	v.SetDefault("provider.timeout", 30*time.Second)

	// Fail closed for business-initiated messaging when no opt-in row exists
	v.SetDefault("consent.defaultPolicy", ConsentPolicyDeny)

	v.SetDefault("webhook.poolSize", 16)
	v.SetDefault("resolver.cacheTTL", 10*time.Minute)

	// Status retry worker defaults
	v.SetDefault("workerPools.statusRetry.poolSize", 8)
	v.SetDefault("workerPools.statusRetry.queueSize", 1000)
	v.SetDefault("workerPools.statusRetry.maxAttempts", 5)
	v.SetDefault("workerPools.statusRetry.baseDelay", 500*time.Millisecond)
	v.SetDefault("workerPools.statusRetry.maxDelay", 30*time.Second)

	v.SetDefault("replay.interval", 5*time.Minute)
	v.SetDefault("replay.batchSize", 100)

	// Config file settings
	v.SetConfigName("default") // name of config file (without extension)
	v.SetConfigType("yaml")    // REQUIRED if the config file does not have the extension in the name

	// Add lookup paths
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-business-service")
	v.AddConfigPath("/etc/daisi-wa-business-service")

	// Try to read from config file
	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config fields
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if key := os.Getenv("VAULT_MASTER_KEY"); key != "" {
		v.Set("vault.masterKey", key)
	}
	if secret := os.Getenv("WHATSAPP_APP_SECRET"); secret != "" {
		v.Set("webhook.appSecret", secret)
	}
	if token := os.Getenv("WHATSAPP_VERIFY_TOKEN"); token != "" {
		v.Set("webhook.verifyToken", token)
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if config.Consent.DefaultPolicy != ConsentPolicyAllow && config.Consent.DefaultPolicy != ConsentPolicyDeny {
		return nil, fmt.Errorf("consent.defaultPolicy must be %s or %s, got %q",
			ConsentPolicyAllow, ConsentPolicyDeny, config.Consent.DefaultPolicy)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		// Get the field tag value (mapstructure)
		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		// Build the env var path
		path := append(parts, tag)
		key := strings.Join(path, ".")

		// If it's a struct, recursively bind its fields
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		// Bind the env var
		_ = v.BindEnv(key)
	}
}
