// Package config handles configuration loading from a YAML file, a .env file and
// environment variables.
package config

import (
	"errors"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	contextutils "lingocore/internal/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. LINGOCORE_DATABASE_URL
const EnvPrefix = "LINGOCORE"

// ProviderConfig defines an OpenAI-compatible LLM provider
type ProviderConfig struct {
	Name            string    `json:"name" yaml:"name"`
	Code            string    `json:"code" yaml:"code" validate:"required"`
	URL             string    `json:"url,omitempty" yaml:"url,omitempty" validate:"required,url"`
	SupportsGrammar bool      `json:"supports_grammar,omitempty" yaml:"supports_grammar,omitempty"`
	Models          []AIModel `json:"models" yaml:"models"`
}

// AIModel represents an AI model configuration
type AIModel struct {
	Name      string `json:"name" yaml:"name"`
	Code      string `json:"code" yaml:"code"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// Config holds all configuration for the worker and the admin CLI
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Speech   SpeechConfig   `json:"speech" yaml:"speech"`

	// Judge selects the provider and model used for judging, generation and reports
	Judge     JudgeConfig      `json:"judge" yaml:"judge"`
	Providers []ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`

	OpenTelemetry OpenTelemetryConfig `json:"open_telemetry" yaml:"open_telemetry"`

	Stock         StockConfig        `json:"stock" yaml:"stock"`
	Quality       QualityConfig      `json:"quality" yaml:"quality"`
	Review        ReviewConfig       `json:"review" yaml:"review"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications"`
	Reports       ReportConfig       `json:"reports" yaml:"reports"`
}

// ServerConfig represents the worker admin server configuration
type ServerConfig struct {
	WorkerPort string `json:"worker_port" yaml:"worker_port"`
	Debug      bool   `json:"debug" yaml:"debug"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	MaxHistory int    `json:"max_history" yaml:"max_history"`
}

// OpenTelemetryConfig holds all OpenTelemetry-related configuration
type OpenTelemetryConfig struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`               // Default: "localhost:4317"
	Protocol       string            `json:"protocol" yaml:"protocol"`               // "grpc" or "http", default: "grpc"
	Insecure       bool              `json:"insecure" yaml:"insecure"`               // Default: true (for localhost)
	Headers        map[string]string `json:"headers" yaml:"headers"`                 // For authenticated endpoints
	ServiceName    string            `json:"service_name" yaml:"service_name"`       // Default: "lingocore-worker"
	ServiceVersion string            `json:"service_version" yaml:"service_version"` // From version package
	EnableTracing  bool              `json:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics  bool              `json:"enable_metrics" yaml:"enable_metrics"`
	EnableLogging  bool              `json:"enable_logging" yaml:"enable_logging"`
	SamplingRate   float64           `json:"sampling_rate" yaml:"sampling_rate"` // Default: 1.0 (100%)
	UseAutoSDK     bool              `json:"use_auto_sdk" yaml:"use_auto_sdk"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	URL             string        `json:"url" yaml:"url" validate:"required"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig configures the judgement cache connection
type RedisConfig struct {
	URL          string        `json:"url" yaml:"url" validate:"required"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	JudgementTTL time.Duration `json:"judgement_ttl" yaml:"judgement_ttl" validate:"gt=0"`
}

// QueueConfig configures the asynq broker shared by notification and report tasks
type QueueConfig struct {
	// RedisURL defaults to Redis.URL when empty
	RedisURL          string        `json:"redis_url" yaml:"redis_url"`
	NotificationQueue string        `json:"notification_queue" yaml:"notification_queue"`
	ReportQueue       string        `json:"report_queue" yaml:"report_queue"`
	Concurrency       int           `json:"concurrency" yaml:"concurrency" validate:"gt=0"`
	MaxRetry          int           `json:"max_retry" yaml:"max_retry" validate:"gte=0"`
	TaskTimeout       time.Duration `json:"task_timeout" yaml:"task_timeout"`
}

// StorageConfig configures the GCS bucket holding synthesized audio
type StorageConfig struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Prefix          string `json:"prefix" yaml:"prefix"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
}

// SpeechConfig configures the text-to-speech HTTP endpoint
type SpeechConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	URL     string        `json:"url" yaml:"url" validate:"required_if=Enabled true"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	Voice   string        `json:"voice" yaml:"voice"`
	Format  string        `json:"format" yaml:"format"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// JudgeConfig selects the LLM used as the external judge
type JudgeConfig struct {
	Provider      string        `json:"provider" yaml:"provider" validate:"required"`
	Model         string        `json:"model" yaml:"model" validate:"required"`
	APIKey        string        `json:"api_key" yaml:"api_key"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxConcurrent int           `json:"max_concurrent" yaml:"max_concurrent" validate:"gt=0"`
	Temperature   float64       `json:"temperature" yaml:"temperature"`
}

// StockTarget lists the languages tracked for one exercise type
type StockTarget struct {
	Type      string   `json:"type" yaml:"type" validate:"required"`
	Languages []string `json:"languages" yaml:"languages" validate:"min=1"`
}

// StockConfig configures the stock refill cycle
type StockConfig struct {
	Interval    time.Duration `json:"interval" yaml:"interval" validate:"gt=0"`
	Floor       int           `json:"floor" yaml:"floor" validate:"gt=0"`
	MaxPerCycle int           `json:"max_per_cycle" yaml:"max_per_cycle" validate:"gt=0"`
	Concurrency int           `json:"concurrency" yaml:"concurrency" validate:"gt=0"`
	Targets     []StockTarget `json:"targets" yaml:"targets" validate:"dive"`
	// AccentSourceURL serves a random dictionary entry with the stressed headword
	AccentSourceURL string   `json:"accent_source_url" yaml:"accent_source_url"`
	AccentLanguages []string `json:"accent_languages" yaml:"accent_languages"`
}

// QualityConfig configures the quality monitor. All thresholds are tunable.
type QualityConfig struct {
	Interval            time.Duration `json:"interval" yaml:"interval" validate:"gt=0"`
	ErrorRateThreshold  float64       `json:"error_rate_threshold" yaml:"error_rate_threshold" validate:"gt=0,lte=1"`
	DecayHalfLife       time.Duration `json:"decay_half_life" yaml:"decay_half_life" validate:"gt=0"`
	Window              time.Duration `json:"window" yaml:"window" validate:"gt=0"`
	MinAttempts         int           `json:"min_attempts" yaml:"min_attempts" validate:"gte=1"`
	MinWeightedAttempts float64       `json:"min_weighted_attempts" yaml:"min_weighted_attempts" validate:"gte=0"`
	BatchSize           int           `json:"batch_size" yaml:"batch_size" validate:"gt=0"`
}

// ReviewConfig configures the review processor
type ReviewConfig struct {
	Interval       time.Duration `json:"interval" yaml:"interval" validate:"gt=0"`
	BatchSize      int           `json:"batch_size" yaml:"batch_size" validate:"gt=0"`
	RecentAttempts int           `json:"recent_attempts" yaml:"recent_attempts" validate:"gt=0"`
}

// NotificationConfig configures the notification scheduler
type NotificationConfig struct {
	Interval          time.Duration   `json:"interval" yaml:"interval" validate:"gt=0"`
	LongBreakSteps    []time.Duration `json:"long_break_steps" yaml:"long_break_steps"`
	LongBreakCooldown time.Duration   `json:"long_break_cooldown" yaml:"long_break_cooldown"`
	// LongBreakTimeWindow limits long-break reminders to learners whose last activity
	// happened within half the window of the current UTC time of day. 24h or more allows any time.
	LongBreakTimeWindow time.Duration `json:"long_break_time_window" yaml:"long_break_time_window"`
	// SessionLookback bounds how far back an unfrozen session still earns a reminder
	SessionLookback time.Duration `json:"session_lookback" yaml:"session_lookback"`
	BatchSize       int           `json:"batch_size" yaml:"batch_size" validate:"gt=0"`
}

// ReportConfig configures report generation and the weekly report cycle
type ReportConfig struct {
	DeliverDelay      time.Duration `json:"deliver_delay" yaml:"deliver_delay" validate:"gt=0"`
	RecentAttempts    int           `json:"recent_attempts" yaml:"recent_attempts" validate:"gt=0"`
	WeeklyEnabled     bool          `json:"weekly_enabled" yaml:"weekly_enabled"`
	WeeklySchedule    string        `json:"weekly_schedule" yaml:"weekly_schedule"`
	WeeklyMinAttempts int           `json:"weekly_min_attempts" yaml:"weekly_min_attempts"`
	Timezone          string        `json:"timezone" yaml:"timezone"`
	// ClaimTimeout is how long a GENERATING claim or an undelivered GENERATED report may sit
	// before another worker takes it over
	ClaimTimeout     time.Duration `json:"claim_timeout" yaml:"claim_timeout"`
	RecoveryInterval time.Duration `json:"recovery_interval" yaml:"recovery_interval"`
}

// NewConfig loads .env, then the YAML file, then environment overrides, applies defaults and validates
func NewConfig() (result0 *Config, err error) {
	// .env is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "failed to load .env: %v", err)
	}

	config, err := loadConfigWithOverrides()
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "failed to load config: %v", err)
	}

	config.overrideFromEnv()
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks struct tags and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "invalid configuration: %v", err)
	}
	if c.Provider(c.Judge.Provider) == nil {
		return contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "judge provider %q is not listed under providers", c.Judge.Provider)
	}
	return nil
}

// Provider returns the provider with the given code or nil
func (c *Config) Provider(code string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Code == code {
			return &c.Providers[i]
		}
	}
	return nil
}

// QueueRedisURL returns the broker address, falling back to the cache address
func (c *Config) QueueRedisURL() string {
	if c.Queue.RedisURL != "" {
		return c.Queue.RedisURL
	}
	return c.Redis.URL
}

// ApplyDefaults fills zero values with the documented defaults
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.WorkerPort, "8081")
	setDefault(&c.Server.LogLevel, "info")
	setDefault(&c.Server.MaxHistory, 50)

	setDefault(&c.Database.MaxOpenConns, 25)
	setDefault(&c.Database.MaxIdleConns, 5)
	setDefault(&c.Database.ConnMaxLifetime, DatabaseConnMaxLifetime)

	setDefault(&c.Redis.KeyPrefix, "lingocore")
	setDefault(&c.Redis.JudgementTTL, 7*24*time.Hour)

	setDefault(&c.Queue.NotificationQueue, "notifications")
	setDefault(&c.Queue.ReportQueue, "reports")
	setDefault(&c.Queue.Concurrency, 10)
	setDefault(&c.Queue.MaxRetry, 3)
	setDefault(&c.Queue.TaskTimeout, 5*time.Minute)

	setDefault(&c.Storage.Prefix, "audio")
	setDefault(&c.Speech.Voice, "default")
	setDefault(&c.Speech.Format, "ogg")
	setDefault(&c.Speech.Timeout, 60*time.Second)

	setDefault(&c.Judge.Timeout, AIRequestTimeout)
	setDefault(&c.Judge.MaxConcurrent, 5)

	setDefault(&c.OpenTelemetry.Protocol, "grpc")
	setDefault(&c.OpenTelemetry.ServiceName, "lingocore-worker")
	setDefault(&c.OpenTelemetry.SamplingRate, 1.0)

	setDefault(&c.Stock.Interval, 10*time.Minute)
	setDefault(&c.Stock.Floor, 5)
	setDefault(&c.Stock.MaxPerCycle, 10)
	setDefault(&c.Stock.Concurrency, 5)
	setDefault(&c.Stock.AccentSourceURL, "https://rechnik.chitanka.info/random")
	if len(c.Stock.AccentLanguages) == 0 {
		c.Stock.AccentLanguages = []string{"bg"}
	}

	setDefault(&c.Quality.Interval, time.Hour)
	setDefault(&c.Quality.ErrorRateThreshold, 0.4)
	setDefault(&c.Quality.DecayHalfLife, 7*24*time.Hour)
	setDefault(&c.Quality.Window, 30*24*time.Hour)
	setDefault(&c.Quality.MinAttempts, 5)
	setDefault(&c.Quality.MinWeightedAttempts, 7.0)
	setDefault(&c.Quality.BatchSize, 500)

	setDefault(&c.Review.Interval, 3*time.Hour)
	setDefault(&c.Review.BatchSize, 10)
	setDefault(&c.Review.RecentAttempts, 20)

	setDefault(&c.Notifications.Interval, 5*time.Minute)
	setDefault(&c.Notifications.LongBreakCooldown, 47*time.Hour)
	setDefault(&c.Notifications.BatchSize, 500)
	setDefault(&c.Notifications.LongBreakTimeWindow, time.Hour)
	setDefault(&c.Notifications.SessionLookback, 24*time.Hour)
	if len(c.Notifications.LongBreakSteps) == 0 {
		c.Notifications.LongBreakSteps = DefaultLongBreakSteps()
	}

	setDefault(&c.Reports.DeliverDelay, 5*time.Second)
	setDefault(&c.Reports.RecentAttempts, 50)
	setDefault(&c.Reports.WeeklySchedule, "0 9 * * 1")
	setDefault(&c.Reports.WeeklyMinAttempts, 15)
	setDefault(&c.Reports.Timezone, "UTC")
	setDefault(&c.Reports.ClaimTimeout, 10*time.Minute)
	setDefault(&c.Reports.RecoveryInterval, 5*time.Minute)
}

// DefaultLongBreakSteps is the reminder ladder for inactive users
func DefaultLongBreakSteps() []time.Duration {
	days := []int{1, 3, 5, 8, 13, 21, 30, 90}
	steps := make([]time.Duration, len(days))
	for i, d := range days {
		steps[i] = time.Duration(d) * 24 * time.Hour
	}
	return steps
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// overrideFromEnv overrides config values with environment variables using reflection
func (c *Config) overrideFromEnv() {
	overrideStructFromEnvWithPrefix(c, EnvPrefix)
}

var durationType = reflect.TypeOf(time.Duration(0))

// overrideStructFromEnvWithPrefix recursively overrides struct fields with environment variables
func overrideStructFromEnvWithPrefix(v interface{}, prefix string) {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envKey := strings.ToUpper(strings.ReplaceAll(yamlTag, "-", "_"))
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}
		envVal := os.Getenv(envKey)

		switch {
		case field.Type() == durationType:
			if envVal != "" {
				if d, err := time.ParseDuration(envVal); err == nil {
					field.SetInt(int64(d))
				}
			}
		case field.Kind() == reflect.String:
			if envVal != "" {
				field.SetString(envVal)
			}
		case field.Kind() >= reflect.Int && field.Kind() <= reflect.Int64:
			if envVal != "" {
				if intVal, err := strconv.ParseInt(envVal, 10, 64); err == nil {
					field.SetInt(intVal)
				}
			}
		case field.Kind() == reflect.Float32 || field.Kind() == reflect.Float64:
			if envVal != "" {
				if floatVal, err := strconv.ParseFloat(envVal, 64); err == nil {
					field.SetFloat(floatVal)
				}
			}
		case field.Kind() == reflect.Bool:
			if envVal != "" {
				if boolVal, err := strconv.ParseBool(envVal); err == nil {
					field.SetBool(boolVal)
				}
			}
		case field.Kind() == reflect.Slice:
			if envVal == "" {
				continue
			}
			parts := strings.Split(envVal, ",")
			switch {
			case field.Type().Elem().Kind() == reflect.String:
				field.Set(reflect.ValueOf(parts))
			case field.Type().Elem() == durationType:
				steps := make([]time.Duration, 0, len(parts))
				for _, p := range parts {
					if d, err := time.ParseDuration(strings.TrimSpace(p)); err == nil {
						steps = append(steps, d)
					}
				}
				field.Set(reflect.ValueOf(steps))
			}
		case field.Kind() == reflect.Struct:
			if field.CanAddr() {
				overrideStructFromEnvWithPrefix(field.Addr().Interface(), envKey)
			}
		case field.Kind() == reflect.Ptr:
			if !field.IsNil() && field.Elem().Kind() == reflect.Struct {
				overrideStructFromEnvWithPrefix(field.Interface(), envKey)
			}
		}
	}
}

// loadConfigWithOverrides loads the file named by LINGOCORE_CONFIG_FILE, or config.yaml when present
func loadConfigWithOverrides() (result0 *Config, err error) {
	if envPath := os.Getenv(EnvPrefix + "_CONFIG_FILE"); envPath != "" {
		config, err := loadConfigFromFile(envPath)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInvalidConfig, "failed to load config from %s: %v", envPath, err)
		}
		return config, nil
	}

	config, err := loadConfigFromFile("config.yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	return config, err
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (result0 *Config, err error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
