package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"

	"github.com/couchcryptid/storm-alert-pipeline/internal/dedup"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Feed.
	FeedURL       string
	FeedFile      string
	FeedZones     []string
	FeedTimeout   time.Duration
	FeedUserAgent string
	PollInterval  time.Duration

	// Processing.
	MaxConcurrentProcessing int
	ProcessingTimeout       time.Duration
	DedupStrategy           dedup.Strategy
	SimilarityThreshold     float64
	TimeWindow              time.Duration
	MinConfidence           float64
	FiltersFile             string
	WorkflowsDir            string

	// Delivery.
	DeliveryInterval        time.Duration
	MaxConcurrentDeliveries int
	MaxRetries              int
	InitialDelay            time.Duration
	MaxDelay                time.Duration
	BackoffMultiplier       float64
	SendTimeout             time.Duration
	ChannelRateLimit        float64
	NotifyRecipients        string

	// Persistence.
	StateFile         string
	QueueFile         string
	SubscribersFile   string
	DatabaseURL       string
	StateRetention    time.Duration
	DeliveryRetention time.Duration

	// Kafka notification channel.
	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaNotifyTopic string
}

// Load reads configuration from environment variables, applying defaults
// where unset. A .env file in the working directory is loaded first when
// present; variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		FeedURL:       strings.TrimRight(sharedcfg.EnvOrDefault("FEED_URL", "https://api.weather.gov"), "/"),
		FeedFile:      os.Getenv("FEED_FILE"),
		FeedZones:     splitList(os.Getenv("FEED_ZONES")),
		FeedTimeout:   p.duration("FEED_TIMEOUT", "30s"),
		FeedUserAgent: sharedcfg.EnvOrDefault("FEED_USER_AGENT", "storm-alert-pipeline"),
		PollInterval:  time.Duration(p.positiveInt("POLL_INTERVAL_SECONDS", 60)) * time.Second,

		MaxConcurrentProcessing: p.positiveInt("MAX_CONCURRENT_PROCESSING", 10),
		ProcessingTimeout:       p.duration("PROCESSING_TIMEOUT", "60s"),
		SimilarityThreshold:     p.fraction("SIMILARITY_THRESHOLD", 0.8),
		TimeWindow:              time.Duration(p.positiveInt("TIME_WINDOW_MINUTES", 30)) * time.Minute,
		MinConfidence:           p.fraction("MIN_CONFIDENCE_THRESHOLD", 0.6),
		FiltersFile:             os.Getenv("FILTERS_FILE"),
		WorkflowsDir:            os.Getenv("WORKFLOWS_DIR"),

		DeliveryInterval:        p.duration("DELIVERY_INTERVAL", "5s"),
		MaxConcurrentDeliveries: p.positiveInt("MAX_CONCURRENT_DELIVERIES", 10),
		MaxRetries:              p.positiveInt("MAX_RETRIES", 3),
		InitialDelay:            time.Duration(p.positiveFloat("INITIAL_DELAY_SECONDS", 5) * float64(time.Second)),
		MaxDelay:                time.Duration(p.positiveFloat("MAX_DELAY_SECONDS", 300) * float64(time.Second)),
		BackoffMultiplier:       p.positiveFloat("BACKOFF_MULTIPLIER", 2.0),
		SendTimeout:             p.duration("SEND_TIMEOUT", "30s"),
		ChannelRateLimit:        p.nonNegativeFloat("CHANNEL_RATE_LIMIT", 5),
		NotifyRecipients:        sharedcfg.EnvOrDefault("NOTIFY_RECIPIENTS", "log:operations"),

		StateFile:         sharedcfg.EnvOrDefault("STATE_FILE", "data/state.json"),
		QueueFile:         sharedcfg.EnvOrDefault("QUEUE_FILE", "data/delivery_queue.json"),
		SubscribersFile:   sharedcfg.EnvOrDefault("SUBSCRIBERS_FILE", "data/subscribers.json"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateRetention:    p.duration("STATE_RETENTION", "24h"),
		DeliveryRetention: p.duration("DELIVERY_RETENTION", "24h"),

		KafkaEnabled:     p.boolean("KAFKA_ENABLED", false),
		KafkaBrokers:     sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaNotifyTopic: sharedcfg.EnvOrDefault("KAFKA_NOTIFY_TOPIC", "weather-alert-notifications"),
	}
	if p.err != nil {
		return nil, p.err
	}

	strategy, err := dedup.ParseStrategy(sharedcfg.EnvOrDefault("DEDUP_STRATEGY", string(dedup.StrategyHybrid)))
	if err != nil {
		return nil, fmt.Errorf("invalid DEDUP_STRATEGY: %w", err)
	}
	cfg.DedupStrategy = strategy

	if cfg.MaxDelay < cfg.InitialDelay {
		return nil, errors.New("MAX_DELAY_SECONDS must not be less than INITIAL_DELAY_SECONDS")
	}
	if cfg.BackoffMultiplier < 1 {
		return nil, errors.New("BACKOFF_MULTIPLIER must be at least 1")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if cfg.KafkaNotifyTopic == "" {
			return nil, errors.New("KAFKA_NOTIFY_TOPIC is required when KAFKA_ENABLED is true")
		}
	}

	return cfg, nil
}

// parser records the first invalid variable so Load can report it after
// building the whole struct.
type parser struct {
	err error
}

func (p *parser) fail(key, value, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %s", key, value, want)
	}
}

func (p *parser) duration(key, def string) time.Duration {
	v := sharedcfg.EnvOrDefault(key, def)
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		p.fail(key, v, "must be a positive duration")
		return 0
	}
	return d
}

func (p *parser) positiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		p.fail(key, v, "must be a positive integer")
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) (float64, string, bool) {
	v := os.Getenv(key)
	if v == "" {
		return def, v, true
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, v, false
	}
	return f, v, true
}

func (p *parser) positiveFloat(key string, def float64) float64 {
	f, v, ok := p.number(key, def)
	if !ok || f <= 0 {
		p.fail(key, v, "must be a positive number")
		return def
	}
	return f
}

func (p *parser) nonNegativeFloat(key string, def float64) float64 {
	f, v, ok := p.number(key, def)
	if !ok || f < 0 {
		p.fail(key, v, "must be a non-negative number")
		return def
	}
	return f
}

func (p *parser) fraction(key string, def float64) float64 {
	f, v, ok := p.number(key, def)
	if !ok || f < 0 || f > 1 {
		p.fail(key, v, "must be between 0 and 1")
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, "must be true or false")
		return def
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}
