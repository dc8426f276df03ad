package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/pengui13/quantra-back/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type KafkaTopics struct {
	QuoteTicks        string
	DepositsConfirmed string
	BalancesUpdated   string
	DeadLetter        string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type BroadcasterConfig struct {
	BaseURL      string
	APIKey       string
	SubscribeURL string
	WebhookURL   string
	Timeout      time.Duration
}

type StakingConfig struct {
	AccrualInterval time.Duration
}

type Config struct {
	App           base.AppConfig
	DB            DBConfig
	Kafka         KafkaConfig
	Broadcaster   BroadcasterConfig
	Staking       StakingConfig
	JWTSecret     string
	EncryptionKey string
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("WALLET_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("WALLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("WALLET_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "wallet-service")
	v.SetDefault("kafka.topics.quote_ticks", "quotes.ticks")
	v.SetDefault("kafka.topics.deposits_confirmed", "deposits.confirmed")
	v.SetDefault("kafka.topics.balances_updated", "balances.updated")
	v.SetDefault("kafka.topics.dead_letter", "wallet.dlq")
	v.SetDefault("broadcaster.base_url", "https://api.tatum.io/v3")
	v.SetDefault("broadcaster.timeout", "30s")
	v.SetDefault("staking.accrual_interval", "24h")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "wallet_core"),
			User:     envString("POSTGRES_USER", "wallet"),
			Password: envString("POSTGRES_PASSWORD", "wallet"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				QuoteTicks:        envString("KAFKA_QUOTES_TOPIC", v.GetString("kafka.topics.quote_ticks")),
				DepositsConfirmed: envString("KAFKA_DEPOSITS_TOPIC", v.GetString("kafka.topics.deposits_confirmed")),
				BalancesUpdated:   envString("KAFKA_BALANCES_TOPIC", v.GetString("kafka.topics.balances_updated")),
				DeadLetter:        envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Broadcaster: BroadcasterConfig{
			BaseURL:      envString("BROADCASTER_BASE_URL", v.GetString("broadcaster.base_url")),
			APIKey:       envString("BROADCASTER_API_KEY", v.GetString("broadcaster.api_key")),
			SubscribeURL: envString("BROADCASTER_SUBSCRIBE_URL", v.GetString("broadcaster.subscribe_url")),
			WebhookURL:   envString("BROADCASTER_WEBHOOK_URL", v.GetString("broadcaster.webhook_url")),
			Timeout:      envDuration("BROADCASTER_TIMEOUT", v.GetDuration("broadcaster.timeout")),
		},
		Staking: StakingConfig{
			AccrualInterval: envDuration("STAKING_ACCRUAL_INTERVAL", v.GetDuration("staking.accrual_interval")),
		},
		JWTSecret:     envString("WALLET_JWT_SECRET", v.GetString("jwt_secret")),
		EncryptionKey: envString("WALLET_ENCRYPTION_KEY", v.GetString("encryption_key")),
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.QuoteTicks == "" {
		return nil, fmt.Errorf("kafka quotes topic required")
	}
	if cfg.Kafka.Topics.DepositsConfirmed == "" {
		return nil, fmt.Errorf("kafka deposits topic required")
	}
	if cfg.Broadcaster.BaseURL == "" {
		return nil, fmt.Errorf("broadcaster base url required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("WALLET_JWT_SECRET required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("WALLET_ENCRYPTION_KEY required")
	}
	if cfg.Staking.AccrualInterval <= 0 {
		cfg.Staking.AccrualInterval = 24 * time.Hour
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
