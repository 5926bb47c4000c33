package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the API process.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Auth     AuthConfig
	Payments PaymentsConfig
	Wompi    WompiConfig
	Mercado  MercadoPagoConfig
	Webhooks WebhookConfig
}

type AppConfig struct {
	Port string
	Env  string // development | production
}

type DatabaseConfig struct {
	URL string
}

// RedisConfig enables distributed payment locks when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig enables domain event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type AuthConfig struct {
	JWTSecret string
}

// PaymentsConfig holds orchestration policy.
type PaymentsConfig struct {
	RefundFeeRate  string
	GatewayTimeout time.Duration
	// Routes overrides the default method -> processor table, e.g. "PSE=mercadopago,EFECTY=direct".
	Routes           string
	SnowflakeNode    int64
	FrontendURL      string
	DirectPSEBankURL string
	Currency         string
}

type WompiConfig struct {
	BaseURL      string
	PublicKey    string
	PrivateKey   string
	EventsSecret string
}

type MercadoPagoConfig struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
}

// WebhookConfig holds the shared secrets of rails that notify us directly.
type WebhookConfig struct {
	NequiToken     string
	DaviplataToken string
	PSESecret      string
}

// IsProduction reports whether the process runs against live gateways.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present; explicit env vars always win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Port: v.GetString("APP_PORT"),
			Env:  v.GetString("APP_ENV"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("DATABASE_URL"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_PAYMENTS_TOPIC"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
		},
		Payments: PaymentsConfig{
			RefundFeeRate:    v.GetString("REFUND_FEE_RATE"),
			GatewayTimeout:   v.GetDuration("GATEWAY_TIMEOUT"),
			Routes:           v.GetString("PAYMENT_ROUTES"),
			SnowflakeNode:    v.GetInt64("SNOWFLAKE_NODE"),
			FrontendURL:      v.GetString("FRONTEND_URL"),
			DirectPSEBankURL: v.GetString("DIRECT_PSE_BANK_URL"),
			Currency:         v.GetString("PAYMENT_CURRENCY"),
		},
		Wompi: WompiConfig{
			BaseURL:      v.GetString("WOMPI_BASE_URL"),
			PublicKey:    v.GetString("WOMPI_PUBLIC_KEY"),
			PrivateKey:   v.GetString("WOMPI_PRIVATE_KEY"),
			EventsSecret: v.GetString("WOMPI_EVENTS_SECRET"),
		},
		Mercado: MercadoPagoConfig{
			BaseURL:       v.GetString("MERCADOPAGO_BASE_URL"),
			AccessToken:   v.GetString("MERCADOPAGO_ACCESS_TOKEN"),
			WebhookSecret: v.GetString("MERCADOPAGO_WEBHOOK_SECRET"),
		},
		Webhooks: WebhookConfig{
			NequiToken:     v.GetString("NEQUI_WEBHOOK_TOKEN"),
			DaviplataToken: v.GetString("DAVIPLATA_WEBHOOK_TOKEN"),
			PSESecret:      v.GetString("PSE_WEBHOOK_SECRET"),
		},
	}

	// Wompi has distinct sandbox and production hosts; pick by env unless pinned.
	if cfg.Wompi.BaseURL == "" {
		cfg.Wompi.BaseURL = "https://sandbox.wompi.co/v1"
		if cfg.IsProduction() {
			cfg.Wompi.BaseURL = "https://production.wompi.co/v1"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("KAFKA_PAYMENTS_TOPIC", "payments.events")
	v.SetDefault("REFUND_FEE_RATE", "0.03")
	v.SetDefault("GATEWAY_TIMEOUT", 30*time.Second)
	v.SetDefault("SNOWFLAKE_NODE", 1)
	v.SetDefault("FRONTEND_URL", "http://localhost:3000")
	v.SetDefault("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com")
	v.SetDefault("PAYMENT_CURRENCY", "COP")
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Payments.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.Payments.SnowflakeNode < 0 || c.Payments.SnowflakeNode > 1023 {
		return fmt.Errorf("SNOWFLAKE_NODE must be between 0 and 1023")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
