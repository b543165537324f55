// Package config reads the payment service and device client settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/pkg/logger"
)

type Service struct {
	HTTPPort           string
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int64

	DB           repository.Credentials
	MongoURI     string
	MongoDBName  string
	RedisAddr    string
	RedisPass    string
	KafkaBrokers []string

	IntentTTL         time.Duration
	SweepInterval     time.Duration
	TerminalConfigTTL time.Duration
	Currency          string
	TaxRate           string
	// DiscountCodes is CODE=percent pairs, e.g. "SAVE10=10,STAFF=25".
	DiscountCodes map[string]string

	Log logger.Config
}

type Client struct {
	APIURL     string
	APIToken   string
	StoreID    string
	LocationID string
	RegisterID string
	OperatorID string

	JournalPath    string
	RequestTimeout time.Duration
	CardTimeout    time.Duration
	InvoiceTimeout time.Duration
	CashTimeout    time.Duration
	PollInterval   time.Duration
	SettleDelay    time.Duration
	MaxRetries     int

	Log logger.Config
}

func LoadService() (*Service, error) {
	var p parser

	cfg := &Service{
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		RequestTimeout:     p.duration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxRequestBodySize: int64(p.number("MAX_REQUEST_BODY_SIZE", 1<<20)), // 1MB
		DB: repository.Credentials{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              p.number("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", "postgres"),
			DBName:            getEnv("DB_NAME", "pos"),
			MigrationsDirPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		},
		MongoURI:          getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:       getEnv("MONGO_DB_NAME", "posdb"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:         getEnv("REDIS_PASSWORD", ""),
		KafkaBrokers:      splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		IntentTTL:         p.duration("INTENT_TTL", 15*time.Minute),
		SweepInterval:     p.duration("SWEEP_INTERVAL", 30*time.Second),
		TerminalConfigTTL: p.duration("TERMINAL_CONFIG_TTL", 5*time.Minute),
		Currency:          getEnv("CURRENCY", "USD"),
		TaxRate:           getEnv("TAX_RATE", "0"),
		DiscountCodes:     p.pairs("DISCOUNT_CODES"),
		Log:               loadLog("payment-service"),
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClient() (*Client, error) {
	var p parser

	cfg := &Client{
		APIURL:         strings.TrimRight(getEnv("POS_API_URL", "http://localhost:8080"), "/"),
		APIToken:       getEnv("POS_API_TOKEN", ""),
		StoreID:        getEnv("POS_STORE_ID", ""),
		LocationID:     getEnv("POS_LOCATION_ID", ""),
		RegisterID:     getEnv("POS_REGISTER_ID", ""),
		OperatorID:     getEnv("POS_OPERATOR_ID", ""),
		JournalPath:    getEnv("POS_JOURNAL_PATH", "pos-journal.db"),
		RequestTimeout: p.duration("POS_REQUEST_TIMEOUT", 15*time.Second),
		CardTimeout:    p.duration("POS_CARD_TIMEOUT", 300*time.Second),
		InvoiceTimeout: p.duration("POS_INVOICE_TIMEOUT", 60*time.Second),
		CashTimeout:    p.duration("POS_CASH_TIMEOUT", 30*time.Second),
		PollInterval:   p.duration("POS_POLL_INTERVAL", 3*time.Second),
		SettleDelay:    p.duration("POS_SETTLE_DELAY", 2*time.Second),
		MaxRetries:     p.number("POS_TERMINAL_MAX_RETRIES", 2),
		Log:            loadLog("pos-client"),
	}
	if cfg.RegisterID == "" {
		p.fail("POS_REGISTER_ID is required")
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadLog(component string) logger.Config {
	return logger.Config{
		Level:     getEnv("LOG_LEVEL", "info"),
		Format:    getEnv("LOG_FORMAT", "json"),
		Component: component,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects every bad variable so one run reports them all.
type parser struct {
	problems []string
}

func (p *parser) fail(format string, args ...any) {
	p.problems = append(p.problems, fmt.Sprintf(format, args...))
}

func (p *parser) err() error {
	if len(p.problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(p.problems, "; "))
}

func (p *parser) number(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.fail("%s: %q is not an integer", key, raw)
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		p.fail("%s: %q is not a positive duration", key, raw)
		return def
	}
	return d
}

func (p *parser) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitList(os.Getenv(key)) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			p.fail("%s: %q is not KEY=VALUE", key, pair)
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
