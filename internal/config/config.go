package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type HTTP struct {
	Port         string        // :8080
	APIPrefix    string        // /api/v1
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
}

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Ledger struct {
	Driver string // sqlite | postgres | memory
	Path   string // SQLite file, created on first use
	DB     DB     // used when Driver is postgres
}

type Jira struct {
	BaseURL           string // https://acme.atlassian.net
	Email             string
	APIToken          string
	ProjectKey        string
	AssigneeAccountID string // optional
	Timeout           time.Duration
}

// Enabled reports whether enough is configured to create issues. A disabled
// channel is recorded as skipped.
func (j Jira) Enabled() bool {
	return j.BaseURL != "" && j.Email != "" && j.APIToken != ""
}

type Slack struct {
	BotToken string
	Channel  string
	APIURL   string // https://slack.com/api
	Timeout  time.Duration
}

func (s Slack) Enabled() bool {
	return s.BotToken != "" && s.Channel != ""
}

// Billing points at the billing service quoted in recovery comments. Empty
// URL leaves the cost section out.
type Billing struct {
	URL     string
	Timeout time.Duration
}

func (b Billing) Enabled() bool {
	return b.URL != ""
}

type Auth struct {
	PublicKeyPEM string // RS256 public key; empty disables webhook auth
	Issuer       string
	Audience     string
}

type Tracing struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRatio  float64
}

type FakeReceiver struct {
	Port            string
	JiraFailFirstN  int    // number of issue requests answered with 500
	SlackFailMode   string // "", not_in_channel, invalid_blocks
	ResponseDelayMS int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

type Config struct {
	AppName      string
	Environment  string
	HTTP         HTTP
	Ledger       Ledger
	Jira         Jira
	Slack        Slack
	Billing      Billing
	Auth         Auth
	Tracing      Tracing
	PortTimeout  time.Duration // bound on each ticket/chat call
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load reads an optional .env file (ENV_FILE, else ./.env) and then the
// process environment. Variables already set in the environment win.
func Load() Config {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			_ = godotenv.Load(".env")
		}
	} else {
		_ = godotenv.Load(".env")
	}
	return FromEnv()
}

func FromEnv() Config {
	endpoint := getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	return Config{
		AppName:     getenv("APP_NAME", "notifier"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTP: HTTP{
			Port:         getenv("HTTP_PORT", ":8080"),
			APIPrefix:    normalizePrefix(getenv("API_PREFIX", "/api/v1")),
			ReadTimeout:  getenvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getenvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		},
		Ledger: Ledger{
			Driver: strings.ToLower(getenv("LEDGER_DRIVER", "sqlite")),
			Path:   getenv("LEDGER_PATH", "./data/notification.db"),
			DB: DB{
				User: getenv("DB_USER", "postgres"),
				Pass: getenv("DB_PASS", "postgres"),
				Host: getenv("DB_HOST", "localhost"),
				Port: getenv("DB_PORT", "5432"),
				Name: getenv("DB_NAME", "notifier"),
			},
		},
		Jira: Jira{
			BaseURL:           strings.TrimRight(getenv("JIRA_BASE_URL", ""), "/"),
			Email:             getenv("JIRA_EMAIL", ""),
			APIToken:          getenv("JIRA_API_TOKEN", ""),
			ProjectKey:        getenv("JIRA_PROJECT_KEY", "ACCR"),
			AssigneeAccountID: getenv("JIRA_ASSIGNEE_ACCOUNT_ID", ""),
			Timeout:           getenvDuration("JIRA_TIMEOUT", 10*time.Second),
		},
		Slack: Slack{
			BotToken: getenv("SLACK_BOT_TOKEN", ""),
			Channel:  getenv("SLACK_CHANNEL", ""),
			APIURL:   strings.TrimRight(getenv("SLACK_API_URL", "https://slack.com/api"), "/"),
			Timeout:  getenvDuration("SLACK_TIMEOUT", 10*time.Second),
		},
		Billing: Billing{
			URL:     strings.TrimRight(getenv("BILLING_URL", ""), "/"),
			Timeout: getenvDuration("BILLING_TIMEOUT", 5*time.Second),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("WEBHOOK_JWT_PUBLIC_KEY", ""),
			Issuer:       getenv("WEBHOOK_JWT_ISSUER", ""),
			Audience:     getenv("WEBHOOK_JWT_AUDIENCE", ""),
		},
		Tracing: Tracing{
			Enabled:      getenvBool("TRACING_ENABLED", endpoint != ""),
			OTLPEndpoint: endpoint,
			SampleRatio:  getenvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		PortTimeout: getenvDuration("PORT_TIMEOUT", 15*time.Second),
		FakeReceiver: FakeReceiver{
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			JiraFailFirstN:  getenvInt("JIRA_FAIL_FIRST_N", 0),
			SlackFailMode:   getenv("SLACK_FAIL_MODE", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func normalizePrefix(p string) string {
	p = strings.TrimRight(p, "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// DSN is the Postgres connection string for the ledger
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Ledger.DB.User, c.Ledger.DB.Pass, c.Ledger.DB.Host, c.Ledger.DB.Port, c.Ledger.DB.Name)
}
