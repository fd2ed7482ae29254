package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Addr     string `yaml:"addr"      env:"PIPELINE_ADDR" env-default:":8080"`
	Env      string `yaml:"env"       env:"ENV"           env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"     env-default:"info"`

	PostgresDSN      string `yaml:"postgres_dsn"      env:"POSTGRES_DSN"`
	PostgresHost     string `yaml:"postgres_host"     env:"POSTGRES_HOST"`
	PostgresPort     string `yaml:"postgres_port"     env:"POSTGRES_PORT" env-default:"5432"`
	PostgresDB       string `yaml:"postgres_db"       env:"POSTGRES_DB"`
	PostgresUser     string `yaml:"postgres_user"     env:"POSTGRES_USER"`
	PostgresPassword string `yaml:"postgres_password" env:"POSTGRES_PASSWORD"`
	RunMigrations    bool   `yaml:"run_migrations"    env:"RUN_MIGRATIONS" env-default:"true"`

	MinioEndpointRaw string `yaml:"minio_endpoint"   env:"MINIO_ENDPOINT"`
	MinioAccessKey   string `yaml:"minio_access_key" env:"MINIO_ACCESS_KEY"`
	MinioSecretKey   string `yaml:"minio_secret_key" env:"MINIO_SECRET_KEY"`
	ReportsBucket    string `yaml:"reports_bucket"   env:"REPORTS_BUCKET" env-default:"medical-reports"`
	MinioEndpoint    string `yaml:"-" env:"-"`
	MinioSecure      bool   `yaml:"-" env:"-"`

	KafkaBrokers               []string `yaml:"kafka_brokers"                 env:"KAFKA_BROKERS"                 env-separator:","`
	TopicClinicalEventIngested string   `yaml:"topic_clinical_event_ingested" env:"TOPIC_CLINICAL_EVENT_INGESTED" env-default:"clinical-event.ingested.v1"`

	AnthropicAPIKey  string        `yaml:"anthropic_api_key"  env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `yaml:"anthropic_base_url" env:"ANTHROPIC_BASE_URL"`
	AIModel          string        `yaml:"ai_model"           env:"AI_MODEL"        env-default:"claude-sonnet-4-5"`
	AIMaxTokens      int64         `yaml:"ai_max_tokens"      env:"AI_MAX_TOKENS"   env-default:"4096"`
	AITimeout        time.Duration `yaml:"ai_timeout"         env:"AI_TIMEOUT"      env-default:"60s"`
	AIMaxAttempts    int           `yaml:"ai_max_attempts"    env:"AI_MAX_ATTEMPTS" env-default:"2"`

	FirebaseServiceAccount string        `yaml:"firebase_service_account" env:"FIREBASE_SERVICE_ACCOUNT"`
	FCMEndpoint            string        `yaml:"fcm_endpoint"             env:"FCM_ENDPOINT"           env-default:"https://fcm.googleapis.com"`
	PushTimeout            time.Duration `yaml:"push_timeout"             env:"PUSH_TIMEOUT"           env-default:"10s"`
	PushMaxAttempts        int           `yaml:"push_max_attempts"        env:"PUSH_MAX_ATTEMPTS"      env-default:"3"`
	PushMaxInFlight        int           `yaml:"push_max_in_flight"       env:"PUSH_MAX_IN_FLIGHT"     env-default:"0"`
	DonorTokenMinLength    int           `yaml:"donor_token_min_length"   env:"DONOR_TOKEN_MIN_LENGTH" env-default:"10"`

	JwtIssuer   string `yaml:"jwt_issuer"   env:"JWT_ISSUER"`
	JwtAudience string `yaml:"jwt_audience" env:"JWT_AUDIENCE"`
	JwtSecret   string `yaml:"jwt_secret"   env:"JWT_SECRET"`

	ServiceAccount ServiceAccount `yaml:"-" env:"-"`
}

// ServiceAccount is the subset of a Google service-account key file needed to
// mint push credentials.
type ServiceAccount struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

const defaultTokenURI = "https://oauth2.googleapis.com/token"

// Load reads the environment (and CONFIG_PATH when set) and validates it.
// Only the store is mandatory; the AI model, push credentials, object store,
// Kafka and JWT gate switch their features off when left empty.
func Load() (Config, error) {
	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}

	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = buildPostgresDSN(cfg)
	}
	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("missing POSTGRES_DSN or POSTGRES configuration")
	}

	if cfg.MinioEndpointRaw != "" {
		endpoint, secure, err := parseEndpoint(cfg.MinioEndpointRaw)
		if err != nil {
			return Config{}, err
		}
		cfg.MinioEndpoint = endpoint
		cfg.MinioSecure = secure
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.ReportsBucket == "" {
			return Config{}, fmt.Errorf("missing MINIO_ACCESS_KEY, MINIO_SECRET_KEY, or REPORTS_BUCKET")
		}
	}

	cfg.KafkaBrokers = trimList(cfg.KafkaBrokers)
	if len(cfg.KafkaBrokers) > 0 && cfg.TopicClinicalEventIngested == "" {
		return Config{}, fmt.Errorf("missing TOPIC_CLINICAL_EVENT_INGESTED")
	}

	if cfg.FirebaseServiceAccount != "" {
		sa, err := ParseServiceAccount(cfg.FirebaseServiceAccount)
		if err != nil {
			return Config{}, err
		}
		cfg.ServiceAccount = *sa
	}

	if cfg.JwtSecret != "" && (cfg.JwtIssuer == "" || cfg.JwtAudience == "") {
		return Config{}, fmt.Errorf("missing JWT_ISSUER or JWT_AUDIENCE")
	}
	if cfg.DonorTokenMinLength < 0 {
		return Config{}, fmt.Errorf("invalid DONOR_TOKEN_MIN_LENGTH")
	}

	return cfg, nil
}

// ParseServiceAccount decodes a service-account key document.
func ParseServiceAccount(raw string) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal([]byte(raw), &sa); err != nil {
		return nil, fmt.Errorf("invalid FIREBASE_SERVICE_ACCOUNT: %w", err)
	}
	if sa.ProjectID == "" || sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("invalid FIREBASE_SERVICE_ACCOUNT: missing project_id, client_email, or private_key")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = defaultTokenURI
	}
	return &sa, nil
}

// PushEnabled reports whether donor notifications can be sent.
func (c Config) PushEnabled() bool {
	return c.ServiceAccount.ProjectID != ""
}

// AuthEnabled reports whether inbound requests must carry a signed JWT.
func (c Config) AuthEnabled() bool {
	return c.JwtSecret != ""
}

func buildPostgresDSN(cfg Config) string {
	if cfg.PostgresHost == "" || cfg.PostgresPort == "" || cfg.PostgresDB == "" || cfg.PostgresUser == "" || cfg.PostgresPassword == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		url.QueryEscape(cfg.PostgresUser), url.QueryEscape(cfg.PostgresPassword),
		cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB)
}

func parseEndpoint(raw string) (string, bool, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("invalid MINIO_ENDPOINT: %w", err)
		}
		if parsed.Host == "" {
			return "", false, fmt.Errorf("invalid MINIO_ENDPOINT: missing host")
		}
		return parsed.Host, parsed.Scheme == "https", nil
	}
	return raw, false, nil
}

func trimList(values []string) []string {
	var out []string
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
