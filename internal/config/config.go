package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/nimasrn/notifyhub-gateway/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"

var config *Config

// Config holds every configuration value of the gateway processes. Only this
// struct must be used to read configuration, no direct access to env or any
// other config source should be made. API keys are the exception, they are
// resolved by the apikey package from NOTIFYHUB_APIKEY_* and the key file.
type Config struct {
	AppEnv     string `env:"APP_ENV,default=dev"`
	AppName    string `env:"APP_NAME,default=notifyhub"`
	AppVersion string `env:"APP_VERSION,default=dev"`
	AppDebug   bool   `env:"APP_DEBUG,default=false"`
	LogLevel   string `env:"LOG_LEVEL"`

	HttpListenAddr         string        `env:"HTTP_LISTEN_ADDR,default=:8080"`
	HttpRequestTimeout     time.Duration `env:"HTTP_REQUEST_TIMEOUT,default=45s"`
	HttpServerReadTimeout  time.Duration `env:"HTTP_SERVER_READ_TIMEOUT,default=10s"`
	HttpServerWriteTimeout time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT,default=60s"`
	HttpCompressLevel      int           `env:"HTTP_COMPRESS_LEVEL,default=0"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT,default=5432"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT,default=5432"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	PostgresSSLMode         string        `env:"POSTGRES_SSLMODE,default=disable"`
	PostgresMaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS,default=20"`
	PostgresConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME,default=30m"`

	// RedisAddr empty means the abuse guard keeps its state in process memory
	// and send idempotency is disabled.
	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE,default=0"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX,default=notifyhub:"`

	PromEnabled    bool   `env:"PROM_ENABLED,default=true"`
	PromNamespace  string `env:"PROM_NAMESPACE,default=notifyhub"`
	PromListenAddr string `env:"PROM_LISTEN_ADDR,default=:9100"`
	PromURI        string `env:"PROM_URI,default=/metrics"`

	ApiKeyFile string `env:"NOTIFYHUB_APIKEY_FILE"`

	// smtp | relay
	Transport string `env:"NOTIFYHUB_TRANSPORT,default=smtp"`

	SmtpHost      string        `env:"NOTIFYHUB_SMTP_HOST"`
	SmtpPort      int           `env:"NOTIFYHUB_SMTP_PORT,default=587"`
	SmtpUseSSL    bool          `env:"NOTIFYHUB_SMTP_USESSL,default=false"`
	SmtpUsername  string        `env:"NOTIFYHUB_SMTP_USERNAME"`
	SmtpPassword  string        `env:"NOTIFYHUB_SMTP_PASSWORD"`
	SmtpFromEmail string        `env:"NOTIFYHUB_SMTP_FROMEMAIL"`
	SmtpFromName  string        `env:"NOTIFYHUB_SMTP_FROMNAME,default=NotifyHub"`
	SmtpHelloName string        `env:"NOTIFYHUB_SMTP_HELLO,default=localhost"`
	SendTimeout   time.Duration `env:"NOTIFYHUB_SEND_TIMEOUT,default=30s"`

	RelayURL                     string        `env:"NOTIFYHUB_RELAY_URL,default=http://localhost:8081"`
	RelayMaxConns                int           `env:"NOTIFYHUB_RELAY_MAX_CONNS,default=64"`
	RelayCircuitBreakerThreshold int           `env:"NOTIFYHUB_RELAY_BREAKER_THRESHOLD,default=5"`
	RelayCircuitBreakerTimeout   time.Duration `env:"NOTIFYHUB_RELAY_BREAKER_TIMEOUT,default=60s"`

	MaxRecipients    int `env:"NOTIFYHUB_MAX_RECIPIENTS,default=100"`
	MaxSubjectLength int `env:"NOTIFYHUB_MAX_SUBJECT_LENGTH,default=500"`
	MaxBodyLength    int `env:"NOTIFYHUB_MAX_BODY_LENGTH,default=50000"`

	RetryEnabled       bool          `env:"NOTIFYHUB_RETRY_ENABLED,default=true"`
	RetryCheckInterval time.Duration `env:"NOTIFYHUB_RETRY_CHECK_INTERVAL,default=5m"`
	RetryMaxAttempts   int           `env:"NOTIFYHUB_RETRY_MAX_ATTEMPTS,default=3"`
	RetryDelay         time.Duration `env:"NOTIFYHUB_RETRY_DELAY,default=5m"`
	RetryBatchSize     int           `env:"NOTIFYHUB_RETRY_BATCH_SIZE,default=50"`
	RetryPause         time.Duration `env:"NOTIFYHUB_RETRY_PAUSE,default=2s"`
	RetryWorkers       int           `env:"NOTIFYHUB_RETRY_WORKERS,default=1"`

	Retention       time.Duration `env:"NOTIFYHUB_RETENTION,default=720h"`
	CleanupInterval time.Duration `env:"NOTIFYHUB_CLEANUP_INTERVAL,default=24h"`

	IdempotencyTTL time.Duration `env:"NOTIFYHUB_IDEMPOTENCY_TTL,default=24h"`

	MaxRequestBodyBytes int           `env:"NOTIFYHUB_MAX_REQUEST_BYTES,default=1048576"`
	BlacklistBan        time.Duration `env:"NOTIFYHUB_BAN_BLACKLIST,default=24h"`
	PayloadBan          time.Duration `env:"NOTIFYHUB_BAN_PAYLOAD,default=24h"`
	ScannerBan          time.Duration `env:"NOTIFYHUB_BAN_SCANNER,default=2h"`
	AbnormalBan         time.Duration `env:"NOTIFYHUB_BAN_ABNORMAL,default=6h"`
	ViolationThreshold  int           `env:"NOTIFYHUB_VIOLATION_THRESHOLD,default=3"`
	ViolationWindow     time.Duration `env:"NOTIFYHUB_VIOLATION_WINDOW,default=1h"`
	NotFoundThreshold   int           `env:"NOTIFYHUB_NOTFOUND_THRESHOLD,default=20"`
	NotFoundWindow      time.Duration `env:"NOTIFYHUB_NOTFOUND_WINDOW,default=10m"`
	SensitivePathLimit  int           `env:"NOTIFYHUB_SENSITIVE_THRESHOLD,default=10"`
	SensitivePathWindow time.Duration `env:"NOTIFYHUB_SENSITIVE_WINDOW,default=5m"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		if err := godotenv.Load(path); err != nil {
			return errors.Wrap(err, "failed to load configuration file "+path)
		}
	}

	c := &Config{}
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return errors.Wrap(err, "failed to map env variables to Configuration object")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := logger.Configure(c.AppEnv, c.LogLevel); err != nil {
		return errors.Wrap(err, "failed to configure logger")
	}

	config = c
	return nil
}

// Set replaces the loaded configuration, tests and tools use it.
func Set(c *Config) {
	config = c
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}

// Validate checks values whose correctness depends on other fields.
func (c *Config) Validate() error {
	var problems []string
	switch c.Transport {
	case "smtp":
		if c.SmtpHost == "" {
			problems = append(problems, "NOTIFYHUB_SMTP_HOST is required for the smtp transport")
		}
		if c.SmtpFromEmail == "" {
			problems = append(problems, "NOTIFYHUB_SMTP_FROMEMAIL is required for the smtp transport")
		}
	case "relay":
		if c.RelayURL == "" {
			problems = append(problems, "NOTIFYHUB_RELAY_URL is required for the relay transport")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown NOTIFYHUB_TRANSPORT %q", c.Transport))
	}
	if c.RetryMaxAttempts < 0 {
		problems = append(problems, "NOTIFYHUB_RETRY_MAX_ATTEMPTS must not be negative")
	}
	if c.RetryCheckInterval <= 0 {
		problems = append(problems, "NOTIFYHUB_RETRY_CHECK_INTERVAL must be positive")
	}
	if c.RetryBatchSize <= 0 {
		problems = append(problems, "NOTIFYHUB_RETRY_BATCH_SIZE must be positive")
	}
	if c.MaxRecipients <= 0 {
		problems = append(problems, "NOTIFYHUB_MAX_RECIPIENTS must be positive")
	}
	if c.SendTimeout <= 0 {
		problems = append(problems, "NOTIFYHUB_SEND_TIMEOUT must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// ArgEnvPath returns the value of a --env=path argument when the file exists.
func ArgEnvPath(args []string) string {
	for _, v := range args {
		if strings.HasPrefix(v, "--env=") {
			p := strings.TrimPrefix(v, "--env=")
			if _, err := os.Stat(p); err != nil {
				logger.Error("failed to open the passed env file, got error " + err.Error())
				return ""
			}
			return p
		}
	}
	return ""
}
