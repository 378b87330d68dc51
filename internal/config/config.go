// Package config defines the configuration contract and handles loading and validating environment configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Canonical environment variable keys.
	KeyTelegramToken     = "TELEGRAM_TOKEN"
	KeyAppEnv            = "APP_ENV"
	KeyLogLevel          = "LOG_LEVEL"
	KeyHTTPPort          = "HTTP_PORT"
	KeyStoreBackend      = "STORE_BACKEND"
	KeyStorePath         = "STORE_PATH"
	KeyMongoURI          = "MONGO_URI"
	KeyMongoDB           = "MONGO_DB"
	KeyBcryptCost        = "BCRYPT_COST"
	KeyClassifierBackend = "CLASSIFIER_BACKEND"
	KeyModelServerURL    = "MODEL_SERVER_URL"
	KeyModelName         = "MODEL_NAME"
	KeyClassifyTimeout   = "CLASSIFY_TIMEOUT"
	KeyOpenAIAPIKey      = "OPENAI_API_KEY"
	KeyOpenAIModel       = "OPENAI_MODEL"
	KeyAnthropicAPIKey   = "ANTHROPIC_API_KEY"
	KeyAnthropicModel    = "ANTHROPIC_MODEL"
	KeyWebhookURL        = "WEBHOOK_URL"
	KeyTLSCertFile       = "TLS_CERT_FILE"
	KeyTLSKeyFile        = "TLS_KEY_FILE"

	// Allowed environment values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// Credential store backends.
	StoreFile  = "file"
	StoreMongo = "mongo"

	// Classifier backends.
	ClassifierModelServer = "modelserver"
	ClassifierOpenAI      = "openai"
	ClassifierAnthropic   = "anthropic"

	// Defaults for optional settings.
	DefaultAppEnv            = EnvProduction
	DefaultLogLevel          = "info"
	DefaultHTTPPort          = 8080
	DefaultStoreBackend      = StoreFile
	DefaultStorePath         = "users.json"
	DefaultBcryptCost        = bcrypt.DefaultCost
	DefaultClassifierBackend = ClassifierModelServer
	DefaultModelServerURL    = "http://localhost:8501"
	DefaultModelName         = "classifier"
	DefaultClassifyTimeout   = 10 * time.Second

	// Recommended database names by environment.
	DefaultMongoDBProd = "tg_classifier_bot"
	DefaultMongoDBDev  = "tg_classifier_bot_dev"
)

// VarSpec describes a single configuration key.
type VarSpec struct {
	Key         string // environment variable name
	Example     string // human-friendly sample value
	Required    bool   // whether the bot must refuse to start without this value
	Default     string // default when unset (empty when required)
	Description string // what the variable controls
	Notes       string // extra guidance or policies
}

// Contract enumerates the authoritative configuration keys for the bot.
// .env loading is only permitted when APP_ENV=development; production must rely
// on environment variables supplied by the runtime.
var Contract = []VarSpec{
	{
		Key:         KeyTelegramToken,
		Example:     "123:ABC",
		Required:    true,
		Description: "Telegram Bot Token issued by BotFather.",
	},
	{
		Key:         KeyAppEnv,
		Example:     EnvDevelopment + " / " + EnvProduction,
		Default:     DefaultAppEnv,
		Description: "Runtime environment; controls log format and dotenv usage.",
		Notes:       "Load .env files only when APP_ENV=" + EnvDevelopment + ".",
	},
	{
		Key:         KeyLogLevel,
		Example:     DefaultLogLevel,
		Default:     DefaultLogLevel,
		Description: "Overrides default log level.",
	},
	{
		Key:         KeyHTTPPort,
		Example:     strconv.Itoa(DefaultHTTPPort),
		Default:     strconv.Itoa(DefaultHTTPPort),
		Description: "HTTP health port; also serves the webhook in webhook mode.",
	},
	{
		Key:         KeyStoreBackend,
		Example:     StoreFile + " / " + StoreMongo,
		Default:     DefaultStoreBackend,
		Description: "Credential store backend.",
	},
	{
		Key:         KeyStorePath,
		Example:     "/var/lib/bot/users.json",
		Default:     DefaultStorePath,
		Description: "JSON file holding credentials when STORE_BACKEND=" + StoreFile + ".",
	},
	{
		Key:         KeyMongoURI,
		Example:     "mongodb://localhost:27017",
		Description: "MongoDB connection string.",
		Notes:       "Required when STORE_BACKEND=" + StoreMongo + ".",
	},
	{
		Key:         KeyMongoDB,
		Example:     DefaultMongoDBProd + " / " + DefaultMongoDBDev,
		Description: "MongoDB database name.",
		Notes:       "Required when STORE_BACKEND=" + StoreMongo + ". Recommended: production=" + DefaultMongoDBProd + ", development=" + DefaultMongoDBDev + ".",
	},
	{
		Key:         KeyBcryptCost,
		Example:     strconv.Itoa(DefaultBcryptCost),
		Default:     strconv.Itoa(DefaultBcryptCost),
		Description: "bcrypt work factor for stored credentials.",
	},
	{
		Key:         KeyClassifierBackend,
		Example:     ClassifierModelServer + " / " + ClassifierOpenAI + " / " + ClassifierAnthropic,
		Default:     DefaultClassifierBackend,
		Description: "Image classification backend.",
	},
	{
		Key:         KeyModelServerURL,
		Example:     DefaultModelServerURL,
		Default:     DefaultModelServerURL,
		Description: "Base URL of the REST model server.",
	},
	{
		Key:         KeyModelName,
		Example:     DefaultModelName,
		Default:     DefaultModelName,
		Description: "Model name on the model server.",
	},
	{
		Key:         KeyClassifyTimeout,
		Example:     DefaultClassifyTimeout.String(),
		Default:     DefaultClassifyTimeout.String(),
		Description: "Upper bound for a single classification call.",
	},
	{
		Key:         KeyOpenAIAPIKey,
		Example:     "sk-...",
		Description: "OpenAI API key.",
		Notes:       "Required when CLASSIFIER_BACKEND=" + ClassifierOpenAI + ".",
	},
	{
		Key:         KeyOpenAIModel,
		Example:     "gpt-4o-mini",
		Description: "OpenAI vision model; empty uses the adapter default.",
	},
	{
		Key:         KeyAnthropicAPIKey,
		Example:     "sk-ant-...",
		Description: "Anthropic API key.",
		Notes:       "Required when CLASSIFIER_BACKEND=" + ClassifierAnthropic + ".",
	},
	{
		Key:         KeyAnthropicModel,
		Example:     "claude-3-5-sonnet-20241022",
		Description: "Anthropic vision model; empty uses the adapter default.",
	},
	{
		Key:         KeyWebhookURL,
		Example:     "https://bot.example.com",
		Description: "Public base URL; enables webhook mode instead of long polling.",
	},
	{
		Key:         KeyTLSCertFile,
		Example:     "/etc/bot/tls.crt",
		Description: "Certificate for serving HTTPS directly.",
		Notes:       "Set together with " + KeyTLSKeyFile + ".",
	},
	{
		Key:         KeyTLSKeyFile,
		Example:     "/etc/bot/tls.key",
		Description: "Private key for serving HTTPS directly.",
		Notes:       "Set together with " + KeyTLSCertFile + ".",
	},
}

// Config mirrors resolved configuration values after loading.
type Config struct {
	TelegramToken string
	AppEnv        string
	LogLevel      string
	HTTPPort      int

	StoreBackend string
	StorePath    string
	MongoURI     string
	MongoDB      string
	BcryptCost   int

	ClassifierBackend string
	ModelServerURL    string
	ModelName         string
	ClassifyTimeout   time.Duration
	OpenAIAPIKey      string
	OpenAIModel       string
	AnthropicAPIKey   string
	AnthropicModel    string

	WebhookURL  string
	TLSCertFile string
	TLSKeyFile  string
}

// Load resolves configuration from the environment (with optional dotenv in development).
func Load() (Config, error) {
	appEnv, err := resolveAppEnv()
	if err != nil {
		return Config{}, err
	}

	if err := loadDotEnv(appEnv); err != nil {
		return Config{}, err
	}

	cfg := Config{
		AppEnv:            firstNonEmpty(normalizeEnv(os.Getenv(KeyAppEnv)), appEnv),
		TelegramToken:     env(KeyTelegramToken),
		LogLevel:          firstNonEmpty(env(KeyLogLevel), DefaultLogLevel),
		HTTPPort:          DefaultHTTPPort,
		StoreBackend:      firstNonEmpty(normalizeEnv(os.Getenv(KeyStoreBackend)), DefaultStoreBackend),
		StorePath:         firstNonEmpty(env(KeyStorePath), DefaultStorePath),
		MongoURI:          env(KeyMongoURI),
		MongoDB:           env(KeyMongoDB),
		BcryptCost:        DefaultBcryptCost,
		ClassifierBackend: firstNonEmpty(normalizeEnv(os.Getenv(KeyClassifierBackend)), DefaultClassifierBackend),
		ModelServerURL:    firstNonEmpty(env(KeyModelServerURL), DefaultModelServerURL),
		ModelName:         firstNonEmpty(env(KeyModelName), DefaultModelName),
		ClassifyTimeout:   DefaultClassifyTimeout,
		OpenAIAPIKey:      env(KeyOpenAIAPIKey),
		OpenAIModel:       env(KeyOpenAIModel),
		AnthropicAPIKey:   env(KeyAnthropicAPIKey),
		AnthropicModel:    env(KeyAnthropicModel),
		WebhookURL:        strings.TrimRight(env(KeyWebhookURL), "/"),
		TLSCertFile:       env(KeyTLSCertFile),
		TLSKeyFile:        env(KeyTLSKeyFile),
	}

	if err := validateAppEnv(cfg.AppEnv); err != nil {
		return Config{}, err
	}

	missing := make([]string, 0)

	if cfg.TelegramToken == "" {
		missing = append(missing, KeyTelegramToken)
	}

	switch cfg.StoreBackend {
	case StoreFile:
	case StoreMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, KeyMongoURI)
		}
		if cfg.MongoDB == "" {
			missing = append(missing, KeyMongoDB)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s: must be %q or %q", KeyStoreBackend, StoreFile, StoreMongo)
	}

	switch cfg.ClassifierBackend {
	case ClassifierModelServer:
	case ClassifierOpenAI:
		if cfg.OpenAIAPIKey == "" {
			missing = append(missing, KeyOpenAIAPIKey)
		}
	case ClassifierAnthropic:
		if cfg.AnthropicAPIKey == "" {
			missing = append(missing, KeyAnthropicAPIKey)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s: must be one of %q, %q, %q", KeyClassifierBackend,
			ClassifierModelServer, ClassifierOpenAI, ClassifierAnthropic)
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", "))
	}

	if cfg.StoreBackend == StoreMongo {
		if err := validateMongoURI(cfg.MongoURI); err != nil {
			return Config{}, err
		}
	}

	if raw := env(KeyHTTPPort); raw != "" {
		port, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyHTTPPort, parseErr)
		}
		if port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s must be between 1 and 65535", KeyHTTPPort)
		}
		cfg.HTTPPort = port
	}

	if raw := env(KeyBcryptCost); raw != "" {
		cost, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyBcryptCost, parseErr)
		}
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return Config{}, fmt.Errorf("%s must be between %d and %d", KeyBcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
		}
		cfg.BcryptCost = cost
	}

	if raw := env(KeyClassifyTimeout); raw != "" {
		timeout, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", KeyClassifyTimeout, parseErr)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("%s must be greater than 0", KeyClassifyTimeout)
		}
		cfg.ClassifyTimeout = timeout
	}

	if cfg.ClassifierBackend == ClassifierModelServer {
		if err := validateHTTPURL(KeyModelServerURL, cfg.ModelServerURL, false); err != nil {
			return Config{}, err
		}
	}

	if cfg.WebhookURL != "" {
		if err := validateHTTPURL(KeyWebhookURL, cfg.WebhookURL, true); err != nil {
			return Config{}, err
		}
	}

	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", KeyTLSCertFile, KeyTLSKeyFile)
	}

	return cfg, nil
}

// IsDevelopment reports if APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == EnvDevelopment
}

// UsesWebhook reports whether updates arrive over a webhook instead of long polling.
func (c Config) UsesWebhook() bool {
	return c.WebhookURL != ""
}

// UsesTLS reports whether the HTTP server terminates TLS itself.
func (c Config) UsesTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// FormatRedacted renders cfg for startup logs with secrets masked.
func FormatRedacted(cfg Config) string {
	lines := []string{
		"app_env: " + cfg.AppEnv,
		"log_level: " + cfg.LogLevel,
		"http_port: " + strconv.Itoa(cfg.HTTPPort),
		"telegram_token: " + maskSecret(cfg.TelegramToken),
		"store_backend: " + cfg.StoreBackend,
	}

	if cfg.StoreBackend == StoreMongo {
		lines = append(lines,
			"mongo_uri: "+redactURI(cfg.MongoURI),
			"mongo_db: "+cfg.MongoDB,
		)
	} else {
		lines = append(lines, "store_path: "+cfg.StorePath)
	}

	lines = append(lines,
		"bcrypt_cost: "+strconv.Itoa(cfg.BcryptCost),
		"classifier_backend: "+cfg.ClassifierBackend,
		"classify_timeout: "+cfg.ClassifyTimeout.String(),
	)

	switch cfg.ClassifierBackend {
	case ClassifierOpenAI:
		lines = append(lines,
			"openai_api_key: "+maskSecret(cfg.OpenAIAPIKey),
			"openai_model: "+cfg.OpenAIModel,
		)
	case ClassifierAnthropic:
		lines = append(lines,
			"anthropic_api_key: "+maskSecret(cfg.AnthropicAPIKey),
			"anthropic_model: "+cfg.AnthropicModel,
		)
	default:
		lines = append(lines,
			"model_server_url: "+redactURI(cfg.ModelServerURL),
			"model_name: "+cfg.ModelName,
		)
	}

	mode := "polling"
	if cfg.UsesWebhook() {
		mode = "webhook " + redactURI(cfg.WebhookURL)
	}
	lines = append(lines, "update_mode: "+mode, "tls: "+strconv.FormatBool(cfg.UsesTLS()))

	return strings.Join(lines, "\n")
}

func maskSecret(value string) string {
	if value == "" {
		return "<unset>"
	}
	if len(value) <= 4 {
		return "...redacted"
	}
	return value[:4] + "...redacted"
}

func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	u.User = nil
	return u.String()
}

func validateMongoURI(raw string) error {
	if !strings.HasPrefix(raw, "mongodb://") && !strings.HasPrefix(raw, "mongodb+srv://") {
		return fmt.Errorf("invalid %s: must start with mongodb:// or mongodb+srv://", KeyMongoURI)
	}
	return nil
}

func validateHTTPURL(key, raw string, requireHTTPS bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s: host is required", key)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && !requireHTTPS:
	case requireHTTPS:
		return fmt.Errorf("invalid %s: must use https", key)
	default:
		return fmt.Errorf("invalid %s: must use http or https", key)
	}
	return nil
}

func resolveAppEnv() (string, error) {
	if explicit := normalizeEnv(os.Getenv(KeyAppEnv)); explicit != "" {
		return explicit, nil
	}

	dotEnvValues, err := godotenv.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultAppEnv, nil
		}
		return "", fmt.Errorf("read .env: %w", err)
	}

	if envFromFile := normalizeEnv(dotEnvValues[KeyAppEnv]); envFromFile != "" {
		return envFromFile, nil
	}

	return DefaultAppEnv, nil
}

func loadDotEnv(appEnv string) error {
	if appEnv != EnvDevelopment {
		return nil
	}

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func validateAppEnv(appEnv string) error {
	if appEnv == EnvDevelopment || appEnv == EnvProduction {
		return nil
	}

	return fmt.Errorf("invalid %s: must be %q or %q", KeyAppEnv, EnvDevelopment, EnvProduction)
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func normalizeEnv(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
