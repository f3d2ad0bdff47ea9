package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application-wide configuration loaded from environment variables.
type Config struct {
	DatabaseURL         string
	AppEnv              string
	SentryDSN           string
	AWSRegion           string
	CognitoUserPoolID   string
	CognitoClientID     string
	EmbeddingServiceURL string
	ModelProvider       string // "openai" or "dummy"
	ModelConfigPath     string
	RetrievalTopK       int
	PackageLanguageID   int
}

// ModelConfig holds the language model settings loaded from a YAML file.
type ModelConfig struct {
	Model                string  `yaml:"model"`
	Temperature          float64 `yaml:"temperature"`
	APIKey               string  `yaml:"api_key"`
	Endpoint             string  `yaml:"endpoint"`
	PromptPricePer1K     string  `yaml:"prompt_price_per_1k"`
	CompletionPricePer1K string  `yaml:"completion_price_per_1k"`
}

// LoadConfig reads configuration from environment variables or a .env file.
// It is the single source of truth for application configuration.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists. In production these are set directly
	// in the environment.
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("FATAL: DATABASE_URL environment variable not set")
	}

	awsRegion := os.Getenv("AWS_REGION")
	if awsRegion == "" {
		return nil, fmt.Errorf("FATAL: AWS_REGION environment variable not set")
	}

	userPoolID := os.Getenv("COGNITO_USER_POOL_ID")
	if userPoolID == "" {
		return nil, fmt.Errorf("FATAL: COGNITO_USER_POOL_ID environment variable not set")
	}

	clientID := os.Getenv("COGNITO_CLIENT_ID")
	if clientID == "" {
		return nil, fmt.Errorf("FATAL: COGNITO_CLIENT_ID environment variable not set")
	}

	embeddingServiceURL := os.Getenv("EMBEDDING_SERVICE_URL")
	if embeddingServiceURL == "" {
		return nil, fmt.Errorf("FATAL: EMBEDDING_SERVICE_URL environment variable not set")
	}

	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN == "" {
		return nil, fmt.Errorf("FATAL: SENTRY_DSN environment variable not set")
	}

	modelProvider := os.Getenv("MODEL_PROVIDER")
	if modelProvider == "" {
		modelProvider = "openai"
	}
	if modelProvider != "openai" && modelProvider != "dummy" {
		return nil, fmt.Errorf("FATAL: unsupported MODEL_PROVIDER %q", modelProvider)
	}

	modelConfigPath := os.Getenv("MODEL_CONFIG_PATH")
	if modelConfigPath == "" && modelProvider == "openai" {
		return nil, fmt.Errorf("FATAL: MODEL_CONFIG_PATH environment variable not set")
	}

	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		appEnv = "development"
	}

	topK := 3
	if v := os.Getenv("RETRIEVAL_TOP_K"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("FATAL: RETRIEVAL_TOP_K must be a positive integer, got %q", v)
		}
		topK = n
	}

	// Package names are localized; language 2 is French in the catalog.
	languageID := 2
	if v := os.Getenv("PACKAGE_LANGUAGE_ID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("FATAL: PACKAGE_LANGUAGE_ID must be a positive integer, got %q", v)
		}
		languageID = n
	}

	return &Config{
		DatabaseURL:         dbURL,
		AppEnv:              appEnv,
		SentryDSN:           sentryDSN,
		AWSRegion:           awsRegion,
		CognitoUserPoolID:   userPoolID,
		CognitoClientID:     clientID,
		EmbeddingServiceURL: embeddingServiceURL,
		ModelProvider:       modelProvider,
		ModelConfigPath:     modelConfigPath,
		RetrievalTopK:       topK,
		PackageLanguageID:   languageID,
	}, nil
}

// CognitoIssuer returns the expected token issuer for the configured user pool.
func (c *Config) CognitoIssuer() string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.AWSRegion, c.CognitoUserPoolID)
}

// CognitoJWKSURL returns the URL of the user pool's published key set.
func (c *Config) CognitoJWKSURL() string {
	return c.CognitoIssuer() + "/.well-known/jwks.json"
}

// LoadModelConfig reads the language model settings from a YAML file.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model config %s: %w", path, err)
	}
	var mc ModelConfig
	if err := yaml.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}
	if mc.Model == "" {
		return nil, fmt.Errorf("model config %s: model name is required", path)
	}
	if mc.Endpoint == "" {
		return nil, fmt.Errorf("model config %s: endpoint is required", path)
	}
	if mc.APIKey == "" {
		mc.APIKey = os.Getenv("AI_API_KEY")
	}
	if mc.APIKey == "" {
		return nil, fmt.Errorf("model config %s: api_key not set and AI_API_KEY not in environment", path)
	}
	return &mc, nil
}
