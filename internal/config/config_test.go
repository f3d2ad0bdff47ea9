package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModelConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model_config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadModelConfig(t *testing.T) {
	path := writeModelConfig(t, `
model: "gpt-4o-mini"
temperature: 0.2
api_key: "file-key"
endpoint: "https://api.openai.com/v1/chat/completions"
prompt_price_per_1k: "0.00015"
completion_price_per_1k: "0.0006"
`)

	mc, err := LoadModelConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", mc.Model)
	assert.Equal(t, 0.2, mc.Temperature)
	assert.Equal(t, "file-key", mc.APIKey)
	assert.Equal(t, "0.00015", mc.PromptPricePer1K)
	assert.Equal(t, "0.0006", mc.CompletionPricePer1K)
}

func TestLoadModelConfigAPIKeyFromEnv(t *testing.T) {
	t.Setenv("AI_API_KEY", "env-key")
	path := writeModelConfig(t, `
model: "gpt-4o-mini"
endpoint: "https://api.openai.com/v1/chat/completions"
`)

	mc, err := LoadModelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", mc.APIKey)
}

func TestLoadModelConfigValidation(t *testing.T) {
	testCases := []struct {
		name          string
		contents      string
		errorContains string
	}{
		{
			name:          "Missing Model",
			contents:      `endpoint: "https://example.com"`,
			errorContains: "model name is required",
		},
		{
			name:          "Missing Endpoint",
			contents:      `model: "gpt-4o-mini"`,
			errorContains: "endpoint is required",
		},
		{
			name:          "Not YAML",
			contents:      "{{{{",
			errorContains: "failed to parse",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("AI_API_KEY", "env-key")
			_, err := LoadModelConfig(writeModelConfig(t, tc.contents))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errorContains)
		})
	}
}

func TestCognitoEndpoints(t *testing.T) {
	cfg := &Config{AWSRegion: "eu-west-1", CognitoUserPoolID: "eu-west-1_abc123"}

	assert.Equal(t, "https://cognito-idp.eu-west-1.amazonaws.com/eu-west-1_abc123", cfg.CognitoIssuer())
	assert.Equal(t, "https://cognito-idp.eu-west-1.amazonaws.com/eu-west-1_abc123/.well-known/jwks.json", cfg.CognitoJWKSURL())
}
