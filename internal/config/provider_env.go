package config

import (
	"context"
	"os"
)

// EnvVarProvider treats each key as an environment variable name. With
// APP_ENV=local a pointer such as DATABASE_URL_SSM_PARAM=LOCAL_DB_URL is
// resolved from LOCAL_DB_URL instead of Parameter Store.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch returns the variables that are set; unset keys are omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}

// NewSecretProvider returns the provider for appEnv: environment variables
// when running locally, Parameter Store in region otherwise.
func NewSecretProvider(appEnv, region, endpoint string) SecretProvider {
	if appEnv == localEnv {
		return NewEnvVarProvider()
	}
	return NewSSMProvider(region, endpoint)
}
