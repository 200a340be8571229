package config

import "context"

// SecretProvider resolves *_SSM_PARAM pointers. SSMProvider serves deployed
// stages; EnvVarProvider serves local runs and tests.
type SecretProvider interface {
	// GetParametersBatch returns the plaintext value of every key it could
	// resolve. Keys it cannot find are left out of the map.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
