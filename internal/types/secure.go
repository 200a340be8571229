package types

import "log/slog"

// redactedPlaceholder replaces secret values in logs and serialized output.
const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds credentials (database URLs, API tokens) that must never
// reach a log line or a JSON payload. fmt, encoding/json and slog all see the
// redacted placeholder; Unmask returns the real value.
type SecretString string

// String returns the redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString covers the %#v verb, which bypasses String.
func (s SecretString) GoString() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redactedPlaceholder)
}

// IsSet reports whether a non-empty value is present.
func (s SecretString) IsSet() bool {
	return s != ""
}

// Unmask returns the raw plaintext value. Callers should hand the result
// straight to the client that needs it (pgx pool, Authorization header).
func (s SecretString) Unmask() string {
	return string(s)
}
