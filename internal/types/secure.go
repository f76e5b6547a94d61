package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential (bot app password, database URL, Redis
// URL) and refuses to print or serialize it. Use Unmask at the single point
// where the raw value is handed to a client or driver.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
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

// Unmask returns the raw plaintext value of the secret.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether the secret is unset.
func (s SecretString) IsZero() bool {
	return s == ""
}
