// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate the struct using go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// localEnv is the APP_ENV value used on developer machines.
const localEnv = "local"

// loaderDeps holds the injectable dependencies for the loader.
type loaderDeps struct {
	// dotenvFiles are loaded in order; missing files are ignored. An empty
	// slice loads ".env" from the working directory.
	dotenvFiles []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{}
}

// LoadConfig loads and validates the process configuration.
func LoadConfig() (*Config, error) {
	return loadConfigWithDeps(defaultDeps())
}

func loadConfigWithDeps(deps loaderDeps) (*Config, error) {
	// Step 1: Enforce UTC timezone to prevent drift bugs.
	time.Local = time.UTC

	// Step 2: Load .env file (non-fatal if absent). godotenv does NOT
	// override variables already present in the environment.
	_ = godotenv.Load(deps.dotenvFiles...)

	// Step 3: Process envconfig tags. The empty prefix means nested structs
	// fall back to the bare tag name (e.g. envconfig:"PORT" reads PORT).
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	// Step 4: Populate build metadata from linker-injected variables.
	cfg.Build = NewBuildInfo()
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	// Step 5: Validate the populated struct.
	if err := validator.New().Struct(cfg); err != nil {
		return nil, classifyValidation(err)
	}

	return &cfg, nil
}

// classifyValidation reports missing values as ErrMissingEnv and everything
// else as ErrValidation.
func classifyValidation(err error) *ConfigError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}

	var missing []string
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_if":
			missing = append(missing, fe.Namespace())
		default:
			return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
		}
	}
	return &ConfigError{
		Type:    ErrMissingEnv,
		Message: fmt.Sprintf("required configuration missing: %s", strings.Join(missing, ", ")),
		Err:     err,
	}
}
